package pipeline

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// baseEnvAllowlist is the minimal host environment a tool always sees.
// Everything else must be declared, either as a vars passthrough or as a
// literal step env entry.
var baseEnvAllowlist = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// HostEnvMap snapshots the process environment as a map.
func HostEnvMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// BuildStepEnv assembles the environment for one step: the base allowlist,
// the pipeline's host passthrough mappings, then the step's literal entries.
// A passthrough whose source is unset on the host is an error.
func BuildStepEnv(host map[string]string, vars []config.VarMapping, step *config.Step) ([]string, error) {
	env := map[string]string{}
	for _, key := range baseEnvAllowlist {
		if val, ok := host[key]; ok {
			env[key] = val
		}
	}

	for _, vm := range vars {
		source := strings.TrimSpace(vm.Source)
		if source == "" {
			return nil, fmt.Errorf("vars entry missing source")
		}
		value, ok := host[source]
		if !ok {
			return nil, fmt.Errorf("host env %q not set", source)
		}
		target := strings.TrimSpace(vm.Target)
		if target == "" {
			target = source
		}
		env[target] = value
	}

	if step != nil {
		for k, v := range step.Env {
			env[k] = v
		}
	}

	return orderedKeyValuePairs(env), nil
}

// EnvKeys returns the sorted variable names a step would receive, without
// resolving any values. Used for planning.
func EnvKeys(vars []config.VarMapping, step *config.Step) []string {
	seen := map[string]bool{}
	for _, vm := range vars {
		target := strings.TrimSpace(vm.Target)
		if target == "" {
			target = strings.TrimSpace(vm.Source)
		}
		if target != "" {
			seen[target] = true
		}
	}
	if step != nil {
		for k := range step.Env {
			seen[k] = true
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orderedKeyValuePairs(values map[string]string) []string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return pairs
}
