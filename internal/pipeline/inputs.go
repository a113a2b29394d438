package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/climsim/aquaprep/internal/pipeline/config"
)

// MissingInputError reports an input pattern that matched no files.
type MissingInputError struct {
	Step    string
	Pattern string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("step %q: input pattern %q matched no files", e.Step, e.Pattern)
}

// ResolveInputs expands a step's input globs relative to the workdir and
// returns the matches sorted and deduplicated. Directory ordering from the
// filesystem never leaks into the result.
func ResolveInputs(workdir string, step *config.Step) ([]string, error) {
	if step == nil || len(step.Inputs) == 0 {
		return nil, nil
	}

	pathSet := make(map[string]struct{})
	for _, pattern := range step.Inputs {
		full := pattern
		if !filepath.IsAbs(full) {
			full = filepath.Join(workdir, pattern)
		}
		matches, err := filepath.Glob(full)
		if err != nil {
			return nil, fmt.Errorf("step %q: expanding pattern %q: %w", step.Name, pattern, err)
		}
		if len(matches) == 0 {
			return nil, &MissingInputError{Step: step.Name, Pattern: pattern}
		}
		for _, m := range matches {
			pathSet[m] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// MissingOutputs returns the declared outputs a finished step did not
// produce. Resolution mirrors ResolveInputs: relative paths are joined to
// the workdir, and outputs may themselves be glob patterns.
func MissingOutputs(workdir string, step *config.Step) []string {
	if step == nil {
		return nil
	}
	var missing []string
	for _, out := range step.Outputs {
		full := out
		if !filepath.IsAbs(full) {
			full = filepath.Join(workdir, out)
		}
		matches, err := filepath.Glob(full)
		if err != nil || len(matches) == 0 {
			missing = append(missing, out)
		}
	}
	return missing
}

// OutputDirs returns the workdir-relative directories a step declares
// outputs under: the literal directory prefix of every output path or
// pattern, deduplicated. Absolute outputs outside the workdir are ignored.
func OutputDirs(workdir string, step *config.Step) []string {
	if step == nil {
		return nil
	}
	seen := map[string]bool{}
	var dirs []string
	for _, out := range step.Outputs {
		dir := literalDirPrefix(out)
		if filepath.IsAbs(dir) {
			rel, err := filepath.Rel(workdir, dir)
			if err != nil || strings.HasPrefix(rel, "..") {
				continue
			}
			dir = rel
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// WatchDirs derives the set of directories to watch for new input files:
// the literal directory prefix of every input pattern, deduplicated and
// resolved against the workdir.
func WatchDirs(workdir string, steps []*config.Step) []string {
	seen := map[string]bool{}
	var dirs []string
	add := func(dir string) {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workdir, dir)
		}
		dir = filepath.Clean(dir)
		if seen[dir] {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	for _, step := range steps {
		if step == nil {
			continue
		}
		for _, pattern := range step.Inputs {
			add(literalDirPrefix(pattern))
		}
	}
	sort.Strings(dirs)
	return dirs
}

// literalDirPrefix returns the longest leading directory path of a glob
// pattern that contains no metacharacters.
func literalDirPrefix(pattern string) string {
	dir := filepath.Dir(pattern)
	for dir != "." && dir != "/" && containsGlobMeta(dir) {
		dir = filepath.Dir(dir)
	}
	if containsGlobMeta(dir) {
		return "."
	}
	return dir
}

func containsGlobMeta(s string) bool {
	for _, r := range s {
		switch r {
		case '*', '?', '[':
			return true
		}
	}
	return false
}
