// Package container runs pipeline steps inside Docker (or Podman)
// containers so a preprocessing chain executes in a pinned environment
// instead of whatever Python happens to be on the host.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/client"
)

// NewClient connects to the first reachable container daemon. DOCKER_HOST
// wins when set; otherwise the usual docker and podman sockets (system and
// rootless) are probed and pinged.
func NewClient() (*client.Client, error) {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("DOCKER_HOST=%s: %w", host, err)
		}
		return cli, nil
	}

	var errs []string
	for _, sock := range socketCandidates() {
		info, err := os.Stat(sock)
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			continue
		}
		host := "unix://" + sock
		cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr != nil {
			errs = append(errs, fmt.Sprintf("%s ping: %v", host, pingErr))
			_ = cli.Close()
			continue
		}
		return cli, nil
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("unable to connect to docker: %s", strings.Join(errs, "; "))
	}
	return nil, errors.New("unable to find docker socket; set DOCKER_HOST or ensure Docker/Podman is running")
}

func socketCandidates() []string {
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
	}
	add("/var/run/docker.sock")
	add("/run/docker.sock")
	add("/var/run/podman/podman.sock")
	add("/run/podman/podman.sock")

	if home := os.Getenv("HOME"); home != "" {
		add(filepath.Join(home, ".docker", "run", "docker.sock"))
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		add(filepath.Join(xdg, "docker.sock"))
		add(filepath.Join(xdg, "podman", "podman.sock"))
	}
	if current, err := user.Current(); err == nil && current.Uid != "" {
		add(filepath.Join("/run/user", current.Uid, "docker.sock"))
		add(filepath.Join("/run/user", current.Uid, "podman/podman.sock"))
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
