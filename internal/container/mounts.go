package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"
)

// MountBuilder maps the data workdir into a step container. The workdir is
// bind-mounted read-only at its host path (so argv paths stay valid inside
// the container) with read-write overlays for the directories a step
// declares outputs under.
type MountBuilder struct {
	Workdir      string
	WritableDirs []string
}

// NewMountBuilder validates the workdir and the writable overlay dirs.
// Overlay dirs are workdir-relative and are created when missing, since a
// first run produces them.
func NewMountBuilder(workdir string, writableDirs []string) (*MountBuilder, error) {
	if _, err := os.Stat(workdir); err != nil {
		return nil, fmt.Errorf("workdir does not exist: %w", err)
	}

	cleaned := make([]string, 0, len(writableDirs))
	for _, dir := range writableDirs {
		cleanDir := filepath.Clean(dir)
		if strings.HasPrefix(cleanDir, "..") || filepath.IsAbs(cleanDir) {
			return nil, fmt.Errorf("writable dir %q escapes workdir", dir)
		}
		full := filepath.Join(workdir, cleanDir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return nil, fmt.Errorf("create writable dir %q: %w", cleanDir, err)
		}
		cleaned = append(cleaned, cleanDir)
	}

	// A "." overlay makes the whole workdir writable, subsuming the rest.
	for _, dir := range cleaned {
		if dir == "." {
			cleaned = []string{"."}
			break
		}
	}

	mb := &MountBuilder{
		Workdir:      workdir,
		WritableDirs: cleaned,
	}
	if err := mb.validateNoConflicts(); err != nil {
		return nil, err
	}
	return mb, nil
}

// BuildMounts creates the Docker mount specifications.
func (m *MountBuilder) BuildMounts() []mount.Mount {
	mounts := []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   m.Workdir,
			Target:   m.Workdir,
			ReadOnly: true,
		},
	}

	for _, dir := range m.WritableDirs {
		if dir == "." {
			mounts[0].ReadOnly = false
			continue
		}
		full := filepath.Join(m.Workdir, dir)
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   full,
			Target:   full,
			ReadOnly: false,
		})
	}

	return mounts
}

func (m *MountBuilder) validateNoConflicts() error {
	for i, a := range m.WritableDirs {
		for j, b := range m.WritableDirs {
			if i == j {
				continue
			}
			if isParentPath(a, b) {
				return fmt.Errorf("mount conflict: %q is a parent of %q", a, b)
			}
		}
	}
	return nil
}

// isParentPath reports whether parent strictly contains child.
func isParentPath(parent, child string) bool {
	if parent == child {
		return false
	}
	if parent == "." {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
