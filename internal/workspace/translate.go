package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// ContainerGroupRoot is where the group workspace is mounted inside the
// sandbox container.
const ContainerGroupRoot = "/workspace/group"

// ErrOutsideGroup is returned when a path resolves outside the group
// workspace after symlink resolution.
var ErrOutsideGroup = errors.New("path escapes group workspace")

// HostToContainerPath translates an absolute or group-relative host path
// into its container-visible form under /workspace/group. The host path is
// resolved through symlinks first; paths that land outside the group root
// are rejected.
func (l Layout) HostToContainerPath(group, hostPath string) (string, error) {
	if strings.ContainsRune(hostPath, '\x00') {
		return "", fmt.Errorf("invalid host path: NUL byte")
	}
	root, err := l.resolvedGroupRoot(group)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(hostPath) {
		hostPath = filepath.Join(root, hostPath)
	}
	resolved, err := resolvePath(hostPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideGroup, hostPath)
	}
	if rel == "." {
		return ContainerGroupRoot, nil
	}
	return path.Join(ContainerGroupRoot, filepath.ToSlash(rel)), nil
}

// ContainerToHostPath translates a container path under /workspace/group
// back into the resolved host path. Paths outside the mount, or that
// escape the group root after resolution, are rejected.
func (l Layout) ContainerToHostPath(group, containerPath string) (string, error) {
	if strings.ContainsRune(containerPath, '\x00') {
		return "", fmt.Errorf("invalid container path: NUL byte")
	}
	cleaned := path.Clean(containerPath)
	var rel string
	switch {
	case cleaned == ContainerGroupRoot:
		rel = "."
	case strings.HasPrefix(cleaned, ContainerGroupRoot+"/"):
		rel = strings.TrimPrefix(cleaned, ContainerGroupRoot+"/")
	default:
		return "", fmt.Errorf("%w: not under %s: %s", ErrOutsideGroup, ContainerGroupRoot, containerPath)
	}
	root, err := l.resolvedGroupRoot(group)
	if err != nil {
		return "", err
	}
	resolved, err := resolvePath(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", err
	}
	relBack, err := filepath.Rel(root, resolved)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideGroup, containerPath)
	}
	return resolved, nil
}

// resolvedGroupRoot returns the symlink-resolved group workspace root. The
// root must exist; translation without a workspace is meaningless.
func (l Layout) resolvedGroupRoot(group string) (string, error) {
	dir, err := l.GroupDir(group)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolve group root: %w", err)
	}
	return resolved, nil
}

// resolvePath resolves symlinks in a path that may not fully exist yet:
// the deepest existing ancestor is resolved and the remainder re-joined,
// so a symlinked parent cannot smuggle the result outside the group root.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}
	resolvedParent, err := resolvePath(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(abs)), nil
}
