package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errPathNotAllowed = errors.New("path_not_allowed")

// normalizePath requires an absolute path and cleans it. Relative paths
// and `..` escapes are rejected before any prefix check runs.
func normalizePath(path string) (string, error) {
	if path == "" || !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: not absolute", errPathNotAllowed)
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("%w: parent escape", errPathNotAllowed)
	}
	return clean, nil
}

// underPrefix reports whether path sits at or below prefix.
func underPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func underAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && underPrefix(path, p) {
			return true
		}
	}
	return false
}

// resolveAllowed normalizes path, checks it against the prefix set, and
// re-checks after resolving symlinks so a link inside the allowlist
// cannot point the write somewhere else. The deepest existing ancestor
// is resolved when the target itself does not exist yet.
func resolveAllowed(path string, prefixes []string) (string, error) {
	clean, err := normalizePath(path)
	if err != nil {
		return "", err
	}
	if !underAnyPrefix(clean, prefixes) {
		return "", errPathNotAllowed
	}
	resolved, err := resolveExisting(clean)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", clean, err)
	}
	if !underAnyPrefix(resolved, prefixes) {
		return "", fmt.Errorf("%w: symlink escape", errPathNotAllowed)
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks over the longest existing ancestor
// of path and re-joins the missing tail.
func resolveExisting(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}
