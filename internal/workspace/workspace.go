// Package workspace manages per-session working directories.
//
// Each session owns a directory tree under the workspace root:
//
//	{root}/{session_id}/user/        files the user uploaded
//	{root}/{session_id}/ai/          files the agent produced
//	{root}/{session_id}/system/temp/ scratch space
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectories created for every session workspace.
var sessionSubdirs = []string{"user", "ai", filepath.Join("system", "temp")}

// Manager creates and resolves session workspaces.
type Manager struct {
	root string
}

// NewManager returns a manager rooted at the given directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string { return m.root }

// Ensure creates the workspace tree for a session and returns its
// path. Calling it for an existing session is a no-op.
func (m *Manager) Ensure(sessionID string) (string, error) {
	dir := filepath.Join(m.root, sessionID)
	for _, sub := range sessionSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create workspace %s: %w", sessionID, err)
		}
	}
	return dir, nil
}

// UserDir returns the session's upload directory.
func (m *Manager) UserDir(sessionID string) string {
	return filepath.Join(m.root, sessionID, "user")
}

// AIDir returns the session's agent output directory.
func (m *Manager) AIDir(sessionID string) string {
	return filepath.Join(m.root, sessionID, "ai")
}

// StageAttachment copies src into the session's user/ directory under
// filename, renaming to name_1.ext, name_2.ext, ... on conflict.
// Returns the destination path.
func (m *Manager) StageAttachment(sessionID, filename, src string) (string, error) {
	dir := m.UserDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment name %q", filename)
	}
	dst := filepath.Join(dir, base)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		dst = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("stage attachment %s: %w", base, err)
	}
	return dst, nil
}

// ResolveAIFile resolves filename inside the session's ai/ directory,
// rejecting anything that escapes it.
func (m *Manager) ResolveAIFile(sessionID, filename string) (string, error) {
	dir := m.AIDir(sessionID)
	candidate := filepath.Join(dir, filename)
	cleaned := filepath.Clean(candidate)
	if cleaned != dir && !strings.HasPrefix(cleaned, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes session workspace")
	}
	return cleaned, nil
}

// ListAIFiles returns the names of regular files in ai/.
func (m *Manager) ListAIFiles(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(m.AIDir(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Remove deletes a session's workspace tree.
func (m *Manager) Remove(sessionID string) error {
	return os.RemoveAll(filepath.Join(m.root, sessionID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
