package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/kapy/pkg/models"
)

// stateFile is the on-disk schema. Lists are serialized in a canonical
// sorted order so dump/load/dump round-trips byte-identically.
type stateFile struct {
	ChannelAllowed   map[string][]string `json:"channel_allowed"`
	AdminUsers       []string            `json:"admin_users"`
	SystemAdminUsers []string            `json:"system_admin_users"`

	// Legacy schema fields. Older deployments persisted a flat user
	// list that applied to every channel.
	AllowedUsers []string `json:"allowed_users,omitempty"`
	Admins       []string `json:"admins,omitempty"`
}

func (s *Service) load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read auth state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse auth state: %w", err)
	}

	for ch, users := range st.ChannelAllowed {
		set := make(map[string]bool, len(users))
		for _, uid := range users {
			set[uid] = true
		}
		s.channelAllowed[models.ChannelType(ch)] = set
	}
	// Legacy flat allowlist applies to every known channel.
	for _, uid := range st.AllowedUsers {
		for _, ch := range []models.ChannelType{models.ChannelTelegram, models.ChannelDiscord, models.ChannelEmail} {
			if s.channelAllowed[ch] == nil {
				s.channelAllowed[ch] = make(map[string]bool)
			}
			s.channelAllowed[ch][uid] = true
		}
	}
	for _, uid := range st.AdminUsers {
		s.adminUsers[uid] = true
	}
	for _, uid := range st.Admins {
		s.adminUsers[uid] = true
	}
	for _, uid := range st.SystemAdminUsers {
		s.systemAdmins[uid] = true
	}
	return nil
}

// persistLocked writes the current state. Persistence failures are
// logged and swallowed so in-memory state keeps working; the next
// successful write recovers the file.
func (s *Service) persistLocked() error {
	if s.statePath == "" {
		return nil
	}
	st := stateFile{
		ChannelAllowed:   make(map[string][]string, len(s.channelAllowed)),
		AdminUsers:       sortedKeys(s.adminUsers),
		SystemAdminUsers: sortedKeys(s.systemAdmins),
	}
	for ch, users := range s.channelAllowed {
		st.ChannelAllowed[string(ch)] = sortedKeys(users)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.logger.Error("marshal auth state", "error", err)
		return nil
	}
	if err := writeFileAtomic(s.statePath, data); err != nil {
		s.logger.Error("persist auth state", "error", err, "path", s.statePath)
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a truncated state file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
