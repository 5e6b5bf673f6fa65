package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/haasonsaas/kapy/pkg/models"
)

type stateFile struct {
	ActiveByUser  map[string]string                 `json:"active_by_user"`
	ActiveByScope map[string]string                 `json:"active_by_scope"`
	Sessions      map[string]*models.ManagedSession `json:"sessions"`
}

func (s *Store) load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		// A partially migrated or corrupt file falls back to an empty
		// store rather than refusing to start.
		s.logger.Warn("session state unreadable, starting empty", "error", err)
		return nil
	}
	for id, sess := range st.Sessions {
		if sess == nil || !ValidSessionID(id) {
			continue
		}
		if sess.Params == nil {
			sess.Params = make(map[string]string)
		}
		s.sessions[id] = sess
	}
	for uid, sid := range st.ActiveByUser {
		if _, ok := s.sessions[sid]; ok {
			s.activeByUser[uid] = sid
		}
	}
	for scope, sid := range st.ActiveByScope {
		if _, ok := s.sessions[sid]; ok {
			s.activeByScope[scope] = sid
		}
	}
	return nil
}

func (s *Store) persistLocked() {
	if s.statePath == "" {
		return
	}
	st := stateFile{
		ActiveByUser:  s.activeByUser,
		ActiveByScope: s.activeByScope,
		Sessions:      s.sessions,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		s.logger.Error("marshal session state", "error", err)
		return
	}
	if err := writeFileAtomic(s.statePath, data); err != nil {
		s.logger.Error("persist session state", "error", err, "path", s.statePath)
	}
}

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
