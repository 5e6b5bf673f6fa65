package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Fields whose values never reach the audit log in the clear.
var redactedFields = map[string]bool{
	"text":    true,
	"output":  true,
	"stderr":  true,
	"stdout":  true,
	"content": true,
}

// auditLog appends one JSON line per privileged action. Redaction
// happens before serialization so raw payload bytes never touch disk.
type auditLog struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

func newAuditLog(path string, logger *slog.Logger) (*auditLog, error) {
	a := &auditLog{logger: logger, now: time.Now}
	if path == "" {
		return a, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.file = f
	return a, nil
}

func (a *auditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Record writes one audit event. Failures are logged, never fatal.
func (a *auditLog) Record(userID, op string, action, result map[string]any) {
	event := map[string]any{
		"ts":      a.now().UTC().Format(time.RFC3339Nano),
		"user_id": userID,
		"op":      op,
		"action":  redactMap(action),
		"result":  redactMap(result),
	}
	line, err := json.Marshal(event)
	if err != nil {
		a.logger.Error("marshal audit event", "error", err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		a.logger.Info("audit", "event", string(line))
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Error("write audit event", "error", err)
	}
}

// redactMap deep-copies m, replacing every redacted field with a
// {redacted, bytes, sha256} marker. Nested maps are walked too.
func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if redactedFields[k] {
			out[k] = redactValue(v)
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func redactValue(v any) map[string]any {
	var raw []byte
	switch s := v.(type) {
	case string:
		raw = []byte(s)
	case []byte:
		raw = s
	default:
		raw, _ = json.Marshal(v)
	}
	sum := sha256.Sum256(raw)
	return map[string]any{
		"redacted": true,
		"bytes":    len(raw),
		"sha256":   hex.EncodeToString(sum[:]),
	}
}
