package daemon

import (
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/kapy/internal/config"
)

func newTestExecutor(t *testing.T) (*executor, string) {
	t.Helper()
	root := t.TempDir()
	cronDir := filepath.Join(root, "cron.d")
	writeDir := filepath.Join(root, "etc", "app")
	for _, dir := range []string{cronDir, writeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	e := newExecutor(config.DaemonConfig{
		MaxJournalLines:    500,
		MaxReadBytes:       64,
		MaxDockerOutput:    1024,
		CronDir:            cronDir,
		WriteAllowedPaths:  []string{writeDir},
		SensitiveReadPaths: []string{"/etc/shadow", filepath.Join(root, "secrets")},
	}, slog.Default())
	return e, root
}

func TestCronUpsertAndDelete(t *testing.T) {
	e, _ := newTestExecutor(t)

	resp := e.cronUpsert(map[string]any{
		"name":     "nightly-backup",
		"schedule": "0 3 * * *",
		"command":  "/usr/local/bin/backup.sh",
	})
	if resp["ok"] != true {
		t.Fatalf("upsert = %v", resp)
	}
	content, err := os.ReadFile(filepath.Join(e.cfg.CronDir, "nightly-backup"))
	if err != nil {
		t.Fatal(err)
	}
	want := "0 3 * * * root /usr/local/bin/backup.sh\n"
	if string(content) != want {
		t.Errorf("cron file = %q, want %q", content, want)
	}

	list := e.cronList()
	jobs, _ := list["jobs"].([]string)
	if len(jobs) != 1 || jobs[0] != "nightly-backup" {
		t.Errorf("cron list = %v", list)
	}

	del := e.cronDelete(map[string]any{"name": "nightly-backup"})
	if del["ok"] != true {
		t.Fatalf("delete = %v", del)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.CronDir, "nightly-backup")); !os.IsNotExist(err) {
		t.Error("cron file survived delete")
	}
	if again := e.cronDelete(map[string]any{"name": "nightly-backup"}); again["reason"] != "cron_job_not_found" {
		t.Errorf("re-delete = %v", again)
	}
}

func TestCronUpsertValidation(t *testing.T) {
	e, _ := newTestExecutor(t)
	cases := []struct {
		name   string
		action map[string]any
		reason string
	}{
		{"bad name slash", map[string]any{"name": "../evil", "schedule": "* * * * *", "command": "x"}, "invalid_cron_name"},
		{"bad name space", map[string]any{"name": "a b", "schedule": "* * * * *", "command": "x"}, "invalid_cron_name"},
		{"empty name", map[string]any{"schedule": "* * * * *", "command": "x"}, "invalid_cron_name"},
		{"newline in command", map[string]any{"name": "job", "schedule": "* * * * *", "command": "x\nevil"}, "newline_rejected"},
		{"newline in schedule", map[string]any{"name": "job", "schedule": "* * * * *\n", "command": "x"}, "newline_rejected"},
		{"bad schedule", map[string]any{"name": "job", "schedule": "not-a-schedule", "command": "x"}, "invalid_schedule"},
		{"empty command", map[string]any{"name": "job", "schedule": "* * * * *"}, "empty_command"},
	}
	for _, tc := range cases {
		resp := e.cronUpsert(tc.action)
		if resp["ok"] != false || resp["reason"] != tc.reason {
			t.Errorf("%s: resp = %v, want reason %s", tc.name, resp, tc.reason)
		}
	}
}

func TestReadFileClampAndSensitive(t *testing.T) {
	e, root := newTestExecutor(t)
	path := filepath.Join(root, "data.txt")
	payload := strings.Repeat("a", 200)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := e.readFile(map[string]any{"path": path})
	if resp["ok"] != true {
		t.Fatalf("read = %v", resp)
	}
	if resp["returned_bytes"] != 64 || resp["truncated"] != true {
		t.Errorf("clamp = %v/%v", resp["returned_bytes"], resp["truncated"])
	}
	if resp["size_bytes"] != int64(200) {
		t.Errorf("size = %v", resp["size_bytes"])
	}
	if resp["sensitive"] != false {
		t.Error("plain file marked sensitive")
	}

	secrets := filepath.Join(root, "secrets")
	if err := os.MkdirAll(secrets, 0o755); err != nil {
		t.Fatal(err)
	}
	secretPath := filepath.Join(secrets, "token")
	if err := os.WriteFile(secretPath, []byte("s3cr3t"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp = e.readFile(map[string]any{"path": secretPath})
	if resp["sensitive"] != true {
		t.Error("sensitive path not flagged")
	}

	if resp := e.readFile(map[string]any{"path": "relative/path"}); resp["reason"] != "path_not_allowed" {
		t.Errorf("relative path = %v", resp)
	}
}

func TestReadFileInvalidUTF8Replaced(t *testing.T) {
	e, root := newTestExecutor(t)
	path := filepath.Join(root, "binary")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 'o', 'k'}, 0o644); err != nil {
		t.Fatal(err)
	}
	resp := e.readFile(map[string]any{"path": path})
	text, _ := resp["text"].(string)
	if !strings.Contains(text, "�") || !strings.Contains(text, "ok") {
		t.Errorf("text = %q, want replacement runes", text)
	}
}

func TestConfigWriteBackupAndRollback(t *testing.T) {
	e, root := newTestExecutor(t)
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC) }
	target := filepath.Join(root, "etc", "app", "app.yml")
	if err := os.WriteFile(target, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := e.configWrite(map[string]any{
		"path":        target,
		"content_b64": base64.StdEncoding.EncodeToString([]byte("version: 2\n")),
	})
	if resp["ok"] != true {
		t.Fatalf("write = %v", resp)
	}
	backup, _ := resp["backup"].(string)
	if !strings.HasSuffix(backup, ".bak.20260301_123045") {
		t.Errorf("backup path = %q", backup)
	}
	if got, _ := os.ReadFile(target); string(got) != "version: 2\n" {
		t.Errorf("target = %q", got)
	}
	if got, _ := os.ReadFile(backup); string(got) != "version: 1\n" {
		t.Errorf("backup = %q", got)
	}

	roll := e.configRollback(map[string]any{"path": target, "backup": backup})
	if roll["ok"] != true {
		t.Fatalf("rollback = %v", roll)
	}
	if got, _ := os.ReadFile(target); string(got) != "version: 1\n" {
		t.Errorf("after rollback = %q", got)
	}
}

func TestConfigWriteRejections(t *testing.T) {
	e, root := newTestExecutor(t)
	outside := filepath.Join(root, "outside.yml")
	good := filepath.Join(root, "etc", "app", "x.yml")

	if resp := e.configWrite(map[string]any{"path": outside, "content_b64": "aGk="}); resp["reason"] != "path_not_allowed" {
		t.Errorf("outside path = %v", resp)
	}
	if resp := e.configWrite(map[string]any{"path": good, "content_b64": "!!not-base64!!"}); resp["reason"] != "invalid_base64" {
		t.Errorf("bad base64 = %v", resp)
	}
	// A failed write leaves nothing behind.
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Error("rejected write left a file")
	}
}

func TestConfigAppend(t *testing.T) {
	e, root := newTestExecutor(t)
	target := filepath.Join(root, "etc", "app", "hosts.conf")
	if err := os.WriteFile(target, []byte("a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp := e.configAppend(map[string]any{
		"path":        target,
		"content_b64": base64.StdEncoding.EncodeToString([]byte("b\n")),
	})
	if resp["ok"] != true {
		t.Fatalf("append = %v", resp)
	}
	if got, _ := os.ReadFile(target); string(got) != "a\nb\n" {
		t.Errorf("target = %q", got)
	}
}

func TestConfigDelete(t *testing.T) {
	e, root := newTestExecutor(t)
	target := filepath.Join(root, "etc", "app", "old.yml")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp := e.configDelete(map[string]any{"path": target})
	if resp["ok"] != true {
		t.Fatalf("delete = %v", resp)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("file survived delete")
	}
	backup, _ := resp["backup"].(string)
	if got, _ := os.ReadFile(backup); string(got) != "x" {
		t.Errorf("backup = %q", got)
	}
	if again := e.configDelete(map[string]any{"path": target}); again["reason"] != "file_not_found" {
		t.Errorf("re-delete = %v", again)
	}
}

func TestWriteAtomicNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "missing-parent", "x.yml")
	if err := writeAtomic(target, []byte("data"), 0o644); err == nil {
		t.Fatal("write into missing dir should fail")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed write left entries: %v", entries)
	}
}
