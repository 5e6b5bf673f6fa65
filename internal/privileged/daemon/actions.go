package daemon

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/haasonsaas/kapy/internal/config"
)

var cronNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// executor runs the daemon's action ops against the local machine.
// Every op returns a response map with at least {ok} and, on failure,
// {reason}.
type executor struct {
	cfg    config.DaemonConfig
	logger *slog.Logger
	cron   gronx.Gronx
	now    func() time.Time
}

func newExecutor(cfg config.DaemonConfig, logger *slog.Logger) *executor {
	return &executor{
		cfg:    cfg,
		logger: logger.With("component", "daemon_executor"),
		cron:   gronx.New(),
		now:    time.Now,
	}
}

func okResponse(fields map[string]any) map[string]any {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["ok"] = true
	return fields
}

func failResponse(reason string) map[string]any {
	return map[string]any{"ok": false, "reason": reason}
}

func stringField(action map[string]any, key string) string {
	s, _ := action[key].(string)
	return s
}

func intField(action map[string]any, key string) int {
	switch v := action[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringSliceField(action map[string]any, key string) []string {
	raw, _ := action[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ---- journal ----

func (e *executor) journal(ctx context.Context, action map[string]any) map[string]any {
	lines := intField(action, "lines")
	if lines <= 0 || lines > e.cfg.MaxJournalLines {
		lines = e.cfg.MaxJournalLines
	}
	args := []string{"-n", fmt.Sprint(lines), "--no-pager"}
	if unit := stringField(action, "unit"); unit != "" {
		if strings.ContainsAny(unit, "\n\x00") {
			return failResponse("invalid_unit")
		}
		args = append(args, "-u", unit)
	}
	out, err := exec.CommandContext(ctx, "journalctl", args...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return failResponse(fmt.Sprintf("journalctl_failed:%v", err))
	}
	return okResponse(map[string]any{"output": string(out)})
}

// ---- read_file ----

func (e *executor) readFile(action map[string]any) map[string]any {
	path, err := normalizePath(stringField(action, "path"))
	if err != nil {
		return failResponse("path_not_allowed")
	}
	maxBytes := intField(action, "max_bytes")
	if maxBytes <= 0 || maxBytes > e.cfg.MaxReadBytes {
		maxBytes = e.cfg.MaxReadBytes
	}
	info, err := os.Stat(path)
	if err != nil {
		return failResponse(fmt.Sprintf("stat_failed:%v", err))
	}
	f, err := os.Open(path)
	if err != nil {
		return failResponse(fmt.Sprintf("open_failed:%v", err))
	}
	defer f.Close()
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return failResponse(fmt.Sprintf("read_failed:%v", err))
	}
	return okResponse(map[string]any{
		"size_bytes":     info.Size(),
		"returned_bytes": n,
		"truncated":      info.Size() > int64(n),
		"text":           strings.ToValidUTF8(string(buf[:n]), "�"),
		"sensitive":      e.IsSensitivePath(path),
	})
}

// IsSensitivePath reports whether path falls under the sensitive-read
// prefix set, which forces a grant on read_file.
func (e *executor) IsSensitivePath(path string) bool {
	clean, err := normalizePath(path)
	if err != nil {
		return true
	}
	return underAnyPrefix(clean, e.cfg.SensitiveReadPaths)
}

// ---- cron ----

func (e *executor) cronList() map[string]any {
	entries, err := os.ReadDir(e.cfg.CronDir)
	if err != nil {
		return failResponse(fmt.Sprintf("cron_dir_unreadable:%v", err))
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return okResponse(map[string]any{"jobs": names})
}

func (e *executor) cronUpsert(action map[string]any) map[string]any {
	name := stringField(action, "name")
	if !cronNamePattern.MatchString(name) {
		return failResponse("invalid_cron_name")
	}
	schedule := stringField(action, "schedule")
	command := stringField(action, "command")
	user := stringField(action, "user")
	if user == "" {
		user = "root"
	}
	if strings.ContainsAny(schedule, "\n\r") || strings.ContainsAny(command, "\n\r") || strings.ContainsAny(user, "\n\r") {
		return failResponse("newline_rejected")
	}
	if command == "" {
		return failResponse("empty_command")
	}
	if !e.cron.IsValid(schedule) {
		return failResponse("invalid_schedule")
	}
	path := filepath.Join(e.cfg.CronDir, name)
	line := fmt.Sprintf("%s %s %s\n", schedule, user, command)
	if err := writeAtomic(path, []byte(line), 0o644); err != nil {
		return failResponse(fmt.Sprintf("write_failed:%v", err))
	}
	return okResponse(map[string]any{"name": name})
}

func (e *executor) cronDelete(action map[string]any) map[string]any {
	name := stringField(action, "name")
	if !cronNamePattern.MatchString(name) {
		return failResponse("invalid_cron_name")
	}
	path := filepath.Join(e.cfg.CronDir, name)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failResponse("cron_job_not_found")
		}
		return failResponse(fmt.Sprintf("delete_failed:%v", err))
	}
	return okResponse(map[string]any{"name": name})
}

// ---- docker ----

func (e *executor) dockerExec(ctx context.Context, action map[string]any) map[string]any {
	args := stringSliceField(action, "args")
	if len(args) == 0 {
		return failResponse("empty_docker_command")
	}
	allowed := false
	for _, sub := range e.cfg.DockerAllowlist {
		if args[0] == sub {
			allowed = true
			break
		}
	}
	if !allowed {
		return failResponse("docker_subcommand_not_allowed")
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	resp := map[string]any{
		"stdout":     truncate(stdout.String(), e.cfg.MaxDockerOutput),
		"stderr":     truncate(stderr.String(), e.cfg.MaxDockerOutput),
		"returncode": exitCode(runErr),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return failResponse(fmt.Sprintf("docker_failed:%v", runErr))
		}
	}
	return okResponse(resp)
}

func truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ---- config files ----

const backupTimeFormat = "20060102_150405"

func (e *executor) configWrite(action map[string]any) map[string]any {
	path, err := resolveAllowed(stringField(action, "path"), e.cfg.WriteAllowedPaths)
	if err != nil {
		return failResponse("path_not_allowed")
	}
	content, err := base64.StdEncoding.DecodeString(stringField(action, "content_b64"))
	if err != nil {
		return failResponse("invalid_base64")
	}
	backup, err := e.backupIfExists(path)
	if err != nil {
		return failResponse(fmt.Sprintf("backup_failed:%v", err))
	}
	if err := writeAtomic(path, content, 0o644); err != nil {
		return failResponse(fmt.Sprintf("write_failed:%v", err))
	}
	return okResponse(map[string]any{"path": path, "backup": backup, "bytes": len(content)})
}

func (e *executor) configAppend(action map[string]any) map[string]any {
	path, err := resolveAllowed(stringField(action, "path"), e.cfg.WriteAllowedPaths)
	if err != nil {
		return failResponse("path_not_allowed")
	}
	content, err := base64.StdEncoding.DecodeString(stringField(action, "content_b64"))
	if err != nil {
		return failResponse("invalid_base64")
	}
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return failResponse(fmt.Sprintf("read_failed:%v", err))
	}
	backup, err := e.backupIfExists(path)
	if err != nil {
		return failResponse(fmt.Sprintf("backup_failed:%v", err))
	}
	if err := writeAtomic(path, append(existing, content...), 0o644); err != nil {
		return failResponse(fmt.Sprintf("write_failed:%v", err))
	}
	return okResponse(map[string]any{"path": path, "backup": backup, "bytes": len(content)})
}

func (e *executor) configDelete(action map[string]any) map[string]any {
	path, err := resolveAllowed(stringField(action, "path"), e.cfg.WriteAllowedPaths)
	if err != nil {
		return failResponse("path_not_allowed")
	}
	backup, err := e.backupIfExists(path)
	if err != nil {
		return failResponse(fmt.Sprintf("backup_failed:%v", err))
	}
	if backup == "" {
		return failResponse("file_not_found")
	}
	if err := os.Remove(path); err != nil {
		return failResponse(fmt.Sprintf("delete_failed:%v", err))
	}
	return okResponse(map[string]any{"path": path, "backup": backup})
}

func (e *executor) configRollback(action map[string]any) map[string]any {
	path, err := resolveAllowed(stringField(action, "path"), e.cfg.WriteAllowedPaths)
	if err != nil {
		return failResponse("path_not_allowed")
	}
	backup, err := resolveAllowed(stringField(action, "backup"), e.cfg.WriteAllowedPaths)
	if err != nil {
		return failResponse("path_not_allowed")
	}
	content, err := os.ReadFile(backup)
	if err != nil {
		return failResponse(fmt.Sprintf("backup_unreadable:%v", err))
	}
	if _, err := e.backupIfExists(path); err != nil {
		return failResponse(fmt.Sprintf("backup_failed:%v", err))
	}
	if err := writeAtomic(path, content, 0o644); err != nil {
		return failResponse(fmt.Sprintf("write_failed:%v", err))
	}
	return okResponse(map[string]any{"path": path, "restored_from": backup})
}

// backupIfExists snapshots path to `path.bak.YYYYmmdd_HHMMSS` and
// returns the backup path, or "" when the target does not exist yet.
func (e *executor) backupIfExists(path string) (string, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	backup := fmt.Sprintf("%s.bak.%s", path, e.now().Format(backupTimeFormat))
	if err := writeAtomic(backup, content, 0o644); err != nil {
		return "", err
	}
	return backup, nil
}

// writeAtomic writes via a temp file in the target directory and
// renames into place so a failed write leaves no partial file.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
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
	if err := tmp.Chmod(perm); err != nil {
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
