package daemon

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// agentExecRequest is the decoded agent_cli_exec action.
type agentExecRequest struct {
	Agent      string
	Mode       string
	InstanceID string
	Command    string
	Args       []string
	Cwd        string
	Env        map[string]string
	Timeout    time.Duration
	RunAsUID   int
	RunAsGID   int
}

func decodeAgentExec(action map[string]any) agentExecRequest {
	req := agentExecRequest{
		Agent:      stringField(action, "agent"),
		Mode:       stringField(action, "mode"),
		InstanceID: stringField(action, "instance_id"),
		Command:    stringField(action, "command"),
		Args:       stringSliceField(action, "args"),
		Cwd:        stringField(action, "cwd"),
		RunAsUID:   intField(action, "run_as_uid"),
		RunAsGID:   intField(action, "run_as_gid"),
	}
	if secs := intField(action, "timeout_seconds"); secs > 0 {
		req.Timeout = time.Duration(secs) * time.Second
	} else {
		req.Timeout = 300 * time.Second
	}
	if env, ok := action["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				req.Env[k] = s
			}
		}
	}
	return req
}

func inAllowlist(value string, allowlist []string) bool {
	for _, v := range allowlist {
		if v == value {
			return true
		}
	}
	return false
}

// agentCwdRoot is the only directory tree agent_cli_exec may run in.
func (e *executor) agentCwdRoot(instanceID, agent string) string {
	return filepath.Join(e.cfg.WorkspaceParent, instanceID, agent)
}

// agentCliExec runs an allowlisted agent CLI inside its workspace jail.
// When emit is non-nil, stdout and stderr lines are streamed as they
// arrive; the final response carries the return code and a stderr tail.
func (e *executor) agentCliExec(ctx context.Context, action map[string]any, emit func(stream, data string)) map[string]any {
	req := decodeAgentExec(action)

	if !inAllowlist(req.Agent, e.cfg.AgentAllowlist) {
		return failResponse("agent_not_allowed")
	}
	if !inAllowlist(req.Command, e.cfg.CommandAllowlist) {
		return failResponse("command_not_allowed")
	}
	if e.cfg.InstanceID != "" && req.InstanceID != e.cfg.InstanceID {
		return failResponse("instance_mismatch")
	}

	cwd, err := normalizePath(req.Cwd)
	if err != nil || !underPrefix(cwd, e.agentCwdRoot(req.InstanceID, req.Agent)) {
		return failResponse("cwd_not_allowed")
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return failResponse(fmt.Sprintf("cwd_unavailable:%v", err))
	}

	argv := append([]string{req.Command}, req.Args...)
	if e.cfg.UseBwrap {
		argv = bwrapArgv(cwd, req.Mode == "system", argv)
	}
	if os.Geteuid() == 0 && req.RunAsUID > 0 {
		argv = setprivArgv(req.RunAsUID, req.RunAsGID, argv)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = agentEnv(req.Env)

	if emit == nil {
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()
		if runCtx.Err() == context.DeadlineExceeded {
			return failResponse("timeout")
		}
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return failResponse(fmt.Sprintf("exec_failed:%v", runErr))
			}
		}
		return okResponse(map[string]any{
			"stdout":     stdout.String(),
			"stderr":     stderr.String(),
			"returncode": exitCode(runErr),
		})
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return failResponse(fmt.Sprintf("exec_failed:%v", err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return failResponse(fmt.Sprintf("exec_failed:%v", err))
	}
	if err := cmd.Start(); err != nil {
		return failResponse(fmt.Sprintf("exec_failed:%v", err))
	}

	stderrDone := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderrPipe)
		tail := string(data)
		emit("stderr", tail)
		stderrDone <- tail
	}()

	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit("stdout", scanner.Text()+"\n")
	}

	runErr := cmd.Wait()
	stderrTail := <-stderrDone
	if runCtx.Err() == context.DeadlineExceeded {
		return failResponse("timeout")
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return failResponse(fmt.Sprintf("exec_failed:%v", runErr))
		}
	}
	return okResponse(map[string]any{
		"stderr":     truncate(stderrTail, 16*1024),
		"returncode": exitCode(runErr),
	})
}

func agentEnv(extra map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=C.UTF-8",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// bwrapArgv wraps argv in a bubblewrap sandbox. The workspace binds at
// /workspace, a scratch home at /sandbox-home, /tmp is tmpfs. Session
// mode sees /etc read-only; system mode keeps it writable.
func bwrapArgv(workdir string, systemMode bool, argv []string) []string {
	wrapped := []string{
		"bwrap",
		"--die-with-parent",
		"--unshare-pid",
		"--bind", workdir, "/workspace",
		"--bind", filepath.Join(workdir, ".sandbox-home"), "/sandbox-home",
		"--tmpfs", "/tmp",
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--ro-bind", "/bin", "/bin",
	}
	if systemMode {
		wrapped = append(wrapped, "--bind", "/etc", "/etc")
	} else {
		wrapped = append(wrapped, "--ro-bind", "/etc", "/etc")
	}
	wrapped = append(wrapped,
		"--setenv", "HOME", "/sandbox-home",
		"--chdir", "/workspace",
	)
	return append(wrapped, argv...)
}

// setprivArgv drops root to the target UID/GID before exec.
func setprivArgv(uid, gid int, argv []string) []string {
	if gid <= 0 {
		gid = uid
	}
	wrapped := []string{
		"setpriv",
		"--reuid", strconv.Itoa(uid),
		"--regid", strconv.Itoa(gid),
		"--init-groups",
		"--reset-env",
	}
	return append(wrapped, argv...)
}
