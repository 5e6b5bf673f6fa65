package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/kapy/internal/config"
)

func newExecTestExecutor(t *testing.T) (*executor, string) {
	t.Helper()
	root := t.TempDir()
	e := newExecutor(config.DaemonConfig{
		WorkspaceParent:  root,
		InstanceID:       "ops-a",
		AgentAllowlist:   []string{"claude"},
		CommandAllowlist: []string{"/bin/sh", "sh"},
	}, slog.Default())
	return e, root
}

func TestAgentCliExecAllowlists(t *testing.T) {
	e, root := newExecTestExecutor(t)
	ctx := context.Background()
	cwd := filepath.Join(root, "ops-a", "claude", "s1")

	base := map[string]any{
		"agent":       "claude",
		"instance_id": "ops-a",
		"command":     "sh",
		"cwd":         cwd,
	}

	deny := func(name string, mutate func(map[string]any), reason string) {
		action := make(map[string]any, len(base))
		for k, v := range base {
			action[k] = v
		}
		mutate(action)
		resp := e.agentCliExec(ctx, action, nil)
		if resp["ok"] != false || resp["reason"] != reason {
			t.Errorf("%s: resp = %v, want reason %s", name, resp, reason)
		}
	}

	deny("unknown agent", func(a map[string]any) { a["agent"] = "rogue" }, "agent_not_allowed")
	deny("unknown command", func(a map[string]any) { a["command"] = "/bin/bash" }, "command_not_allowed")
	deny("wrong instance", func(a map[string]any) { a["instance_id"] = "ops-b" }, "instance_mismatch")
	deny("cwd outside jail", func(a map[string]any) { a["cwd"] = "/tmp" }, "cwd_not_allowed")
	deny("cwd other agent", func(a map[string]any) {
		a["cwd"] = filepath.Join(root, "ops-a", "gemini", "s1")
	}, "cwd_not_allowed")
	deny("relative cwd", func(a map[string]any) { a["cwd"] = "ops-a/claude" }, "cwd_not_allowed")
}

func TestAgentCliExecRunsInJail(t *testing.T) {
	e, root := newExecTestExecutor(t)
	cwd := filepath.Join(root, "ops-a", "claude", "s1")

	resp := e.agentCliExec(context.Background(), map[string]any{
		"agent":       "claude",
		"instance_id": "ops-a",
		"command":     "/bin/sh",
		"args":        []any{"-c", "pwd"},
		"cwd":         cwd,
	}, nil)
	if resp["ok"] != true {
		t.Fatalf("exec = %v", resp)
	}
	if resp["returncode"] != 0 {
		t.Errorf("returncode = %v", resp["returncode"])
	}
	stdout, _ := resp["stdout"].(string)
	if !strings.Contains(stdout, cwd) {
		t.Errorf("stdout = %q, want cwd %q", stdout, cwd)
	}
	if _, err := os.Stat(cwd); err != nil {
		t.Errorf("cwd not created: %v", err)
	}
}

func TestAgentCliExecStreaming(t *testing.T) {
	e, root := newExecTestExecutor(t)
	cwd := filepath.Join(root, "ops-a", "claude", "s1")

	var chunks []string
	resp := e.agentCliExec(context.Background(), map[string]any{
		"agent":       "claude",
		"instance_id": "ops-a",
		"command":     "/bin/sh",
		"args":        []any{"-c", "echo one; echo two"},
		"cwd":         cwd,
	}, func(stream, data string) {
		if stream == "stdout" {
			chunks = append(chunks, data)
		}
	})
	if resp["ok"] != true {
		t.Fatalf("exec = %v", resp)
	}
	if len(chunks) != 2 || chunks[0] != "one\n" || chunks[1] != "two\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestAgentCliExecNonzeroExit(t *testing.T) {
	e, root := newExecTestExecutor(t)
	resp := e.agentCliExec(context.Background(), map[string]any{
		"agent":       "claude",
		"instance_id": "ops-a",
		"command":     "/bin/sh",
		"args":        []any{"-c", "exit 7"},
		"cwd":         filepath.Join(root, "ops-a", "claude", "s1"),
	}, nil)
	if resp["ok"] != true {
		t.Fatalf("exec = %v", resp)
	}
	if resp["returncode"] != 7 {
		t.Errorf("returncode = %v, want 7", resp["returncode"])
	}
}

func TestAgentCliExecTimeout(t *testing.T) {
	e, root := newExecTestExecutor(t)
	resp := e.agentCliExec(context.Background(), map[string]any{
		"agent":           "claude",
		"instance_id":     "ops-a",
		"command":         "/bin/sh",
		"args":            []any{"-c", "sleep 30"},
		"cwd":             filepath.Join(root, "ops-a", "claude", "s1"),
		"timeout_seconds": 1,
	}, nil)
	if resp["ok"] != false || resp["reason"] != "timeout" {
		t.Errorf("resp = %v, want timeout", resp)
	}
}

func TestBwrapArgv(t *testing.T) {
	argv := bwrapArgv("/srv/ws/ops-a/claude/s1", false, []string{"claude", "-p", "hi"})
	if argv[0] != "bwrap" {
		t.Fatalf("argv[0] = %s", argv[0])
	}
	joined := strings.Join(argv, " ")
	for _, want := range []string{
		"--bind /srv/ws/ops-a/claude/s1 /workspace",
		"--tmpfs /tmp",
		"--ro-bind /etc /etc",
		"--chdir /workspace",
		"claude -p hi",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing %q in %q", want, joined)
		}
	}

	system := strings.Join(bwrapArgv("/srv/ws", true, []string{"x"}), " ")
	if strings.Contains(system, "--ro-bind /etc /etc") || !strings.Contains(system, "--bind /etc /etc") {
		t.Error("system mode should keep /etc writable")
	}
}

func TestSetprivArgv(t *testing.T) {
	argv := setprivArgv(1001, 0, []string{"claude", "-p", "hi"})
	joined := strings.Join(argv, " ")
	if argv[0] != "setpriv" {
		t.Fatalf("argv[0] = %s", argv[0])
	}
	if !strings.Contains(joined, "--reuid 1001") || !strings.Contains(joined, "--regid 1001") {
		t.Errorf("argv = %q", joined)
	}
	if !strings.HasSuffix(joined, "claude -p hi") {
		t.Errorf("command not preserved: %q", joined)
	}
}
