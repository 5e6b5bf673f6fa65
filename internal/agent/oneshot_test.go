package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newOneShot(t *testing.T, command string, cfg config.AgentConfig) *OneShot {
	t.Helper()
	cfg.Command = command
	if cfg.Shape == "" {
		cfg.Shape = "oneshot"
	}
	ws := workspace.NewManager(t.TempDir())
	return NewOneShot("claude", cfg, models.ModeUser, ws, nil, nil)
}

const happyJSON = `{"result":"Hi","usage":{"input_tokens":10,"output_tokens":5},` +
	`"total_cost_usd":0.002,"duration_ms":500,"modelUsage":{"claude-opus":{}}}`

func TestOneShotHappyPath(t *testing.T) {
	script := writeScript(t, "echo '"+happyJSON+"'")
	a := newOneShot(t, script, config.AgentConfig{})

	info, err := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	stream, err := a.SendMessage(context.Background(), info.SessionID, "hello", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) != 1 || chunks[0] != "Hi" {
		t.Errorf("chunks = %v, want [Hi]", chunks)
	}

	usage := a.LastUsage(info.SessionID)
	if usage == nil {
		t.Fatal("expected usage record")
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 || usage.CostUSD != 0.002 ||
		usage.DurationMs != 500 || usage.Model != "claude-opus" {
		t.Errorf("usage = %+v", usage)
	}
	// Pop-once semantics.
	if a.LastUsage(info.SessionID) != nil {
		t.Error("LastUsage should be consumed after first pop")
	}
}

func TestOneShotSessionFlagProgression(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := writeScript(t, `echo "$@" >> `+argsFile+`
echo '`+happyJSON+`'`)
	a := newOneShot(t, script, config.AgentConfig{})

	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	for i := 0; i < 2; i++ {
		stream, err := a.SendMessage(context.Background(), info.SessionID, "hello", SendOptions{})
		if err != nil {
			t.Fatal(err)
		}
		stream.Drain()
	}

	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "--session-id "+info.SessionID) {
		t.Errorf("first call missing --session-id: %s", lines[0])
	}
	if !strings.Contains(lines[1], "--resume "+info.SessionID) {
		t.Errorf("second call missing --resume: %s", lines[1])
	}
}

func TestOneShotNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2
exit 3`)
	a := newOneShot(t, script, config.AgentConfig{})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "x", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) != 1 || !strings.Contains(chunks[0], "Exit code: 3") || !strings.Contains(chunks[0], "boom") {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestOneShotCommandNotFound(t *testing.T) {
	a := newOneShot(t, "/nonexistent/agent-binary", config.AgentConfig{})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "x", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) != 1 || !strings.Contains(chunks[0], "命令未找到") {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestOneShotTimeout(t *testing.T) {
	script := writeScript(t, "sleep 10")
	a := newOneShot(t, script, config.AgentConfig{TimeoutSeconds: 1})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "x", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) != 1 || !strings.Contains(chunks[0], "超时") {
		t.Errorf("chunks = %v", chunks)
	}
	if st, _ := a.table.get(info.SessionID); st.info.IsBusy {
		t.Error("session still busy after timeout")
	}
}

func TestOneShotUnknownSession(t *testing.T) {
	a := newOneShot(t, "/bin/true", config.AgentConfig{})
	if _, err := a.SendMessage(context.Background(), "ffffffff", "x", SendOptions{}); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	a := newOneShot(t, "/bin/true", config.AgentConfig{})
	first, err := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{SessionID: "abcd1234"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{SessionID: "abcd1234"})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != second.SessionID {
		t.Errorf("ids differ: %s vs %s", first.SessionID, second.SessionID)
	}
	if !second.LastActive.Equal(first.LastActive) && second.LastActive.Before(first.LastActive) {
		t.Error("idempotent create should touch last_active")
	}
	// Workspace tree exists.
	for _, sub := range []string{"user", "ai", "system/temp"} {
		if _, err := os.Stat(filepath.Join(first.WorkDir, sub)); err != nil {
			t.Errorf("missing workspace subdir %s: %v", sub, err)
		}
	}
}

func TestRequireSystemClientFailsClosed(t *testing.T) {
	a := newOneShot(t, "/bin/true", config.AgentConfig{RequireSystemClient: true})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "x", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) != 1 || !strings.Contains(chunks[0], "system_client_required") {
		t.Errorf("chunks = %v", chunks)
	}
}
