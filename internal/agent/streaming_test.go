package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

func newStreaming(t *testing.T, command string, cfg config.AgentConfig) *Streaming {
	t.Helper()
	cfg.Command = command
	cfg.Shape = "streaming"
	ws := workspace.NewManager(t.TempDir())
	return NewStreaming("codex", cfg, models.ModeUser, ws, nil, nil)
}

func TestStreamingEmitsLines(t *testing.T) {
	script := writeScript(t, `echo "line one"
echo "line two"
echo "line three"`)
	a := newStreaming(t, script, config.AgentConfig{})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "go", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	want := []string{"line one", "line two", "line three"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v", chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestStreamingTimeout(t *testing.T) {
	script := writeScript(t, `echo "partial"
sleep 10`)
	a := newStreaming(t, script, config.AgentConfig{TimeoutSeconds: 1})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "go", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	if len(chunks) < 2 {
		t.Fatalf("chunks = %v", chunks)
	}
	if chunks[0] != "partial" {
		t.Errorf("partial output lost: %v", chunks)
	}
	if !strings.Contains(chunks[len(chunks)-1], "超时") {
		t.Errorf("missing timeout notice: %v", chunks)
	}
}

func TestStreamingCancel(t *testing.T) {
	script := writeScript(t, `echo "started"
sleep 30`)
	a := newStreaming(t, script, config.AgentConfig{TimeoutSeconds: 60})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "go", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	first, ok := stream.Next()
	if !ok || first != "started" {
		t.Fatalf("first chunk = %q, %v", first, ok)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		a.Cancel(info.SessionID)
	}()
	rest := stream.Drain()
	if len(rest) == 0 || !strings.Contains(rest[len(rest)-1], "取消") {
		t.Errorf("missing cancel notice: %v", rest)
	}
}

func TestStreamingExitCode(t *testing.T) {
	script := writeScript(t, `echo "work"
echo "fail" >&2
exit 2`)
	a := newStreaming(t, script, config.AgentConfig{})
	info, _ := a.CreateSession(context.Background(), "u1", "c1", CreateOptions{})
	stream, err := a.SendMessage(context.Background(), info.SessionID, "go", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	chunks := stream.Drain()
	last := chunks[len(chunks)-1]
	if !strings.Contains(last, "Exit code: 2") || !strings.Contains(last, "fail") {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestStreamingExtraFlags(t *testing.T) {
	a := newStreaming(t, "/bin/true", config.AgentConfig{
		ArgsTemplate: []string{"exec", "{prompt}"},
		ExtraFlags:   []string{"--skip-git-repo-check"},
	})
	args := a.buildArgs("abcd1234", "do it", SendOptions{})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--skip-git-repo-check") {
		t.Errorf("args = %v", args)
	}
	if !strings.Contains(joined, "do it") {
		t.Errorf("prompt not substituted: %v", args)
	}
}

func TestStreamingRootModeOnlyInSystemMode(t *testing.T) {
	// User-mode adapter must ignore RunAsRoot.
	a := newStreaming(t, "/bin/true", config.AgentConfig{
		Family:       "codex",
		ArgsTemplate: []string{"exec", "--full-auto", "{prompt}"},
	})
	args := a.buildArgs("abcd1234", "x", SendOptions{RunAsRoot: true})
	if strings.Contains(strings.Join(args, " "), "dangerously") {
		t.Errorf("user mode must not rewrite args: %v", args)
	}

	sys := NewStreaming("codex", config.AgentConfig{
		Command:      "/bin/true",
		Family:       "codex",
		ArgsTemplate: []string{"exec", "--full-auto", "{prompt}"},
	}, models.ModeSystem, workspace.NewManager(t.TempDir()), nil, nil)
	args = sys.buildArgs("abcd1234", "x", SendOptions{RunAsRoot: true})
	if !strings.Contains(strings.Join(args, " "), "--dangerously-bypass-approvals-and-sandbox") {
		t.Errorf("system mode should rewrite args: %v", args)
	}
}
