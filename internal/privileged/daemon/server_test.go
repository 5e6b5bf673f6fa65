package daemon

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/privileged"
)

func startTestServer(t *testing.T, mutate func(*config.DaemonConfig)) (*privileged.Client, *privileged.GrantSigner) {
	t.Helper()
	root := t.TempDir()
	writeDir := filepath.Join(root, "etc", "app")
	if err := os.MkdirAll(writeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := config.DaemonConfig{
		SocketPath:        filepath.Join(root, "sysd.sock"),
		MaxRequestBytes:   4096,
		MaxJournalLines:   500,
		MaxReadBytes:      4096,
		MaxDockerOutput:   1024,
		CronDir:           filepath.Join(root, "cron.d"),
		WriteAllowedPaths: []string{writeDir},
	}
	if err := os.MkdirAll(cfg.CronDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(&cfg)
	}

	grants := privileged.NewGrantSigner("test-secret", 60*time.Second)
	srv, err := New(Options{Config: cfg, Grants: grants, Logger: slog.Default()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})
	return privileged.NewClient(cfg.SocketPath, 5*time.Second, slog.Default()), grants
}

func TestServerPing(t *testing.T) {
	client, _ := startTestServer(t, nil)
	resp := client.Do(context.Background(), "u1", map[string]any{"op": "ping"}, "")
	if !privileged.OK(resp) {
		t.Fatalf("ping = %v", resp)
	}
}

func TestServerUnknownOp(t *testing.T) {
	client, _ := startTestServer(t, nil)
	resp := client.Do(context.Background(), "u1", map[string]any{"op": "format_disk"}, "")
	if privileged.OK(resp) || privileged.ReasonOf(resp) != "unknown_op" {
		t.Errorf("resp = %v", resp)
	}
}

func TestServerGrantEnforcement(t *testing.T) {
	client, grants := startTestServer(t, nil)
	ctx := context.Background()
	action := map[string]any{
		"op":       "cron_upsert",
		"name":     "job",
		"schedule": "*/5 * * * *",
		"command":  "/bin/true",
	}

	// Grant-required op without a grant.
	resp := client.Do(ctx, "u1", action, "")
	if privileged.ReasonOf(resp) != privileged.ReasonGrantRequired {
		t.Fatalf("no grant = %v", resp)
	}

	token, err := grants.Issue("u1", action)
	if err != nil {
		t.Fatal(err)
	}
	if resp := client.Do(ctx, "u1", action, token); !privileged.OK(resp) {
		t.Fatalf("granted call = %v", resp)
	}
	// The grant is single-use.
	if resp := client.Do(ctx, "u1", action, token); privileged.ReasonOf(resp) != privileged.ReasonGrantReplayed {
		t.Errorf("replayed call = %v", resp)
	}
}

func TestServerGrantSurvivesJSONRoundTrip(t *testing.T) {
	client, grants := startTestServer(t, nil)
	// Numeric and nested values must hash identically after the
	// request is serialized and parsed back.
	action := map[string]any{
		"op":          "config_write",
		"path":        "/etc/app/x.yml",
		"content_b64": base64.StdEncoding.EncodeToString([]byte("n: 1\n")),
		"attempt":     3,
	}
	token, err := grants.Issue("u1", action)
	if err != nil {
		t.Fatal(err)
	}
	resp := client.Do(context.Background(), "u1", action, token)
	if privileged.ReasonOf(resp) == privileged.ReasonGrantActionMismatch {
		t.Fatalf("action hash broke across the wire: %v", resp)
	}
}

func TestServerHardenedModeRequiresGrantForAll(t *testing.T) {
	client, grants := startTestServer(t, func(cfg *config.DaemonConfig) {
		cfg.RequireGrantForAll = true
	})
	ctx := context.Background()
	action := map[string]any{"op": "ping"}

	if resp := client.Do(ctx, "u1", action, ""); privileged.ReasonOf(resp) != privileged.ReasonGrantRequired {
		t.Fatalf("hardened no-grant = %v", resp)
	}
	token, _ := grants.Issue("u1", action)
	if resp := client.Do(ctx, "u1", action, token); !privileged.OK(resp) {
		t.Errorf("hardened granted = %v", resp)
	}
}

func TestServerSensitiveReadRequiresGrant(t *testing.T) {
	var secret string
	client, grants := startTestServer(t, func(cfg *config.DaemonConfig) {
		dir := filepath.Dir(cfg.SocketPath)
		secret = filepath.Join(dir, "secrets", "token")
		cfg.SensitiveReadPaths = []string{filepath.Join(dir, "secrets")}
		if err := os.MkdirAll(filepath.Dir(secret), 0o755); err != nil {
			panic(err)
		}
		if err := os.WriteFile(secret, []byte("s3cr3t"), 0o600); err != nil {
			panic(err)
		}
	})
	ctx := context.Background()

	plain := filepath.Join(filepath.Dir(secret), "..", "plain.txt")
	if err := os.WriteFile(filepath.Clean(plain), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if resp := client.Do(ctx, "u1", map[string]any{"op": "read_file", "path": filepath.Clean(plain)}, ""); !privileged.OK(resp) {
		t.Fatalf("plain read = %v", resp)
	}

	action := map[string]any{"op": "read_file", "path": secret}
	if resp := client.Do(ctx, "u1", action, ""); privileged.ReasonOf(resp) != privileged.ReasonGrantRequired {
		t.Fatalf("sensitive read without grant = %v", resp)
	}
	token, _ := grants.Issue("u1", action)
	resp := client.Do(ctx, "u1", action, token)
	if !privileged.OK(resp) || resp["sensitive"] != true {
		t.Errorf("sensitive read = %v", resp)
	}
}

func TestServerRejectsOversizedRequest(t *testing.T) {
	client, _ := startTestServer(t, func(cfg *config.DaemonConfig) {
		cfg.MaxRequestBytes = 128
	})
	big := make([]any, 0, 64)
	for i := 0; i < 64; i++ {
		big = append(big, "padding-padding-padding")
	}
	resp := client.Do(context.Background(), "u1", map[string]any{"op": "ping", "pad": big}, "")
	if privileged.ReasonOf(resp) != "request_too_large" {
		t.Errorf("resp = %v", resp)
	}
}

func TestServerStreamingAgentExec(t *testing.T) {
	var root string
	client, _ := startTestServer(t, func(cfg *config.DaemonConfig) {
		root = filepath.Join(filepath.Dir(cfg.SocketPath), "ws")
		cfg.WorkspaceParent = root
		cfg.InstanceID = "ops-a"
		cfg.AgentAllowlist = []string{"claude"}
		cfg.CommandAllowlist = []string{"/bin/sh"}
	})

	var chunks []string
	resp := client.DoStreaming(context.Background(), "u1", map[string]any{
		"op":          "agent_cli_exec",
		"agent":       "claude",
		"instance_id": "ops-a",
		"command":     "/bin/sh",
		"args":        []any{"-c", "echo alpha; echo beta"},
		"cwd":         filepath.Join(root, "ops-a", "claude", "s1"),
		"stream":      true,
	}, "", func(stream, data string) {
		if stream == "stdout" {
			chunks = append(chunks, data)
		}
	})
	if !privileged.OK(resp) {
		t.Fatalf("exec = %v", resp)
	}
	if len(chunks) != 2 || chunks[0] != "alpha\n" || chunks[1] != "beta\n" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestServerClientConnectFailure(t *testing.T) {
	client := privileged.NewClient("/nonexistent/sysd.sock", time.Second, slog.Default())
	resp := client.Do(context.Background(), "u1", map[string]any{"op": "ping"}, "")
	if privileged.OK(resp) {
		t.Fatal("connect to missing socket succeeded")
	}
	reason := privileged.ReasonOf(resp)
	if len(reason) < len("connect_failed:") || reason[:len("connect_failed:")] != "connect_failed:" {
		t.Errorf("reason = %q", reason)
	}
}
