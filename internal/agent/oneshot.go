package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

// OneShot runs the Claude-family binary once per turn and parses its
// whole stdout as a single JSON document.
type OneShot struct {
	name   string
	cfg    config.AgentConfig
	mode   models.Mode
	table  *sessionTable
	remote *RemoteBridge
	logger *slog.Logger
}

// NewOneShot constructs the one-shot adapter.
func NewOneShot(name string, cfg config.AgentConfig, mode models.Mode, ws *workspace.Manager, remote *RemoteBridge, logger *slog.Logger) *OneShot {
	if logger == nil {
		logger = slog.Default()
	}
	return &OneShot{
		name:   name,
		cfg:    cfg,
		mode:   mode,
		table:  newSessionTable(ws),
		remote: remote,
		logger: logger.With("agent", name, "shape", "oneshot"),
	}
}

func (a *OneShot) Name() string { return a.name }

func (a *OneShot) CreateSession(_ context.Context, userID, chatID string, opts CreateOptions) (*models.SessionInfo, error) {
	return a.table.create(userID, chatID, opts)
}

func (a *OneShot) HasSession(sessionID string) bool { return a.table.has(sessionID) }

func (a *OneShot) Cancel(sessionID string) error { return a.table.cancelSession(sessionID) }

func (a *OneShot) DestroySession(sessionID string) error {
	_ = a.table.cancelSession(sessionID)
	a.table.remove(sessionID)
	return nil
}

func (a *OneShot) HealthCheck(sessionID string) (*models.HealthInfo, error) {
	return a.table.health(sessionID)
}

func (a *OneShot) LastUsage(sessionID string) *models.UsageInfo {
	return a.table.popUsage(sessionID)
}

// oneshotOutput is the JSON document the binary prints per turn.
type oneshotOutput struct {
	Result string `json:"result"`
	Usage  struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_tokens"`
	} `json:"usage"`
	TotalCostUSD float64                    `json:"total_cost_usd"`
	DurationMs   int64                      `json:"duration_ms"`
	ModelUsage   map[string]json.RawMessage `json:"modelUsage"`
}

func (a *OneShot) SendMessage(ctx context.Context, sessionID, message string, opts SendOptions) (*Stream, error) {
	st, ok := a.table.get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if a.cfg.RequireSystemClient && a.remote == nil {
		stream := newStream(1)
		stream.emit(systemClientRequiredNotice())
		stream.close()
		return stream, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := a.table.markBusy(sessionID, cancel); err != nil {
		cancel()
		return nil, err
	}

	args := a.buildArgs(sessionID, message, st.started, opts)
	stream := newStream(4)
	go func() {
		defer cancel()
		defer a.table.markIdle(sessionID)
		defer stream.close()
		if a.remote != nil {
			a.remote.Run(runCtx, a.name, sessionID, a.cfg.Command, args, st.info.WorkDir, a.cfg, stream)
			return
		}
		a.runLocal(runCtx, sessionID, args, st.info.WorkDir, stream)
	}()
	return stream, nil
}

func (a *OneShot) buildArgs(sessionID, message string, resumed bool, opts SendOptions) []string {
	args := substituteArgs(a.cfg.ArgsTemplate, message, sessionID)
	if resumed {
		args = append(args, "--resume", sessionID)
	} else {
		args = append(args, "--session-id", sessionID)
	}
	if model := a.resolveModel(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, paramFlags(opts.Params, a.cfg.SupportedParams)...)
	if opts.RunAsRoot && a.mode == models.ModeSystem {
		args = rewriteRootArgs(a.familyOrDefault(), args)
	}
	return args
}

func (a *OneShot) familyOrDefault() string {
	if a.cfg.Family == "" {
		return "claude"
	}
	return a.cfg.Family
}

func (a *OneShot) resolveModel(alias string) string {
	if alias == "" {
		alias = a.cfg.DefaultModel
	}
	if alias == "" {
		return ""
	}
	if resolved, ok := a.cfg.Models[alias]; ok {
		return resolved
	}
	return alias
}

func (a *OneShot) runLocal(ctx context.Context, sessionID string, args []string, workDir string, stream *Stream) {
	cmd := exec.Command(a.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(os.Environ(), a.cfg)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			stream.emit(commandNotFoundNotice(a.cfg.Command))
		} else {
			a.logger.Error("start agent", "error", err)
			stream.emit(execErrorNotice())
		}
		return
	}
	a.table.setPID(sessionID, a.name, cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := a.cfg.Timeout()
	select {
	case err := <-done:
		a.finish(sessionID, err, stdout.Bytes(), stderr.String(), stream)
	case <-ctx.Done():
		terminate(cmd, waitClosed(done))
		if errors.Is(ctx.Err(), context.Canceled) {
			stream.emit(cancelledNotice())
		} else {
			stream.emit(timeoutNotice(int(timeout.Seconds())))
		}
	case <-timeoutAfter(timeout):
		terminate(cmd, waitClosed(done))
		stream.emit(timeoutNotice(int(timeout.Seconds())))
	}
}

func (a *OneShot) finish(sessionID string, waitErr error, stdout []byte, stderr string, stream *Stream) {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		stream.emit(exitCodeNotice(exitErr.ExitCode(), strings.TrimSpace(stderr)))
		return
	}
	if waitErr != nil {
		a.logger.Error("agent wait", "error", waitErr)
		stream.emit(execErrorNotice())
		return
	}

	var out oneshotOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err != nil {
		a.logger.Warn("unparseable agent output", "error", err, "session_id", sessionID)
		// Fall back to raw stdout so partial output is not lost.
		stream.emit(strings.TrimSpace(string(stdout)))
		return
	}

	usage := &models.UsageInfo{
		InputTokens:         out.Usage.InputTokens,
		OutputTokens:        out.Usage.OutputTokens,
		CacheReadTokens:     out.Usage.CacheReadTokens,
		CacheCreationTokens: out.Usage.CacheCreationTokens,
		CostUSD:             out.TotalCostUSD,
		DurationMs:          out.DurationMs,
		Model:               firstModel(out.ModelUsage),
	}
	a.table.setUsage(sessionID, usage)
	a.markStarted(sessionID)
	stream.emit(out.Result)
}

func (a *OneShot) markStarted(sessionID string) {
	a.table.mu.Lock()
	defer a.table.mu.Unlock()
	if st, ok := a.table.sessions[sessionID]; ok {
		st.started = true
	}
}

func firstModel(usage map[string]json.RawMessage) string {
	if len(usage) == 0 {
		return ""
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}
