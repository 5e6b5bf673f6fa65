package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/workspace"
	"github.com/haasonsaas/kapy/pkg/models"
)

// StreamingProcessRunner spawns a child and relays its stdout line by
// line. The streaming adapter embeds it and finalizes the argument
// list per family; the runner owns process lifecycle and timeouts.
type StreamingProcessRunner struct {
	logger *slog.Logger
}

// runResult carries the child's exit condition back to the adapter.
type runResult struct {
	exitCode  int
	stderr    string
	timedOut  bool
	cancelled bool
	startErr  error
}

// run executes the command, emitting each stdout line as a chunk.
// Stderr is collected in a single background read.
func (r *StreamingProcessRunner) run(ctx context.Context, command string, args []string, workDir string, env []string, timeoutCh <-chan struct{}, onPID func(int), stream *Stream) runResult {
	cmd := exec.Command(command, args...)
	cmd.Dir = workDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runResult{startErr: err}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return runResult{startErr: err}
	}
	if err := cmd.Start(); err != nil {
		return runResult{startErr: err}
	}
	if onPID != nil {
		onPID(cmd.Process.Pid)
	}

	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderrPipe)
		stderrCh <- string(data)
	}()

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var result runResult
	open := true
	for open {
		select {
		case line, ok := <-lines:
			if !ok {
				open = false
				break
			}
			stream.emit(line)
		case <-ctx.Done():
			terminate(cmd, waitClosed(done))
			result.cancelled = true
			open = false
		case <-timeoutCh:
			terminate(cmd, waitClosed(done))
			result.timedOut = true
			open = false
		}
	}

	// Drain any lines produced before the pipe closed.
	for line := range lines {
		if result.timedOut || result.cancelled {
			break
		}
		stream.emit(line)
	}

	waitErr := <-done
	result.stderr = strings.TrimSpace(<-stderrCh)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.exitCode = exitErr.ExitCode()
	}
	return result
}

// Streaming runs Codex- and Gemini-family binaries, relaying each
// stdout line as its own chunk.
type Streaming struct {
	name   string
	cfg    config.AgentConfig
	mode   models.Mode
	table  *sessionTable
	runner StreamingProcessRunner
	remote *RemoteBridge
	logger *slog.Logger
}

// NewStreaming constructs the streaming adapter.
func NewStreaming(name string, cfg config.AgentConfig, mode models.Mode, ws *workspace.Manager, remote *RemoteBridge, logger *slog.Logger) *Streaming {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", name, "shape", "streaming")
	return &Streaming{
		name:   name,
		cfg:    cfg,
		mode:   mode,
		table:  newSessionTable(ws),
		runner: StreamingProcessRunner{logger: logger},
		remote: remote,
		logger: logger,
	}
}

func (a *Streaming) Name() string { return a.name }

func (a *Streaming) CreateSession(_ context.Context, userID, chatID string, opts CreateOptions) (*models.SessionInfo, error) {
	return a.table.create(userID, chatID, opts)
}

func (a *Streaming) HasSession(sessionID string) bool { return a.table.has(sessionID) }

func (a *Streaming) Cancel(sessionID string) error { return a.table.cancelSession(sessionID) }

func (a *Streaming) DestroySession(sessionID string) error {
	_ = a.table.cancelSession(sessionID)
	a.table.remove(sessionID)
	return nil
}

func (a *Streaming) HealthCheck(sessionID string) (*models.HealthInfo, error) {
	return a.table.health(sessionID)
}

func (a *Streaming) LastUsage(sessionID string) *models.UsageInfo {
	return a.table.popUsage(sessionID)
}

func (a *Streaming) SendMessage(ctx context.Context, sessionID, message string, opts SendOptions) (*Stream, error) {
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

	args := a.buildArgs(sessionID, message, opts)
	stream := newStream(16)
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

func (a *Streaming) buildArgs(sessionID, message string, opts SendOptions) []string {
	args := substituteArgs(a.cfg.ArgsTemplate, message, sessionID)
	if model := a.resolveModel(opts.Model); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, paramFlags(opts.Params, a.cfg.SupportedParams)...)
	// Family-specific flags such as --skip-git-repo-check.
	args = append(args, a.cfg.ExtraFlags...)
	if opts.RunAsRoot && a.mode == models.ModeSystem {
		args = rewriteRootArgs(a.cfg.Family, args)
	}
	return args
}

func (a *Streaming) resolveModel(alias string) string {
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

func (a *Streaming) runLocal(ctx context.Context, sessionID string, args []string, workDir string, stream *Stream) {
	timeout := a.cfg.Timeout()
	timeoutCh := make(chan struct{})
	timer := timeoutAfter(timeout)
	go func() {
		if timer == nil {
			return
		}
		<-timer
		close(timeoutCh)
	}()

	result := a.runner.run(ctx, a.cfg.Command, args, workDir,
		buildEnv(os.Environ(), a.cfg), timeoutCh,
		func(pid int) { a.table.setPID(sessionID, a.name, pid) }, stream)

	switch {
	case result.startErr != nil:
		if errors.Is(result.startErr, exec.ErrNotFound) {
			stream.emit(commandNotFoundNotice(a.cfg.Command))
		} else {
			a.logger.Error("start agent", "error", result.startErr)
			stream.emit(execErrorNotice())
		}
	case result.timedOut:
		stream.emit(timeoutNotice(int(timeout.Seconds())))
	case result.cancelled:
		stream.emit(cancelledNotice())
	case result.exitCode != 0:
		stream.emit(exitCodeNotice(result.exitCode, result.stderr))
	}
}
