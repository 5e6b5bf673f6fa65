package agent

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/kapy/internal/config"
)

// ExecRequest describes one remote agent invocation forwarded to the
// privileged daemon as an agent_cli_exec action.
type ExecRequest struct {
	Agent          string
	Mode           string
	InstanceID     string
	Command        string
	Args           []string
	Cwd            string
	Env            map[string]string
	TimeoutSeconds int
}

// ExecResult is the non-streaming daemon reply.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ReturnCode int

	// Streamed is true when output already arrived through frames and
	// Stdout holds nothing new.
	Streamed bool
}

// SystemExecutor is the narrow surface the adapters need from the
// privileged client. Streaming daemons deliver output through onFrame
// ({event:"chunk"} frames); others return everything in the result.
type SystemExecutor interface {
	ExecAgentCLI(ctx context.Context, req ExecRequest, onFrame func(stream, data string)) (ExecResult, error)
}

// RemoteBridge forwards sends to the privileged daemon instead of
// spawning locally.
type RemoteBridge struct {
	executor   SystemExecutor
	mode       string
	instanceID string
	logger     *slog.Logger
}

// NewRemoteBridge wires a system executor into the adapters.
func NewRemoteBridge(executor SystemExecutor, mode, instanceID string, logger *slog.Logger) *RemoteBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteBridge{
		executor:   executor,
		mode:       mode,
		instanceID: instanceID,
		logger:     logger.With("component", "remote_bridge"),
	}
}

// Run executes the invocation remotely, relaying streaming frames as
// chunks when the daemon supports them.
func (b *RemoteBridge) Run(ctx context.Context, agent, sessionID, command string, args []string, cwd string, cfg config.AgentConfig, stream *Stream) {
	req := ExecRequest{
		Agent:          agent,
		Mode:           b.mode,
		InstanceID:     b.instanceID,
		Command:        command,
		Args:           args,
		Cwd:            cwd,
		Env:            cfg.Env,
		TimeoutSeconds: int(cfg.Timeout().Seconds()),
	}
	result, err := b.executor.ExecAgentCLI(ctx, req, func(frameStream, data string) {
		if frameStream == "stdout" {
			stream.emit(data)
		}
	})
	if err != nil {
		b.logger.Error("remote exec", "error", err, "session_id", sessionID)
		stream.emit(execErrorNotice())
		return
	}
	if !result.Streamed && result.Stdout != "" {
		stream.emit(result.Stdout)
	}
	if result.ReturnCode != 0 {
		stream.emit(exitCodeNotice(result.ReturnCode, result.Stderr))
	}
}
