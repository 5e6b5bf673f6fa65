package privileged

import (
	"context"
	"fmt"

	"github.com/haasonsaas/kapy/internal/agent"
)

// AgentExecutor adapts the daemon client to the narrow execution
// surface the agent adapters need. The gateway runs unprivileged and
// forwards agent invocations as agent_cli_exec actions; the daemon
// owns the jail, the UID drop and the allowlists.
type AgentExecutor struct {
	client *Client
	userID string
}

var _ agent.SystemExecutor = (*AgentExecutor)(nil)

// NewAgentExecutor wires a daemon client under a fixed caller
// identity (the gateway service account).
func NewAgentExecutor(client *Client, userID string) *AgentExecutor {
	return &AgentExecutor{client: client, userID: userID}
}

// ExecAgentCLI forwards one invocation. Frames stream through onFrame
// when the caller wants incremental output.
func (e *AgentExecutor) ExecAgentCLI(ctx context.Context, req agent.ExecRequest, onFrame func(stream, data string)) (agent.ExecResult, error) {
	action := map[string]any{
		"op":              "agent_cli_exec",
		"agent":           req.Agent,
		"mode":            req.Mode,
		"instance_id":     req.InstanceID,
		"command":         req.Command,
		"args":            req.Args,
		"cwd":             req.Cwd,
		"timeout_seconds": req.TimeoutSeconds,
		"stream":          onFrame != nil,
	}
	if len(req.Env) > 0 {
		env := make(map[string]any, len(req.Env))
		for k, v := range req.Env {
			env[k] = v
		}
		action["env"] = env
	}

	resp := e.client.DoStreaming(ctx, e.userID, action, "", onFrame)
	if !OK(resp) {
		return agent.ExecResult{}, fmt.Errorf("agent exec refused: %s", ReasonOf(resp))
	}
	result := agent.ExecResult{
		Streamed: onFrame != nil,
	}
	if s, ok := resp["stdout"].(string); ok {
		result.Stdout = s
	}
	if s, ok := resp["stderr"].(string); ok {
		result.Stderr = s
	}
	if rc, ok := resp["returncode"].(float64); ok {
		result.ReturnCode = int(rc)
	}
	return result, nil
}
