package privileged

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Request is one RPC to the privileged daemon: newline-terminated
// JSON, one request then one response (or streaming frames followed
// by a response), then close.
type Request struct {
	UserID string         `json:"user_id"`
	Action map[string]any `json:"action"`
	Grant  string         `json:"grant,omitempty"`
}

// Frame is a streaming output frame emitted by the daemon for
// agent_cli_exec when stream-capable.
type Frame struct {
	Event  string `json:"event"` // "chunk" or "done"
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
}

// Client talks to the privileged daemon over its Unix socket. It is
// best-effort: connection failures come back as ok:false responses
// rather than errors so callers surface a reason code.
type Client struct {
	socketPath string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient builds a client for the daemon socket.
func NewClient(socketPath string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		socketPath: socketPath,
		timeout:    timeout,
		logger:     logger.With("component", "privileged_client"),
	}
}

// Do sends one action and returns the daemon's response map.
func (c *Client) Do(ctx context.Context, userID string, action map[string]any, grant string) map[string]any {
	return c.do(ctx, userID, action, grant, nil)
}

// DoStreaming sends one action, relaying chunk frames through onFrame
// before the final response arrives.
func (c *Client) DoStreaming(ctx context.Context, userID string, action map[string]any, grant string, onFrame func(stream, data string)) map[string]any {
	return c.do(ctx, userID, action, grant, onFrame)
}

func (c *Client) do(ctx context.Context, userID string, action map[string]any, grant string, onFrame func(stream, data string)) map[string]any {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return failResponse(fmt.Sprintf("connect_failed:%v", err))
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	payload, err := json.Marshal(Request{UserID: userID, Action: action, Grant: grant})
	if err != nil {
		return failResponse(fmt.Sprintf("encode_failed:%v", err))
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return failResponse(fmt.Sprintf("write_failed:%v", err))
	}

	reader := bufio.NewReaderSize(conn, 256*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return failResponse(fmt.Sprintf("read_failed:%v", err))
		}

		// Streaming daemons interleave frames before the response.
		var frame Frame
		if onFrame != nil && json.Unmarshal(line, &frame) == nil && frame.Event != "" {
			if frame.Event == "chunk" {
				onFrame(frame.Stream, frame.Data)
				continue
			}
			if frame.Event == "done" {
				continue
			}
		}

		var resp map[string]any
		if err := json.Unmarshal(line, &resp); err != nil {
			return failResponse(fmt.Sprintf("decode_failed:%v", err))
		}
		if _, ok := resp["ok"]; ok {
			return resp
		}
	}
}

func failResponse(reason string) map[string]any {
	return map[string]any{"ok": false, "reason": reason}
}

// OK reports whether a daemon response map indicates success.
func OK(resp map[string]any) bool {
	ok, _ := resp["ok"].(bool)
	return ok
}

// ReasonOf extracts the reason string from a response map.
func ReasonOf(resp map[string]any) string {
	reason, _ := resp["reason"].(string)
	return reason
}
