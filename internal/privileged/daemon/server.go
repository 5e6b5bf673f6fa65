package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/kapy/internal/config"
	"github.com/haasonsaas/kapy/internal/privileged"
)

// Ops that always require a signed grant. read_file joins the set when
// its path is on the sensitive list; hardened mode extends it to all.
var grantRequiredOps = map[string]bool{
	"cron_upsert":     true,
	"cron_delete":     true,
	"docker_exec":     true,
	"config_write":    true,
	"config_append":   true,
	"config_delete":   true,
	"config_rollback": true,
}

// Options wires the daemon server.
type Options struct {
	Config config.DaemonConfig
	Grants *privileged.GrantSigner
	Logger *slog.Logger
}

// Server is the privileged daemon: a Unix socket accepting one
// line-JSON request per connection, with peer-credential, unit, size
// and grant enforcement before any action dispatch.
type Server struct {
	cfg    config.DaemonConfig
	grants *privileged.GrantSigner
	exec   *executor
	audit  *auditLog
	logger *slog.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	closed chan struct{}

	unit   string
	unitOK bool
}

// New builds the server. The systemd unit allowlist is evaluated once
// at construction against the daemon's own unit.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "privileged_daemon")

	audit, err := newAuditLog(opts.Config.AuditPath, logger)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    opts.Config,
		grants: opts.Grants,
		exec:   newExecutor(opts.Config, logger),
		audit:  audit,
		logger: logger,
		closed: make(chan struct{}),
	}
	s.unit = currentSystemdUnit()
	s.unitOK = s.unitAllowed()
	if !s.unitOK {
		logger.Warn("running outside the allowed systemd units, all requests will be refused",
			"unit", s.unit, "allowed", opts.Config.AllowedUnits)
	}
	return s, nil
}

func (s *Server) unitAllowed() bool {
	if len(s.cfg.AllowedUnits) == 0 {
		return true
	}
	for _, u := range s.cfg.AllowedUnits {
		if u == s.unit {
			return true
		}
	}
	return false
}

// Start listens on the configured socket and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.SocketPath == "" {
		return errors.New("daemon socket path not configured")
	}
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln
	s.logger.Info("privileged daemon listening", "socket", s.cfg.SocketPath)

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	close(s.closed)
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	s.audit.Close()
	_ = os.Remove(s.cfg.SocketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Minute))

	if len(s.cfg.AllowedPeerUIDs) > 0 {
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			s.reply(conn, failResponse("peer_uid_not_allowed"))
			return
		}
		uid, err := peerUID(uc)
		if err != nil || !s.peerAllowed(uid) {
			s.logger.Warn("rejected peer", "uid", uid, "error", err)
			s.reply(conn, failResponse("peer_uid_not_allowed"))
			return
		}
	}
	if !s.unitOK {
		s.reply(conn, failResponse("peer_unit_not_allowed"))
		return
	}

	maxBytes := s.cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 128 * 1024
	}
	line, err := readLineLimited(conn, maxBytes)
	if err != nil {
		if errors.Is(err, errRequestTooLarge) {
			s.reply(conn, failResponse("request_too_large"))
		} else {
			s.reply(conn, failResponse("malformed_request"))
		}
		return
	}

	var req privileged.Request
	if err := json.Unmarshal(line, &req); err != nil || req.Action == nil {
		s.reply(conn, failResponse("malformed_request"))
		return
	}
	op := stringField(req.Action, "op")
	if op == "" {
		s.reply(conn, failResponse("missing_op"))
		return
	}

	if reason := s.checkGrant(&req, op); reason != "" {
		resp := failResponse(reason)
		s.audit.Record(req.UserID, op, req.Action, resp)
		s.reply(conn, resp)
		return
	}

	var emit func(stream, data string)
	if op == "agent_cli_exec" {
		if want, _ := req.Action["stream"].(bool); want {
			emit = func(stream, data string) {
				s.writeFrame(conn, privileged.Frame{Event: "chunk", Stream: stream, Data: data})
			}
		}
	}

	resp := s.dispatch(ctx, op, req.Action, emit)
	if emit != nil {
		s.writeFrame(conn, privileged.Frame{Event: "done"})
	}
	s.audit.Record(req.UserID, op, req.Action, resp)
	s.reply(conn, resp)
}

func (s *Server) peerAllowed(uid int) bool {
	for _, allowed := range s.cfg.AllowedPeerUIDs {
		if allowed == uid {
			return true
		}
	}
	return false
}

// checkGrant returns a failure reason, or "" when the request may
// proceed. Consuming verification burns the grant's nonce.
func (s *Server) checkGrant(req *privileged.Request, op string) string {
	if !s.opNeedsGrant(op, req.Action) {
		return ""
	}
	if req.Grant == "" {
		return privileged.ReasonGrantRequired
	}
	if s.grants == nil {
		return privileged.ReasonGrantInvalid
	}
	ok, reason, _ := s.grants.Verify(req.Grant, req.UserID, req.Action, true)
	if !ok {
		return reason
	}
	return ""
}

func (s *Server) opNeedsGrant(op string, action map[string]any) bool {
	if s.cfg.RequireGrantForAll {
		return true
	}
	if grantRequiredOps[op] {
		return true
	}
	if op == "read_file" {
		return s.exec.IsSensitivePath(stringField(action, "path"))
	}
	return false
}

func (s *Server) dispatch(ctx context.Context, op string, action map[string]any, emit func(stream, data string)) map[string]any {
	switch op {
	case "journal":
		return s.exec.journal(ctx, action)
	case "read_file":
		return s.exec.readFile(action)
	case "cron_list":
		return s.exec.cronList()
	case "cron_upsert":
		return s.exec.cronUpsert(action)
	case "cron_delete":
		return s.exec.cronDelete(action)
	case "docker_exec":
		return s.exec.dockerExec(ctx, action)
	case "config_write":
		return s.exec.configWrite(action)
	case "config_append":
		return s.exec.configAppend(action)
	case "config_delete":
		return s.exec.configDelete(action)
	case "config_rollback":
		return s.exec.configRollback(action)
	case "agent_cli_exec":
		return s.exec.agentCliExec(ctx, action, emit)
	case "ping":
		return okResponse(nil)
	default:
		return failResponse("unknown_op")
	}
}

func (s *Server) reply(conn net.Conn, resp map[string]any) {
	line, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "error", err)
		return
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *Server) writeFrame(conn net.Conn, frame privileged.Frame) {
	line, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_, _ = conn.Write(append(line, '\n'))
}

var errRequestTooLarge = errors.New("request too large")

// readLineLimited reads one newline-terminated request, rejecting any
// that exceeds max bytes before the terminator arrives.
func readLineLimited(r io.Reader, max int) ([]byte, error) {
	reader := bufio.NewReaderSize(io.LimitReader(r, int64(max)+1), 64*1024)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > max {
			return nil, errRequestTooLarge
		}
		return nil, err
	}
	if len(line) > max {
		return nil, errRequestTooLarge
	}
	return line, nil
}

// currentSystemdUnit reads the daemon's own unit name from the cgroup
// hierarchy. Empty when not running under systemd.
func currentSystemdUnit() string {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		segs := strings.Split(parts[2], "/")
		for i := len(segs) - 1; i >= 0; i-- {
			if strings.HasSuffix(segs[i], ".service") {
				return segs[i]
			}
		}
	}
	return ""
}
