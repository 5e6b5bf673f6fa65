package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/kapy/internal/auth"
	"github.com/haasonsaas/kapy/internal/privileged"
	"github.com/haasonsaas/kapy/pkg/models"
)

const (
	unauthorizedReply   = "❌ 未授权用户"
	rateLimitedReply    = "⏳ 请求过于频繁，请稍后再试"
	userModeReply       = "❌ 当前为用户模式，系统命令不可用"
	systemAdminReply    = "❌ 系统模式下仅系统管理员可用"
	badCodeReply        = "❌ 验证码错误，本次授权已取消"
	codeExpiredReply    = "❌ 验证码已过期，本次授权已取消"
	codeAbortedReply    = "❌ 未收到验证码，本次授权已取消"
	approvalWindowGrace = 0 // use the two-factor default
)

// Logging records every request and the wall clock of the full chain.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")
	return func(c *Context, next Next) error {
		start := time.Now()
		err := next()
		logger.Info("message handled",
			"user", c.Message.UserID,
			"channel", c.Message.Channel,
			"chat", c.Message.ChatID,
			"preview", preview(c.Message.Text),
			"command", c.Command,
			"duration", time.Since(start),
			"error", err)
		return err
	}
}

// Auth rejects senders outside the channel allowlist and senders over
// their rate budget.
func Auth(svc *auth.Service) Middleware {
	return func(c *Context, next Next) error {
		decision := svc.Check(c.Message.UserID, c.Message.Channel)
		if decision.Allowed {
			return next()
		}
		if decision.Reason == auth.ReasonRateLimited {
			return c.Reply(rateLimitedReply)
		}
		return c.Reply(unauthorizedReply)
	}
}

// ModeGuard gates privileged traffic on the deployment mode. User
// mode refuses system commands outright; system mode requires the
// system_admin role for system commands and for free-form agent input.
func ModeGuard(svc *auth.Service) Middleware {
	return func(c *Context, next Next) error {
		text := normalizeShorthand(c.Text)
		if c.Mode == models.ModeUser {
			if isSystemCommand(text) {
				return c.Reply(userModeReply)
			}
			return next()
		}
		if svc.IsSystemAdmin(c.Message.UserID) {
			return next()
		}
		if isSystemCommand(text) || !strings.HasPrefix(text, "/") {
			return c.Reply(systemAdminReply)
		}
		return next()
	}
}

// TwoFactorReply intercepts the message after a privileged command
// armed code-input mode. A valid 6-digit code substitutes the stored
// retry command so the original action re-runs pre-approved. Anything
// else cancels the challenge with a failure reply.
func TwoFactorReply(tf *privileged.TwoFactor) Middleware {
	return func(c *Context, next Next) error {
		if tf == nil {
			return next()
		}
		if _, armed := tf.PendingApprovalInput(c.Message.UserID); !armed {
			return next()
		}
		text := strings.TrimSpace(c.Text)
		if !privileged.IsCode(text) {
			tf.InvalidatePendingInput(c.Message.UserID)
			return c.Reply(codeAbortedReply)
		}
		_, retryCmd, reason := tf.ApprovePendingInputCode(c.Message.UserID, text)
		switch reason {
		case privileged.ReasonOK:
			tf.ActivateApprovalWindow(c.Message.UserID, c.Message.Channel, c.Message.ChatID, approvalWindowGrace)
			c.Text = retryCmd
			return next()
		case privileged.ReasonChallengeExpired:
			return c.Reply(codeExpiredReply)
		default:
			return c.Reply(badCodeReply)
		}
	}
}

// normalizeShorthand rewrites the "kapy sub" spelling into "/sub".
func normalizeShorthand(text string) string {
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, "kapy "); ok {
		return "/" + strings.TrimSpace(rest)
	}
	return trimmed
}

func isSystemCommand(text string) bool {
	if !strings.HasPrefix(text, "/") {
		return false
	}
	name := strings.Fields(text)[0][1:]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	switch name {
	case "sys", "sudo", "sysauth":
		return true
	}
	return false
}

func preview(text string) string {
	const max = 80
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}
