package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/kapy/internal/pipeline"
	"github.com/haasonsaas/kapy/pkg/models"
)

// cmdSudo manages the root-mode window. Opening it requires a TOTP
// approval: the first /sudo on arms code-input mode, the middleware
// substitutes the retry command once a valid code arrives, and the
// re-run finds the approval window open.
func (r *Router) cmdSudo(c *pipeline.Context, args []string) error {
	if c.Mode != models.ModeSystem || r.sudo == nil {
		return c.Reply("❌ 仅系统模式支持 /sudo")
	}
	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}
	user, channel, chat := c.Message.UserID, c.Message.Channel, c.Message.ChatID

	switch sub {
	case "status":
		st := r.sudo.Status(user, channel, chat)
		if st.Enabled {
			return c.Reply(fmt.Sprintf("sudo: 开启（剩余 %d 秒）", st.RemainingSeconds))
		}
		return c.Reply("sudo: 关闭")

	case "on":
		if r.twoFactor == nil {
			return c.Reply("❌ two_factor_disabled")
		}
		if !r.twoFactor.Enrolled(user) {
			return c.Reply("❌ 尚未注册两步验证，请先执行 /sysauth setup start")
		}
		if _, ok := r.twoFactor.GetApprovalWindow(user, channel, chat); ok {
			ttl := r.sudo.Enable(user, channel, chat, 0)
			return c.Reply(fmt.Sprintf("✅ root 模式已开启，%d 秒后自动关闭", int(ttl.Seconds())))
		}
		chal, err := r.twoFactor.CreateChallenge(user, map[string]any{
			"op":   "sudo_on",
			"chat": chat,
		})
		if err != nil {
			return c.Reply(fmt.Sprintf("❌ %v", err))
		}
		r.twoFactor.SetPendingApprovalInput(user, chal.ChallengeID, "/sudo on")
		return c.Reply("🔐 请输入 6 位验证码以开启 root 模式")

	case "off":
		r.sudo.Disable(user, channel, chat)
		return c.Reply("✅ root 模式已关闭")

	default:
		return c.Reply("用法: /sudo <status|on|off>")
	}
}

// cmdSysauth is the out-of-band TOTP surface: enrollment lifecycle
// plus explicit challenge plan/approve for operators who prefer not
// to rely on the reply interception flow.
func (r *Router) cmdSysauth(c *pipeline.Context, args []string) error {
	if r.twoFactor == nil {
		return c.Reply("❌ two_factor_disabled")
	}
	if len(args) == 0 {
		return c.Reply("用法: /sysauth <plan|approve|status|setup>")
	}
	user, channel, chat := c.Message.UserID, c.Message.Channel, c.Message.ChatID
	sub, rest := args[0], args[1:]

	switch sub {
	case "setup":
		return r.sysauthSetup(c, user, rest)

	case "plan":
		if len(rest) == 0 {
			return c.Reply("用法: /sysauth plan <action...>")
		}
		chal, err := r.twoFactor.CreateChallenge(user, map[string]any{
			"op":  "manual",
			"cmd": strings.Join(rest, " "),
		})
		if err != nil {
			return c.Reply(fmt.Sprintf("❌ %v", err))
		}
		return c.Reply(fmt.Sprintf("📋 已创建审批 %s，有效期至 %s\n执行 /sysauth approve %s <code> 批准",
			chal.ChallengeID, chal.ExpiresAt.Format(time.RFC3339), chal.ChallengeID))

	case "approve":
		if len(rest) != 2 {
			return c.Reply("用法: /sysauth approve <challengeId> <code>")
		}
		ok, reason := r.twoFactor.ApproveChallenge(rest[0], user, rest[1], nil)
		if !ok {
			return c.Reply("❌ " + reason)
		}
		r.twoFactor.ActivateApprovalWindow(user, channel, chat, 0)
		return c.Reply("✅ 已批准，授权窗口已开启")

	case "status":
		enrolled, pending := r.twoFactor.EnrollmentStatus(user)
		var b strings.Builder
		fmt.Fprintf(&b, "两步验证: 已注册 %v（待确认 %v）\n", enrolled, pending)
		if remaining, ok := r.twoFactor.GetApprovalWindow(user, channel, chat); ok {
			fmt.Fprintf(&b, "授权窗口: 剩余 %d 秒", int(remaining.Seconds()))
		} else {
			b.WriteString("授权窗口: 关闭")
		}
		return c.Reply(b.String())

	default:
		return c.Reply("用法: /sysauth <plan|approve|status|setup>")
	}
}

func (r *Router) sysauthSetup(c *pipeline.Context, user string, args []string) error {
	sub := "status"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "start":
		enr, err := r.twoFactor.CreateEnrollment(user)
		if err != nil {
			return c.Reply(fmt.Sprintf("❌ %v", err))
		}
		return c.Reply(fmt.Sprintf(
			"🔐 请将以下密钥导入验证器，然后执行 /sysauth setup verify <code>\n%s\n密钥: %s",
			enr.URI, enr.PendingSecret))

	case "verify":
		if len(args) != 2 {
			return c.Reply("用法: /sysauth setup verify <code>")
		}
		if ok, reason := r.twoFactor.VerifyEnrollment(user, args[1]); !ok {
			return c.Reply("❌ " + reason)
		}
		return c.Reply("✅ 两步验证已启用")

	case "status":
		enrolled, pending := r.twoFactor.EnrollmentStatus(user)
		return c.Reply(fmt.Sprintf("已注册: %v  待确认: %v", enrolled, pending))

	case "cancel":
		r.twoFactor.CancelEnrollment(user)
		return c.Reply("✅ 已取消注册流程")

	default:
		return c.Reply("用法: /sysauth setup <start|verify|status|cancel>")
	}
}
