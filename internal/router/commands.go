package router

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/kapy/internal/agent"
	"github.com/haasonsaas/kapy/internal/pipeline"
	"github.com/haasonsaas/kapy/internal/sessions"
	"github.com/haasonsaas/kapy/pkg/models"
)

const helpText = `可用命令（/cmd 或 kapy cmd）:
/start /help /whoami - 基本信息
/agent [name] - 查看或切换智能体
/sessions /current /switch <id> /kill /name <label> - 会话管理
/model [alias] /param <k> <v> /params /reset - 模型与参数
/files /download <file> - 会话文件
/history /cancel - 历史与取消
/memory <list|find|show|note|pin|unpin|forget|fb|metrics> - 记忆
/sudo <status|on|off> - root 模式（系统模式）
/sysauth <plan|approve|status|setup> - 两步验证`

func (r *Router) registerCommands() {
	cmds := map[string]pipeline.Handler{
		"start":    r.cmdStart,
		"help":     r.cmdHelp,
		"whoami":   r.cmdWhoami,
		"agent":    r.cmdAgent,
		"sessions": r.cmdSessions,
		"current":  r.cmdCurrent,
		"switch":   r.cmdSwitch,
		"kill":     r.cmdKill,
		"name":     r.cmdName,
		"model":    r.cmdModel,
		"param":    r.cmdParam,
		"params":   r.cmdParams,
		"reset":    r.cmdReset,
		"files":    r.cmdFiles,
		"download": r.cmdDownload,
		"history":  r.cmdHistory,
		"cancel":   r.cmdCancel,
		"memory":   r.cmdMemory,
		"sudo":     r.cmdSudo,
		"sysauth":  r.cmdSysauth,
	}
	for name, h := range cmds {
		name, h := name, h
		r.commands.Register(name, func(c *pipeline.Context, args []string) error {
			err := h(c, args)
			if r.metrics != nil {
				status := "ok"
				if err != nil {
					status = "error"
				}
				r.metrics.CommandDispatched(name, status)
			}
			return err
		})
	}
}

// activeForScope resolves the session most commands operate on.
func (r *Router) activeForScope(c *pipeline.Context) (*models.ManagedSession, bool) {
	return r.store.ActiveSessionForScope(c.Message.ScopeID())
}

// activeForUser resolves the per-user pointer. The file, history and
// cancel commands follow the user across chats rather than the scope.
func (r *Router) activeForUser(c *pipeline.Context) (*models.ManagedSession, bool) {
	return r.store.ActiveSession(c.Message.UserID)
}

func (r *Router) adapterFor(name string) (agent.Adapter, bool) {
	a, ok := r.agents[name]
	return a, ok
}

func (r *Router) cmdStart(c *pipeline.Context, _ []string) error {
	return c.Reply(fmt.Sprintf("👋 kapy %s 已就绪。发送消息开始对话，/help 查看命令。", r.version))
}

func (r *Router) cmdHelp(c *pipeline.Context, _ []string) error {
	return c.Reply(helpText)
}

func (r *Router) cmdWhoami(c *pipeline.Context, _ []string) error {
	user := c.Message.UserID
	mode := "user"
	if c.Mode == models.ModeSystem {
		mode = "sys"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "用户: %s\n模式: %s\n", user, mode)
	fmt.Fprintf(&b, "admin: %v\nsystem_admin: %v\n", r.auth.IsAdmin(user), r.auth.IsSystemAdmin(user))
	if r.sudo != nil {
		st := r.sudo.Status(user, c.Message.Channel, c.Message.ChatID)
		if st.Enabled {
			fmt.Fprintf(&b, "sudo: 开启（剩余 %d 秒）", st.RemainingSeconds)
		} else {
			b.WriteString("sudo: 关闭")
		}
	}
	return c.Reply(b.String())
}

func (r *Router) cmdAgent(c *pipeline.Context, args []string) error {
	if len(args) == 0 {
		names := make([]string, 0, len(r.agents))
		for name := range r.agents {
			names = append(names, name)
		}
		sort.Strings(names)
		current := r.defaultAgent
		if sess, ok := r.activeForScope(c); ok {
			current = sess.AgentName
		}
		return c.Reply(fmt.Sprintf("当前智能体: %s\n可用: %s", current, strings.Join(names, ", ")))
	}

	name := args[0]
	adapter, ok := r.adapterFor(name)
	if !ok {
		return c.Reply(fmt.Sprintf("❌ 未知智能体 %s", name))
	}
	sess, err := r.store.Create(c.Message.UserID, c.Message.ChatID, c.Message.ScopeID(), name)
	if err != nil {
		return err
	}
	if _, err := adapter.CreateSession(c.Ctx, sess.UserID, sess.ChatID, agent.CreateOptions{SessionID: sess.SessionID}); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SessionOpened(name)
	}
	return c.Reply(fmt.Sprintf("✅ 已切换到 %s，新会话 %s", name, sess.SessionID))
}

func (r *Router) cmdSessions(c *pipeline.Context, _ []string) error {
	list := r.store.ListUserSessions(c.Message.UserID)
	if len(list) == 0 {
		return c.Reply("暂无会话，发送消息会自动创建。")
	}
	activeID := ""
	if sess, ok := r.activeForScope(c); ok {
		activeID = sess.SessionID
	}
	var b strings.Builder
	b.WriteString("会话列表:\n")
	for _, s := range list {
		marker := "  "
		if s.SessionID == activeID {
			marker = "* "
		}
		label := s.Name
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(&b, "%s%s  %s  %s  %s\n", marker, s.SessionID, s.AgentName, label,
			s.LastActive.Format("01-02 15:04"))
	}
	return c.Reply(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdCurrent(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "会话: %s\n智能体: %s\n", sess.SessionID, sess.AgentName)
	if sess.Name != "" {
		fmt.Fprintf(&b, "名称: %s\n", sess.Name)
	}
	if sess.Model != "" {
		fmt.Fprintf(&b, "模型: %s\n", sess.Model)
	}
	fmt.Fprintf(&b, "最近活跃: %s", sess.LastActive.Format(time.RFC3339))
	return c.Reply(b.String())
}

func (r *Router) cmdSwitch(c *pipeline.Context, args []string) error {
	if len(args) != 1 || !sessions.ValidSessionID(args[0]) {
		return c.Reply("❌ 非法会话 ID（需要 8 位十六进制）")
	}
	sess, err := r.store.Switch(c.Message.UserID, args[0])
	if err != nil {
		return c.Reply(fmt.Sprintf("❌ 切换失败: %v", err))
	}
	return c.Reply(fmt.Sprintf("✅ 已切换到会话 %s (%s)", sess.SessionID, sess.AgentName))
}

func (r *Router) cmdKill(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	if adapter, ok := r.adapterFor(sess.AgentName); ok {
		if err := adapter.DestroySession(sess.SessionID); err != nil {
			r.logger.Warn("adapter destroy failed", "session", sess.SessionID, "error", err)
		}
	}
	if r.workspace != nil {
		if err := r.workspace.Remove(sess.SessionID); err != nil {
			r.logger.Warn("workspace remove failed", "session", sess.SessionID, "error", err)
		}
	}
	if err := r.store.Destroy(sess.SessionID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.SessionClosed(sess.AgentName)
	}
	return c.Reply(fmt.Sprintf("✅ 会话 %s 已销毁", sess.SessionID))
}

func (r *Router) cmdName(c *pipeline.Context, args []string) error {
	if len(args) == 0 {
		return c.Reply("用法: /name <label>")
	}
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	name := strings.Join(args, " ")
	if err := r.store.UpdateName(sess.SessionID, name); err != nil {
		return err
	}
	return c.Reply(fmt.Sprintf("✅ 会话 %s 命名为 %q", sess.SessionID, name))
}

func (r *Router) cmdModel(c *pipeline.Context, args []string) error {
	sess, hasSession := r.activeForScope(c)

	if len(args) == 0 {
		if !hasSession || sess.Model == "" {
			return c.Reply("当前使用默认模型。用法: /model <alias>")
		}
		return c.Reply(fmt.Sprintf("当前模型: %s", sess.Model))
	}

	alias := args[0]
	if !hasSession {
		// No session yet: remember the preference for the next one.
		r.modelQueue.Set(c.Message.UserID, alias)
		return c.Reply(fmt.Sprintf("✅ 已记录模型偏好 %s，将应用于下一个会话", alias))
	}
	model := r.resolveModelAlias(sess.AgentName, alias)
	if err := r.store.UpdateModel(sess.SessionID, model); err != nil {
		return err
	}
	return c.Reply(fmt.Sprintf("✅ 模型已设为 %s", model))
}

// resolveModelAlias maps a configured alias to its full model name,
// passing unknown aliases through unchanged.
func (r *Router) resolveModelAlias(agentName, alias string) string {
	if cfg, ok := r.agentConfigs[agentName]; ok {
		if full, ok := cfg.Models[alias]; ok {
			return full
		}
	}
	return alias
}

func (r *Router) cmdParam(c *pipeline.Context, args []string) error {
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	switch len(args) {
	case 1:
		if v, ok := sess.Params[args[0]]; ok {
			return c.Reply(fmt.Sprintf("%s = %s", args[0], v))
		}
		return c.Reply(fmt.Sprintf("参数 %s 未设置", args[0]))
	case 2:
		if err := r.store.UpdateParam(sess.SessionID, args[0], args[1]); err != nil {
			return err
		}
		return c.Reply(fmt.Sprintf("✅ %s = %s", args[0], args[1]))
	default:
		return c.Reply("用法: /param <key> [value]")
	}
}

func (r *Router) cmdParams(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	if len(sess.Params) == 0 {
		return c.Reply("没有已设置的参数。")
	}
	keys := make([]string, 0, len(sess.Params))
	for k := range sess.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, sess.Params[k])
	}
	return c.Reply(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdReset(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForScope(c)
	if !ok {
		return c.Reply("当前范围没有活跃会话。")
	}
	if err := r.store.ResetParams(sess.SessionID); err != nil {
		return err
	}
	return c.Reply("✅ 参数已重置")
}

func (r *Router) cmdFiles(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForUser(c)
	if !ok {
		return c.Reply("没有活跃会话。")
	}
	files, err := r.workspace.ListAIFiles(sess.SessionID)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return c.Reply("ai/ 目录为空。")
	}
	return c.Reply("文件列表:\n" + strings.Join(files, "\n"))
}

func (r *Router) cmdDownload(c *pipeline.Context, args []string) error {
	if len(args) != 1 {
		return c.Reply("用法: /download <filename>")
	}
	sess, ok := r.activeForUser(c)
	if !ok {
		return c.Reply("没有活跃会话。")
	}
	path, err := r.workspace.ResolveAIFile(sess.SessionID, args[0])
	if err != nil {
		return c.Reply("❌ 非法路径")
	}
	if err := c.Channel.SendFile(c.Ctx, c.Message.ChatID, path, args[0]); err != nil {
		return c.Reply(fmt.Sprintf("❌ 发送失败: %v", err))
	}
	return nil
}

func (r *Router) cmdHistory(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForUser(c)
	if !ok {
		return c.Reply("没有活跃会话。")
	}
	history, err := r.store.History(sess.SessionID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return c.Reply("暂无历史记录。")
	}
	var b strings.Builder
	for _, h := range history {
		content := h.Content
		if runes := []rune(content); len(runes) > 120 {
			content = string(runes[:120]) + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", h.Role, content)
	}
	return c.Reply(strings.TrimRight(b.String(), "\n"))
}

func (r *Router) cmdCancel(c *pipeline.Context, _ []string) error {
	sess, ok := r.activeForUser(c)
	if !ok {
		return c.Reply("没有活跃会话。")
	}
	r.requestCancel(sess.SessionID)
	if adapter, ok := r.adapterFor(sess.AgentName); ok {
		if err := adapter.Cancel(sess.SessionID); err != nil {
			r.logger.Warn("cancel failed", "session", sess.SessionID, "error", err)
		}
	}
	return c.Reply("🛑 已请求取消当前请求")
}
