package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/kapy/internal/memory"
	"github.com/haasonsaas/kapy/internal/pipeline"
)

const memoryUsage = "用法: /memory <list|find|show|note|pin|unpin|forget|fb|metrics>"

func (r *Router) cmdMemory(c *pipeline.Context, args []string) error {
	if r.memory == nil {
		return c.Reply("❌ 未启用记忆存储")
	}
	if len(args) == 0 {
		return c.Reply(memoryUsage)
	}
	user := c.Message.UserID
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		records, err := r.memory.ListMemories(c.Ctx, user, 20)
		if err != nil {
			return err
		}
		return c.Reply(formatRecords("记忆列表", records))

	case "find":
		if len(rest) == 0 {
			return c.Reply("用法: /memory find <query>")
		}
		records, err := r.memory.SearchMemories(c.Ctx, user, strings.Join(rest, " "), 10)
		if err != nil {
			return err
		}
		return c.Reply(formatRecords("检索结果", records))

	case "show":
		if len(rest) != 1 {
			return c.Reply("用法: /memory show <id>")
		}
		rec, err := r.memory.GetMemory(c.Ctx, user, rest[0])
		if errors.Is(err, memory.ErrNotFound) {
			return c.Reply("❌ 记忆不存在")
		}
		if err != nil {
			return err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "id: %s\n层级: %s  类型: %s\n", rec.ID, rec.Tier, rec.Type)
		if rec.Domain != "" || rec.Topic != "" {
			fmt.Fprintf(&b, "分类: %s/%s\n", rec.Domain, rec.Topic)
		}
		fmt.Fprintf(&b, "重要度: %.2f  访问: %d  置顶: %v\n\n%s",
			rec.Importance, rec.AccessCount, rec.Pinned, rec.Content)
		return c.Reply(b.String())

	case "note":
		if len(rest) == 0 {
			return c.Reply("用法: /memory note <text>")
		}
		id, err := r.memory.AddNote(c.Ctx, user, strings.Join(rest, " "))
		if err != nil {
			return c.Reply(fmt.Sprintf("❌ %v", err))
		}
		return c.Reply(fmt.Sprintf("✅ 已记录: %s", id))

	case "pin", "unpin":
		if len(rest) != 1 {
			return c.Reply(fmt.Sprintf("用法: /memory %s <id>", sub))
		}
		err := r.memory.SetPinned(c.Ctx, user, rest[0], sub == "pin")
		if errors.Is(err, memory.ErrNotFound) {
			return c.Reply("❌ 记忆不存在")
		}
		if err != nil {
			return err
		}
		return c.Reply("✅ 已更新")

	case "forget":
		if len(rest) != 1 {
			return c.Reply("用法: /memory forget <id>")
		}
		err := r.memory.ForgetMemory(c.Ctx, user, rest[0])
		if errors.Is(err, memory.ErrNotFound) {
			return c.Reply("❌ 记忆不存在")
		}
		if err != nil {
			return err
		}
		return c.Reply("✅ 已遗忘")

	case "fb":
		if len(rest) < 2 {
			return c.Reply("用法: /memory fb <reqId> good|bad [note]")
		}
		note := strings.Join(rest[2:], " ")
		err := r.memory.RecordRetrievalFeedback(c.Ctx, rest[0], rest[1], note)
		if errors.Is(err, memory.ErrNotFound) {
			return c.Reply("❌ 检索事件不存在")
		}
		if err != nil {
			return c.Reply(fmt.Sprintf("❌ %v", err))
		}
		return c.Reply("✅ 反馈已记录")

	case "metrics":
		days := 7
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[0]); err == nil && n > 0 {
				days = n
			}
		}
		stats, err := r.memory.Stats(c.Ctx, days)
		if err != nil {
			return err
		}
		userStats, err := r.memory.StatsForUser(c.Ctx, user)
		if err != nil {
			return err
		}
		return c.Reply(fmt.Sprintf(
			"近 %d 天检索: %d 次\n平均延迟: %.1fms  向量占比: %.0f%%  回退率: %.0f%%  命中率: %.0f%%\n反馈: 好 %d / 差 %d\n你的记忆: %d 条（置顶 %d）",
			stats.Days, stats.Events, stats.AvgLatencyMs,
			stats.VectorShare*100, stats.FallbackRate*100, stats.HitRate*100,
			stats.GoodFeedback, stats.BadFeedback,
			userStats.Total, userStats.Pinned))

	default:
		return c.Reply(memoryUsage)
	}
}

func formatRecords(title string, records []memory.Record) string {
	if len(records) == 0 {
		return "没有记录。"
	}
	var b strings.Builder
	b.WriteString(title + ":\n")
	for _, rec := range records {
		pin := ""
		if rec.Pinned {
			pin = " 📌"
		}
		fmt.Fprintf(&b, "%s (%s|%s)%s %s\n", rec.ID, rec.Tier, rec.Type, pin, rec.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
