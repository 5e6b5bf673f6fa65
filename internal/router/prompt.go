package router

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/kapy/internal/pipeline"
)

// buildPrompt assembles the agent prompt: the user text plus an
// attachment manifest, prefixed by channel, sender and memory context
// blocks. Oversized attachments are skipped with a per-file warning.
func (r *Router) buildPrompt(c *pipeline.Context) (string, []string) {
	var warnings []string
	prompt := c.Text

	if len(c.Message.Attachments) > 0 && r.workspace != nil {
		var manifest []string
		for _, att := range c.Message.Attachments {
			if att.Size > r.maxAttachmentBytes {
				warnings = append(warnings, fmt.Sprintf(
					"⚠️ 附件 %s 超过大小限制（%d 字节），已跳过", att.Filename, att.Size))
				continue
			}
			dest, err := r.workspace.StageAttachment(c.Session.SessionID, att.Filename, att.Path)
			if err != nil {
				r.logger.Warn("attachment staging failed", "file", att.Filename, "error", err)
				warnings = append(warnings, fmt.Sprintf("⚠️ 附件 %s 保存失败，已跳过", att.Filename))
				continue
			}
			manifest = append(manifest, fmt.Sprintf("- %s (%s, %d 字节) -> %s",
				att.Filename, att.MimeType, att.Size, dest))
		}
		if len(manifest) > 0 {
			prompt += "\n\n附件:\n" + strings.Join(manifest, "\n")
		}
	}

	if r.rules != nil {
		if block := r.rules.ChannelContext(c.Message.Channel); block != "" {
			prompt = block + "\n\n" + prompt
		}
	}
	prompt = senderContext(c) + "\n\n" + prompt

	if r.memory != nil {
		block, err := r.memory.BuildMemoryContext(c.Ctx, c.Message.UserID, c.Text)
		if err != nil {
			r.logger.Warn("memory context failed", "error", err)
		} else if block != "" {
			prompt = block + "\n\n" + prompt
		}
	}
	return prompt, warnings
}

func senderContext(c *pipeline.Context) string {
	sender := c.Message.Sender
	name := sender.DisplayName
	if name == "" {
		name = sender.Username
	}
	if name == "" {
		name = c.Message.UserID
	}
	var b strings.Builder
	b.WriteString("[SENDER CONTEXT]\n")
	b.WriteString("发送者: " + name)
	if sender.Username != "" && sender.Username != name {
		b.WriteString(" (" + sender.Username + ")")
	}
	if sender.Mention != "" {
		b.WriteString("，提及方式: " + sender.Mention)
	}
	b.WriteString("\n回复时请先提及发送者；仅在任务语义需要时提及其他人。\n")
	b.WriteString("[END SENDER CONTEXT]")
	return b.String()
}
