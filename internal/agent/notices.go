package agent

import "fmt"

// User-visible notices appended to a stream. These are the only error
// surface the adapter exposes; raw errors never reach the chat.
func timeoutNotice(seconds int) string {
	return fmt.Sprintf("⏱️ 执行超时（%ds），结果已截断", seconds)
}

func exitCodeNotice(code int, stderr string) string {
	msg := fmt.Sprintf("Exit code: %d", code)
	if stderr != "" {
		msg += "\n" + stderr
	}
	return msg
}

func commandNotFoundNotice(command string) string {
	return fmt.Sprintf("❌ 命令未找到: %s", command)
}

func execErrorNotice() string {
	return "❌ 执行出错，请稍后重试"
}

func cancelledNotice() string {
	return "🛑 已取消"
}

func systemClientRequiredNotice() string {
	return "❌ system_client_required"
}
