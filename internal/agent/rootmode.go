package agent

import "strings"

// rewriteRootArgs upgrades an argument list to the root-capable
// profile for the agent family. Only applied when the gateway runs in
// system mode and the turn carries an active sudo window.
func rewriteRootArgs(family string, args []string) []string {
	switch family {
	case "gemini":
		out := make([]string, 0, len(args)+2)
		skipNext := false
		for _, arg := range args {
			if skipNext {
				skipNext = false
				continue
			}
			switch {
			case arg == "--approval-mode":
				skipNext = true
			case strings.HasPrefix(arg, "--approval-mode="):
			case strings.HasPrefix(arg, "--sandbox="):
			case arg == "--yolo" || arg == "-y":
			default:
				out = append(out, arg)
			}
		}
		return append(out, "--approval-mode=yolo", "--sandbox=false")
	case "codex":
		out := make([]string, 0, len(args))
		for _, arg := range args {
			if arg == "--full-auto" {
				out = append(out, "--dangerously-bypass-approvals-and-sandbox")
				continue
			}
			out = append(out, arg)
		}
		return out
	case "claude":
		return append(append([]string(nil), args...),
			"--dangerously-skip-permissions", "--permission-mode", "bypassPermissions")
	default:
		return args
	}
}
