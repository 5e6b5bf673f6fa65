package delivery

import (
	"regexp"
	"strings"
)

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	// Three or more consecutive newlines collapse to a blank line.
	blankRuns = regexp.MustCompile(`\n{3,}`)
)

// Clean normalizes raw agent output for chat delivery: ANSI escapes
// stripped, CRLF folded to LF, blank-line runs collapsed, surrounding
// whitespace trimmed.
func Clean(text string) string {
	text = ansiOSC.ReplaceAllString(text, "")
	text = ansiCSI.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
