package delivery

import (
	"fmt"
	"unicode/utf8"
)

// markerReserve leaves room for the "[i/N] " page marker on multi-part
// messages.
const markerReserve = 10

// Split cuts text into chunks no longer than maxLen bytes. Cut points
// prefer a newline in the last fifth of the budget, then a space, then
// a hard cut on a rune boundary. Multi-part output gets "[i/N] "
// markers.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	budget := maxLen - markerReserve
	if budget < 1 {
		budget = 1
	}
	parts := splitRaw(text, budget)
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), part)
	}
	return out
}

func splitRaw(text string, budget int) []string {
	var parts []string
	for len(text) > budget {
		cut := cutPoint(text, budget)
		parts = append(parts, text[:cut])
		text = text[cut:]
		// A cut on whitespace leaves the separator behind.
		for len(text) > 0 && (text[0] == '\n' || text[0] == ' ') {
			text = text[1:]
		}
	}
	if len(text) > 0 {
		parts = append(parts, text)
	}
	return parts
}

// cutPoint picks the split index within text[:budget].
func cutPoint(text string, budget int) int {
	window := text[:budget]
	tail := budget * 4 / 5

	for i := budget - 1; i >= tail; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	for i := budget - 1; i >= tail; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	// Hard cut, stepping back off a partial UTF-8 sequence.
	cut := budget
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		cut = budget
	}
	return cut
}
