package memory

import (
	"strconv"
	"strings"
)

const (
	contextHeader = "[MEMORY CONTEXT]"
	contextFooter = "[END MEMORY CONTEXT]"
)

// DefaultCharLimit bounds the injected context block.
const DefaultCharLimit = 1800

// formatContext renders retrieval results into the prompt block and
// returns the block plus the number of lines it kept. Records that
// would push the block past the character limit are dropped; an empty
// result set produces an empty string.
func formatContext(records []Record, charLimit int) (string, int) {
	if len(records) == 0 {
		return "", 0
	}
	if charLimit <= 0 {
		charLimit = DefaultCharLimit
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	b.WriteString("\n")
	lines := 0
	used := len(contextHeader) + len(contextFooter) + 2
	for _, r := range records {
		line := "- (" + string(r.Tier) + "|" + taxonomyLabel(r) + ") " + r.Summary
		if used+len(line)+1 > charLimit {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		used += len(line) + 1
		lines++
	}
	if lines == 0 {
		return "", 0
	}
	b.WriteString(contextFooter)
	return b.String(), lines
}

func taxonomyLabel(r Record) string {
	switch {
	case r.Domain != "" && r.Topic != "":
		return r.Domain + "/" + r.Topic
	case r.Domain != "":
		return r.Domain
	case r.Topic != "":
		return r.Topic
	default:
		return string(r.Type)
	}
}

// vectorLiteral serializes an embedding in pgvector input syntax.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
