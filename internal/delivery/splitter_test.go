package delivery

import (
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitExactBudgetIsSingleChunk(t *testing.T) {
	text := strings.Repeat("a", 100)
	parts := Split(text, 100)
	if len(parts) != 1 || parts[0] != text {
		t.Fatalf("parts = %d", len(parts))
	}

	parts = Split(text+"b", 100)
	if len(parts) < 2 {
		t.Fatalf("budget+1 produced %d chunks", len(parts))
	}
	for i, part := range parts {
		if len(part) > 100 {
			t.Errorf("chunk %d length %d exceeds budget", i, len(part))
		}
	}
}

func TestSplitPrefersNewlineInTail(t *testing.T) {
	// A newline inside the last fifth of the budget wins over the
	// hard cut.
	text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 60)
	parts := Split(text, 100)
	if len(parts) != 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	if !strings.HasSuffix(parts[0], "a") || strings.Contains(parts[0], "b") {
		t.Errorf("first chunk = %q", parts[0])
	}
	if strings.Contains(parts[1], "a") {
		t.Errorf("second chunk = %q", parts[1])
	}
}

func TestSplitFallsBackToSpace(t *testing.T) {
	text := strings.Repeat("a", 85) + " " + strings.Repeat("b", 60)
	parts := Split(text, 100)
	if len(parts) != 2 {
		t.Fatalf("parts = %d", len(parts))
	}
	if strings.Contains(parts[0], "b") {
		t.Errorf("split did not use the space: %q", parts[0])
	}
}

func TestSplitMarkers(t *testing.T) {
	parts := Split(strings.Repeat("x", 250), 100)
	if len(parts) < 3 {
		t.Fatalf("parts = %d", len(parts))
	}
	for i, part := range parts {
		wantPrefix := "[" + strconv.Itoa(i+1) + "/" + strconv.Itoa(len(parts)) + "] "
		if !strings.HasPrefix(part, wantPrefix) {
			t.Errorf("chunk %d = %q, want prefix %q", i, part, wantPrefix)
		}
	}
}

func TestSplitNeverBreaksRunes(t *testing.T) {
	text := strings.Repeat("界", 200)
	for _, part := range Split(text, 100) {
		if !utf8.ValidString(part) {
			t.Fatalf("invalid UTF-8 chunk: %q", part)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	if parts := Split("", 100); parts != nil {
		t.Errorf("parts = %v", parts)
	}
}
