package billing

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordCumulative(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	costs := []float64{0.002, 0.003, 0.0045}
	var sum float64
	for i, c := range costs {
		entry, err := l.Record("abcd1234", "u1", "telegram", "claude", "opus",
			10, 5, 0, 0, c, 500)
		if err != nil {
			t.Fatal(err)
		}
		sum += c
		if math.Abs(entry.CumulativeCostUSD-sum) > 1e-9 {
			t.Errorf("line %d cumulative = %v, want %v", i+1, entry.CumulativeCostUSD, sum)
		}
	}

	// Invariant: cumulative at line i equals the sum of costs 1..i.
	f, err := os.Open(filepath.Join(dir, "abcd1234.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var running float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatal(err)
		}
		running += e.CostUSD
		if math.Abs(e.CumulativeCostUSD-running) > 1e-8 {
			t.Errorf("cumulative %v != running sum %v", e.CumulativeCostUSD, running)
		}
	}
}

func TestTotalsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	l1, err := NewLog(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l1.Record("abcd1234", "u1", "telegram", "claude", "", 1, 1, 0, 0, 0.01, 10); err != nil {
		t.Fatal(err)
	}

	l2, err := NewLog(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := l2.Record("abcd1234", "u1", "telegram", "claude", "", 1, 1, 0, 0, 0.02, 10)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(entry.CumulativeCostUSD-0.03) > 1e-9 {
		t.Errorf("cumulative after restart = %v, want 0.03", entry.CumulativeCostUSD)
	}
}

func TestRoundingAppliesToLineOnly(t *testing.T) {
	l, err := NewLog(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	tiny := 0.0000000004 // rounds to 0 at 8 decimals
	entry, err := l.Record("ffff0000", "u", "telegram", "claude", "", 0, 0, 0, 0, tiny, 1)
	if err != nil {
		t.Fatal(err)
	}
	if entry.CostUSD != 0 {
		t.Errorf("logged cost should round to 0, got %v", entry.CostUSD)
	}
	// In-memory cumulative keeps the unrounded value.
	if l.SessionTotal("ffff0000") != tiny {
		t.Errorf("in-memory total = %v, want %v", l.SessionTotal("ffff0000"), tiny)
	}
}
