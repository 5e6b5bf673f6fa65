package privileged

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]any{"b": 1, "a": "x", "c": []any{true, nil}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":"x","b":1,"c":[true,null]}`
	if got != want {
		t.Errorf("CanonicalJSON = %s, want %s", got, want)
	}
}

func TestCanonicalJSONRoundTrip(t *testing.T) {
	payload := map[string]any{
		"op":   "docker_exec",
		"args": []any{"ps", "-a"},
		"n":    5,
	}
	first, err := CanonicalJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	var parsed any
	if err := json.Unmarshal([]byte(first), &parsed); err != nil {
		t.Fatal(err)
	}
	second, err := CanonicalJSON(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("canonicalJSON(parse(canonicalJSON(p))) != canonicalJSON(p):\n%s\n%s", first, second)
	}
}

func TestActionHashStable(t *testing.T) {
	a, _ := ActionHash(map[string]any{"op": "journal", "lines": 10})
	b, _ := ActionHash(map[string]any{"lines": 10, "op": "journal"})
	if a != b {
		t.Error("key order changed the hash")
	}
	c, _ := ActionHash(map[string]any{"op": "journal", "lines": 11})
	if a == c {
		t.Error("different payloads should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}
