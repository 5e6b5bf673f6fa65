// Package billing appends per-turn cost records to per-session JSONL
// files and tracks cumulative totals across restarts.
package billing

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one billing line.
type Entry struct {
	Timestamp           time.Time `json:"timestamp"`
	SessionID           string    `json:"session_id"`
	UserID              string    `json:"user_id"`
	Channel             string    `json:"channel"`
	Agent               string    `json:"agent"`
	Model               string    `json:"model,omitempty"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	CumulativeCostUSD   float64   `json:"cumulative_cost_usd"`
	DurationMs          int64     `json:"duration_ms"`
}

// Log is the append-only billing writer.
type Log struct {
	mu     sync.Mutex
	dir    string
	totals map[string]float64 // session_id -> cumulative cost
	logger *slog.Logger
	now    func() time.Time
}

// NewLog opens (or creates) the billing directory and rebuilds the
// cumulative totals from any existing files.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create billing dir: %w", err)
	}
	l := &Log{
		dir:    dir,
		totals: make(map[string]float64),
		logger: logger.With("component", "billing"),
		now:    time.Now,
	}
	if err := l.rebuildTotals(); err != nil {
		return nil, err
	}
	return l, nil
}

// Record appends one line for the session and returns the entry with
// its cumulative cost filled in.
//
// The logged cost fields are rounded to 8 decimals; the in-memory
// cumulative total is intentionally kept unrounded, matching the
// long-standing file format.
func (l *Log) Record(sessionID, userID, channel, agent, model string,
	inputTokens, outputTokens, cacheReadTokens, cacheCreationTokens int,
	costUSD float64, durationMs int64) (*Entry, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	l.totals[sessionID] += costUSD
	entry := &Entry{
		Timestamp:           l.now().UTC(),
		SessionID:           sessionID,
		UserID:              userID,
		Channel:             channel,
		Agent:               agent,
		Model:               model,
		InputTokens:         inputTokens,
		OutputTokens:        outputTokens,
		CacheReadTokens:     cacheReadTokens,
		CacheCreationTokens: cacheCreationTokens,
		CostUSD:             round8(costUSD),
		CumulativeCostUSD:   round8(l.totals[sessionID]),
		DurationMs:          durationMs,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal billing entry: %w", err)
	}
	path := filepath.Join(l.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open billing file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append billing line: %w", err)
	}
	return entry, nil
}

// SessionTotal returns the cumulative cost recorded for a session.
func (l *Log) SessionTotal(sessionID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[sessionID]
}

func (l *Log) rebuildTotals() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		total, err := sumFile(filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn("skipping unreadable billing file", "file", name, "error", err)
			continue
		}
		l.totals[sessionID] = total
	}
	return nil
}

func sumFile(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var total float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		total += entry.CostUSD
	}
	return total, scanner.Err()
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
