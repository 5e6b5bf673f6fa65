// Package memory implements the tiered long-term memory store:
// capture with classification and deduplication, retrieval with
// vector, full-text and recency fallbacks, access-driven tier
// promotion, and prompt context injection.
package memory

import (
	"errors"
	"time"
)

// SystemOwner marks records visible to every user alongside their own.
const SystemOwner = "__system__"

var ErrNotFound = errors.New("memory not found")

// Tier orders records by retention horizon.
type Tier string

const (
	TierShort Tier = "short"
	TierMid   Tier = "mid"
	TierLong  Tier = "long"
)

// Type classifies what a record captures.
type Type string

const (
	TypeTurn       Type = "turn"
	TypePreference Type = "preference"
	TypeProcedure  Type = "procedure"
	TypeEnv        Type = "env"
	TypeNote       Type = "note"
	TypeSkill      Type = "skill"
)

// Record is one stored memory row.
type Record struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	Tier           Tier      `json:"tier"`
	Type           Type      `json:"type"`
	Domain         string    `json:"domain"`
	Topic          string    `json:"topic"`
	Item           string    `json:"item"`
	Summary        string    `json:"summary"`
	Content        string    `json:"content"`
	Importance     float64   `json:"importance"`
	Confidence     float64   `json:"confidence"`
	Pinned         bool      `json:"pinned"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// Score is the retrieval similarity or rank, populated on search
	// results only.
	Score float64 `json:"score,omitempty"`
}

// RetrievalEvent is the telemetry row logged for every search.
type RetrievalEvent struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Query           string    `json:"query"`
	Method          string    `json:"method"` // vector | fts | recency
	ResultCount     int       `json:"result_count"`
	TopScore        float64   `json:"top_score"`
	VectorUsed      bool      `json:"vector_used"`
	Fallback        bool      `json:"fallback"`
	Hit             bool      `json:"hit"`
	ContextInjected bool      `json:"context_injected"`
	InjectedLines   int       `json:"injected_lines"`
	LatencyMs       int64     `json:"latency_ms"`
	Feedback        string    `json:"feedback,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// RetrievalStats aggregates retrieval telemetry over a window.
type RetrievalStats struct {
	Days         int     `json:"days"`
	Events       int     `json:"events"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	VectorShare  float64 `json:"vector_share"`
	FallbackRate float64 `json:"fallback_rate"`
	HitRate      float64 `json:"hit_rate"`
	GoodFeedback int     `json:"good_feedback"`
	BadFeedback  int     `json:"bad_feedback"`
}

// UserStats summarizes one user's records.
type UserStats struct {
	Total  int          `json:"total"`
	ByTier map[Tier]int `json:"by_tier"`
	ByType map[Type]int `json:"by_type"`
	Pinned int          `json:"pinned"`
}

// HealthStats summarizes the whole store.
type HealthStats struct {
	Items  int          `json:"items"`
	Events int          `json:"events"`
	ByTier map[Tier]int `json:"by_tier"`
}
