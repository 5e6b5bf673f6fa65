package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMinSimilarity     = 0.55
	defaultPromoteShortToMid = 3
	defaultPromoteMidToLong  = 10
	defaultSearchLimit       = 8
	summaryLimit             = 120
)

// Config configures the memory store.
type Config struct {
	DSN string

	// Embedder enables vector retrieval. Nil runs FTS-only.
	Embedder Embedder

	MinSimilarity     float64
	CharLimit         int
	PromoteShortToMid int
	PromoteMidToLong  int

	// EnvProbeInterval starts the background environment probe loop
	// when positive.
	EnvProbeInterval time.Duration

	Logger *slog.Logger
}

// Store is the pgx-backed memory store. Visibility is always owner
// plus SystemOwner; cross-user reads return nothing.
type Store struct {
	pool     *pgxpool.Pool
	dsn      string
	embedder Embedder

	minSimilarity float64
	charLimit     int
	shortToMid    int
	midToLong     int
	probeInterval time.Duration

	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("memory: dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = defaultMinSimilarity
	}
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = DefaultCharLimit
	}
	if cfg.PromoteShortToMid <= 0 {
		cfg.PromoteShortToMid = defaultPromoteShortToMid
	}
	if cfg.PromoteMidToLong <= 0 {
		cfg.PromoteMidToLong = defaultPromoteMidToLong
	}
	return &Store{
		dsn:           cfg.DSN,
		embedder:      cfg.Embedder,
		minSimilarity: cfg.MinSimilarity,
		charLimit:     cfg.CharLimit,
		shortToMid:    cfg.PromoteShortToMid,
		midToLong:     cfg.PromoteMidToLong,
		probeInterval: cfg.EnvProbeInterval,
		logger:        logger.With("component", "memory"),
		now:           time.Now,
	}, nil
}

// Start connects, migrates the schema and launches the optional
// environment probe loop.
func (s *Store) Start(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("memory: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("memory: ping: %w", err)
	}
	s.pool = pool
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return err
	}

	if s.probeInterval > 0 {
		probeCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.probeLoop(probeCtx)
	}
	s.logger.Info("memory store started", "vector", s.embedder != nil)
	return nil
}

// Stop ends the probe loop and closes the pool.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_items (
			id UUID PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT 'short',
			memory_type TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			item TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			confidence REAL NOT NULL DEFAULT 0.8,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			access_count INT NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL,
			skill_name TEXT NOT NULL DEFAULT '',
			skill_key TEXT GENERATED ALWAYS AS (COALESCE(NULLIF(skill_name, ''), '-')) STORED,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			search tsvector GENERATED ALWAYS AS (to_tsvector('simple', summary || ' ' || content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (owner_user_id, content_hash, memory_type, skill_key)
		)`,
		`CREATE INDEX IF NOT EXISTS memory_items_search_idx ON memory_items USING gin (search)`,
		`CREATE INDEX IF NOT EXISTS memory_items_owner_idx ON memory_items (owner_user_id, last_accessed_at DESC)`,
		`CREATE TABLE IF NOT EXISTS memory_retrieval_events (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			query TEXT NOT NULL,
			method TEXT NOT NULL,
			result_count INT NOT NULL,
			top_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			vector_used BOOLEAN NOT NULL DEFAULT FALSE,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			hit BOOLEAN NOT NULL DEFAULT FALSE,
			context_injected BOOLEAN NOT NULL DEFAULT FALSE,
			injected_lines INT NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			feedback TEXT NOT NULL DEFAULT '',
			feedback_note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	if s.embedder != nil {
		dim := s.embedder.Dimension()
		stmts = append(stmts,
			`CREATE EXTENSION IF NOT EXISTS vector`,
			fmt.Sprintf(`ALTER TABLE memory_items ADD COLUMN IF NOT EXISTS embedding vector(%d)`, dim),
			`CREATE INDEX IF NOT EXISTS memory_items_embedding_idx ON memory_items USING hnsw (embedding vector_cosine_ops)`,
		)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory: migrate: %w", err)
		}
	}
	return nil
}

// CaptureTurn stores one conversation turn. Sensitive turns are
// silently dropped; duplicates bump the existing row instead of
// inserting. Returns the record id or "" when nothing was stored.
func (s *Store) CaptureTurn(ctx context.Context, userID, scope, sessionID, channel, userText, assistantText string) (string, error) {
	if ContainsSensitive(userText) || ContainsSensitive(assistantText) {
		s.logger.Debug("turn dropped by sensitive filter", "user", userID, "session", sessionID)
		return "", nil
	}
	c := Classify(userText)
	content := "user: " + userText + "\nassistant: " + assistantText
	return s.insertRecord(ctx, Record{
		Owner:      userID,
		Tier:       c.Tier,
		Type:       c.Type,
		Domain:     c.Domain,
		Topic:      c.Topic,
		Item:       scope,
		Summary:    Summarize(userText, summaryLimit),
		Content:    content,
		Importance: c.Importance,
		Confidence: 0.8,
	})
}

// AddNote stores an explicit user note in the mid tier.
func (s *Store) AddNote(ctx context.Context, userID, text string) (string, error) {
	if ContainsSensitive(text) {
		return "", fmt.Errorf("memory: note rejected by sensitive filter")
	}
	c := Classify(text)
	return s.insertRecord(ctx, Record{
		Owner:      userID,
		Tier:       TierMid,
		Type:       TypeNote,
		Domain:     c.Domain,
		Topic:      c.Topic,
		Summary:    Summarize(text, summaryLimit),
		Content:    text,
		Importance: 0.6,
		Confidence: 1.0,
	})
}

func (s *Store) insertRecord(ctx context.Context, r Record) (string, error) {
	id := uuid.NewString()
	hash := ContentHash(r.Owner, r.Type, r.Content, "")
	now := s.now().UTC()
	var storedID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO memory_items
			(id, owner_user_id, tier, memory_type, domain, topic, item,
			 summary, content, importance, confidence, content_hash,
			 created_at, last_accessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		ON CONFLICT (owner_user_id, content_hash, memory_type, skill_key)
		DO UPDATE SET access_count = memory_items.access_count + 1,
		              last_accessed_at = EXCLUDED.last_accessed_at,
		              deleted = FALSE
		RETURNING id`,
		id, r.Owner, r.Tier, r.Type, r.Domain, r.Topic, r.Item,
		r.Summary, r.Content, r.Importance, r.Confidence, hash, now,
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("memory: insert: %w", err)
	}

	if s.embedder != nil && storedID == id {
		if vec, err := s.embedder.Embed(ctx, r.Content); err != nil {
			s.logger.Warn("embedding failed, row stored without vector", "error", err)
		} else if _, err := s.pool.Exec(ctx,
			`UPDATE memory_items SET embedding = $2::vector WHERE id = $1`,
			storedID, vectorLiteral(vec)); err != nil {
			s.logger.Warn("embedding update failed", "error", err)
		}
	}
	return storedID, nil
}

const recordColumns = `id, owner_user_id, tier, memory_type, domain, topic, item,
	summary, content, importance, confidence, pinned, access_count,
	created_at, last_accessed_at`

// SearchMemories runs retrieval without exposing the event id.
func (s *Store) SearchMemories(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	records, _, err := s.SearchMemoriesWithEvent(ctx, userID, query, limit)
	return records, err
}

// SearchMemoriesWithEvent retrieves records for a query and logs a
// retrieval event. Policy: vector first (score >= min_similarity or
// pinned), then full-text, then a recency listing flagged as a miss.
// Returned rows are touched, which bumps access counts and applies
// tier promotion in the same statement.
func (s *Store) SearchMemoriesWithEvent(ctx context.Context, userID, query string, limit int) ([]Record, string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	start := s.now()

	var (
		records    []Record
		method     string
		vectorUsed bool
		fallback   bool
		hit        bool
	)

	if s.embedder != nil && query != "" {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("query embedding failed, falling back to fts", "error", err)
		} else {
			vectorUsed = true
			records, err = s.vectorSearch(ctx, userID, vec, limit)
			if err != nil {
				return nil, "", err
			}
		}
	}
	if len(records) > 0 {
		method, hit = "vector", true
	} else if query != "" {
		found, err := s.ftsSearch(ctx, userID, query, limit)
		if err != nil {
			return nil, "", err
		}
		if len(found) > 0 {
			records, method, hit = found, "fts", true
			fallback = vectorUsed
		}
	}
	if len(records) == 0 {
		found, err := s.recencySearch(ctx, userID, limit)
		if err != nil {
			return nil, "", err
		}
		// Recency is a listing, not a retrieval hit.
		records, method, fallback, hit = found, "recency", true, false
	}

	topScore := 0.0
	if len(records) > 0 {
		topScore = records[0].Score
	}
	eventID := uuid.NewString()
	latency := time.Since(start).Milliseconds()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO memory_retrieval_events
			(id, user_id, query, method, result_count, top_score,
			 vector_used, fallback, hit, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		eventID, userID, query, method, len(records), topScore,
		vectorUsed, fallback, hit, latency, s.now().UTC()); err != nil {
		return nil, "", fmt.Errorf("memory: log retrieval: %w", err)
	}

	if hit && len(records) > 0 {
		if err := s.touchRecords(ctx, records); err != nil {
			s.logger.Warn("touch failed", "error", err)
		}
	}
	s.logger.Debug("retrieval",
		"user", userID,
		"method", method,
		"results", len(records),
		"top_score", topScore,
		"vector", vectorUsed,
		"fallback", fallback,
		"latency_ms", latency)
	return records, eventID, nil
}

func (s *Store) vectorSearch(ctx context.Context, userID string, vec []float32, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`,
		       1 - (embedding <=> $3::vector) AS score
		FROM memory_items
		WHERE (owner_user_id = $1 OR owner_user_id = $4)
		  AND NOT deleted AND embedding IS NOT NULL
		ORDER BY embedding <=> $3::vector
		LIMIT $2`,
		userID, limit, vectorLiteral(vec), SystemOwner)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	all, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	kept := all[:0]
	for _, r := range all {
		if r.Score >= s.minSimilarity || r.Pinned {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (s *Store) ftsSearch(ctx context.Context, userID, query string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`,
		       ts_rank(search, plainto_tsquery('simple', $3))::float8 AS score
		FROM memory_items
		WHERE (owner_user_id = $1 OR owner_user_id = $4)
		  AND NOT deleted
		  AND search @@ plainto_tsquery('simple', $3)
		ORDER BY score DESC
		LIMIT $2`,
		userID, limit, query, SystemOwner)
	if err != nil {
		return nil, fmt.Errorf("memory: fts search: %w", err)
	}
	return scanRecords(rows)
}

func (s *Store) recencySearch(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`, 0::float8 AS score
		FROM memory_items
		WHERE (owner_user_id = $1 OR owner_user_id = $3) AND NOT deleted
		ORDER BY last_accessed_at DESC
		LIMIT $2`,
		userID, limit, SystemOwner)
	if err != nil {
		return nil, fmt.Errorf("memory: recency search: %w", err)
	}
	return scanRecords(rows)
}

// touchRecords bumps access counts and applies tier promotion in one
// statement so promotion is atomic with the access that earned it.
func (s *Store) touchRecords(ctx context.Context, records []Record) error {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE memory_items SET
			access_count = access_count + 1,
			last_accessed_at = now(),
			tier = CASE
				WHEN pinned OR access_count + 1 >= $2 THEN 'long'
				WHEN tier = 'short' AND access_count + 1 >= $3 THEN 'mid'
				ELSE tier
			END
		WHERE id = ANY($1)`,
		ids, s.midToLong, s.shortToMid)
	if err != nil {
		return fmt.Errorf("memory: touch: %w", err)
	}
	return nil
}

// BuildMemoryContext renders the bounded prompt block for a query and
// marks the retrieval event as injected. Empty retrieval yields "".
func (s *Store) BuildMemoryContext(ctx context.Context, userID, query string) (string, error) {
	records, eventID, err := s.SearchMemoriesWithEvent(ctx, userID, query, defaultSearchLimit)
	if err != nil {
		return "", err
	}
	block, lines := formatContext(records, s.charLimit)
	if lines > 0 {
		if _, err := s.pool.Exec(ctx, `
			UPDATE memory_retrieval_events
			SET context_injected = TRUE, injected_lines = $2
			WHERE id = $1`, eventID, lines); err != nil {
			s.logger.Warn("injection mark failed", "error", err)
		}
	}
	return block, nil
}

// ListMemories returns the user's own records, newest first.
func (s *Store) ListMemories(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`, 0::float8 AS score
		FROM memory_items
		WHERE owner_user_id = $1 AND NOT deleted
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	return scanRecords(rows)
}

// GetMemory returns one record visible to the user. Cross-user ids
// surface as ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, userID, id string) (*Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`, 0::float8 AS score
		FROM memory_items
		WHERE id = $1 AND (owner_user_id = $2 OR owner_user_id = $3) AND NOT deleted`,
		id, userID, SystemOwner)
	if err != nil {
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return &records[0], nil
}

// ForgetMemory soft-deletes one of the user's own records.
func (s *Store) ForgetMemory(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_items SET deleted = TRUE
		WHERE id = $1 AND owner_user_id = $2 AND NOT deleted`, id, userID)
	if err != nil {
		return fmt.Errorf("memory: forget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPinned pins or unpins a record. Pinning promotes to long.
func (s *Store) SetPinned(ctx context.Context, userID, id string, pinned bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_items
		SET pinned = $3,
		    tier = CASE WHEN $3 THEN 'long' ELSE tier END
		WHERE id = $1 AND owner_user_id = $2 AND NOT deleted`, id, userID, pinned)
	if err != nil {
		return fmt.Errorf("memory: pin: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRetrievalFeedback attaches a good/bad verdict to an event.
func (s *Store) RecordRetrievalFeedback(ctx context.Context, retrievalID, verdict, note string) error {
	if verdict != "good" && verdict != "bad" {
		return fmt.Errorf("memory: verdict must be good or bad")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_retrieval_events
		SET feedback = $2, feedback_note = $3
		WHERE id = $1`, retrievalID, verdict, note)
	if err != nil {
		return fmt.Errorf("memory: feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats returns retrieval telemetry aggregated over the window.
func (s *Store) Stats(ctx context.Context, days int) (*RetrievalStats, error) {
	if days <= 0 {
		days = 7
	}
	st := &RetrievalStats{Days: days}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       coalesce(avg(latency_ms), 0),
		       coalesce(avg(CASE WHEN vector_used THEN 1.0 ELSE 0.0 END), 0),
		       coalesce(avg(CASE WHEN fallback THEN 1.0 ELSE 0.0 END), 0),
		       coalesce(avg(CASE WHEN hit THEN 1.0 ELSE 0.0 END), 0),
		       count(*) FILTER (WHERE feedback = 'good'),
		       count(*) FILTER (WHERE feedback = 'bad')
		FROM memory_retrieval_events
		WHERE created_at >= now() - make_interval(days => $1)`, days,
	).Scan(&st.Events, &st.AvgLatencyMs, &st.VectorShare, &st.FallbackRate,
		&st.HitRate, &st.GoodFeedback, &st.BadFeedback)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}
	return st, nil
}

// RecentRetrievalEvents lists the newest telemetry rows.
func (s *Store) RecentRetrievalEvents(ctx context.Context, limit int) ([]RetrievalEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, query, method, result_count, top_score,
		       vector_used, fallback, hit, context_injected,
		       injected_lines, latency_ms, feedback, created_at
		FROM memory_retrieval_events
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent events: %w", err)
	}
	defer rows.Close()
	var events []RetrievalEvent
	for rows.Next() {
		var e RetrievalEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Query, &e.Method,
			&e.ResultCount, &e.TopScore, &e.VectorUsed, &e.Fallback,
			&e.Hit, &e.ContextInjected, &e.InjectedLines, &e.LatencyMs,
			&e.Feedback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StatsForUser summarizes one user's stored records.
func (s *Store) StatsForUser(ctx context.Context, userID string) (*UserStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, memory_type, count(*), count(*) FILTER (WHERE pinned)
		FROM memory_items
		WHERE owner_user_id = $1 AND NOT deleted
		GROUP BY tier, memory_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: user stats: %w", err)
	}
	defer rows.Close()
	st := &UserStats{ByTier: make(map[Tier]int), ByType: make(map[Type]int)}
	for rows.Next() {
		var tier Tier
		var typ Type
		var count, pinned int
		if err := rows.Scan(&tier, &typ, &count, &pinned); err != nil {
			return nil, fmt.Errorf("memory: scan user stats: %w", err)
		}
		st.Total += count
		st.Pinned += pinned
		st.ByTier[tier] += count
		st.ByType[typ] += count
	}
	return st, rows.Err()
}

// Health summarizes the whole store.
func (s *Store) Health(ctx context.Context) (*HealthStats, error) {
	st := &HealthStats{ByTier: make(map[Tier]int)}
	rows, err := s.pool.Query(ctx, `
		SELECT tier, count(*) FROM memory_items WHERE NOT deleted GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("memory: health: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier Tier
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, fmt.Errorf("memory: scan health: %w", err)
		}
		st.ByTier[tier] += count
		st.Items += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM memory_retrieval_events`).Scan(&st.Events); err != nil {
		return nil, fmt.Errorf("memory: health events: %w", err)
	}
	return st, nil
}

// probeLoop periodically refreshes system-owned environment records.
func (s *Store) probeLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()
	for {
		s.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Store) probeOnce(ctx context.Context) {
	hostname, _ := os.Hostname()
	facts := []string{
		"host: " + hostname,
		"runtime: " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH,
	}
	for _, fact := range facts {
		_, err := s.insertRecord(ctx, Record{
			Owner:      SystemOwner,
			Tier:       TierLong,
			Type:       TypeEnv,
			Domain:     "infra",
			Summary:    Summarize(fact, summaryLimit),
			Content:    fact,
			Importance: 0.5,
			Confidence: 1.0,
		})
		if err != nil {
			s.logger.Warn("env probe failed", "error", err)
			return
		}
	}
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

func scanRecords(rows rowScanner) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Owner, &r.Tier, &r.Type, &r.Domain,
			&r.Topic, &r.Item, &r.Summary, &r.Content, &r.Importance,
			&r.Confidence, &r.Pinned, &r.AccessCount, &r.CreatedAt,
			&r.LastAccessedAt, &r.Score); err != nil {
			return nil, fmt.Errorf("memory: scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
