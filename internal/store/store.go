// Package store implements the Memory Store: relational tables for
// memories, evidence, metrics, and episodes, plus a vec0 virtual table for
// approximate nearest-neighbor search over memory embeddings.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sqrl-dev/sqrld/internal/sqrlerr"
)

func init() {
	sqlite_vec.Auto()
}

// EmbeddingDimension is fixed at index creation time; it must match the
// extraction service's embed_text output width.
const EmbeddingDimension = 768

const timeLayout = time.RFC3339Nano

// Memory is one row of the memories table.
type Memory struct {
	ID         string
	ProjectID  sql.NullString
	Scope      string
	OwnerType  string
	OwnerID    string
	Kind       string
	Tier       string
	Polarity   int
	Key        sql.NullString
	Text       string
	Status     string
	Confidence sql.NullFloat64
	ExpiresAt  sql.NullString
	CreatedAt  string
	UpdatedAt  string
}

// Metrics is one row of memory_metrics (SCHEMA-003).
type Metrics struct {
	MemoryID             string
	UseCount             int
	Opportunities        int
	SuspectedRegretHits  int
	EstimatedRegretSaved float64
	LastUsedAt           sql.NullString
	LastEvaluatedAt      sql.NullString
}

// Episode is one row of episodes (SCHEMA-004).
type Episode struct {
	ID         string
	ProjectID  string
	StartTs    string
	EndTs      string
	EventsJSON string
	Processed  bool
	CreatedAt  string
}

// NewMemoryParams are the fields a caller supplies for AddMemory; id,
// status, created_at/updated_at, and expires_at are derived.
type NewMemoryParams struct {
	ProjectID  string
	Scope      string
	OwnerType  string
	OwnerID    string
	Kind       string
	Tier       string
	Polarity   int
	Key        string
	Text       string
	Confidence float64
	TTLDays    *int
}

// Store wraps a SQLite connection. All access is serialized by mu: the
// embedded engine doesn't require external locking for its own sake, but a
// single writer lock keeps the vec0 virtual table and the relational
// tables consistent across the committer, the tool server, and any
// concurrent flush.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and ensures its
// schema, including the vec0 virtual table, exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, sqrlerr.Store("failed to open memory store", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	var vecVersion string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return sqrlerr.Fatal("sqlite-vec extension not loaded", err)
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS memories (
		id          TEXT PRIMARY KEY,
		project_id  TEXT,
		scope       TEXT NOT NULL,
		owner_type  TEXT NOT NULL,
		owner_id    TEXT NOT NULL,
		kind        TEXT NOT NULL,
		tier        TEXT NOT NULL,
		polarity    INTEGER DEFAULT 1,
		key         TEXT,
		text        TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'provisional',
		confidence  REAL,
		expires_at  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
	CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);
	CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_type, owner_id);
	CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON memories(tier);
	CREATE INDEX IF NOT EXISTS idx_memories_key ON memories(key);
	CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);

	CREATE TABLE IF NOT EXISTS evidence (
		id          TEXT PRIMARY KEY,
		memory_id   TEXT NOT NULL,
		episode_id  TEXT NOT NULL,
		source      TEXT,
		frustration TEXT,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evidence_memory ON evidence(memory_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_episode ON evidence(episode_id);

	CREATE TABLE IF NOT EXISTS memory_metrics (
		memory_id              TEXT PRIMARY KEY,
		use_count               INTEGER DEFAULT 0,
		opportunities           INTEGER DEFAULT 0,
		suspected_regret_hits   INTEGER DEFAULT 0,
		estimated_regret_saved  REAL DEFAULT 0.0,
		last_used_at            TEXT,
		last_evaluated_at       TEXT
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL,
		start_ts    TEXT NOT NULL,
		end_ts      TEXT NOT NULL,
		events_json TEXT NOT NULL,
		processed   INTEGER DEFAULT 0,
		created_at  TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id);
	CREATE INDEX IF NOT EXISTS idx_episodes_processed ON episodes(processed);
	CREATE INDEX IF NOT EXISTS idx_episodes_start ON episodes(start_ts);

	CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(
		memory_id TEXT PRIMARY KEY,
		embedding FLOAT[%d]
	);
	`, EmbeddingDimension)

	if _, err := s.db.Exec(schema); err != nil {
		return sqrlerr.Store("failed to create memory store schema", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// AddMemory inserts a new provisional memory and its zeroed metrics row.
func (s *Store) AddMemory(ctx context.Context, p NewMemoryParams) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	m := Memory{
		ID:         uuid.New().String(),
		ProjectID:  nullableString(p.ProjectID),
		Scope:      p.Scope,
		OwnerType:  p.OwnerType,
		OwnerID:    p.OwnerID,
		Kind:       p.Kind,
		Tier:       p.Tier,
		Polarity:   p.Polarity,
		Key:        nullableString(p.Key),
		Text:       p.Text,
		Status:     "provisional",
		Confidence: sql.NullFloat64{Float64: p.Confidence, Valid: true},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.TTLDays != nil {
		expires := time.Now().UTC().AddDate(0, 0, *p.TTLDays).Format(timeLayout)
		m.ExpiresAt = nullableString(expires)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Memory{}, sqrlerr.Store("failed to begin add-memory transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, project_id, scope, owner_type, owner_id, kind, tier, polarity, key, text, status, confidence, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.Scope, m.OwnerType, m.OwnerID, m.Kind, m.Tier, m.Polarity, m.Key, m.Text, m.Status, m.Confidence, m.ExpiresAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return Memory{}, sqrlerr.Store("failed to insert memory", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO memory_metrics (memory_id) VALUES (?)`, m.ID)
	if err != nil {
		return Memory{}, sqrlerr.Store("failed to initialize memory metrics", err)
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, sqrlerr.Store("failed to commit add-memory transaction", err)
	}
	return m, nil
}

func scanMemory(row interface {
	Scan(dest ...interface{}) error
}) (Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.ProjectID, &m.Scope, &m.OwnerType, &m.OwnerID, &m.Kind, &m.Tier,
		&m.Polarity, &m.Key, &m.Text, &m.Status, &m.Confidence, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

const memoryColumns = `id, project_id, scope, owner_type, owner_id, kind, tier, polarity, key, text, status, confidence, expires_at, created_at, updated_at`

// GetMemory fetches a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqrlerr.Store("failed to fetch memory", err)
	}
	return &m, nil
}

// GetActiveMemories returns memories visible to projectID (its own
// project-scoped memories plus user-scoped ones, which apply everywhere),
// ordered by most recently updated, limited to limit rows.
func (s *Store) GetActiveMemories(ctx context.Context, projectID string, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE status IN ('provisional', 'active')
		  AND (project_id = ? OR project_id IS NULL)
		ORDER BY updated_at DESC
		LIMIT ?
	`, nullableString(projectID), limit)
	if err != nil {
		return nil, sqrlerr.Store("failed to query active memories", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, sqrlerr.Store("failed to scan active memory row", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeprecateMemory marks a memory deprecated; deprecated rows never appear
// in retrieval results again.
func (s *Store) DeprecateMemory(ctx context.Context, id string) error {
	return s.UpdateMemoryStatus(ctx, id, "deprecated", nil, nil)
}

// UpdateMemoryStatus updates status and optionally tier/expires_at,
// touching updated_at.
func (s *Store) UpdateMemoryStatus(ctx context.Context, id, status string, tier, expiresAt *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	query := `UPDATE memories SET status = ?, updated_at = ?`
	args := []interface{}{status, now}
	if tier != nil {
		query += `, tier = ?`
		args = append(args, *tier)
	}
	if expiresAt != nil {
		query += `, expires_at = ?`
		args = append(args, *expiresAt)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return sqrlerr.Store("failed to update memory status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sqrlerr.Validation("memory %s not found", id)
	}
	return nil
}

// UpsertMemoryEmbedding serializes embedding as little-endian packed
// float32 and upserts it into the vec0 index keyed by memory id.
func (s *Store) UpsertMemoryEmbedding(ctx context.Context, memoryID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return sqrlerr.Store("failed to serialize embedding", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqrlerr.Store("failed to begin embedding upsert transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM vec_memories WHERE memory_id = ?`, memoryID); err != nil {
		return sqrlerr.Store("failed to clear previous embedding", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO vec_memories (memory_id, embedding) VALUES (?, ?)`, memoryID, blob); err != nil {
		return sqrlerr.Store("failed to insert embedding", err)
	}
	return tx.Commit()
}

// overfetchFactor widens the vec0 KNN request so that, after excluding
// deprecated/out-of-project rows in-process, k results can usually still
// be filled. vec0 has no native join-time WHERE support on an arbitrary
// column at MATCH time.
const overfetchFactor = 4

// SearchMemoriesByVector runs KNN search over non-deprecated memories,
// optionally scoped to projectID (empty means all projects), returning
// full Memory rows in ascending distance order.
func (s *Store) SearchMemoriesByVector(ctx context.Context, queryEmbedding []float32, projectID string, k int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, sqrlerr.Store("failed to serialize query embedding", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id FROM vec_memories
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, blob, k*overfetchFactor)
	if err != nil {
		return nil, sqrlerr.Store("vector search failed", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, sqrlerr.Store("failed to scan vector search row", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqrlerr.Store("vector search iteration failed", err)
	}

	var out []Memory
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
		m, err := scanMemory(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, sqrlerr.Store("failed to hydrate vector search result", err)
		}
		if m.Status == "deprecated" {
			continue
		}
		if projectID != "" && m.ProjectID.Valid && m.ProjectID.String != projectID {
			continue
		}
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// IncrementUseCount bumps a memory's use_count and last_used_at.
func (s *Store) IncrementUseCount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_metrics SET use_count = use_count + 1, last_used_at = ? WHERE memory_id = ?
	`, now, id)
	if err != nil {
		return sqrlerr.Store("failed to increment use count", err)
	}
	return nil
}

// IncrementOpportunities bumps a memory's opportunities counter.
func (s *Store) IncrementOpportunities(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_metrics SET opportunities = opportunities + 1 WHERE memory_id = ?
	`, id)
	if err != nil {
		return sqrlerr.Store("failed to increment opportunities", err)
	}
	return nil
}

// GetMetrics fetches a memory's metrics row.
func (s *Store) GetMetrics(ctx context.Context, id string) (*Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m Metrics
	row := s.db.QueryRowContext(ctx, `
		SELECT memory_id, use_count, opportunities, suspected_regret_hits, estimated_regret_saved, last_used_at, last_evaluated_at
		FROM memory_metrics WHERE memory_id = ?
	`, id)
	err := row.Scan(&m.MemoryID, &m.UseCount, &m.Opportunities, &m.SuspectedRegretHits,
		&m.EstimatedRegretSaved, &m.LastUsedAt, &m.LastEvaluatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqrlerr.Store("failed to fetch memory metrics", err)
	}
	return &m, nil
}

// InsertEvidence records an insert-only link from a memory to the session
// chunk (episode) that produced it.
func (s *Store) InsertEvidence(ctx context.Context, memoryID, episodeID, source, frustration string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (id, memory_id, episode_id, source, frustration, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), memoryID, episodeID, nullableString(source), nullableString(frustration),
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return sqrlerr.Store("failed to insert evidence", err)
	}
	return nil
}

// CreateEpisode persists a backfill episode record.
func (s *Store) CreateEpisode(ctx context.Context, e Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	processed := 0
	if e.Processed {
		processed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, project_id, start_ts, end_ts, events_json, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.StartTs, e.EndTs, e.EventsJSON, processed, e.CreatedAt)
	if err != nil {
		return sqrlerr.Store("failed to insert episode", err)
	}
	return nil
}

// MarkEpisodeProcessed flips an episode's processed flag.
func (s *Store) MarkEpisodeProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE episodes SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return sqrlerr.Store("failed to mark episode processed", err)
	}
	return nil
}

// ListUnprocessedEpisodes returns episodes awaiting backfill, oldest first.
func (s *Store) ListUnprocessedEpisodes(ctx context.Context, projectID string, limit int) ([]Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, start_ts, end_ts, events_json, processed, created_at
		FROM episodes
		WHERE project_id = ? AND processed = 0
		ORDER BY start_ts ASC
		LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, sqrlerr.Store("failed to query unprocessed episodes", err)
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var e Episode
		var processed int
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.StartTs, &e.EndTs, &e.EventsJSON, &processed, &e.CreatedAt); err != nil {
			return nil, sqrlerr.Store("failed to scan episode row", err)
		}
		e.Processed = processed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
