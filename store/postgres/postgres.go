// Package postgres backs every memory tier with PostgreSQL and pgvector.
// Similarity search uses HNSW indexes with cosine distance.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	strata "github.com/nevindra/strata"
)

// Store implements strata.ProceduralStore, strata.LessonStore,
// strata.VectorStore and strata.SQLRunner backed by PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1024).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Only affects index creation.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var (
	_ strata.ProceduralStore = (*Store)(nil)
	_ strata.LessonStore     = (*Store)(nil)
	_ strata.VectorStore     = (*Store)(nil)
	_ strata.SQLRunner       = (*Store)(nil)
)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all memory tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS procedural_memory (
			workflow_id TEXT PRIMARY KEY,
			embedding %s,
			trigger_pattern TEXT,
			goal TEXT NOT NULL,
			plan JSONB NOT NULL,
			result_keys JSONB,
			usage_count INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS procedural_embedding_idx ON procedural_memory USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS lesson_memory (
			lesson_id TEXT PRIMARY KEY,
			embedding %s,
			goal_text TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			error_snippet TEXT,
			fix_summary TEXT,
			working_params JSONB,
			created_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS lesson_agent_idx ON lesson_memory(agent)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS lesson_embedding_idx ON lesson_memory USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding %s,
			created_at BIGINT NOT NULL
		)`, vtype),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON document_chunks USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// --- ProceduralStore ---

// TopKSimilar returns the k nearest workflows by cosine similarity.
func (s *Store) TopKSimilar(ctx context.Context, embedding []float32, k int) ([]strata.ScoredWorkflow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, trigger_pattern, goal, plan, result_keys, usage_count,
		        1 - (embedding <=> $1::vector) AS score
		 FROM procedural_memory
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		serializeEmbedding(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("postgres: search workflows: %w", err)
	}
	defer rows.Close()

	var results []strata.ScoredWorkflow
	for rows.Next() {
		var wf strata.ProceduralWorkflow
		var pattern *string
		var planRaw, keysRaw []byte
		var score float32
		if err := rows.Scan(&wf.WorkflowID, &pattern, &wf.Goal, &planRaw, &keysRaw, &wf.UsageCount, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan workflow: %w", err)
		}
		if pattern != nil {
			wf.Pattern = *pattern
		}
		if err := json.Unmarshal(planRaw, &wf.Plan); err != nil {
			return nil, fmt.Errorf("postgres: decode plan: %w", err)
		}
		if len(keysRaw) > 0 {
			_ = json.Unmarshal(keysRaw, &wf.ResultKeys)
		}
		results = append(results, strata.ScoredWorkflow{ProceduralWorkflow: wf, Score: score})
	}
	return results, rows.Err()
}

// Upsert inserts wf, or on workflow_id conflict replaces the embedding and
// plan and increments the usage count.
func (s *Store) Upsert(ctx context.Context, wf strata.ProceduralWorkflow) error {
	planRaw, err := json.Marshal(wf.Plan)
	if err != nil {
		return fmt.Errorf("postgres: marshal plan: %w", err)
	}
	keysRaw, err := json.Marshal(wf.ResultKeys)
	if err != nil {
		return fmt.Errorf("postgres: marshal result keys: %w", err)
	}
	now := strata.NowUnix()
	usage := wf.UsageCount
	if usage <= 0 {
		usage = 1
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO procedural_memory
		(workflow_id, embedding, trigger_pattern, goal, plan, result_keys, usage_count, created_at, updated_at)
		VALUES ($1, $2::vector, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (workflow_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			trigger_pattern = EXCLUDED.trigger_pattern,
			goal = EXCLUDED.goal,
			plan = EXCLUDED.plan,
			result_keys = EXCLUDED.result_keys,
			usage_count = procedural_memory.usage_count + 1,
			updated_at = EXCLUDED.updated_at`,
		wf.WorkflowID, serializeEmbedding(wf.Trigger), wf.Pattern, wf.Goal,
		planRaw, keysRaw, usage, now)
	if err != nil {
		return fmt.Errorf("postgres: upsert workflow: %w", err)
	}
	return nil
}

// BumpUsage increments a workflow's usage count by n.
func (s *Store) BumpUsage(ctx context.Context, workflowID string, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE procedural_memory SET usage_count = usage_count + $1, updated_at = $2 WHERE workflow_id = $3`,
		n, strata.NowUnix(), workflowID)
	if err != nil {
		return fmt.Errorf("postgres: bump usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: workflow %s not found", workflowID)
	}
	return nil
}

// --- LessonStore ---

// Insert appends a lesson, assigning LessonID and CreatedAt when unset.
func (s *Store) Insert(ctx context.Context, l strata.Lesson) error {
	if l.LessonID == "" {
		l.LessonID = strata.NewID()
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = strata.NowUnix()
	}
	var paramsRaw []byte
	if l.WorkingParams != nil {
		var err error
		paramsRaw, err = json.Marshal(l.WorkingParams)
		if err != nil {
			return fmt.Errorf("postgres: marshal working params: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO lesson_memory
		(lesson_id, embedding, goal_text, agent, status, error_snippet, fix_summary, working_params, created_at)
		VALUES ($1, $2::vector, $3, $4, $5, $6, $7, $8, $9)`,
		l.LessonID, serializeEmbedding(l.Trigger), l.GoalText, l.Agent, string(l.Status),
		l.ErrorSnippet, l.FixSummary, paramsRaw, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert lesson: %w", err)
	}
	return nil
}

// TopKSimilar returns the k nearest lessons, optionally filtered to one agent.
func (s *Store) TopKSimilar(ctx context.Context, embedding []float32, agent string, k int) ([]strata.ScoredLesson, error) {
	query := `SELECT lesson_id, goal_text, agent, status, error_snippet, fix_summary, working_params, created_at,
	                 1 - (embedding <=> $1::vector) AS score
	          FROM lesson_memory
	          WHERE embedding IS NOT NULL`
	args := []any{serializeEmbedding(embedding)}
	if agent != "" {
		query += ` AND agent = $2 ORDER BY embedding <=> $1::vector LIMIT $3`
		args = append(args, agent, k)
	} else {
		query += ` ORDER BY embedding <=> $1::vector LIMIT $2`
		args = append(args, k)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search lessons: %w", err)
	}
	defer rows.Close()

	var results []strata.ScoredLesson
	for rows.Next() {
		var l strata.Lesson
		var status string
		var errSnippet, fixSummary *string
		var paramsRaw []byte
		var score float32
		if err := rows.Scan(&l.LessonID, &l.GoalText, &l.Agent, &status,
			&errSnippet, &fixSummary, &paramsRaw, &l.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan lesson: %w", err)
		}
		l.Status = strata.LessonStatus(status)
		if errSnippet != nil {
			l.ErrorSnippet = *errSnippet
		}
		if fixSummary != nil {
			l.FixSummary = *fixSummary
		}
		if len(paramsRaw) > 0 {
			_ = json.Unmarshal(paramsRaw, &l.WorkingParams)
		}
		results = append(results, strata.ScoredLesson{Lesson: l, Score: score})
	}
	return results, rows.Err()
}

// --- VectorStore ---

func (s *Store) InsertChunk(ctx context.Context, c strata.Chunk) error {
	if c.ID == "" {
		c.ID = strata.NewID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = strata.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_chunks (id, source, content, embedding, created_at) VALUES ($1, $2, $3, $4::vector, $5)`,
		c.ID, c.Source, c.Content, serializeEmbedding(c.Embedding), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert chunk: %w", err)
	}
	return nil
}

func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]strata.ScoredChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, content, created_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM document_chunks
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		serializeEmbedding(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search chunks: %w", err)
	}
	defer rows.Close()

	var results []strata.ScoredChunk
	for rows.Next() {
		var c strata.Chunk
		var score float32
		if err := rows.Scan(&c.ID, &c.Source, &c.Content, &c.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		results = append(results, strata.ScoredChunk{Chunk: c, Score: score})
	}
	return results, rows.Err()
}

// History returns the most recent rounds for a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]strata.ConversationRound, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, round, role, content, created_at FROM conversations
		 WHERE session_id = $1 ORDER BY created_at DESC, round DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()

	var recent []strata.ConversationRound
	for rows.Next() {
		var r strata.ConversationRound
		if err := rows.Scan(&r.SessionID, &r.Round, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		recent = append(recent, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate rounds: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, nil
}

func (s *Store) AppendRound(ctx context.Context, r strata.ConversationRound) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = strata.NowUnix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (session_id, round, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.SessionID, r.Round, r.Role, r.Content, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append round: %w", err)
	}
	return nil
}

// --- SQLRunner ---

// RunSelect executes a SELECT and returns headers plus rows as generic values.
func (s *Store) RunSelect(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: run select: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	headers := make([]string, len(fields))
	for i, f := range fields {
		headers[i] = string(f.Name)
	}

	var out [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: read row: %w", err)
		}
		out = append(out, values)
	}
	return headers, out, rows.Err()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
