// Package sqlite backs every memory tier with a single SQLite database.
// Embeddings are stored as JSON text and similarity search is done in-process
// with brute-force cosine similarity, which is fine at single-node lesson and
// workflow volumes. For larger deployments use store/postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	strata "github.com/nevindra/strata"
)

var nopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Store implements strata.ProceduralStore, strata.LessonStore,
// strata.VectorStore and strata.SQLRunner over one SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ strata.ProceduralStore = (*Store)(nil)
	_ strata.LessonStore     = (*Store)(nil)
	_ strata.VectorStore     = (*Store)(nil)
	_ strata.SQLRunner       = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for store operations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New opens (or creates) the database at path. SQLite serializes writers, so
// the connection pool is capped at one.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for sharing with application tables
// queried through RunSelect.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all memory tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS procedural_memory (
			workflow_id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			trigger_pattern TEXT,
			goal TEXT NOT NULL,
			plan TEXT NOT NULL,
			result_keys TEXT,
			usage_count INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lesson_memory (
			lesson_id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			goal_text TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			error_snippet TEXT,
			fix_summary TEXT,
			working_params TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_lesson_agent ON lesson_memory(agent)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	s.logger.Info("sqlite: store initialized")
	return nil
}

// --- ProceduralStore ---

// TopKSimilar scans all workflows and ranks them by cosine similarity.
func (s *Store) TopKSimilar(ctx context.Context, embedding []float32, k int) ([]strata.ScoredWorkflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, embedding, trigger_pattern, goal, plan, result_keys, usage_count FROM procedural_memory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []strata.ScoredWorkflow
	for rows.Next() {
		var wf strata.ProceduralWorkflow
		var embText, planText string
		var keysText sql.NullString
		var pattern sql.NullString
		if err := rows.Scan(&wf.WorkflowID, &embText, &pattern, &wf.Goal, &planText, &keysText, &wf.UsageCount); err != nil {
			continue
		}
		wf.Pattern = pattern.String
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		if err := json.Unmarshal([]byte(planText), &wf.Plan); err != nil {
			continue
		}
		if keysText.Valid && keysText.String != "" {
			_ = json.Unmarshal([]byte(keysText.String), &wf.ResultKeys)
		}
		all = append(all, strata.ScoredWorkflow{
			ProceduralWorkflow: wf,
			Score:              cosineSimilarity(embedding, emb),
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	return all, rows.Err()
}

// Upsert inserts wf, or on workflow_id conflict replaces the embedding and
// plan and increments the usage count.
func (s *Store) Upsert(ctx context.Context, wf strata.ProceduralWorkflow) error {
	planText, err := json.Marshal(wf.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	keysText, err := json.Marshal(wf.ResultKeys)
	if err != nil {
		return fmt.Errorf("marshal result keys: %w", err)
	}
	now := strata.NowUnix()
	usage := wf.UsageCount
	if usage <= 0 {
		usage = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO procedural_memory
		(workflow_id, embedding, trigger_pattern, goal, plan, result_keys, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			embedding = excluded.embedding,
			trigger_pattern = excluded.trigger_pattern,
			goal = excluded.goal,
			plan = excluded.plan,
			result_keys = excluded.result_keys,
			usage_count = procedural_memory.usage_count + 1,
			updated_at = excluded.updated_at`,
		wf.WorkflowID, serializeEmbedding(wf.Trigger), wf.Pattern, wf.Goal,
		string(planText), string(keysText), usage, now, now)
	return err
}

// BumpUsage increments a workflow's usage count by n.
func (s *Store) BumpUsage(ctx context.Context, workflowID string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE procedural_memory SET usage_count = usage_count + ?, updated_at = ? WHERE workflow_id = ?`,
		n, strata.NowUnix(), workflowID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	return err
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
	var paramsText string
	if l.WorkingParams != nil {
		b, err := json.Marshal(l.WorkingParams)
		if err != nil {
			return fmt.Errorf("marshal working params: %w", err)
		}
		paramsText = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lesson_memory
		(lesson_id, embedding, goal_text, agent, status, error_snippet, fix_summary, working_params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.LessonID, serializeEmbedding(l.Trigger), l.GoalText, l.Agent, string(l.Status),
		l.ErrorSnippet, l.FixSummary, paramsText, l.CreatedAt)
	return err
}

// TopKSimilar ranks lessons by cosine similarity, optionally filtered to one
// agent.
func (s *Store) TopKSimilar(ctx context.Context, embedding []float32, agent string, k int) ([]strata.ScoredLesson, error) {
	query := `SELECT lesson_id, embedding, goal_text, agent, status, error_snippet, fix_summary, working_params, created_at FROM lesson_memory`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []strata.ScoredLesson
	for rows.Next() {
		var l strata.Lesson
		var embText, status string
		var paramsText sql.NullString
		if err := rows.Scan(&l.LessonID, &embText, &l.GoalText, &l.Agent, &status,
			&l.ErrorSnippet, &l.FixSummary, &paramsText, &l.CreatedAt); err != nil {
			continue
		}
		l.Status = strata.LessonStatus(status)
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		if paramsText.Valid && paramsText.String != "" {
			_ = json.Unmarshal([]byte(paramsText.String), &l.WorkingParams)
		}
		all = append(all, strata.ScoredLesson{Lesson: l, Score: cosineSimilarity(embedding, emb)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > k {
		all = all[:k]
	}
	return all, rows.Err()
}

// --- VectorStore ---

func (s *Store) InsertChunk(ctx context.Context, c strata.Chunk) error {
	if c.ID == "" {
		c.ID = strata.NewID()
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = strata.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_chunks (id, source, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Source, c.Content, serializeEmbedding(c.Embedding), c.CreatedAt)
	return err
}

func (s *Store) SearchChunks(ctx context.Context, embedding []float32, topK int) ([]strata.ScoredChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, content, embedding, created_at FROM document_chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []strata.ScoredChunk
	for rows.Next() {
		var c strata.Chunk
		var embText string
		if err := rows.Scan(&c.ID, &c.Source, &c.Content, &embText, &c.CreatedAt); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		all = append(all, strata.ScoredChunk{Chunk: c, Score: cosineSimilarity(embedding, emb)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topK {
		all = all[:topK]
	}
	return all, rows.Err()
}

// History returns the most recent rounds for a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]strata.ConversationRound, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, round, role, content, created_at FROM conversations
		 WHERE session_id = ? ORDER BY created_at DESC, round DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recent []strata.ConversationRound
	for rows.Next() {
		var r strata.ConversationRound
		if err := rows.Scan(&r.SessionID, &r.Round, &r.Role, &r.Content, &r.CreatedAt); err != nil {
			continue
		}
		recent = append(recent, r)
	}
	// Reverse into chronological order.
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	return recent, rows.Err()
}

func (s *Store) AppendRound(ctx context.Context, r strata.ConversationRound) error {
	if r.CreatedAt == 0 {
		r.CreatedAt = strata.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, round, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.Round, r.Role, r.Content, r.CreatedAt)
	return err
}

// --- SQLRunner ---

// RunSelect executes a SELECT and returns headers plus rows as generic values.
func (s *Store) RunSelect(ctx context.Context, query string) ([]string, [][]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	headers, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(headers))
		ptrs := make([]any, len(headers))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	return headers, out, rows.Err()
}

// --- helpers ---

func serializeEmbedding(emb []float32) string {
	b, err := json.Marshal(emb)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var emb []float32
	if err := json.Unmarshal([]byte(s), &emb); err != nil {
		return nil, err
	}
	return emb, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
