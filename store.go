package strata

import "context"

// VectorStore persists the collaborator-owned tables: document chunks and
// conversation rounds. Queried by the RAG collaborator only.
type VectorStore interface {
	// InsertChunk stores a document chunk with its embedding.
	InsertChunk(ctx context.Context, c Chunk) error
	// SearchChunks returns the topK chunks most similar to embedding, best first.
	SearchChunks(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error)
	// History returns the most recent conversation rounds for a session,
	// oldest first, capped at limit.
	History(ctx context.Context, sessionID string, limit int) ([]ConversationRound, error)
	// AppendRound stores one side of a conversation turn.
	AppendRound(ctx context.Context, r ConversationRound) error
}

// SQLRunner executes a read-only SELECT and returns column headers plus rows.
// The DatabaseQuery agent validates SELECT-only before calling; implementations
// may additionally enforce read-only at the connection level.
type SQLRunner interface {
	RunSelect(ctx context.Context, query string) (headers []string, rows [][]any, err error)
}
