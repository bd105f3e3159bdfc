package strata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const ragSystemPrompt = `You answer questions using the retrieved context and the conversation history.
Cite the context when it is relevant. If the context does not contain the answer, say so plainly.`

// Collaborator answers a query for a session, consulting whatever memory it
// owns. The orchestrator uses it both as the RetrievalQA backend and as the
// last-resort answerer when planning yields nothing.
type Collaborator interface {
	Answer(ctx context.Context, sessionID, query string) (string, error)
}

// RAGService is the retrieval-augmented Collaborator: embed the query, pull
// the nearest chunks and the session history, answer with the provider, then
// persist both sides of the round.
type RAGService struct {
	store        VectorStore
	embedding    EmbeddingProvider
	provider     Provider
	topK         int
	historyLimit int
	chunkWords   int
	logger       *slog.Logger
}

var _ Collaborator = (*RAGService)(nil)

// RAGOption configures a RAGService.
type RAGOption func(*RAGService)

// RAGTopK sets how many chunks are retrieved per query (default 5).
func RAGTopK(k int) RAGOption {
	return func(s *RAGService) {
		if k > 0 {
			s.topK = k
		}
	}
}

// RAGHistoryLimit sets how many prior rounds are included (default 10).
func RAGHistoryLimit(n int) RAGOption {
	return func(s *RAGService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// RAGChunkWords sets the ingestion window size in words (default 800).
func RAGChunkWords(n int) RAGOption {
	return func(s *RAGService) {
		if n > 0 {
			s.chunkWords = n
		}
	}
}

// RAGLogger sets a structured logger.
func RAGLogger(l *slog.Logger) RAGOption {
	return func(s *RAGService) { s.logger = l }
}

// NewRAGService creates the retrieval-augmented Collaborator.
func NewRAGService(store VectorStore, embedding EmbeddingProvider, provider Provider, opts ...RAGOption) *RAGService {
	s := &RAGService{
		store:        store,
		embedding:    embedding,
		provider:     provider,
		topK:         5,
		historyLimit: 10,
		chunkWords:   800,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Answer runs one retrieval-augmented round. History and chunk retrieval
// failures degrade to an answer without that material; persisting the round
// afterwards is best-effort.
func (s *RAGService) Answer(ctx context.Context, sessionID, query string) (string, error) {
	history, err := s.store.History(ctx, sessionID, s.historyLimit)
	if err != nil {
		s.logger.Warn("rag: history fetch failed", "session_id", sessionID, "error", err)
		history = nil
	}

	var chunks []ScoredChunk
	vecs, err := s.embedding.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		s.logger.Warn("rag: query embedding failed", "error", err)
	} else {
		chunks, err = s.store.SearchChunks(ctx, vecs[0], s.topK)
		if err != nil {
			s.logger.Warn("rag: chunk search failed", "error", err)
			chunks = nil
		}
	}

	messages := []ChatMessage{SystemMessage(ragSystemPrompt)}
	if len(chunks) > 0 {
		var b strings.Builder
		b.WriteString("Retrieved context:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, c.Source, c.Content)
		}
		messages = append(messages, SystemMessage(b.String()))
	}
	for _, round := range history {
		role := "assistant"
		if round.Role == "user" {
			role = "user"
		}
		messages = append(messages, ChatMessage{Role: role, Content: round.Content})
	}
	messages = append(messages, UserMessage(query))

	resp, err := s.provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		return "", fmt.Errorf("rag answer: %w", err)
	}

	round := len(history) / 2
	bestEffort(s.logger, "append user round", func() error {
		return s.store.AppendRound(ctx, ConversationRound{
			SessionID: sessionID, Round: round, Role: "user",
			Content: query, CreatedAt: NowUnix(),
		})
	})
	bestEffort(s.logger, "append ai round", func() error {
		return s.store.AppendRound(ctx, ConversationRound{
			SessionID: sessionID, Round: round, Role: "ai",
			Content: resp.Content, CreatedAt: NowUnix(),
		})
	})
	return resp.Content, nil
}

// IngestDocument splits text into fixed word windows, embeds them in one
// batch, and stores the resulting chunks under source.
func (s *RAGService) IngestDocument(ctx context.Context, source, text string) (int, error) {
	parts := chunkWords(text, s.chunkWords)
	if len(parts) == 0 {
		return 0, nil
	}
	vecs, err := s.embedding.Embed(ctx, parts)
	if err != nil {
		return 0, fmt.Errorf("embed document: %w", err)
	}
	if len(vecs) != len(parts) {
		return 0, fmt.Errorf("embed document: got %d vectors for %d chunks", len(vecs), len(parts))
	}
	for i, part := range parts {
		chunk := Chunk{
			ID:        NewID(),
			Source:    source,
			Content:   part,
			Embedding: vecs[i],
			CreatedAt: NowUnix(),
		}
		if err := s.store.InsertChunk(ctx, chunk); err != nil {
			return i, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	s.logger.Info("rag: document ingested", "source", source, "chunks", len(parts))
	return len(parts), nil
}

// chunkWords splits text into windows of at most n words.
func chunkWords(text string, n int) []string {
	words := strings.Fields(text)
	var out []string
	for len(words) > 0 {
		take := min(n, len(words))
		out = append(out, strings.Join(words[:take], " "))
		words = words[take:]
	}
	return out
}
