// Package strata is an orchestrated multi-agent task runner with layered memory.
//
// Given a natural-language goal and a session identifier, the Orchestrator
// decomposes the goal into an ordered sequence of sub-agent invocations,
// executes each step with iterative parameter refinement and retries, persists
// structured traces under a per-run directory, and distills reusable
// procedural workflows and lessons so future similar goals converge faster.
//
// # Quick Start
//
//	provider := openaicompat.New(apiKey, model, baseURL)
//	embedding := jina.New(apiKey, model, 1024)
//	store := sqlite.New("strata.db")
//
//	reg := strata.NewRegistry(
//		retrievalqa.New(rag),
//		dbquery.New(provider, store),
//		websearch.New(),
//		shellgrep.New(),
//		report.New(provider),
//	)
//
//	orc := strata.NewOrchestrator(strata.Deps{
//		Provider:   provider,
//		Embedding:  embedding,
//		Registry:   reg,
//		Procedural: store,
//		Lessons:    store,
//		RAG:        rag,
//	})
//	result, err := orc.HandleRequest(ctx, sessionID, goal)
//
// # Core Interfaces
//
//   - Provider: chat/strict-JSON completions from an LLM backend.
//   - EmbeddingProvider: text to fixed-dimension vectors.
//   - SubAgent: a bounded capability executed as one plan step.
//   - ProceduralStore / LessonStore: embedding-indexed memory tiers.
//   - Collaborator: the external retrieval-augmented answering service.
package strata
