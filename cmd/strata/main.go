package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	strata "github.com/nevindra/strata"
	"github.com/nevindra/strata/agents/dbquery"
	"github.com/nevindra/strata/agents/report"
	"github.com/nevindra/strata/agents/retrievalqa"
	"github.com/nevindra/strata/agents/shellgrep"
	"github.com/nevindra/strata/agents/websearch"
	"github.com/nevindra/strata/internal/config"
	"github.com/nevindra/strata/observer"
	"github.com/nevindra/strata/provider/jina"
	"github.com/nevindra/strata/provider/openaicompat"
	"github.com/nevindra/strata/store/postgres"
	"github.com/nevindra/strata/store/sqlite"
)

const (
	exitOK       = 0
	exitError    = 2
	exitDeadline = 3
)

// stores is the set of memory backends the orchestrator needs, however they
// are implemented.
type stores struct {
	procedural strata.ProceduralStore
	lessons    strata.LessonStore
	vectors    strata.VectorStore
	runner     strata.SQLRunner
	close      func()
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		sessionID  = flag.String("session", "", "session identifier (default: generated)")
		configPath = flag.String("config", os.Getenv("STRATA_CONFIG"), "path to strata.toml")
	)
	flag.Parse()

	goal := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: strata [-session ID] [-config PATH] <goal>")
		return exitError
	}
	if *sessionID == "" {
		*sessionID = strata.NewID()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load(*configPath)
	ctx := context.Background()

	var llm strata.Provider = openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var emb strata.EmbeddingProvider = jina.New(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return exitError
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
		emb = observer.WrapEmbedding(emb, cfg.Embedding.Model, inst)
	}
	llm = strata.WithRetry(llm, strata.RetryLogger(logger))
	emb = strata.WithEmbeddingRetry(emb, strata.RetryLogger(logger))

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return exitError
	}
	defer st.close()

	rag := strata.NewRAGService(st.vectors, emb, llm, strata.RAGLogger(logger))

	registry := strata.NewRegistry(
		retrievalqa.New(rag),
		dbquery.New(llm, st.runner, "application tables; use RunSelect-visible schema"),
		websearch.New(
			websearch.MinScholarly(cfg.WebSearch.MinScholarly),
			websearch.MaxResults(cfg.WebSearch.MaxResults),
		),
		shellgrep.New(cfg.Shell.Root),
		report.New(llm),
	)
	if inst != nil {
		registry = observer.WrapRegistry(registry, inst)
	}

	orc := strata.NewOrchestrator(strata.Deps{
		Provider:   llm,
		Embedding:  emb,
		Registry:   registry,
		Procedural: st.procedural,
		Lessons:    st.lessons,
		RAG:        rag,
	},
		strata.WithLogger(logger),
		strata.WithRunsBaseDir(cfg.Orchestrator.RunsBaseDir),
		strata.WithTaskDeadline(time.Duration(cfg.Orchestrator.TaskDeadlineSecs)*time.Second),
		strata.WithPlannerAttempts(cfg.Orchestrator.PlannerMaxAttempts),
		strata.WithWorkflowMemory(cfg.Orchestrator.WorkflowMemory),
		strata.WithReuseThreshold(float32(cfg.Orchestrator.ReuseThreshold)),
		strata.WithReuseTopK(cfg.Orchestrator.ReuseTopK),
		strata.WithAgentTimeout(time.Duration(cfg.Orchestrator.AgentTimeoutSecs)*time.Second),
		strata.WithShellTimeout(time.Duration(cfg.Shell.TimeoutSecs)*time.Second),
	)

	result, err := orc.HandleRequest(ctx, *sessionID, goal)
	if result != "" {
		fmt.Println(result)
	}
	code := exitCodeFor(result, err)
	switch {
	case code == exitDeadline:
		logger.Warn("run hit deadline with nothing to report")
	case errors.Is(err, strata.ErrDeadline):
		logger.Warn("run hit deadline, partial result above")
	case err != nil:
		logger.Error("run failed", "error", err)
	}
	return code
}

// exitCodeFor maps a run outcome to the process exit code. A deadline run
// that still produced a partial result counts as success; exit 3 is reserved
// for deadline expiry with nothing to show.
func exitCodeFor(result string, err error) int {
	switch {
	case errors.Is(err, strata.ErrDeadline):
		if result != "" {
			return exitOK
		}
		return exitDeadline
	case err != nil:
		return exitError
	}
	return exitOK
}

// openStores wires the configured backend behind the memory interfaces.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.Database.Backend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, err
		}
		pg := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		if err := pg.Init(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &stores{
			procedural: pg,
			lessons:    pg,
			vectors:    pg,
			runner:     pg,
			close:      pool.Close,
		}, nil
	}

	db, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &stores{
		procedural: db,
		lessons:    db,
		vectors:    db,
		runner:     db,
		close:      func() { _ = db.Close() },
	}, nil
}
