package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	strata "github.com/nevindra/strata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "strata.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestWorkflowUpsertAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := strata.ProceduralWorkflow{
		WorkflowID: "wf-1",
		Trigger:    []float32{1, 0, 0},
		Pattern:    "summarize X",
		Goal:       "summarize X",
		Plan:       strata.Plan{{Agent: "WebSearch", Input: map[string]any{"query": "x"}}},
		ResultKeys: []string{"step_1_WebSearch"},
		UsageCount: 1,
	}
	if err := s.Upsert(ctx, wf); err != nil {
		t.Fatal(err)
	}

	got, err := s.TopKSimilar(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(got))
	}
	if got[0].WorkflowID != "wf-1" || got[0].UsageCount != 1 {
		t.Errorf("unexpected workflow: %+v", got[0])
	}
	if math.Abs(float64(got[0].Score)-1.0) > 1e-6 {
		t.Errorf("identical vectors score 1, got %f", got[0].Score)
	}
	if len(got[0].Plan) != 1 || got[0].Plan[0].Agent != "WebSearch" {
		t.Errorf("plan did not round-trip: %+v", got[0].Plan)
	}
	if len(got[0].ResultKeys) != 1 || got[0].ResultKeys[0] != "step_1_WebSearch" {
		t.Errorf("result keys did not round-trip: %v", got[0].ResultKeys)
	}
}

func TestWorkflowUpsertConflictBumpsUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := strata.ProceduralWorkflow{
		WorkflowID: "wf-1",
		Trigger:    []float32{1, 0},
		Goal:       "g",
		Plan:       strata.Plan{{Agent: "A"}},
	}
	if err := s.Upsert(ctx, wf); err != nil {
		t.Fatal(err)
	}
	wf.Plan = strata.Plan{{Agent: "B"}}
	if err := s.Upsert(ctx, wf); err != nil {
		t.Fatal(err)
	}

	got, err := s.TopKSimilar(ctx, []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("conflict must not duplicate rows: %d", len(got))
	}
	if got[0].UsageCount != 2 {
		t.Errorf("usage should increment on conflict, got %d", got[0].UsageCount)
	}
	if got[0].Plan[0].Agent != "B" {
		t.Errorf("plan should be replaced, got %+v", got[0].Plan)
	}
}

func TestBumpUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, strata.ProceduralWorkflow{
		WorkflowID: "wf-1", Trigger: []float32{1}, Goal: "g", Plan: strata.Plan{},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.BumpUsage(ctx, "wf-1", 2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.TopKSimilar(ctx, []float32{1}, 1)
	if len(got) != 1 || got[0].UsageCount != 3 {
		t.Errorf("expected usage 3, got %+v", got)
	}
	if err := s.BumpUsage(ctx, "nope", 1); err == nil {
		t.Error("bumping a missing workflow must fail")
	}
}

func TestWorkflowRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id, trigger := range map[string][]float32{
		"close":  {0.9, 0.1},
		"exact":  {1, 0},
		"far":    {0, 1},
		"medium": {0.5, 0.5},
	} {
		if err := s.Upsert(ctx, strata.ProceduralWorkflow{
			WorkflowID: id, Trigger: trigger, Goal: id, Plan: strata.Plan{},
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.TopKSimilar(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].WorkflowID != "exact" || got[1].WorkflowID != "close" {
		t.Errorf("ranking wrong: %+v", got)
	}
}

func TestLessonInsertAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, l := range []strata.Lesson{
		{Trigger: []float32{1, 0}, GoalText: "g", Agent: "WebSearch", Status: strata.LessonSuccess,
			WorkingParams: map[string]any{"query": "x"}},
		{Trigger: []float32{0.9, 0.1}, GoalText: "g", Agent: "WebSearch", Status: strata.LessonFail,
			ErrorSnippet: "nothing found", FixSummary: "broaden the query"},
		{Trigger: []float32{1, 0}, GoalText: "g", Agent: "ShellTool", Status: strata.LessonSuccess},
	} {
		if err := s.Insert(ctx, l); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.TopKSimilar(ctx, []float32{1, 0}, "WebSearch", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("agent filter should keep 2 lessons, got %d", len(got))
	}
	for _, l := range got {
		if l.Agent != "WebSearch" {
			t.Errorf("filter leaked agent %s", l.Agent)
		}
	}
	if got[0].Status != strata.LessonSuccess || got[0].WorkingParams["query"] != "x" {
		t.Errorf("best lesson wrong: %+v", got[0])
	}
	if got[1].FixSummary != "broaden the query" {
		t.Errorf("fail lesson did not round-trip: %+v", got[1])
	}

	all, err := s.TopKSimilar(ctx, []float32{1, 0}, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("empty agent means no filter, got %d", len(all))
	}
}

func TestChunksSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, c := range []strata.Chunk{
		{Source: "a.md", Content: "near", Embedding: []float32{1, 0}},
		{Source: "b.md", Content: "far", Embedding: []float32{0, 1}},
	} {
		if err := s.InsertChunk(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SearchChunks(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "near" {
		t.Errorf("unexpected search result: %+v", got)
	}
	if got[0].ID == "" || got[0].CreatedAt == 0 {
		t.Errorf("insert should assign id and timestamp: %+v", got[0])
	}
}

func TestConversationHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rounds := []strata.ConversationRound{
		{SessionID: "s1", Round: 0, Role: "user", Content: "first", CreatedAt: 100},
		{SessionID: "s1", Round: 0, Role: "ai", Content: "second", CreatedAt: 101},
		{SessionID: "s1", Round: 1, Role: "user", Content: "third", CreatedAt: 102},
		{SessionID: "other", Round: 0, Role: "user", Content: "elsewhere", CreatedAt: 103},
	}
	for _, r := range rounds {
		if err := s.AppendRound(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.History(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}
	if got[0].Content != "second" || got[1].Content != "third" {
		t.Errorf("history must be chronological, most recent rounds: %+v", got)
	}
}

func TestRunSelect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace')`); err != nil {
		t.Fatal(err)
	}

	headers, rows, err := s.RunSelect(ctx, `SELECT id, name FROM users ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	if len(headers) != 2 || headers[1] != "name" {
		t.Errorf("unexpected headers: %v", headers)
	}
	if len(rows) != 2 || rows[0][1] != "ada" {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors score 0, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("mismatched lengths score 0, got %f", got)
	}
	if got := cosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors score 0, got %f", got)
	}
}
