package strata

import "context"

// --- Procedural memory ---

// ProceduralWorkflow is an embedding-indexed successful plan. Trigger is the
// goal embedding at learn time; UsageCount counts how many times the plan has
// been tried (fresh learns initialize it to 1).
type ProceduralWorkflow struct {
	WorkflowID string    `json:"workflow_id"`
	Trigger    []float32 `json:"-"`
	Pattern    string    `json:"trigger_pattern,omitempty"`
	Goal       string    `json:"goal"`
	Plan       Plan      `json:"plan"`
	ResultKeys []string  `json:"result_keys"`
	UsageCount int       `json:"usage_count"`
}

// ScoredWorkflow pairs a workflow with its cosine similarity to a query.
type ScoredWorkflow struct {
	ProceduralWorkflow
	Score float32 `json:"score"`
}

// ProceduralStore persists and queries procedural workflows.
// Implementations must tolerate concurrent access from multiple orchestrator
// instances; upserts resolve conflicts at the database level.
type ProceduralStore interface {
	// TopKSimilar returns the k workflows most similar to embedding by cosine
	// similarity, best first.
	TopKSimilar(ctx context.Context, embedding []float32, k int) ([]ScoredWorkflow, error)
	// Upsert inserts wf, or on conflict by WorkflowID replaces embedding and
	// plan and increments the usage count.
	Upsert(ctx context.Context, wf ProceduralWorkflow) error
	// BumpUsage increments a workflow's usage count by n.
	BumpUsage(ctx context.Context, workflowID string, n int) error
}

// --- Lesson memory ---

// LessonStatus marks a lesson as a success or failure fragment.
type LessonStatus string

const (
	LessonSuccess LessonStatus = "success"
	LessonFail    LessonStatus = "fail"
)

// Lesson is an append-only success/failure fragment keyed by (goal, agent).
// Success lessons carry WorkingParams; failure lessons carry ErrorSnippet and
// FixSummary.
type Lesson struct {
	LessonID      string         `json:"lesson_id"`
	Trigger       []float32      `json:"-"`
	GoalText      string         `json:"goal_text"`
	Agent         string         `json:"agent"`
	Status        LessonStatus   `json:"status"`
	ErrorSnippet  string         `json:"error_snippet,omitempty"`
	FixSummary    string         `json:"fix_summary,omitempty"`
	WorkingParams map[string]any `json:"working_params,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// ScoredLesson pairs a lesson with its cosine similarity to a query.
type ScoredLesson struct {
	Lesson
	Score float32 `json:"score"`
}

// LessonStore persists and queries lessons.
type LessonStore interface {
	// Insert appends a lesson. The store assigns LessonID and CreatedAt when unset.
	Insert(ctx context.Context, l Lesson) error
	// TopKSimilar returns the k lessons most similar to embedding, best first.
	// When agent is non-empty, only that agent's lessons are considered.
	TopKSimilar(ctx context.Context, embedding []float32, agent string, k int) ([]ScoredLesson, error)
}
