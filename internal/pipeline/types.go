// Package pipeline - types.go defines agent outputs and run state.
//
// DESIGN: Every agent output is parsed into a typed struct with explicit
// defaults. Nothing downstream reads raw model JSON. RunContext is the one
// mutable accumulator of a run; only the orchestrator holds it.
package pipeline

import (
	"time"

	"github.com/compresr/tier-gateway/internal/routing"
)

// Status is a run's terminal state.
type Status string

const (
	StatusDone        Status = "done"
	StatusReworkLimit Status = "rework_limit"
	StatusGateFailed  Status = "gate_failed"
	StatusError       Status = "error"
)

// Path is the branch taken after triage.
type Path string

const (
	PathSimple Path = "simple"
	PathFull   Path = "full"
)

// Request starts a run.
type Request struct {
	Task    string   `json:"task"`
	Context string   `json:"context,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// =============================================================================
// AGENT OUTPUTS
// =============================================================================

// Triage classifies the task.
type Triage struct {
	TaskType      string              `json:"task_type"`
	Domains       []string            `json:"domains"`
	FilesEstimate int                 `json:"files_estimate"`
	Risk          routing.Risk        `json:"risk"`
	BudgetClass   routing.BudgetClass `json:"budget_class"`

	NeedsUI            bool     `json:"needs_ui"`
	NeedsDeepReview    bool     `json:"needs_deep_review"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	MissingInfo        []string `json:"missing_info"`
	Summary            string   `json:"summary,omitempty"`
}

// Signals returns the fields the routing policy reads.
func (t Triage) Signals() routing.Signals {
	return routing.Signals{Domains: t.Domains, FilesEstimate: t.FilesEstimate, TaskType: t.TaskType}
}

// Plan is the planner's step list.
type Plan struct {
	Steps []string `json:"steps"`
	Files []string `json:"files,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// Review is one code review checklist. Every list is non-nil after parsing.
type Review struct {
	MustFix    []string `json:"must_fix"`
	ShouldFix  []string `json:"should_fix"`
	NiceToHave []string `json:"nice_to_have"`
	TestGaps   []string `json:"test_gaps"`
	RiskNotes  []string `json:"risk_notes"`
	Summary    string   `json:"summary,omitempty"`
}

// FinalReview is the sign-off for sensitive domains.
type FinalReview struct {
	RiskNotes   []string `json:"risk_notes"`
	TestGaps    []string `json:"test_gaps"`
	HasTestGaps bool     `json:"-"` // field was present, even if empty
	Approved    bool     `json:"approved"`
}

// =============================================================================
// RUN STATE
// =============================================================================

// StageMetric records one model call.
type StageMetric struct {
	Stage        routing.Stage `json:"stage"`
	Model        string        `json:"model"`
	Tier         string        `json:"tier"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	LatencyMs    int64         `json:"latency_ms"`
}

// RunContext accumulates state across stages of one run.
type RunContext struct {
	RunID   string
	User    string
	Project string
	Request Request

	Triage      Triage
	Plan        Plan
	Code        string
	Reviews     []Review
	Tests       string
	FinalReview *FinalReview
	Reworks     int

	// GateFeedback is the reason the previous output was rejected, if any.
	GateFeedback string

	Stages []StageMetric
}

// LatestReview returns the most recent review, if any.
func (c *RunContext) LatestReview() (Review, bool) {
	if len(c.Reviews) == 0 {
		return Review{}, false
	}
	return c.Reviews[len(c.Reviews)-1], true
}

// Result is the outcome of a run.
type Result struct {
	RunID       string        `json:"run_id"`
	Status      Status        `json:"status"`
	Path        Path          `json:"path,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	FailedGate  string        `json:"failed_gate,omitempty"`
	Triage      *Triage       `json:"triage,omitempty"`
	Plan        *Plan         `json:"plan,omitempty"`
	Code        string        `json:"code,omitempty"`
	Reviews     []Review      `json:"reviews,omitempty"`
	Tests       string        `json:"tests,omitempty"`
	FinalReview *FinalReview  `json:"final_review,omitempty"`
	Reworks     int           `json:"rework_iterations"`
	Stages      []StageMetric `json:"stages"`
	CostUSD     float64       `json:"cost_usd"`
	Duration    time.Duration `json:"-"`
	DurationMs  int64         `json:"duration_ms"`
}
