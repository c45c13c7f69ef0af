// Package pipeline runs the agentic coding pipeline.
//
// DESIGN: A state machine over agent calls:
//
//	Triage -> Simple path
//	       -> Plan -> Code/Review loop -> [Test] -> [Final review]
//
// Gates return GateResult values; the orchestrator branches on the verdict.
// Every stage call reserves quota on the stage's tier, records cost against
// the run and appends a usage row. Terminal states: done, rework_limit,
// gate_failed, error.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/costcontrol"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/routing"
	"github.com/compresr/tier-gateway/internal/tokens"
	"github.com/compresr/tier-gateway/internal/usage"
)

// maxTestAttempts bounds the test stage: one try plus one retry.
const maxTestAttempts = 2

// Orchestrator runs pipeline requests.
type Orchestrator struct {
	completer Completer
	policy    *routing.Policy
	cfg       config.PipelineConfig
	tiers     map[config.Tier]config.TierConfig
	costs     *costcontrol.Tracker
	reserver  *quota.Reserver
	telemetry *monitoring.Tracker
	metrics   *monitoring.MetricsCollector
	now       func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithReserver enables per-stage quota reservation and usage rows.
func WithReserver(r *quota.Reserver) Option {
	return func(o *Orchestrator) { o.reserver = r }
}

// WithTelemetry records one PipelineEvent per run.
func WithTelemetry(t *monitoring.Tracker) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithMetrics records run and gate metrics.
func WithMetrics(m *monitoring.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithCostTracker shares a cost tracker with the gateway.
func WithCostTracker(t *costcontrol.Tracker) Option {
	return func(o *Orchestrator) { o.costs = t }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(completer Completer, cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		completer: completer,
		policy:    routing.NewPolicy(cfg.Routing),
		cfg:       cfg.Pipeline,
		tiers:     cfg.Tiers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.costs == nil {
		o.costs = costcontrol.NewTracker(cfg.Tiers)
	}
	return o
}

// Run executes one pipeline request. Pipeline failures are reported in the
// Result; the error is only set for an invalid request.
func (o *Orchestrator) Run(ctx context.Context, p auth.Principal, req Request) (*Result, error) {
	if strings.TrimSpace(req.Task) == "" {
		return nil, apierr.BadRequest("task is required")
	}

	rc := &RunContext{
		RunID:   "run_" + uuid.NewString(),
		User:    p.User,
		Project: p.Project,
		Request: req,
	}
	start := o.now()
	log.Info().Str("run_id", rc.RunID).Str("user", p.User).Msg("pipeline: started")

	path, err := o.execute(ctx, rc, p)
	res := o.finish(rc, path, err, o.now().Sub(start))
	o.costs.Forget(rc.RunID)
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, rc *RunContext, p auth.Principal) (Path, error) {
	content, err := o.call(ctx, rc, p, routing.StageTriage, triageSystem, triagePrompt(rc))
	if err != nil {
		return "", err
	}
	rc.Triage = parseTriage(content, rc.Request, o.policy)

	t := rc.Triage
	if t.BudgetClass == routing.BudgetCheap && t.FilesEstimate <= 2 && t.Risk == routing.RiskLow {
		return PathSimple, o.runSimple(ctx, rc, p)
	}
	return PathFull, o.runFull(ctx, rc, p)
}

// runSimple is one generation, one review and at most one rework. No gates.
func (o *Orchestrator) runSimple(ctx context.Context, rc *RunContext, p auth.Principal) error {
	if err := o.code(ctx, rc, p); err != nil {
		return err
	}
	review, err := o.review(ctx, rc, p)
	if err != nil {
		return err
	}
	if len(review.MustFix) == 0 {
		return nil
	}
	rc.Reworks = 1
	return o.code(ctx, rc, p)
}

func (o *Orchestrator) runFull(ctx context.Context, rc *RunContext, p auth.Principal) error {
	content, err := o.call(ctx, rc, p, routing.StagePlan, planSystem, planPrompt(rc))
	if err != nil {
		return err
	}
	rc.Plan = parsePlan(content)
	if g := o.gate(CheckPlanRequired(rc.Plan)); !g.Passed() {
		return apierr.GateFailed(g.Gate, g.Reason, false)
	}

	if err := o.codeReviewLoop(ctx, rc, p); err != nil {
		return err
	}

	if rc.Triage.Risk.AtLeastMedium() {
		if err := o.testStage(ctx, rc, p); err != nil {
			return err
		}
	}

	if o.policy.Sensitive(rc.Triage.Domains) {
		content, err := o.call(ctx, rc, p, routing.StageFinalReview, finalReviewSystem, finalReviewPrompt(rc))
		if err != nil {
			return err
		}
		fr := parseFinalReview(content)
		rc.FinalReview = &fr
		if g := o.gate(CheckFinalReview(fr, rc.Triage.Domains)); !g.Passed() {
			return apierr.GateFailed(g.Gate, g.Reason, false)
		}
	}
	return nil
}

// codeReviewLoop recodes until a review has no must-fix items. Patch and
// review rejections share the rework budget.
func (o *Orchestrator) codeReviewLoop(ctx context.Context, rc *RunContext, p auth.Principal) error {
	maxRework := o.cfg.MaxReworkIterations
	for {
		if err := o.code(ctx, rc, p); err != nil {
			return err
		}
		if g := o.gate(CheckPatchOnly(rc.Code)); !g.Passed() {
			if rc.Reworks >= maxRework {
				return apierr.GateFailed(g.Gate, g.Reason, true)
			}
			rc.Reworks++
			rc.GateFeedback = g.Reason
			continue
		}
		rc.GateFeedback = ""

		review, err := o.review(ctx, rc, p)
		if err != nil {
			return err
		}
		g := o.gate(CheckMustFixZero(review))
		if g.Passed() {
			return nil
		}
		if rc.Reworks >= maxRework {
			return apierr.ReworkLimit(rc.Reworks)
		}
		rc.Reworks++
		log.Debug().Str("run_id", rc.RunID).Int("must_fix", g.Count).Int("rework", rc.Reworks).Msg("pipeline: rework")
	}
}

func (o *Orchestrator) testStage(ctx context.Context, rc *RunContext, p auth.Principal) error {
	defer func() { rc.GateFeedback = "" }()
	for attempt := 1; ; attempt++ {
		content, err := o.call(ctx, rc, p, routing.StageTest, testSystem, testPrompt(rc))
		if err != nil {
			return err
		}
		rc.Tests = stripFence(content)
		g := o.gate(CheckTestsPresent(rc.Tests))
		if g.Passed() {
			return nil
		}
		if attempt >= maxTestAttempts {
			return apierr.GateFailed(g.Gate, g.Reason, true)
		}
		rc.GateFeedback = g.Reason
	}
}

func (o *Orchestrator) code(ctx context.Context, rc *RunContext, p auth.Principal) error {
	content, err := o.call(ctx, rc, p, routing.StageCode, codeSystem, codePrompt(rc))
	if err != nil {
		return err
	}
	rc.Code = stripFence(content)
	return nil
}

func (o *Orchestrator) review(ctx context.Context, rc *RunContext, p auth.Principal) (Review, error) {
	content, err := o.call(ctx, rc, p, routing.StageReview, reviewSystem, reviewPrompt(rc))
	if err != nil {
		return Review{}, err
	}
	r := parseReview(content)
	rc.Reviews = append(rc.Reviews, r)
	return r, nil
}

func (o *Orchestrator) gate(g GateResult) GateResult {
	if o.metrics != nil {
		o.metrics.RecordGate(g.Gate, string(g.Verdict))
	}
	return g
}

// =============================================================================
// STAGE CALLS
// =============================================================================

// call runs one agent with quota reservation, cost tracking and a usage row.
func (o *Orchestrator) call(ctx context.Context, rc *RunContext, p auth.Principal, stage routing.Stage, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apierr.Timeout("pipeline cancelled", err)
	}

	route := o.policy.SelectModel(stage, rc.Triage.Risk, rc.Triage.BudgetClass)
	maxTokens := o.cfg.StageMaxTokens
	if tc, ok := o.tiers[route.Tier]; ok && tc.MaxOutputTokens > 0 && maxTokens > tc.MaxOutputTokens {
		maxTokens = tc.MaxOutputTokens
	}
	estimated := int64(tokens.Estimate(system+prompt) + maxTokens)
	requestID := fmt.Sprintf("%s-%s-%d", rc.RunID, stage, len(rc.Stages)+1)

	if o.reserver != nil && !o.reserver.PreAuthorize(ctx, p.User, p.Plan, route.Tier, estimated) {
		return "", apierr.QuotaExceeded(
			fmt.Sprintf("quota exhausted for tier %s during %s stage", route.Tier, stage),
			quota.UntilMidnight(o.now()),
		)
	}

	start := o.now()
	out, err := o.completer.CompleteStage(ctx, StageCall{
		RequestID: requestID,
		Stage:     stage,
		Route:     route,
		System:    system,
		Prompt:    prompt,
		MaxTokens: maxTokens,
	})
	latency := o.now().Sub(start)

	var cost float64
	if err == nil {
		cost = o.costs.RecordUsage(rc.RunID, route.Tier, out.InputTokens, out.OutputTokens)
		rc.Stages = append(rc.Stages, StageMetric{
			Stage:        stage,
			Model:        route.Model,
			Tier:         string(route.Tier),
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostUSD:      cost,
			LatencyMs:    latency.Milliseconds(),
		})
	}

	if o.reserver != nil {
		_ = o.reserver.PostAdjust(ctx, quota.Adjustment{
			User:      p.User,
			Tier:      route.Tier,
			Estimated: estimated,
			Actual:    int64(out.InputTokens + out.OutputTokens),
			Record: &usage.Record{
				RequestID:       requestID,
				User:            p.User,
				Project:         p.Project,
				Tier:            route.Tier,
				Model:           route.Model,
				InputTokens:     out.InputTokens,
				OutputTokens:    out.OutputTokens,
				CostUSD:         cost,
				LatencyMS:       latency.Milliseconds(),
				ParentRequestID: rc.RunID,
				ChunkIndex:      -1,
				Success:         err == nil,
				CreatedAt:       o.now(),
			},
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("run_id", rc.RunID).Str("stage", string(stage)).Msg("pipeline: stage failed")
		return "", err
	}
	if err := o.costs.Enforce(rc.RunID, o.cfg.MaxCostUSD); err != nil {
		return out.Content, err
	}
	return out.Content, nil
}

// =============================================================================
// RESULT
// =============================================================================

func (o *Orchestrator) finish(rc *RunContext, path Path, err error, elapsed time.Duration) *Result {
	res := &Result{
		RunID:       rc.RunID,
		Status:      StatusDone,
		Path:        path,
		Code:        rc.Code,
		Reviews:     rc.Reviews,
		Tests:       rc.Tests,
		FinalReview: rc.FinalReview,
		Reworks:     rc.Reworks,
		Stages:      rc.Stages,
		CostUSD:     o.costs.GetSessionCost(rc.RunID),
		Duration:    elapsed,
		DurationMs:  elapsed.Milliseconds(),
	}
	if rc.Triage.Risk != "" {
		t := rc.Triage
		res.Triage = &t
	}
	if len(rc.Plan.Steps) > 0 {
		pl := rc.Plan
		res.Plan = &pl
	}
	if res.Stages == nil {
		res.Stages = []StageMetric{}
	}

	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		if e, ok := apierr.As(err); ok {
			res.ErrorKind = string(e.Kind)
			res.Error = e.Message
			switch e.Kind {
			case apierr.KindReworkLimit:
				res.Status = StatusReworkLimit
			case apierr.KindQualityGateFailed:
				res.Status = StatusGateFailed
				res.FailedGate = e.Gate
			}
		}
	}

	o.record(rc, res)
	return res
}

func (o *Orchestrator) record(rc *RunContext, res *Result) {
	var in, out int
	stageLatency := make(map[string]int, len(res.Stages))
	for _, s := range res.Stages {
		in += s.InputTokens
		out += s.OutputTokens
		stageLatency[string(s.Stage)] += int(s.LatencyMs)
	}

	ev := log.Info()
	if res.Status != StatusDone {
		ev = log.Warn().Str("error", res.Error)
	}
	ev.Str("run_id", res.RunID).
		Str("status", string(res.Status)).
		Str("path", string(res.Path)).
		Int("reworks", res.Reworks).
		Float64("cost_usd", res.CostUSD).
		Int64("duration_ms", res.DurationMs).
		Msg("pipeline: finished")

	if o.metrics != nil {
		o.metrics.RecordPipelineRun(string(res.Status))
	}
	o.telemetry.RecordPipeline(&monitoring.PipelineEvent{
		RunID:          res.RunID,
		Timestamp:      o.now(),
		User:           rc.User,
		Status:         string(res.Status),
		Path:           string(res.Path),
		Risk:           string(rc.Triage.Risk),
		BudgetClass:    string(rc.Triage.BudgetClass),
		Iterations:     res.Reworks,
		FailedGate:     res.FailedGate,
		Error:          res.Error,
		InputTokens:    in,
		OutputTokens:   out,
		CostUSD:        res.CostUSD,
		StageLatencyMs: stageLatency,
		TotalLatencyMs: res.DurationMs,
	})
}
