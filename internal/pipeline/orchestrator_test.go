package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/routing"
	"github.com/compresr/tier-gateway/internal/usage"
)

const validDiff = "--- a/app.go\n+++ b/app.go\n@@ -1,3 +1,4 @@\n package app\n+// fixed\n"

// scriptedCompleter answers each stage with a function of the call number.
type scriptedCompleter struct {
	mu      sync.Mutex
	calls   map[routing.Stage]int
	scripts map[routing.Stage]func(n int) string
	fail    map[routing.Stage]error
	tokens  int
}

func newScripted(scripts map[routing.Stage]func(n int) string) *scriptedCompleter {
	return &scriptedCompleter{
		calls:   make(map[routing.Stage]int),
		scripts: scripts,
		fail:    make(map[routing.Stage]error),
		tokens:  100,
	}
}

func (s *scriptedCompleter) CompleteStage(_ context.Context, call StageCall) (StageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.Stage]++
	if err := s.fail[call.Stage]; err != nil {
		return StageOutput{}, err
	}
	fn, ok := s.scripts[call.Stage]
	if !ok {
		return StageOutput{}, errors.New("unscripted stage " + string(call.Stage))
	}
	return StageOutput{
		Content:      fn(s.calls[call.Stage]),
		Model:        call.Route.Model,
		InputTokens:  s.tokens,
		OutputTokens: s.tokens / 2,
	}, nil
}

func (s *scriptedCompleter) count(stage routing.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func always(content string) func(int) string { return func(int) string { return content } }

const (
	mediumTriage   = `{"task_type":"feature","domains":["ui"],"files_estimate":2}`
	simpleTriage   = `{"task_type":"bugfix","domains":[],"files_estimate":1}`
	webhookTriage  = `{"task_type":"feature","domains":["webhooks"],"files_estimate":1}`
	twoStepPlan    = `{"steps":["add handler","wire route"],"files":["app.go"]}`
	cleanReview    = `{"must_fix":[],"should_fix":["naming"]}`
	oneIssueReview = `{"must_fix":["nil pointer on empty input"]}`
	goTests        = "func TestHandler(t *testing.T) {}"
)

var alice = auth.Principal{User: "alice", Project: "p1", APIKey: "k"}

func newTestOrchestrator(c Completer, opts ...Option) *Orchestrator {
	return NewOrchestrator(c, config.Default(), opts...)
}

func TestRun_ReworkLoopStopsAtLimit(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(twoStepPlan),
		routing.StageCode:   always(validDiff),
		routing.StageReview: always(oneIssueReview),
	})
	o := newTestOrchestrator(c)

	res, err := o.Run(context.Background(), alice, Request{Task: "add endpoint"})
	require.NoError(t, err)

	assert.Equal(t, StatusReworkLimit, res.Status)
	assert.Equal(t, PathFull, res.Path)
	assert.Equal(t, config.DefaultMaxReworkIterations, res.Reworks)
	assert.Equal(t, config.DefaultMaxReworkIterations+1, c.count(routing.StageCode)) // initial + recodes
	assert.Equal(t, config.DefaultMaxReworkIterations+1, c.count(routing.StageReview))
	assert.Len(t, res.Reviews, config.DefaultMaxReworkIterations+1)
	assert.Equal(t, string(apierr.KindReworkLimit), res.ErrorKind)
	assert.Equal(t, 0, c.count(routing.StageTest))
}

func TestRun_ReworkFeedbackIsCumulative(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(twoStepPlan),
		routing.StageCode:   always(validDiff),
		routing.StageReview: func(n int) string {
			if n == 1 {
				return `{"must_fix":["first issue"]}`
			}
			if n == 2 {
				return `{"must_fix":["second issue"]}`
			}
			return cleanReview
		},
	})
	o := newTestOrchestrator(c)
	res, err := o.Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status) // medium risk needs tests, none scripted
	assert.Equal(t, 2, res.Reworks)

	rc := &RunContext{Request: Request{Task: "t"}, Reviews: res.Reviews[:2]}
	prompt := codePrompt(rc)
	assert.Contains(t, prompt, "first issue")
	assert.Contains(t, prompt, "second issue")
	assert.Contains(t, prompt, "Review 2 (latest")
}

func TestRun_PatchOnlyGate(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(twoStepPlan),
		routing.StageCode:   always("I changed the handler to check for nil."),
	})
	o := newTestOrchestrator(c)

	res, err := o.Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusGateFailed, res.Status)
	assert.Equal(t, GatePatchOnly, res.FailedGate)
	assert.Equal(t, config.DefaultMaxReworkIterations+1, c.count(routing.StageCode))
	assert.Equal(t, 0, c.count(routing.StageReview))
}

func TestRun_PatchOnlyRetryRecovers(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(twoStepPlan),
		routing.StageCode: func(n int) string {
			if n == 1 {
				return "prose only"
			}
			return "```diff\n" + validDiff + "```"
		},
		routing.StageReview: always(cleanReview),
		routing.StageTest:   always(goTests),
	})
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 1, res.Reworks)
	assert.Contains(t, res.Code, "@@ -1,3 +1,4 @@")
	assert.Equal(t, goTests, res.Tests)
}

func TestRun_SimplePath(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(simpleTriage),
		routing.StageCode:   always("just prose is fine here"),
		routing.StageReview: always(oneIssueReview),
	})
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "typo"})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, PathSimple, res.Path)
	assert.Equal(t, 0, c.count(routing.StagePlan))
	assert.Equal(t, 2, c.count(routing.StageCode)) // one generation + one rework
	assert.Equal(t, 1, c.count(routing.StageReview))
	assert.Equal(t, 1, res.Reworks)
	assert.Nil(t, res.Plan)
}

func TestRun_SimplePathNoRework(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(simpleTriage),
		routing.StageCode:   always(validDiff),
		routing.StageReview: always(cleanReview),
	})
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "typo"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 1, c.count(routing.StageCode))
	assert.Equal(t, 0, res.Reworks)
}

func TestRun_PlanRequired(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(`{"steps":[]}`),
	})
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusGateFailed, res.Status)
	assert.Equal(t, GatePlanRequired, res.FailedGate)
	assert.Equal(t, 0, c.count(routing.StageCode))
}

func TestRun_TestGateRetriesOnce(t *testing.T) {
	base := map[routing.Stage]func(int) string{
		routing.StageTriage: always(mediumTriage),
		routing.StagePlan:   always(twoStepPlan),
		routing.StageCode:   always(validDiff),
		routing.StageReview: always(cleanReview),
	}

	base[routing.StageTest] = always("here are some thoughts about testing")
	c := newScripted(base)
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusGateFailed, res.Status)
	assert.Equal(t, GateTestsPresent, res.FailedGate)
	assert.Equal(t, 2, c.count(routing.StageTest))

	base[routing.StageTest] = func(n int) string {
		if n == 1 {
			return "no tests"
		}
		return "def test_handler():\n    assert True"
	}
	c = newScripted(base)
	res, err = newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	assert.Equal(t, 2, c.count(routing.StageTest))
}

func TestRun_FinalReviewForWebhooks(t *testing.T) {
	scripts := func(final string) map[routing.Stage]func(int) string {
		return map[routing.Stage]func(int) string{
			routing.StageTriage:      always(webhookTriage),
			routing.StagePlan:        always(twoStepPlan),
			routing.StageCode:        always(validDiff),
			routing.StageReview:      always(cleanReview),
			routing.StageTest:        always(goTests),
			routing.StageFinalReview: always(final),
		}
	}

	c := newScripted(scripts(`{"risk_notes":["Deliveries are deduplicated by event id, so handling is idempotent"],"test_gaps":[],"approved":true}`))
	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.Status)
	require.NotNil(t, res.FinalReview)
	assert.True(t, res.FinalReview.Approved)
	assert.Equal(t, routing.RiskCritical, res.Triage.Risk)

	c = newScripted(scripts(`{"risk_notes":["signature is verified"],"test_gaps":[]}`))
	res, err = newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusGateFailed, res.Status)
	assert.Equal(t, GateFinalReview, res.FailedGate)
	assert.Equal(t, 1, c.count(routing.StageFinalReview))
}

func TestRun_CostCap(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.MaxCostUSD = 0.0001
	c := newScripted(map[routing.Stage]func(int) string{routing.StageTriage: always(mediumTriage)})
	c.tokens = 1_000_000

	res, err := NewOrchestrator(c, cfg).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, string(apierr.KindBudgetExceeded), res.ErrorKind)
	assert.Equal(t, 0, c.count(routing.StagePlan))
	assert.Greater(t, res.CostUSD, 0.0)
}

func TestRun_StageErrorEndsRun(t *testing.T) {
	c := newScripted(map[routing.Stage]func(int) string{routing.StageTriage: always(mediumTriage)})
	c.fail[routing.StagePlan] = apierr.Provider("upstream down", 503)

	res, err := newTestOrchestrator(c).Run(context.Background(), alice, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, string(apierr.KindProvider), res.ErrorKind)
	assert.Equal(t, "upstream down", res.Error)
}

func TestRun_EmptyTask(t *testing.T) {
	_, err := newTestOrchestrator(newScripted(nil)).Run(context.Background(), alice, Request{Task: "  "})
	assert.True(t, apierr.Is(err, apierr.KindBadRequest))
}

type memorySink struct {
	mu      sync.Mutex
	records []usage.Record
}

func (m *memorySink) Append(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func TestRun_ReservesQuotaPerStage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := &memorySink{}
	reserver := quota.NewReserver(quota.NewRedisCounters(rdb), sink)

	p := alice
	p.Plan = config.PlanConfig{
		Name:    "pro",
		Monthly: map[config.Tier]config.QuotaLimit{config.TierFast: {Tokens: 1_000_000}, config.TierDeep: {Tokens: 1_000_000}},
	}
	c := newScripted(map[routing.Stage]func(int) string{
		routing.StageTriage: always(simpleTriage),
		routing.StageCode:   always(validDiff),
		routing.StageReview: always(cleanReview),
	})
	res, err := newTestOrchestrator(c, WithReserver(reserver)).Run(context.Background(), p, Request{Task: "t"})
	require.NoError(t, err)
	require.Equal(t, StatusDone, res.Status)

	require.Len(t, sink.records, 3)
	for _, rec := range sink.records {
		assert.Equal(t, res.RunID, rec.ParentRequestID)
		assert.Equal(t, 150, rec.TotalTokens())
		assert.True(t, rec.Success)
	}
	remaining, ok, err := reserver.Remaining(context.Background(), "alice", config.TierFast)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000-3*150), remaining)
}

func TestRun_QuotaExhaustedStage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reserver := quota.NewReserver(quota.NewRedisCounters(rdb), nil)

	p := alice
	p.Plan = config.PlanConfig{Name: "free", Monthly: map[config.Tier]config.QuotaLimit{}}
	c := newScripted(map[routing.Stage]func(int) string{routing.StageTriage: always(simpleTriage)})

	res, err := newTestOrchestrator(c, WithReserver(reserver)).Run(context.Background(), p, Request{Task: "t"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, string(apierr.KindQuotaExceeded), res.ErrorKind)
	assert.Equal(t, 0, c.count(routing.StageTriage))
}
