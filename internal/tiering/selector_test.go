package tiering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/usage"
)

var now = time.Date(2026, 10, 18, 22, 0, 0, 0, time.Local)

// fakeReader returns the same totals for every window of a tier.
type fakeReader struct {
	totals map[config.Tier]usage.Totals
	err    error
}

func (f fakeReader) Totals(_ context.Context, _ string, tier config.Tier, _ time.Time) (usage.Totals, error) {
	if f.err != nil {
		return usage.Totals{}, f.err
	}
	return f.totals[tier], nil
}

func plan(graceUnlimited bool) config.PlanConfig {
	return config.PlanConfig{
		Name:           "test",
		GraceUnlimited: graceUnlimited,
		Monthly: map[config.Tier]config.QuotaLimit{
			config.TierFast: {Tokens: 1000, Requests: 10},
			config.TierDeep: {Tokens: 500, Requests: 5},
		},
		Daily: map[config.Tier]config.QuotaLimit{
			config.TierGrace: {Tokens: 100, Requests: 3},
		},
	}
}

func selector(r usage.Reader) *Selector {
	return NewSelector(r).WithClock(func() time.Time { return now })
}

func TestSelect_DeepWhenRequestedAndAvailable(t *testing.T) {
	sel, err := selector(fakeReader{}).Select(context.Background(), "u1", plan(false), config.TierDeep)
	require.NoError(t, err)
	assert.Equal(t, Selection{Tier: config.TierDeep, Reason: ReasonRequested}, sel)
}

func TestSelect_FastRequestedSkipsDeep(t *testing.T) {
	sel, err := selector(fakeReader{}).Select(context.Background(), "u1", plan(false), config.TierFast)
	require.NoError(t, err)
	assert.Equal(t, config.TierFast, sel.Tier)
}

func TestSelect_DeepExhaustedFallsToFast(t *testing.T) {
	r := fakeReader{totals: map[config.Tier]usage.Totals{config.TierDeep: {Requests: 1, Tokens: 500}}}
	sel, err := selector(r).Select(context.Background(), "u1", plan(false), config.TierDeep)
	require.NoError(t, err)
	assert.Equal(t, config.TierFast, sel.Tier)
}

func TestSelect_RequestCountExhausts(t *testing.T) {
	r := fakeReader{totals: map[config.Tier]usage.Totals{
		config.TierDeep: {Requests: 5},
		config.TierFast: {Requests: 10},
	}}
	sel, err := selector(r).Select(context.Background(), "u1", plan(false), config.TierDeep)
	require.NoError(t, err)
	assert.Equal(t, config.TierGrace, sel.Tier)
	assert.Equal(t, ReasonQuotaFallback, sel.Reason)
}

func TestSelect_TrialGraceUnlimited(t *testing.T) {
	r := fakeReader{totals: map[config.Tier]usage.Totals{
		config.TierDeep:  {Tokens: 10_000},
		config.TierFast:  {Tokens: 10_000},
		config.TierGrace: {Tokens: 10_000, Requests: 10_000},
	}}
	for _, requested := range []config.Tier{config.TierDeep, config.TierFast} {
		sel, err := selector(r).Select(context.Background(), "u1", plan(true), requested)
		require.NoError(t, err)
		assert.Equal(t, config.TierGrace, sel.Tier)
		assert.Equal(t, ReasonTrialGrace, sel.Reason)
	}
}

func TestSelect_NothingAvailable(t *testing.T) {
	r := fakeReader{totals: map[config.Tier]usage.Totals{
		config.TierDeep:  {Tokens: 500},
		config.TierFast:  {Tokens: 1000},
		config.TierGrace: {Tokens: 100},
	}}
	sel, err := selector(r).Select(context.Background(), "u1", plan(false), config.TierDeep)
	require.Error(t, err)

	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindQuotaExceeded, e.Kind)
	assert.Equal(t, 2*time.Hour, e.RetryAfter)
	assert.Equal(t, 2*time.Hour, sel.RetryAfter)
}

func TestSelect_LedgerErrorFailsOpen(t *testing.T) {
	sel, err := selector(fakeReader{err: errors.New("database is locked")}).Select(context.Background(), "u1", plan(false), config.TierDeep)
	require.NoError(t, err)
	assert.Equal(t, config.TierDeep, sel.Tier)
}

func TestFallback(t *testing.T) {
	next, ok := Fallback(config.TierDeep)
	assert.True(t, ok)
	assert.Equal(t, config.TierFast, next)

	next, ok = Fallback(config.TierFast)
	assert.True(t, ok)
	assert.Equal(t, config.TierGrace, next)

	_, ok = Fallback(config.TierGrace)
	assert.False(t, ok)
}

func TestInfer(t *testing.T) {
	patterns := config.DefaultRouting().DeepModelPatterns
	tests := []struct {
		name, header, model string
		want                config.Tier
	}{
		{"header deep", "deep", "gpt-mini", config.TierDeep},
		{"header wins over model", "fast", "claude-opus", config.TierFast},
		{"model pattern", "", "claude-opus-4", config.TierDeep},
		{"default fast", "", "gpt-mini", config.TierFast},
		{"unknown header ignored", "ultra", "gpt-mini", config.TierFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Infer(tt.header, tt.model, patterns))
		})
	}
}
