// Package tiering decides which serving tier may handle a request.
//
// DESIGN: Selection reads window totals from the usage ledger and applies a
// fixed order:
//
//	deep (only when requested) -> fast -> grace -> none
//
// Grace is the safety lane. Trial plans get it without limit; other plans get
// it within a daily cap. When nothing is available the caller is told to come
// back at local midnight, when daily windows reset.
package tiering

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/usage"
)

// Selection reasons.
const (
	ReasonRequested      = "requested"
	ReasonTrialGrace     = "trial_grace_unlimited"
	ReasonQuotaFallback  = "quota_fallback"
	ReasonReserveFailure = "reservation_fallback"
)

// Selection is the tier chosen for a request.
type Selection struct {
	Tier       config.Tier
	Reason     string
	RetryAfter time.Duration
}

// Selector implements tier selection.
type Selector struct {
	reader usage.Reader
	now    func() time.Time
}

// NewSelector creates a Selector over a usage reader.
func NewSelector(reader usage.Reader) *Selector {
	return &Selector{reader: reader, now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *Selector) WithClock(now func() time.Time) *Selector {
	s.now = now
	return s
}

// Select picks the tier for user. A QuotaExceeded error carries the time
// until the daily windows reset.
func (s *Selector) Select(ctx context.Context, user string, plan config.PlanConfig, requested config.Tier) (Selection, error) {
	if requested == config.TierDeep && s.quotaOK(ctx, user, plan, config.TierDeep) {
		return Selection{Tier: config.TierDeep, Reason: ReasonRequested}, nil
	}
	if s.quotaOK(ctx, user, plan, config.TierFast) {
		return Selection{Tier: config.TierFast, Reason: ReasonRequested}, nil
	}
	if plan.GraceUnlimited {
		return Selection{Tier: config.TierGrace, Reason: ReasonTrialGrace}, nil
	}
	if s.quotaOK(ctx, user, plan, config.TierGrace) {
		return Selection{Tier: config.TierGrace, Reason: ReasonQuotaFallback}, nil
	}

	retry := quota.UntilMidnight(s.now())
	return Selection{RetryAfter: retry}, apierr.QuotaExceeded("quota exhausted for all tiers", retry)
}

// quotaOK checks the monthly and (if configured) daily limits of a tier.
// Grace has no monthly window.
func (s *Selector) quotaOK(ctx context.Context, user string, plan config.PlanConfig, tier config.Tier) bool {
	now := s.now()
	if tier != config.TierGrace {
		limit, ok := plan.MonthlyLimit(tier)
		if !ok || limit.Tokens <= 0 {
			return false
		}
		if !s.withinLimit(ctx, user, tier, quota.MonthStart(now), limit) {
			return false
		}
	}

	daily, ok := plan.DailyLimit(tier)
	if !ok {
		return tier != config.TierGrace
	}
	if tier == config.TierGrace && daily.Tokens <= 0 {
		return false
	}
	return s.withinLimit(ctx, user, tier, quota.DayStart(now), daily)
}

// withinLimit compares ledger totals against a limit. A zero field is not
// enforced. A ledger read error is treated as within the limit.
func (s *Selector) withinLimit(ctx context.Context, user string, tier config.Tier, since time.Time, limit config.QuotaLimit) bool {
	totals, err := s.reader.Totals(ctx, user, tier, since)
	if err != nil {
		log.Warn().Err(err).Str("user", user).Str("tier", string(tier)).Msg("tiering: usage read failed, assuming within limit")
		return true
	}
	if limit.Requests > 0 && totals.Requests >= limit.Requests {
		return false
	}
	if limit.Tokens > 0 && totals.Tokens >= limit.Tokens {
		return false
	}
	return true
}

// Fallback returns the next tier in the deep -> fast -> grace chain.
func Fallback(t config.Tier) (config.Tier, bool) {
	switch t {
	case config.TierDeep:
		return config.TierFast, true
	case config.TierFast:
		return config.TierGrace, true
	}
	return "", false
}

// Infer resolves the requested tier from the quality header, then the model
// name. Unknown or absent hints mean fast.
func Infer(header, model string, deepPatterns []string) config.Tier {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case string(config.TierDeep):
		return config.TierDeep
	case string(config.TierFast):
		return config.TierFast
	}
	m := strings.ToLower(model)
	for _, p := range deepPatterns {
		if p != "" && strings.Contains(m, strings.ToLower(p)) {
			return config.TierDeep
		}
	}
	return config.TierFast
}
