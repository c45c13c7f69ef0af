// Package quota reserves and reconciles per-user, per-tier token allowances.
//
// DESIGN: PreAuthorize reserves an estimate before the provider call and
// PostAdjust nets the difference once actual usage is known:
//   - fast/deep: monthly window plus optional daily safety cap
//   - grace:     daily window only; trial plans bypass counters entirely
//   - planner:   not metered by counters (usage is still recorded)
//
// An unreachable counter store never blocks a request. Grace must not block a
// user who has exhausted paid quota, and paid tiers favor availability; the
// reservation is reconciled by PostAdjust once the store is back.
package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/usage"
)

// Reserver implements pre-authorization and post-adjustment.
type Reserver struct {
	counters Counters
	sink     usage.Sink
	now      func() time.Time
}

// Option configures a Reserver.
type Option func(*Reserver)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reserver) { r.now = now }
}

// NewReserver creates a Reserver. sink may be nil.
func NewReserver(counters Counters, sink usage.Sink, opts ...Option) *Reserver {
	r := &Reserver{counters: counters, sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adjustment reconciles one reservation.
type Adjustment struct {
	User      string
	Tier      config.Tier
	Estimated int64
	Actual    int64
	Record    *usage.Record // persisted when non-nil
}

// PreAuthorize reserves estimated tokens for user on tier. It returns false
// when any window of the tier cannot afford the estimate or the plan does not
// grant the tier at all.
func (r *Reserver) PreAuthorize(ctx context.Context, user string, plan config.PlanConfig, tier config.Tier, estimated int64) bool {
	holds, available := r.holds(user, plan, tier)
	if !available {
		return false
	}
	if len(holds) == 0 {
		return true
	}

	ok, err := r.counters.Reserve(ctx, estimated, holds)
	if err != nil {
		log.Warn().
			Err(err).
			Str("user", user).
			Str("tier", string(tier)).
			Int64("estimated", estimated).
			Msg("quota: counter store unreachable, allowing request")
		return true
	}
	return ok
}

// PostAdjust decrements the tier's windows by actual-estimated and persists
// the usage record. The record is written even when the counter store fails.
func (r *Reserver) PostAdjust(ctx context.Context, adj Adjustment) error {
	delta := adj.Actual - adj.Estimated
	if delta != 0 {
		if err := r.counters.Adjust(ctx, delta, r.keys(adj.User, adj.Tier)); err != nil {
			log.Warn().
				Err(err).
				Str("user", adj.User).
				Str("tier", string(adj.Tier)).
				Int64("delta", delta).
				Msg("quota: post-adjust failed")
		}
	}

	if adj.Record == nil || r.sink == nil {
		return nil
	}
	if err := r.sink.Append(ctx, *adj.Record); err != nil {
		log.Error().Err(err).Str("request_id", adj.Record.RequestID).Msg("quota: failed to persist usage record")
		return err
	}
	return nil
}

// Rollback releases an unused reservation.
func (r *Reserver) Rollback(ctx context.Context, user string, tier config.Tier, estimated int64) {
	_ = r.PostAdjust(ctx, Adjustment{User: user, Tier: tier, Estimated: estimated, Actual: 0})
}

// Remaining returns the remaining tokens of the tier's monthly (or, for grace,
// daily) window. ok is false when the window has not been opened yet.
func (r *Reserver) Remaining(ctx context.Context, user string, tier config.Tier) (int64, bool, error) {
	keys := r.keys(user, tier)
	if len(keys) == 0 {
		return 0, false, nil
	}
	return r.counters.Remaining(ctx, keys[0])
}

// Ping checks the counter store.
func (r *Reserver) Ping(ctx context.Context) error {
	return r.counters.Ping(ctx)
}

// holds builds the windows a reservation must fit. available is false when
// the plan grants the tier no allowance.
func (r *Reserver) holds(user string, plan config.PlanConfig, tier config.Tier) (holds []Hold, available bool) {
	now := r.now()
	switch tier {
	case config.TierPlanner:
		return nil, true
	case config.TierGrace:
		if plan.GraceUnlimited {
			return nil, true
		}
		daily, ok := plan.DailyLimit(tier)
		if !ok || daily.Tokens <= 0 {
			return nil, false
		}
		return []Hold{{Key: dailyKey(user, tier, now), Limit: daily.Tokens, TTL: UntilMidnight(now)}}, true
	}

	monthly, ok := plan.MonthlyLimit(tier)
	if !ok || monthly.Tokens <= 0 {
		return nil, false
	}
	holds = append(holds, Hold{Key: monthlyKey(user, tier, now), Limit: monthly.Tokens, TTL: untilMonthEnd(now)})
	if daily, ok := plan.DailyLimit(tier); ok && daily.Tokens > 0 {
		holds = append(holds, Hold{Key: dailyKey(user, tier, now), Limit: daily.Tokens, TTL: UntilMidnight(now)})
	}
	return holds, true
}

// keys lists every window key of the tier, monthly first.
func (r *Reserver) keys(user string, tier config.Tier) []string {
	now := r.now()
	switch tier {
	case config.TierPlanner:
		return nil
	case config.TierGrace:
		return []string{dailyKey(user, tier, now)}
	}
	return []string{monthlyKey(user, tier, now), dailyKey(user, tier, now)}
}
