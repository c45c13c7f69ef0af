// Accounting and telemetry helpers shared by the request paths.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/usage"
)

// settleTimeout bounds post-adjust and ledger writes after the client left.
const settleTimeout = 5 * time.Second

// =============================================================================
// ACCOUNTING
// =============================================================================

// callAccount describes one finished (or failed) provider call.
type callAccount struct {
	requestID  string
	tier       config.Tier
	model      string
	estimated  int64
	usage      provider.Usage
	latency    time.Duration
	ttft       time.Duration
	streaming  bool
	decomposed bool
	parentID   string
	chunkIndex int
	success    bool
}

// settle post-adjusts the call's reservation to its actual usage and appends
// the usage record. It runs on a context detached from the caller so that a
// disconnect cannot leak the reservation. Returns the call's cost.
func (g *Gateway) settle(ctx context.Context, p auth.Principal, a callAccount) float64 {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	in, out := a.usage.PromptTokens, a.usage.CompletionTokens
	var cost float64
	if in+out > 0 {
		cost = g.costs.RecordUsage(p.User, a.tier, in, out)
		g.metrics.RecordUsage(string(a.tier), in, out, cost)
	}

	rec := &usage.Record{
		RequestID:       a.requestID,
		User:            p.User,
		Project:         p.Project,
		Tier:            a.tier,
		Model:           a.model,
		InputTokens:     in,
		OutputTokens:    out,
		CostUSD:         cost,
		LatencyMS:       a.latency.Milliseconds(),
		TTFTMS:          a.ttft.Milliseconds(),
		Streaming:       a.streaming,
		Decomposed:      a.decomposed,
		ParentRequestID: a.parentID,
		ChunkIndex:      a.chunkIndex,
		Success:         a.success,
		CreatedAt:       g.now().UTC(),
	}
	_ = g.reserver.PostAdjust(ctx, quota.Adjustment{
		User:      p.User,
		Tier:      a.tier,
		Estimated: a.estimated,
		Actual:    int64(a.usage.Total()),
		Record:    rec,
	})
	return cost
}

// rollback releases a reservation without writing a usage record.
func (g *Gateway) rollback(ctx context.Context, p auth.Principal, tier config.Tier, estimated int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	g.reserver.Rollback(ctx, p.User, tier, estimated)
}

// =============================================================================
// TELEMETRY
// =============================================================================

// recordRequest logs, counts and writes the telemetry event of one logical
// request. Called exactly once per request.
func (g *Gateway) recordRequest(rs *requestState, o outcome) {
	latency := g.now().Sub(rs.startedAt)
	success := o.err == nil && o.status < http.StatusBadRequest

	ev := &monitoring.RequestEvent{
		RequestID:       rs.id,
		Timestamp:       rs.startedAt,
		Path:            rs.path,
		ClientIP:        rs.clientIP,
		User:            rs.principal.User,
		Project:         rs.principal.Project,
		RequestedTier:   string(rs.requested),
		Tier:            string(rs.tier),
		TierReason:      rs.reason,
		FallbackFrom:    string(rs.fallbackFrom),
		Model:           rs.model,
		Stream:          rs.stream,
		Cached:          o.cached,
		Decomposed:      o.decomposed,
		Chunks:          o.chunks,
		RequestBodySize: rs.bodySize,
		StatusCode:      o.status,
		Success:         success,
		IsExpected:      o.isExpected,
		EstimatedTokens: int(rs.estimated),
		InputTokens:     o.usage.PromptTokens,
		OutputTokens:    o.usage.CompletionTokens,
		TotalTokens:     o.usage.Total(),
		CostUSD:         o.costUSD,
		TTFTMs:          o.ttft.Milliseconds(),
		TotalLatencyMs:  latency.Milliseconds(),
	}
	if o.err != nil {
		e := apierr.Normalize(o.err)
		ev.Error = e.Message
		ev.ErrorKind = string(e.Kind)
	}
	g.tracker.RecordRequest(ev)

	if o.cached {
		g.metrics.RecordCacheHit(string(rs.tier))
	} else {
		g.metrics.RecordRequest(string(rs.tier), success, rs.stream, latency)
	}

	evt := log.Info()
	if !success {
		evt = log.Warn()
	}
	evt = evt.
		Str("request_id", rs.id).
		Str("user", rs.principal.User).
		Str("tier", string(rs.tier)).
		Str("tier_reason", rs.reason).
		Bool("stream", rs.stream).
		Bool("cached", o.cached).
		Int("status", o.status).
		Int("total_tokens", o.usage.Total()).
		Dur("latency", latency)
	if o.err != nil {
		evt = evt.Err(o.err).Bool("is_expected", o.isExpected)
	}
	evt.Msg("gateway: request completed")
}
