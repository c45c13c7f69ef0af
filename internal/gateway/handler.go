package gateway

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/tier-gateway/internal/admission"
	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/cache"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/quota"
	"github.com/compresr/tier-gateway/internal/tiering"
)

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	rs := &requestState{
		id:        getRequestID(r),
		principal: principal,
		path:      r.URL.Path,
		clientIP:  clientIP(r),
		startedAt: g.now(),
	}

	body, err := readBody(w, r)
	if err != nil {
		g.writeError(w, rs, err)
		return
	}
	rs.bodySize = len(body)
	if err := admission.Validate(body); err != nil {
		g.writeError(w, rs, err)
		return
	}
	rs.stream = isStreamingRequest(body)

	if wantsDecompose(r, body, g.cfg.Decompose) {
		g.serveDecompose(w, r, rs, body)
		return
	}

	rs.requested = tiering.Infer(
		r.Header.Get(HeaderQualityTier),
		gjson.GetBytes(body, "model").String(),
		g.cfg.Routing.DeepModelPatterns,
	)
	sel, err := g.selector.Select(r.Context(), principal.User, principal.Plan, rs.requested)
	if err != nil {
		g.writeError(w, rs, err)
		return
	}
	rs.tier, rs.reason = sel.Tier, sel.Reason

	payload, err := admission.Clamp(body, rs.tier, g.cfg.Tiers[rs.tier])
	if err != nil {
		g.writeError(w, rs, err)
		return
	}

	if rs.stream {
		g.serveStream(w, r, rs, payload)
		return
	}
	g.serveCompletion(w, r, rs, payload)
}

// serveCompletion is the single-shot path after tier selection and clamping.
func (g *Gateway) serveCompletion(w http.ResponseWriter, r *http.Request, rs *requestState, payload []byte) {
	ctx := r.Context()

	// Keyed by the selected tier, also when the reservation falls back.
	var cacheKey string
	if g.cache != nil && cache.IsCacheable(payload) {
		cacheKey = cache.GenerateKey(payload, rs.tier, g.cfg.Cache.SchemaVersion)
		if g.serveFromCache(ctx, w, rs, cacheKey) {
			return
		}
	}

	res, err := g.reserve(ctx, rs.principal, rs.tier, payload)
	if err != nil {
		g.writeError(w, rs, err)
		return
	}
	g.applyReservation(rs, res)

	resp, err := g.provider.Complete(ctx, provider.Call{RequestID: rs.id, Tier: rs.tier, Payload: res.payload})
	if err != nil {
		g.settle(ctx, rs.principal, callAccount{
			requestID: rs.id, tier: rs.tier, model: rs.model, estimated: res.estimated,
			latency: g.now().Sub(rs.startedAt), chunkIndex: -1,
		})
		g.writeError(w, rs, err)
		return
	}

	cost := g.settle(ctx, rs.principal, callAccount{
		requestID: rs.id, tier: rs.tier, model: resp.Model, estimated: res.estimated,
		usage: resp.Usage, latency: resp.Latency, chunkIndex: -1, success: true,
	})

	if cacheKey != "" {
		if err := g.cache.Put(ctx, cacheKey, resp.Body); err != nil {
			log.Warn().Err(err).Str("request_id", rs.id).Msg("gateway: cache put failed")
		}
	}

	out := g.withMeta(resp.Body, rs)
	g.writeJSON(w, rs, http.StatusOK, out)
	g.recordRequest(rs, outcome{status: http.StatusOK, usage: resp.Usage, costUSD: cost})
}

// serveFromCache writes a cached response when one exists. Cache errors
// are treated as misses.
func (g *Gateway) serveFromCache(ctx context.Context, w http.ResponseWriter, rs *requestState, key string) bool {
	data, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("request_id", rs.id).Msg("gateway: cache lookup failed")
	}
	if !ok {
		g.metrics.RecordCacheMiss()
		return false
	}

	rs.model = gjson.GetBytes(data, "model").String()
	out, err := sjson.SetBytes(data, "_cached", true)
	if err != nil {
		out = data
	}
	out = g.withMeta(out, rs)
	g.writeJSON(w, rs, http.StatusOK, out)
	g.recordRequest(rs, outcome{status: http.StatusOK, usage: provider.ParseUsage(data), cached: true})
	return true
}

// =============================================================================
// RESERVATION
// =============================================================================

// reserve clamps payload for tier and pre-authorizes its estimate. On
// failure exactly one fallback tier is tried before a Quota error.
func (g *Gateway) reserve(ctx context.Context, p auth.Principal, tier config.Tier, payload []byte) (reservation, error) {
	if res, ok := g.tryReserve(ctx, p, tier, payload); ok {
		return res, nil
	}
	if next, ok := tiering.Fallback(tier); ok {
		if res, ok := g.tryReserve(ctx, p, next, payload); ok {
			res.fallbackFrom = tier
			g.metrics.RecordFallback(string(tier), string(next), "reservation")
			log.Info().
				Str("user", p.User).
				Str("from", string(tier)).
				Str("to", string(next)).
				Msg("gateway: reservation fell back to next tier")
			return res, nil
		}
	}
	return reservation{}, apierr.QuotaExceeded(
		"token quota exhausted for "+string(tier)+" tier",
		quota.UntilMidnight(g.now()),
	)
}

func (g *Gateway) tryReserve(ctx context.Context, p auth.Principal, tier config.Tier, payload []byte) (reservation, bool) {
	tc, ok := g.cfg.Tiers[tier]
	if !ok {
		return reservation{}, false
	}
	clamped, err := admission.Clamp(payload, tier, tc)
	if err != nil {
		return reservation{}, false
	}
	est := int64(admission.EstimateInputTokens(clamped) + admission.MaxTokens(clamped, tc.MaxOutputTokens))
	if !g.reserver.PreAuthorize(ctx, p.User, p.Plan, tier, est) {
		return reservation{}, false
	}
	return reservation{tier: tier, payload: clamped, estimated: est}, true
}

// applyReservation moves rs onto the reserved tier.
func (g *Gateway) applyReservation(rs *requestState, res reservation) {
	if res.fallbackFrom != "" {
		rs.fallbackFrom = res.fallbackFrom
		rs.reason = tiering.ReasonReserveFailure
	}
	rs.tier = res.tier
	rs.estimated = res.estimated
	rs.model = g.cfg.Tiers[res.tier].Model
}

// =============================================================================
// RESPONSES
// =============================================================================

// withMeta attaches routing metadata as _meta.
func (g *Gateway) withMeta(body []byte, rs *requestState) []byte {
	out, err := sjson.SetBytes(body, "_meta", responseMeta{
		Tier:       string(rs.tier),
		TierReason: rs.reason,
		LatencyMs:  g.now().Sub(rs.startedAt).Milliseconds(),
	})
	if err != nil {
		return body
	}
	return out
}

func (g *Gateway) writeJSON(w http.ResponseWriter, rs *requestState, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	g.setTierHeaders(w, rs)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (g *Gateway) setTierHeaders(w http.ResponseWriter, rs *requestState) {
	if rs.tier != "" {
		w.Header().Set(HeaderTier, string(rs.tier))
		w.Header().Set(HeaderTierReason, rs.reason)
	}
}

// writeError renders err as a JSON error and records the failed request.
// Unexpected errors are logged in full and rendered as a generic 500.
func (g *Gateway) writeError(w http.ResponseWriter, rs *requestState, err error) {
	e := apierr.Normalize(err)
	if e.Kind == apierr.KindInternal {
		log.Error().Err(err).Str("request_id", rs.id).Str("path", rs.path).Msg("gateway: internal error")
	}
	apierr.Write(w, e)
	g.recordRequest(rs, outcome{status: e.HTTPStatus(), err: e})
}
