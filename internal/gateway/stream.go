// Streaming path - SSE forwarding with one fallback retry.
//
// DESIGN: Headers are committed when the first upstream stream opens, so a
// failure before that point is still a plain JSON error. After commit, a
// failure is reported as a final SSE error frame (is_expected in logs). A
// caller disconnect is recorded as client_closed_request (499) and gets no
// frame.
//
// Usage is the latest usage object seen (providers emit cumulative totals).
// Without one, input is estimated from the payload and output is counted
// over the forwarded delta text.
//
// The finalizer (post-adjust, ledger, telemetry) is deferred and guarded by
// a sync.Once, so it runs exactly once on success, fallback, failure or
// client disconnect.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/admission"
	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/provider"
	"github.com/compresr/tier-gateway/internal/tiering"
)

// ReasonStreamFallback marks a stream retried on the fallback tier.
const ReasonStreamFallback = "stream_fallback"

// streamState accumulates one logical streamed request across attempts.
type streamState struct {
	payload   []byte // payload of the current attempt
	estimated int64  // outstanding reservation
	usage     provider.Usage
	hasUsage  bool
	content   strings.Builder
	model     string
	ttft      time.Duration
	err       error

	finalizeOnce sync.Once
}

// reset drops everything accounted to a failed attempt.
func (st *streamState) reset() {
	st.usage = provider.Usage{}
	st.hasUsage = false
	st.content.Reset()
	st.estimated = 0
}

// actualUsage is the usage to post-adjust with.
func (g *Gateway) actualUsage(st *streamState) provider.Usage {
	if st.hasUsage {
		return st.usage
	}
	if st.content.Len() == 0 && st.err != nil {
		return provider.Usage{}
	}
	u := provider.Usage{
		PromptTokens:     admission.EstimateInputTokens(st.payload),
		CompletionTokens: g.counter.Count(st.content.String()),
	}
	u.TotalTokens = u.Total()
	return u
}

// serveStream is the streaming path after tier selection and clamping.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, rs *requestState, payload []byte) {
	ctx := r.Context()

	res, err := g.reserve(ctx, rs.principal, rs.tier, payload)
	if err != nil {
		g.writeError(w, rs, err)
		return
	}
	g.applyReservation(rs, res)

	sw := newSSEWriter(w)
	st := &streamState{payload: res.payload, estimated: res.estimated}
	defer st.finalizeOnce.Do(func() { g.finishStream(ctx, w, rs, sw, st) })

	st.err = g.streamAttempt(ctx, w, rs, sw, st)
	if st.err == nil || !apierr.Is(st.err, apierr.KindProvider) {
		return
	}

	next, ok := tiering.Fallback(rs.tier)
	if !ok || next == rs.tier {
		return
	}
	from := rs.tier
	g.rollback(ctx, rs.principal, from, st.estimated)
	st.reset()

	fres, ok := g.tryReserve(ctx, rs.principal, next, payload)
	if !ok {
		log.Warn().Str("request_id", rs.id).Str("tier", string(next)).Msg("gateway: stream fallback not reservable")
		return
	}
	log.Warn().
		Err(st.err).
		Str("request_id", rs.id).
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("gateway: stream failed, retrying on fallback tier")
	g.metrics.RecordFallback(string(from), string(next), "stream_error")

	rs.fallbackFrom, rs.tier, rs.reason = from, next, ReasonStreamFallback
	rs.estimated = fres.estimated
	rs.model = g.cfg.Tiers[next].Model
	st.payload, st.estimated = fres.payload, fres.estimated

	if retryErr := g.streamAttempt(ctx, w, rs, sw, st); retryErr == nil {
		st.err = nil
	} else {
		log.Warn().Err(retryErr).Str("request_id", rs.id).Msg("gateway: fallback stream failed")
	}
}

// streamAttempt opens one upstream stream and forwards its chunks.
func (g *Gateway) streamAttempt(ctx context.Context, w http.ResponseWriter, rs *requestState, sw *sseWriter, st *streamState) error {
	s, err := g.provider.Stream(ctx, provider.Call{RequestID: rs.id, Tier: rs.tier, Payload: st.payload})
	if err != nil {
		return clientGone(ctx, err)
	}
	defer func() { _ = s.Close() }()
	st.model = s.Model()

	if !sw.started {
		g.setTierHeaders(w, rs)
		sw.start()
	}

	for {
		chunk, err := s.Next()
		st.ttft = s.TTFT()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return clientGone(ctx, err)
		}
		if chunk.HasUsage {
			st.usage, st.hasUsage = chunk.Usage, true
		}
		st.content.WriteString(gjson.GetBytes(chunk.Data, "choices.0.delta.content").String())
		if err := sw.data(chunk.Data); err != nil {
			return apierr.ClientClosed(err)
		}
	}
}

// clientGone reclassifies a failure caused by the caller cancelling.
func clientGone(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return apierr.ClientClosed(err)
	}
	return err
}

// finishStream settles the reservation and terminates the response.
func (g *Gateway) finishStream(ctx context.Context, w http.ResponseWriter, rs *requestState, sw *sseWriter, st *streamState) {
	usage := g.actualUsage(st)
	latency := g.now().Sub(rs.startedAt)
	cost := g.settle(ctx, rs.principal, callAccount{
		requestID:  rs.id,
		tier:       rs.tier,
		model:      st.model,
		estimated:  st.estimated,
		usage:      usage,
		latency:    latency,
		ttft:       st.ttft,
		streaming:  true,
		chunkIndex: -1,
		success:    st.err == nil,
	})
	if st.model != "" {
		rs.model = st.model
	}

	o := outcome{status: http.StatusOK, usage: usage, costUSD: cost, ttft: st.ttft}
	switch {
	case st.err == nil:
		_ = sw.done()
	case !sw.started:
		g.writeError(w, rs, st.err)
		return
	default:
		e := apierr.Normalize(st.err)
		o.err, o.status, o.isExpected = e, e.HTTPStatus(), true
		if e.Kind != apierr.KindClientClosed {
			if err := sw.data(apierr.EnvelopeJSON(e)); err == nil {
				_ = sw.done()
			}
		}
	}
	g.recordRequest(rs, o)
}

// =============================================================================
// SSE WRITER
// =============================================================================

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: f}
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flush()
	s.started = true
}

func (s *sseWriter) data(payload []byte) error {
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) done() error {
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
