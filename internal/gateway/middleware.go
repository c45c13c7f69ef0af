// Middleware - panic recovery, request IDs and per-key rate limiting.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/utils"
)

// recoverer turns a handler panic into a generic 500.
func (g *Gateway) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().
					Str("request_id", monitoring.RequestIDFromContext(r.Context())).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Msg("gateway: handler panic")
				apierr.Write(w, apierr.Internal(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestID honours X-Request-ID or assigns a new one, and echoes it back.
func (g *Gateway) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := getRequestID(r)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(monitoring.WithRequestID(r.Context(), id)))
	})
}

// rateLimit applies the per-API-key token bucket. It runs after auth.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := auth.PrincipalFrom(r.Context())
		if ok, retry := g.limiter.allow(p.APIKey); !ok {
			log.Debug().
				Str("request_id", monitoring.RequestIDFromContext(r.Context())).
				Str("key", utils.MaskKey(p.APIKey)).
				Msg("gateway: rate limited")
			apierr.Write(w, apierr.RateLimit("too many requests for this API key", retry))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// KEY LIMITER
// =============================================================================

// keyLimiter holds one token bucket per API key.
type keyLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	if rps <= 0 {
		rps = config.DefaultRateLimit
	}
	if burst <= 0 {
		burst = config.DefaultRateLimitBurst
	}
	return &keyLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

// allow takes one token for key. When denied it returns the wait until the
// next token.
func (l *keyLimiter) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= config.MaxRateLimitBuckets {
			log.Warn().Int("buckets", len(l.buckets)).Msg("gateway: rate limit bucket cap reached, resetting")
			l.buckets = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	if lim.Allow() {
		return true, 0
	}
	retry := time.Duration(float64(time.Second) / float64(l.limit))
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry
}
