// Package auth resolves caller API keys to principals.
//
// DESIGN: Keys, users, projects and plans are owned by an external account
// service and arrive here as configuration. The middleware authenticates every
// request and stores the Principal in the request context; downstream code
// never reads headers for identity.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/utils"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderXAPIKey       = "x-api-key"
)

type ctxKey int

const principalKey ctxKey = iota

// BearerToken extracts the API key from Authorization: Bearer or x-api-key.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get(HeaderAuthorization); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderXAPIKey))
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored in ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Middleware rejects requests without a known API key.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := BearerToken(req)
		p, ok := r.Lookup(key)
		if !ok {
			log.Debug().Str("api_key", utils.MaskKey(key)).Str("path", req.URL.Path).Msg("auth: rejected")
			apierr.Write(w, apierr.Unauthorized("invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), p)))
	})
}
