// Request utilities - header parsing and body helpers.
package gateway

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/admission"
	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/monitoring"
	"github.com/compresr/tier-gateway/internal/provider"
)

// Request headers.
const (
	HeaderRequestID   = provider.HeaderRequestID
	HeaderQualityTier = "X-Quality-Tier"
	HeaderDecompose   = "X-Decompose"

	HeaderTier       = "X-Gateway-Tier"
	HeaderTierReason = "X-Gateway-Tier-Reason"
)

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, apierr.BadRequest("failed to read request body")
	}
	return body, nil
}

// isStreamingRequest reports "stream": true.
func isStreamingRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// wantsDecompose reports whether the request should go to the decompose
// pipeline: explicit header or body flag, or size over either threshold.
func wantsDecompose(r *http.Request, body []byte, cfg config.DecomposeConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderDecompose)), "true") {
		return true
	}
	if gjson.GetBytes(body, "decompose").Bool() {
		return true
	}
	chars := admission.TextBytes(body)
	if cfg.CharThreshold > 0 && chars > cfg.CharThreshold {
		return true
	}
	return cfg.TokenThreshold > 0 && admission.EstimateInputTokens(body) > cfg.TokenThreshold
}

// getRequestID gets or generates a request ID.
func getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return id
	}
	if id := monitoring.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return uuid.New().String()
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLoopback reports whether remoteAddr is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
