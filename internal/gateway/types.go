// Package gateway types - per-request state and response envelopes.
//
// DESIGN: requestState is created when a chat request arrives and carries
// identity, tier decisions and the outstanding reservation through the
// single-shot, streaming and decompose paths. Only the handler goroutine
// of that request touches it.
package gateway

import (
	"time"

	"github.com/compresr/tier-gateway/internal/auth"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/provider"
)

// =============================================================================
// REQUEST STATE
// =============================================================================

// requestState carries one logical request through the gateway.
type requestState struct {
	id        string
	principal auth.Principal
	path      string
	clientIP  string
	bodySize  int
	startedAt time.Time

	stream       bool
	requested    config.Tier
	tier         config.Tier
	reason       string
	fallbackFrom config.Tier
	model        string

	estimated int64 // estimate of the active reservation
}

// reservation is a successful pre-authorization.
type reservation struct {
	tier         config.Tier
	payload      []byte // clamped for tier
	estimated    int64
	fallbackFrom config.Tier
}

// outcome is what the telemetry finalizer needs about a finished request.
type outcome struct {
	status     int
	err        error
	usage      provider.Usage
	costUSD    float64
	cached     bool
	decomposed bool
	chunks     int
	ttft       time.Duration
	isExpected bool // error surfaced after SSE headers were committed
}

// =============================================================================
// RESPONSE ENVELOPES
// =============================================================================

// responseMeta is attached to every non-streaming response as _meta.
type responseMeta struct {
	Tier       string `json:"tier"`
	TierReason string `json:"tier_reason"`
	LatencyMs  int64  `json:"latency_ms"`
	Decomposed bool   `json:"decomposed,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int                `json:"index"`
	Message      *completionMessage `json:"message,omitempty"`
	Delta        *completionMessage `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

// completionResponse is a gateway-built chat.completion (decompose results).
type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   provider.Usage     `json:"usage"`
	Meta    *responseMeta      `json:"_meta,omitempty"`
}
