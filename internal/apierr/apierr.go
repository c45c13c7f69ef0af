// Package apierr defines the typed failures the gateway can surface and renders
// them in the OpenAI error envelope.
//
// DESIGN: Every failure that can reach a caller is an *Error with a Kind.
// The Kind decides the HTTP status and the envelope "type"/"code". Anything
// that is not an *Error is reduced to a generic 500 server_error at the
// boundary; its detail is logged, never returned.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	KindBadRequest        Kind = "invalid_request_error"
	KindRateLimit         Kind = "rate_limit_error"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindTimeout           Kind = "timeout_error"
	KindProvider          Kind = "provider_error"
	KindQualityGateFailed Kind = "quality_gate_failed"
	KindReworkLimit       Kind = "rework_limit"
	KindUnauthorized      Kind = "authentication_error"
	KindClientClosed      Kind = "client_closed_request"
	KindInternal          Kind = "server_error"
)

// Error is a typed gateway failure.
type Error struct {
	Kind       Kind
	Message    string
	Status     int           // HTTP status; 0 uses the kind default
	RetryAfter time.Duration // rendered as retry_after seconds when > 0

	// Pipeline-internal fields.
	Gate      string
	Retriable bool

	cause error
}

func (e *Error) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Gate, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusClientClosedRequest is the nginx convention for a caller disconnect.
const StatusClientClosedRequest = 499

// HTTPStatus returns the status the error renders with.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimit, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProvider:
		return http.StatusBadGateway
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindQualityGateFailed, KindReworkLimit:
		return http.StatusUnprocessableEntity
	case KindClientClosed:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// RateLimit is an upstream or local 429.
func RateLimit(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, RetryAfter: retryAfter}
}

// QuotaExceeded means no tier could be reserved for the caller.
func QuotaExceeded(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: msg, RetryAfter: retryAfter}
}

// BudgetExceeded is a cost-cap breach.
func BudgetExceeded(spent, limit float64) *Error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Message: fmt.Sprintf("cost cap exceeded: spent $%.4f of $%.4f", spent, limit),
	}
}

func Timeout(msg string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: msg, cause: cause}
}

// Provider is an upstream failure. status mirrors the upstream status when it
// is a valid error status; otherwise 502 is used.
func Provider(msg string, status int) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &Error{Kind: KindProvider, Message: msg, Status: status}
}

// GateFailed is a quality gate failure inside the pipeline.
func GateFailed(gate, reason string, retriable bool) *Error {
	return &Error{Kind: KindQualityGateFailed, Message: reason, Gate: gate, Retriable: retriable}
}

func ReworkLimit(iterations int) *Error {
	return &Error{
		Kind:    KindReworkLimit,
		Message: fmt.Sprintf("rework limit reached after %d iterations", iterations),
	}
}

// ClientClosed means the caller went away before the response finished.
func ClientClosed(cause error) *Error {
	return &Error{Kind: KindClientClosed, Message: "client closed request", cause: cause}
}

// Internal wraps an unexpected error. Only a generic message is rendered.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", cause: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// retryAfterSeconds rounds up to whole seconds.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := int(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

// FormatRetryAfter returns the Retry-After header value, or "".
func FormatRetryAfter(d time.Duration) string {
	if s := retryAfterSeconds(d); s > 0 {
		return strconv.Itoa(s)
	}
	return ""
}
