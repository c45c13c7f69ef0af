package apierr

import (
	"net/http"

	"github.com/compresr/tier-gateway/internal/utils"
)

// Body is the OpenAI-style error envelope.
type Body struct {
	Error Detail `json:"error"`
}

// Detail is the inner error object.
type Detail struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Normalize turns any error into an *Error. Unknown errors become Internal.
func Normalize(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err)
}

// Envelope builds the envelope for err.
func Envelope(err error) Body {
	e := Normalize(err)
	return Body{Error: Detail{
		Message:    e.Message,
		Type:       string(e.Kind),
		Code:       code(e),
		RetryAfter: retryAfterSeconds(e.RetryAfter),
	}}
}

// EnvelopeJSON marshals the envelope for err.
func EnvelopeJSON(err error) []byte {
	data, mErr := utils.MarshalNoEscape(Envelope(err))
	if mErr != nil {
		return []byte(`{"error":{"message":"internal server error","type":"server_error","code":"server_error"}}`)
	}
	return data
}

// Write renders err as a JSON error response.
func Write(w http.ResponseWriter, err error) {
	e := Normalize(err)
	if ra := FormatRetryAfter(e.RetryAfter); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_, _ = w.Write(EnvelopeJSON(e))
}

func code(e *Error) string {
	switch e.Kind {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindRateLimit:
		return "rate_limit_exceeded"
	case KindTimeout:
		return "timeout"
	case KindBadRequest:
		return "invalid_request"
	case KindUnauthorized:
		return "invalid_api_key"
	case KindQualityGateFailed:
		if e.Gate != "" {
			return e.Gate
		}
	}
	return string(e.Kind)
}
