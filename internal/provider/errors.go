package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/utils"
)

// =============================================================================
// ERROR-SHAPE MATCHERS
// =============================================================================

// errorMatcher extracts a human message from one upstream error shape.
type errorMatcher func(body []byte) (string, bool)

// errorMatchers are tried in order; the first match wins.
var errorMatchers = []errorMatcher{
	matchNestedMessage,  // {"error":{"message":"..."}}
	matchCodeAndDetails, // {"error":"code","details":{"title":"...","detail":"..."}}
	matchBareError,      // {"error":"..."}
	matchPlainMessage,   // {"message":"..."}
}

var (
	fencedJSONPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	embeddedMsgPattern = regexp.MustCompile(`"message"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

const defaultErrorFallback = "upstream provider error"

// ExtractErrorMessage returns the best human-readable message in an upstream
// error body. It never fails; unknown shapes yield a truncated body or a
// generic message.
func ExtractErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, m := range errorMatchers {
			if msg, ok := m(body); ok {
				return msg
			}
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return defaultErrorFallback
	}
	return utils.Truncate(text, config.MaxErrorBodyLogLen)
}

func matchNestedMessage(body []byte) (string, bool) {
	msg := gjson.GetBytes(body, "error.message")
	if msg.Type == gjson.String && strings.TrimSpace(msg.Str) != "" {
		return msg.Str, true
	}
	return "", false
}

func matchCodeAndDetails(body []byte) (string, bool) {
	code := gjson.GetBytes(body, "error")
	details := gjson.GetBytes(body, "details")
	if code.Type != gjson.String || !details.IsObject() {
		return "", false
	}
	detail := details.Get("detail").String()
	if msg, ok := messageFromDetail(detail); ok {
		return msg, true
	}
	if title := strings.TrimSpace(details.Get("title").String()); title != "" {
		return title, true
	}
	if strings.TrimSpace(detail) != "" {
		return utils.Truncate(detail, config.MaxErrorBodyLogLen), true
	}
	return code.Str, true
}

// messageFromDetail digs a message out of free text that may embed a fenced
// JSON block or a raw "message":"..." fragment.
func messageFromDetail(detail string) (string, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(detail); m != nil {
		inner := []byte(m[1])
		if msg, ok := matchNestedMessage(inner); ok {
			return msg, true
		}
		if msg, ok := matchPlainMessage(inner); ok {
			return msg, true
		}
	}
	if m := embeddedMsgPattern.FindStringSubmatch(detail); m != nil {
		if unq, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
			return unq, true
		}
		return m[1], true
	}
	return "", false
}

func matchBareError(body []byte) (string, bool) {
	e := gjson.GetBytes(body, "error")
	if e.Type == gjson.String && strings.TrimSpace(e.Str) != "" {
		return e.Str, true
	}
	return "", false
}

func matchPlainMessage(body []byte) (string, bool) {
	msg := gjson.GetBytes(body, "message")
	if msg.Type == gjson.String && strings.TrimSpace(msg.Str) != "" {
		return msg.Str, true
	}
	return "", false
}

// =============================================================================
// STATUS MAPPING
// =============================================================================

// mapStatusError converts a non-2xx upstream response to a typed error.
func mapStatusError(status int, header http.Header, body []byte) *apierr.Error {
	msg := ExtractErrorMessage(body)
	switch status {
	case http.StatusBadRequest:
		return apierr.BadRequest("%s", msg)
	case http.StatusTooManyRequests:
		return apierr.RateLimit(msg, parseRetryAfter(header.Get("Retry-After")))
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return apierr.Timeout(msg, nil)
	default:
		return apierr.Provider(msg, status)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return config.DefaultUpstreamRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return config.DefaultUpstreamRetryAfter
}

// mapTransportError converts connection-level failures. All of them are
// reported as Timeout.
func mapTransportError(err error) *apierr.Error {
	if e, ok := apierr.As(err); ok {
		return e
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return apierr.Timeout("provider request timed out", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierr.Timeout("provider request timed out", err)
	default:
		return apierr.Timeout("provider unreachable", err)
	}
}
