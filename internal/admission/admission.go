// Package admission shapes a chat-completion payload to a tier's limits.
//
// DESIGN: Admission runs before any quota is touched. It only reads and
// rewrites the JSON body (gjson/sjson) and has no side effects:
//   - EstimateInputTokens: ceil(total message text bytes / 4)
//   - Clamp:               cap or default max_tokens, reject oversized input
package admission

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
)

// TextBytes sums the UTF-8 byte length of all message text content.
// String content and array content parts of type "text" are counted.
func TextBytes(payload []byte) int {
	total := 0
	gjson.GetBytes(payload, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			total += len(content.Str)
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Type == gjson.String {
					total += len(t.Str)
				}
				return true
			})
		}
		return true
	})
	return total
}

// EstimateInputTokens estimates prompt tokens with the 4-chars-per-token heuristic.
func EstimateInputTokens(payload []byte) int {
	return ceilDiv(TextBytes(payload), config.TokenEstimateRatio)
}

// Clamp fits payload to the tier's caps. max_tokens above the output cap is
// lowered to the cap; a missing max_tokens defaults to the cap. Input over
// the tier's input cap is a BadRequest.
func Clamp(payload []byte, tier config.Tier, tc config.TierConfig) ([]byte, error) {
	estimate := EstimateInputTokens(payload)
	if estimate > tc.MaxInputTokens {
		return nil, apierr.BadRequest(
			"input too large for %s tier: estimated %d tokens exceeds limit of %d",
			tier, estimate, tc.MaxInputTokens)
	}

	mt := gjson.GetBytes(payload, "max_tokens")
	if mt.Exists() && mt.Type == gjson.Number && mt.Int() > 0 && mt.Int() <= int64(tc.MaxOutputTokens) {
		return payload, nil
	}
	out, err := sjson.SetBytes(payload, "max_tokens", tc.MaxOutputTokens)
	if err != nil {
		return nil, apierr.BadRequest("invalid request body: %v", err)
	}
	return out, nil
}

// MaxTokens returns the payload's max_tokens, or fallback when absent.
func MaxTokens(payload []byte, fallback int) int {
	if mt := gjson.GetBytes(payload, "max_tokens"); mt.Type == gjson.Number && mt.Int() > 0 {
		return int(mt.Int())
	}
	return fallback
}

// Validate checks the minimum inbound shape: a JSON object with a non-empty messages array.
func Validate(payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return apierr.BadRequest("request body is not valid JSON")
	}
	msgs := gjson.GetBytes(payload, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return apierr.BadRequest("messages must be a non-empty array")
	}
	for i, m := range msgs.Array() {
		if m.Get("role").String() == "" {
			return apierr.BadRequest("messages[%d].role is required", i)
		}
	}
	return nil
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
