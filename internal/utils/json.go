package utils

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// MarshalNoEscape marshals JSON without HTML escaping.
// This avoids inflating payloads by converting characters like '<' into \u003c.
func MarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder adds a trailing newline; remove it for parity with json.Marshal.
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return out, nil
}

// ExtractJSON finds a JSON object in model output. It tries, in order:
// the whole text, a fenced ```json block, then the outermost {...} slice.
// ok is false when none of them is valid JSON.
func ExtractJSON(text string) ([]byte, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), true
	}
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if body := strings.TrimSpace(m[1]); json.Valid([]byte(body)) {
			return []byte(body), true
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	if slice := trimmed[start : end+1]; json.Valid([]byte(slice)) {
		return []byte(slice), true
	}
	return nil, false
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
