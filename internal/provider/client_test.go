package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.ProviderConfig{BaseURL: url, MasterKey: "sk-master-test"}, config.DefaultTiers())
}

// =============================================================================
// ERROR EXTRACTION
// =============================================================================

func TestErrorMatchers_Individually(t *testing.T) {
	msg, ok := matchNestedMessage([]byte(`{"error":{"message":"model overloaded","type":"server_error"}}`))
	assert.True(t, ok)
	assert.Equal(t, "model overloaded", msg)

	_, ok = matchNestedMessage([]byte(`{"error":"flat"}`))
	assert.False(t, ok)

	msg, ok = matchBareError([]byte(`{"error":"invalid api key"}`))
	assert.True(t, ok)
	assert.Equal(t, "invalid api key", msg)

	msg, ok = matchPlainMessage([]byte(`{"message":"Internal Server Error"}`))
	assert.True(t, ok)
	assert.Equal(t, "Internal Server Error", msg)

	_, ok = matchCodeAndDetails([]byte(`{"error":"x"}`))
	assert.False(t, ok)
}

func TestExtractErrorMessage_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested message", `{"error":{"message":"context length exceeded"}}`, "context length exceeded"},
		{
			"details with fenced json",
			`{"error":"upstream_error","details":{"title":"Bad Gateway","detail":"provider said:\n` + "```json\\n{\\\"error\\\":{\\\"message\\\":\\\"quota hit\\\"}}\\n```" + `"}}`,
			"quota hit",
		},
		{
			"details with raw message fragment",
			`{"error":"upstream_error","details":{"title":"Bad Gateway","detail":"litellm.APIError: {\"message\":\"rate limited by vendor\",\"code\":429}"}}`,
			"rate limited by vendor",
		},
		{"details title only", `{"error":"upstream_error","details":{"title":"Service Unavailable","detail":"no json here"}}`, "Service Unavailable"},
		{"bare string", `{"error":"Unauthorized"}`, "Unauthorized"},
		{"plain message", `{"message":"Something broke"}`, "Something broke"},
		{"unknown json", `{"foo":"bar"}`, defaultErrorFallback},
		{"plain text", `Bad Gateway`, "Bad Gateway"},
		{"empty", ``, defaultErrorFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractErrorMessage([]byte(tt.body)))
		})
	}
}

// =============================================================================
// NON-STREAMING
// =============================================================================

func TestComplete_SubstitutesModelAndForwardsHeaders(t *testing.T) {
	var gotModel, gotAuth, gotReqID string
	var gotStream bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(body, "model").String()
		gotStream = gjson.GetBytes(body, "stream").Bool()
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get(HeaderRequestID)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL)
	resp, err := c.Complete(context.Background(), Call{
		RequestID: "req-123", Tier: config.TierDeep,
		Payload: []byte(`{"model":"claude-opus","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "gateway-deep", gotModel)
	assert.False(t, gotStream)
	assert.Equal(t, "Bearer sk-master-test", gotAuth)
	assert.Equal(t, "req-123", gotReqID)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15}, resp.Usage)
	assert.Equal(t, "hi", MessageContent(resp.Body))
}

func TestComplete_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   apierr.Kind
		wantStatus int
		wantRetry  time.Duration
	}{
		{"bad request", 400, "", apierr.KindBadRequest, 400, 0},
		{"rate limit with header", 429, "7", apierr.KindRateLimit, 429, 7 * time.Second},
		{"rate limit default", 429, "", apierr.KindRateLimit, 429, 60 * time.Second},
		{"gateway timeout", 504, "", apierr.KindTimeout, 504, 0},
		{"request timeout", 408, "", apierr.KindTimeout, 504, 0},
		{"server error mirrored", 503, "", apierr.KindProvider, 503, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream said no"}}`))
			}))
			defer upstream.Close()

			_, err := newTestClient(upstream.URL).Complete(context.Background(), Call{
				Tier: config.TierFast, Payload: []byte(`{"messages":[]}`),
			})
			require.Error(t, err)
			e, ok := apierr.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.wantStatus, e.HTTPStatus())
			assert.Equal(t, tt.wantRetry, e.RetryAfter)
			assert.Equal(t, "upstream said no", e.Message)
		})
	}
}

func TestComplete_ConnectionFailureIsTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := upstream.URL
	upstream.Close()

	_, err := newTestClient(url).Complete(context.Background(), Call{Tier: config.TierFast, Payload: []byte(`{"messages":[]}`)})
	assert.True(t, apierr.Is(err, apierr.KindTimeout))
}

func TestComplete_TierTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	tiers := config.DefaultTiers()
	fast := tiers[config.TierFast]
	fast.Timeout = 50 * time.Millisecond
	tiers[config.TierFast] = fast
	c := NewClient(config.ProviderConfig{BaseURL: upstream.URL}, tiers)

	_, err := c.Complete(context.Background(), Call{Tier: config.TierFast, Payload: []byte(`{"messages":[]}`)})
	assert.True(t, apierr.Is(err, apierr.KindTimeout))
}

// =============================================================================
// STREAMING
// =============================================================================

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(body, "stream").Bool())
		assert.True(t, gjson.GetBytes(body, "stream_options.include_usage").Bool())
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			_, _ = fmt.Fprint(w, f)
			flusher.Flush()
		}
	}))
}

func drain(t *testing.T, s *Stream) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestStream_ParsesFramesUntilDone(t *testing.T) {
	upstream := sseServer(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		": keep-alive\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\r\n\r\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n",
		"data: [DONE]\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"after done\"}}]}\n\n",
	)
	defer upstream.Close()

	s, err := newTestClient(upstream.URL).Stream(context.Background(), Call{Tier: config.TierFast, Payload: []byte(`{"messages":[]}`)})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", gjson.GetBytes(chunks[0].Data, "choices.0.delta.content").String())
	assert.False(t, chunks[0].HasUsage)
	assert.True(t, chunks[2].HasUsage)
	assert.Equal(t, 7, chunks[2].Usage.TotalTokens)
	assert.Greater(t, s.TTFT(), time.Duration(0))
	assert.Equal(t, "gateway-fast", s.Model())
}

func TestStream_ErrorChunkAborts(t *testing.T) {
	upstream := sseServer(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n",
		"data: {\"error\":{\"message\":\"upstream overloaded\",\"code\":529}}\n\n",
		"data: [DONE]\n\n",
	)
	defer upstream.Close()

	s, err := newTestClient(upstream.URL).Stream(context.Background(), Call{Tier: config.TierFast, Payload: []byte(`{"messages":[]}`)})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	chunks, err := drain(t, s)
	require.Error(t, err)
	assert.Len(t, chunks, 1)
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindProvider, e.Kind)
	assert.Equal(t, "upstream overloaded", e.Message)
}

func TestStream_NonOKStatusFailsBeforeFirstChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"message":"no healthy upstream"}`))
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream.URL).Stream(context.Background(), Call{Tier: config.TierFast, Payload: []byte(`{"messages":[]}`)})
	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindProvider, e.Kind)
	assert.Equal(t, 502, e.HTTPStatus())
	assert.Equal(t, "no healthy upstream", e.Message)
}

func TestNextSSEEvent(t *testing.T) {
	event, rest, ok := nextSSEEvent([]byte("data: a\n\ndata: b"), false)
	require.True(t, ok)
	assert.Equal(t, "data: a", string(event))
	assert.Equal(t, "data: b", string(rest))

	_, _, ok = nextSSEEvent(rest, false)
	assert.False(t, ok)

	event, _, ok = nextSSEEvent(rest, true)
	require.True(t, ok)
	assert.Equal(t, "data: b", string(event))
}
