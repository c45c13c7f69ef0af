// Package provider calls the downstream OpenAI-compatible LLM proxy.
//
// DESIGN: One Client serves every tier. Per call it:
//   - substitutes the tier's (or an explicit) model alias into the body
//   - bounds the call by the tier's timeout
//   - forwards the request ID and authenticates with the master key
//   - maps non-2xx statuses and transport failures to typed errors
//
// Streaming calls return a Stream the caller drains with Next and must Close.
// Finalization (quota, usage, telemetry) is the caller's job, not the client's.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/utils"
)

// HeaderRequestID is forwarded upstream for tracing.
const HeaderRequestID = "X-Request-ID"

// Usage is the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Call describes one provider request.
type Call struct {
	RequestID string
	Tier      config.Tier
	Model     string // overrides the tier's alias when set
	Payload   []byte
}

// Response is a completed non-streaming call.
type Response struct {
	Body    []byte
	Usage   Usage
	Model   string
	Latency time.Duration
}

// Client is the provider client.
type Client struct {
	baseURL    string
	masterKey  string
	tiers      map[config.Tier]config.TierConfig
	httpClient *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a provider client for the configured proxy and tiers.
func NewClient(cfg config.ProviderConfig, tiers map[config.Tier]config.TierConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		masterKey: cfg.MasterKey,
		tiers:     tiers,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ModelFor returns the provider-facing alias for call.
func (c *Client) ModelFor(call Call) string {
	if call.Model != "" {
		return call.Model
	}
	return c.tiers[call.Tier].Model
}

func (c *Client) timeout(tier config.Tier) time.Duration {
	if tc, ok := c.tiers[tier]; ok && tc.Timeout > 0 {
		return tc.Timeout
	}
	return config.DefaultFastTimeout
}

// Complete performs a non-streaming call.
func (c *Client) Complete(ctx context.Context, call Call) (*Response, error) {
	model := c.ModelFor(call)
	body, err := preparePayload(call.Payload, model, false)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(call.Tier))
	defer cancel()

	start := time.Now()
	resp, err := c.do(ctx, call.RequestID, body, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, c.statusError(call, resp, data)
	}
	if !gjson.ValidBytes(data) {
		return nil, apierr.Provider("provider returned invalid JSON", http.StatusBadGateway)
	}
	// Some proxies report failures with a 200 and an error body.
	if gjson.GetBytes(data, "error").Exists() && !gjson.GetBytes(data, "choices").Exists() {
		return nil, apierr.Provider(ExtractErrorMessage(data), http.StatusBadGateway)
	}

	return &Response{
		Body:    data,
		Usage:   ParseUsage(data),
		Model:   model,
		Latency: time.Since(start),
	}, nil
}

// Stream opens a streaming call. The returned Stream owns the upstream
// connection and the tier timeout until Close.
func (c *Client) Stream(ctx context.Context, call Call) (*Stream, error) {
	model := c.ModelFor(call)
	body, err := preparePayload(call.Payload, model, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(call.Tier))
	start := time.Now()
	resp, err := c.do(ctx, call.RequestID, body, true)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
		_ = resp.Body.Close()
		cancel()
		return nil, c.statusError(call, resp, data)
	}
	return newStream(resp.Body, cancel, start, model), nil
}

func (c *Client) do(ctx context.Context, requestID string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("building provider request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.masterKey)
	if requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Str("base_url", c.baseURL).Msg("provider: request failed")
		return nil, mapTransportError(err)
	}
	return resp, nil
}

func (c *Client) statusError(call Call, resp *http.Response, data []byte) error {
	e := mapStatusError(resp.StatusCode, resp.Header, data)
	log.Warn().
		Str("request_id", call.RequestID).
		Str("tier", string(call.Tier)).
		Int("status", resp.StatusCode).
		Str("body", utils.Truncate(string(data), config.MaxErrorBodyLogLen)).
		Msg("provider: upstream error")
	return e
}

// preparePayload substitutes model and stream flags.
func preparePayload(payload []byte, model string, stream bool) ([]byte, error) {
	out, err := sjson.SetBytes(payload, "model", model)
	if err != nil {
		return nil, apierr.BadRequest("invalid request body: %v", err)
	}
	if out, err = sjson.SetBytes(out, "stream", stream); err != nil {
		return nil, apierr.BadRequest("invalid request body: %v", err)
	}
	if stream {
		// Ask the proxy for a trailing usage chunk.
		if out, err = sjson.SetBytes(out, "stream_options.include_usage", true); err != nil {
			return nil, apierr.BadRequest("invalid request body: %v", err)
		}
	}
	return out, nil
}

// ParseUsage reads the usage object of a response or chunk.
func ParseUsage(data []byte) Usage {
	u := gjson.GetBytes(data, "usage")
	if !u.IsObject() {
		return Usage{}
	}
	usage := Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.Total()
	}
	return usage
}

// MessageContent returns choices[0].message.content of a response.
func MessageContent(data []byte) string {
	return gjson.GetBytes(data, "choices.0.message.content").String()
}
