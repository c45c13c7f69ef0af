// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by gateway/, pipeline/ and monitoring/.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RequestEvent:  Telemetry data for each logical chat-completion request
//   - PipelineEvent: Telemetry data for each agentic pipeline run
//   - InitEvent:     Gateway startup configuration
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures one logical request through the gateway.
type RequestEvent struct {
	RequestID       string    `json:"request_id"`
	Timestamp       time.Time `json:"timestamp"`
	Path            string    `json:"path"`
	ClientIP        string    `json:"client_ip,omitempty"`
	User            string    `json:"user,omitempty"`
	Project         string    `json:"project,omitempty"`
	RequestedTier   string    `json:"requested_tier,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	TierReason      string    `json:"tier_reason,omitempty"`
	FallbackFrom    string    `json:"fallback_from,omitempty"`
	Model           string    `json:"model,omitempty"`
	Stream          bool      `json:"stream"`
	Cached          bool      `json:"cached"`
	Decomposed      bool      `json:"decomposed"`
	Chunks          int       `json:"chunks,omitempty"`
	RequestBodySize int       `json:"request_body_size"`
	StatusCode      int       `json:"status_code"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	IsExpected      bool      `json:"is_expected,omitempty"` // error after headers were committed
	EstimatedTokens int       `json:"estimated_tokens"`
	InputTokens     int       `json:"input_tokens,omitempty"`
	OutputTokens    int       `json:"output_tokens,omitempty"`
	TotalTokens     int       `json:"total_tokens,omitempty"`
	CostUSD         float64   `json:"cost_usd,omitempty"`
	TTFTMs          int64     `json:"ttft_ms,omitempty"`
	TotalLatencyMs  int64     `json:"total_latency_ms"`
}

// PipelineEvent captures one agentic pipeline run.
type PipelineEvent struct {
	RunID          string         `json:"run_id"`
	Timestamp      time.Time      `json:"timestamp"`
	User           string         `json:"user,omitempty"`
	Status         string         `json:"status"`
	Path           string         `json:"path,omitempty"` // simple or full
	Risk           string         `json:"risk,omitempty"`
	BudgetClass    string         `json:"budget_class,omitempty"`
	Iterations     int            `json:"rework_iterations"`
	FailedGate     string         `json:"failed_gate,omitempty"`
	Error          string         `json:"error,omitempty"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	CostUSD        float64        `json:"cost_usd"`
	StageLatencyMs map[string]int `json:"stage_latency_ms,omitempty"`
	TotalLatencyMs int64          `json:"total_latency_ms"`
}

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp            time.Time  `json:"timestamp"`
	Event                string     `json:"event"`
	Version              string     `json:"version,omitempty"`
	ServerPort           int        `json:"server_port"`
	ServerReadTimeoutMs  int64      `json:"server_read_timeout_ms"`
	ServerWriteTimeoutMs int64      `json:"server_write_timeout_ms"`
	ProviderBaseURL      string     `json:"provider_base_url"`
	HasMasterKey         bool       `json:"has_master_key"`
	Tiers                []InitTier `json:"tiers,omitempty"`
	Plans                []string   `json:"plans,omitempty"`
	APIKeys              int        `json:"api_keys"`
	CacheEnabled         bool       `json:"cache_enabled"`
	DecomposeEnabled     bool       `json:"decompose_enabled"`
	RateLimitEnabled     bool       `json:"rate_limit_enabled"`
	MaxReworkIterations  int        `json:"max_rework_iterations"`
	TelemetryPath        string     `json:"telemetry_path,omitempty"`
}

// InitTier summarizes a tier config.
type InitTier struct {
	Name            string  `json:"name"`
	Model           string  `json:"model"`
	TimeoutMs       int64   `json:"timeout_ms"`
	MaxInputTokens  int     `json:"max_input_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	InputPerMTok    float64 `json:"input_cost_per_mtok"`
	OutputPerMTok   float64 `json:"output_cost_per_mtok"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool
	LogPath     string
	LogToStdout bool
}
