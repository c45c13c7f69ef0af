// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined here.
// This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token.
// Used for admission control and quota reservation before real counts exist.
const TokenEstimateRatio = 4

// =============================================================================
// TIER DEFAULTS
// =============================================================================

// DefaultFastTimeout is the upstream timeout for the fast tier.
const DefaultFastTimeout = 60 * time.Second

// DefaultDeepTimeout is the upstream timeout for the deep tier.
const DefaultDeepTimeout = 180 * time.Second

// DefaultGraceTimeout is the upstream timeout for the grace tier.
const DefaultGraceTimeout = 60 * time.Second

// DefaultPlannerTimeout is the upstream timeout for decompose planner calls.
const DefaultPlannerTimeout = 60 * time.Second

// =============================================================================
// CACHE DEFAULTS
// =============================================================================

// DefaultCacheTTL is how long deterministic responses stay cached.
const DefaultCacheTTL = 1 * time.Hour

// DefaultCacheSchemaVersion is mixed into every cache key.
// Bump it to invalidate all entries after a response-shape change.
const DefaultCacheSchemaVersion = "v1"

// =============================================================================
// DECOMPOSE DEFAULTS
// =============================================================================

// DefaultDecomposeTokenThreshold is the estimated input size that triggers decomposition.
const DefaultDecomposeTokenThreshold = 24000

// DefaultDecomposeCharThreshold is the raw character length that triggers decomposition.
const DefaultDecomposeCharThreshold = 96000

// DecomposeMaxChunks is the hard ceiling on planned sub-tasks.
const DecomposeMaxChunks = 3

// DecomposeMaxCalls is the hard ceiling on provider calls (planner + chunks).
const DecomposeMaxCalls = 4

// DecomposeWallClock is the total time budget for one decompose run.
const DecomposeWallClock = 480 * time.Second

// =============================================================================
// PIPELINE DEFAULTS
// =============================================================================

// DefaultMaxReworkIterations bounds the code/review loop.
const DefaultMaxReworkIterations = 3

// DefaultStageMaxTokens is the output cap for a single pipeline stage call.
const DefaultStageMaxTokens = 4096

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRateLimit is requests per second per API key.
const DefaultRateLimit = 100

// DefaultRateLimitBurst is the token bucket size per API key.
const DefaultRateLimitBurst = 200

// MaxRateLimitBuckets prevents memory exhaustion from too many key buckets.
const MaxRateLimitBuckets = 10000

// DefaultUpstreamRetryAfter is used when a 429 carries no Retry-After header.
const DefaultUpstreamRetryAfter = 60 * time.Second

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the gateway listen port.
const DefaultPort = 18080

// DefaultServerReadTimeout for the HTTP server.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// MaxResponseSize is the maximum allowed upstream response body (50MB).
const MaxResponseSize = 50 * 1024 * 1024

// MaxErrorBodyLogLen limits error response body in logs to prevent bloat.
const MaxErrorBodyLogLen = 500

// =============================================================================
// STORAGE
// =============================================================================

// DefaultRedisURL is used when no redis.url is configured.
const DefaultRedisURL = "redis://localhost:6379/0"

// DefaultUsageDBPath is the sqlite ledger location.
const DefaultUsageDBPath = "data/usage.db"

// DefaultTelemetryPath is the JSONL request log location.
const DefaultTelemetryPath = "logs/requests.jsonl"
