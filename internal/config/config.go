// Package config loads the gateway configuration.
//
// DESIGN: One immutable Config is built at process start (YAML file, ${VAR:-default}
// expansion, .env, GATEWAY_* overrides) and passed by pointer into every component
// constructor. Nothing reads configuration through globals after Load returns.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Provider   ProviderConfig        `yaml:"provider"`
	Tiers      map[Tier]TierConfig   `yaml:"tiers"`
	Plans      map[string]PlanConfig `yaml:"plans"`
	APIKeys    []APIKeyConfig        `yaml:"api_keys"`
	Redis      RedisConfig           `yaml:"redis"`
	Usage      UsageConfig           `yaml:"usage"`
	Cache      CacheConfig           `yaml:"cache"`
	Decompose  DecomposeConfig       `yaml:"decompose"`
	Routing    RoutingConfig         `yaml:"routing"`
	Pipeline   PipelineConfig        `yaml:"pipeline"`
	Monitoring MonitoringConfig      `yaml:"monitoring"`
	Logging    LoggingConfig         `yaml:"logging"`
	RateLimit  RateLimitConfig       `yaml:"rate_limit"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig points at the downstream OpenAI-compatible proxy.
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	MasterKey string `yaml:"master_key"`
}

// APIKeyConfig binds a caller key to a user, project and plan.
type APIKeyConfig struct {
	Key     string `yaml:"key"`
	User    string `yaml:"user"`
	Project string `yaml:"project"`
	Plan    string `yaml:"plan"`
}

// RedisConfig holds the counter/cache store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// UsageConfig holds the usage ledger location.
type UsageConfig struct {
	DBPath string `yaml:"db_path"`
}

// CacheConfig controls the deterministic response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	SchemaVersion string        `yaml:"schema_version"`
}

// DecomposeConfig controls when oversized requests are split.
type DecomposeConfig struct {
	Enabled        bool `yaml:"enabled"`
	TokenThreshold int  `yaml:"token_threshold"`
	CharThreshold  int  `yaml:"char_threshold"`
}

// PipelineConfig controls the agentic pipeline.
type PipelineConfig struct {
	MaxReworkIterations int     `yaml:"max_rework_iterations"`
	MaxCostUSD          float64 `yaml:"max_cost_usd"` // 0 = unlimited
	StageMaxTokens      int     `yaml:"stage_max_tokens"`
}

// MonitoringConfig controls telemetry and metrics.
type MonitoringConfig struct {
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	TelemetryPath    string `yaml:"telemetry_path"`
	LogToStdout      bool   `yaml:"log_to_stdout"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// RateLimitConfig is the per-API-key token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// envOverrides are GATEWAY_* variables that win over the file.
type envOverrides struct {
	Port              int    `envconfig:"PORT"`
	RedisURL          string `envconfig:"REDIS_URL"`
	ProviderBaseURL   string `envconfig:"PROVIDER_BASE_URL"`
	ProviderMasterKey string `envconfig:"PROVIDER_MASTER_KEY"`
	UsageDB           string `envconfig:"USAGE_DB"`
	LogLevel          string `envconfig:"LOG_LEVEL"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads, expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path comes from the operator's --config flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from YAML bytes on top of Default().
// Environment references in values are expanded first.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := envconfig.Process("GATEWAY", &o); err != nil {
		return fmt.Errorf("reading GATEWAY_* overrides: %w", err)
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.RedisURL != "" {
		c.Redis.URL = o.RedisURL
	}
	if o.ProviderBaseURL != "" {
		c.Provider.BaseURL = o.ProviderBaseURL
	}
	if o.ProviderMasterKey != "" {
		c.Provider.MasterKey = o.ProviderMasterKey
	}
	if o.UsageDB != "" {
		c.Usage.DBPath = o.UsageDB
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	return nil
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Tiers: DefaultTiers(),
		Plans: map[string]PlanConfig{},
		Redis: RedisConfig{URL: DefaultRedisURL},
		Usage: UsageConfig{DBPath: DefaultUsageDBPath},
		Cache: CacheConfig{
			Enabled:       true,
			TTL:           DefaultCacheTTL,
			SchemaVersion: DefaultCacheSchemaVersion,
		},
		Decompose: DecomposeConfig{
			Enabled:        true,
			TokenThreshold: DefaultDecomposeTokenThreshold,
			CharThreshold:  DefaultDecomposeCharThreshold,
		},
		Routing: DefaultRouting(),
		Pipeline: PipelineConfig{
			MaxReworkIterations: DefaultMaxReworkIterations,
			StageMaxTokens:      DefaultStageMaxTokens,
		},
		Monitoring: MonitoringConfig{
			TelemetryPath:  DefaultTelemetryPath,
			MetricsEnabled: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: DefaultRateLimit,
			Burst:             DefaultRateLimitBurst,
		},
	}
}

// fillDefaults repairs zero values left by a partial YAML document.
func (c *Config) fillDefaults() {
	defTiers := DefaultTiers()
	if c.Tiers == nil {
		c.Tiers = defTiers
	}
	for _, t := range AllTiers {
		tc, ok := c.Tiers[t]
		if !ok {
			c.Tiers[t] = defTiers[t]
			continue
		}
		d := defTiers[t]
		if tc.Model == "" {
			tc.Model = d.Model
		}
		if tc.Timeout <= 0 {
			tc.Timeout = d.Timeout
		}
		if tc.MaxInputTokens <= 0 {
			tc.MaxInputTokens = d.MaxInputTokens
		}
		if tc.MaxOutputTokens <= 0 {
			tc.MaxOutputTokens = d.MaxOutputTokens
		}
		c.Tiers[t] = tc
	}
	for name, p := range c.Plans {
		p.Name = name
		c.Plans[name] = p
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.SchemaVersion == "" {
		c.Cache.SchemaVersion = DefaultCacheSchemaVersion
	}
	if c.Pipeline.MaxReworkIterations <= 0 {
		c.Pipeline.MaxReworkIterations = DefaultMaxReworkIterations
	}
	if c.Pipeline.StageMaxTokens <= 0 {
		c.Pipeline.StageMaxTokens = DefaultStageMaxTokens
	}
	c.Routing.fillDefaults()
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = DefaultRateLimit
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	for _, t := range AllTiers {
		tc, ok := c.Tiers[t]
		if !ok {
			return fmt.Errorf("tiers.%s is required", t)
		}
		if err := tc.Validate(t); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.APIKeys))
	for i, k := range c.APIKeys {
		if k.Key == "" || k.User == "" {
			return fmt.Errorf("api_keys[%d]: key and user are required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("api_keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
		if _, ok := c.Plans[k.Plan]; !ok {
			return fmt.Errorf("api_keys[%d]: unknown plan %q", i, k.Plan)
		}
	}
	if c.Pipeline.MaxCostUSD < 0 {
		return fmt.Errorf("pipeline.max_cost_usd must be >= 0, got %f", c.Pipeline.MaxCostUSD)
	}
	return nil
}

// Tier returns the settings for a tier.
func (c *Config) Tier(t Tier) (TierConfig, bool) {
	tc, ok := c.Tiers[t]
	return tc, ok
}

// Plan returns a plan by name.
func (c *Config) Plan(name string) (PlanConfig, bool) {
	p, ok := c.Plans[name]
	return p, ok
}

// PlanNames returns configured plan names, sorted.
func (c *Config) PlanNames() []string {
	names := make([]string, 0, len(c.Plans))
	for n := range c.Plans {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// ENV EXPANSION
// =============================================================================

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvWithDefaults replaces ${VAR} and ${VAR:-default} references.
// Unset variables without a default expand to the empty string.
func ExpandEnvWithDefaults(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRefPattern.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[3]
	})
}
