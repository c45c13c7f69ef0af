package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
provider:
  base_url: ${TEST_GW_PROVIDER:-http://localhost:4000}
  master_key: ${TEST_GW_MASTER_KEY}
tiers:
  fast:
    model: my-fast
    timeout: 45s
plans:
  pro:
    monthly:
      fast: {tokens: 1000000, requests: 5000}
      deep: {tokens: 200000, requests: 500}
    daily:
      grace: {tokens: 10000}
  trial:
    grace_unlimited: true
api_keys:
  - key: sk-alice-0000000000000000
    user: alice
    project: web
    plan: pro
`

func TestParse_FillsDefaults(t *testing.T) {
	t.Setenv("TEST_GW_MASTER_KEY", "sk-master")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:4000", cfg.Provider.BaseURL)
	assert.Equal(t, "sk-master", cfg.Provider.MasterKey)

	fast := cfg.Tiers[TierFast]
	assert.Equal(t, "my-fast", fast.Model)
	assert.Equal(t, 45*time.Second, fast.Timeout)
	assert.Equal(t, DefaultTiers()[TierFast].MaxInputTokens, fast.MaxInputTokens)
	assert.Equal(t, "gateway-deep", cfg.Tiers[TierDeep].Model)
	assert.Contains(t, cfg.Tiers, TierPlanner)

	pro, ok := cfg.Plan("pro")
	require.True(t, ok)
	assert.Equal(t, "pro", pro.Name)
	deep, ok := pro.MonthlyLimit(TierDeep)
	require.True(t, ok)
	assert.Equal(t, int64(200000), deep.Tokens)
	grace, ok := pro.DailyLimit(TierGrace)
	require.True(t, ok)
	assert.Equal(t, int64(10000), grace.Tokens)
	assert.True(t, cfg.Plans["trial"].GraceUnlimited)
	assert.Equal(t, []string{"pro", "trial"}, cfg.PlanNames())

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, DefaultMaxReworkIterations, cfg.Pipeline.MaxReworkIterations)
	assert.Equal(t, "pipeline-triage", cfg.Routing.Models.Triage.Model)
	assert.NoError(t, cfg.Validate())
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestExpandEnvWithDefaults(t *testing.T) {
	t.Setenv("TEST_GW_SET", "value")

	tests := []struct {
		in, want string
	}{
		{"${TEST_GW_SET}", "value"},
		{"${TEST_GW_SET:-other}", "value"},
		{"${TEST_GW_UNSET:-fallback}", "fallback"},
		{"${TEST_GW_UNSET}", ""},
		{"prefix-${TEST_GW_SET}-suffix", "prefix-value-suffix"},
		{"no refs here", "no refs here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnvWithDefaults(tt.in), tt.in)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Provider.BaseURL = "http://upstream"
		cfg.Plans = map[string]PlanConfig{"pro": {Name: "pro"}}
		cfg.APIKeys = []APIKeyConfig{{Key: "sk-a", User: "alice", Plan: "pro"}}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no provider", func(c *Config) { c.Provider.BaseURL = " " }, "provider.base_url"},
		{"missing tier", func(c *Config) { delete(c.Tiers, TierGrace) }, "tiers.grace is required"},
		{"tier without model", func(c *Config) {
			tc := c.Tiers[TierDeep]
			tc.Model = ""
			c.Tiers[TierDeep] = tc
		}, "tiers.deep.model"},
		{"negative cost", func(c *Config) {
			tc := c.Tiers[TierFast]
			tc.InputCostPerMTok = -1
			c.Tiers[TierFast] = tc
		}, "costs must be >= 0"},
		{"unknown plan", func(c *Config) { c.APIKeys[0].Plan = "gold" }, "unknown plan"},
		{"duplicate key", func(c *Config) { c.APIKeys = append(c.APIKeys, c.APIKeys[0]) }, "duplicate key"},
		{"key without user", func(c *Config) { c.APIKeys[0].User = "" }, "key and user are required"},
		{"negative cost cap", func(c *Config) { c.Pipeline.MaxCostUSD = -1 }, "max_cost_usd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	t.Setenv("GATEWAY_PORT", "8181")
	t.Setenv("GATEWAY_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("GATEWAY_PROVIDER_BASE_URL", "http://litellm:4000")
	t.Setenv("GATEWAY_USAGE_DB", "/tmp/usage.db")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "http://litellm:4000", cfg.Provider.BaseURL)
	assert.Equal(t, "/tmp/usage.db", cfg.Usage.DBPath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "reading config")
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("deep")
	assert.True(t, ok)
	assert.Equal(t, TierDeep, tier)

	_, ok = ParseTier("ultra")
	assert.False(t, ok)
}
