package config

import (
	"fmt"
	"time"
)

// Tier is a serving lane with its own limits, costs and quota.
type Tier string

const (
	TierFast    Tier = "fast"
	TierDeep    Tier = "deep"
	TierGrace   Tier = "grace"
	TierPlanner Tier = "planner"
)

// AllTiers lists every tier the gateway knows about.
var AllTiers = []Tier{TierFast, TierDeep, TierGrace, TierPlanner}

// ParseTier converts a string to a Tier. ok is false for unknown names.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFast, TierDeep, TierGrace, TierPlanner:
		return Tier(s), true
	}
	return "", false
}

func (t Tier) String() string { return string(t) }

// TierConfig holds the limits and prices of one tier.
type TierConfig struct {
	Model             string        `yaml:"model"` // provider-facing alias
	Timeout           time.Duration `yaml:"timeout"`
	MaxInputTokens    int           `yaml:"max_input_tokens"`
	MaxOutputTokens   int           `yaml:"max_output_tokens"`
	InputCostPerMTok  float64       `yaml:"input_cost_per_mtok"`  // USD per million input tokens
	OutputCostPerMTok float64       `yaml:"output_cost_per_mtok"` // USD per million output tokens
}

// Validate checks one tier's settings.
func (tc TierConfig) Validate(t Tier) error {
	if tc.Model == "" {
		return fmt.Errorf("tiers.%s.model is required", t)
	}
	if tc.Timeout <= 0 {
		return fmt.Errorf("tiers.%s.timeout must be > 0", t)
	}
	if tc.MaxInputTokens <= 0 || tc.MaxOutputTokens <= 0 {
		return fmt.Errorf("tiers.%s token caps must be > 0", t)
	}
	if tc.InputCostPerMTok < 0 || tc.OutputCostPerMTok < 0 {
		return fmt.Errorf("tiers.%s costs must be >= 0", t)
	}
	return nil
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[Tier]TierConfig {
	return map[Tier]TierConfig{
		TierFast: {
			Model: "gateway-fast", Timeout: DefaultFastTimeout,
			MaxInputTokens: 32000, MaxOutputTokens: 4096,
			InputCostPerMTok: 0.15, OutputCostPerMTok: 0.60,
		},
		TierDeep: {
			Model: "gateway-deep", Timeout: DefaultDeepTimeout,
			MaxInputTokens: 128000, MaxOutputTokens: 16384,
			InputCostPerMTok: 3, OutputCostPerMTok: 15,
		},
		TierGrace: {
			Model: "gateway-grace", Timeout: DefaultGraceTimeout,
			MaxInputTokens: 16000, MaxOutputTokens: 2048,
			InputCostPerMTok: 0.10, OutputCostPerMTok: 0.40,
		},
		TierPlanner: {
			Model: "gateway-planner", Timeout: DefaultPlannerTimeout,
			MaxInputTokens: 64000, MaxOutputTokens: 4096,
			InputCostPerMTok: 1, OutputCostPerMTok: 5,
		},
	}
}

// =============================================================================
// PLANS
// =============================================================================

// QuotaLimit is a token and request allowance for one window.
// Zero means the tier is not available in that window.
type QuotaLimit struct {
	Tokens   int64 `yaml:"tokens"`
	Requests int64 `yaml:"requests"`
}

// PlanConfig is the billing plan consumed from the account service.
type PlanConfig struct {
	Name           string              `yaml:"-"`
	GraceUnlimited bool                `yaml:"grace_unlimited"` // trial plans
	Monthly        map[Tier]QuotaLimit `yaml:"monthly"`
	Daily          map[Tier]QuotaLimit `yaml:"daily"` // safety caps
}

// MonthlyLimit returns the monthly allowance for a tier.
func (p PlanConfig) MonthlyLimit(t Tier) (QuotaLimit, bool) {
	l, ok := p.Monthly[t]
	return l, ok
}

// DailyLimit returns the daily safety cap for a tier, if configured.
func (p PlanConfig) DailyLimit(t Tier) (QuotaLimit, bool) {
	l, ok := p.Daily[t]
	return l, ok
}

// =============================================================================
// ROUTING POLICY
// =============================================================================

// ModelRoute is a concrete model alias and the tier that pays for it.
type ModelRoute struct {
	Model string `yaml:"model"`
	Tier  Tier   `yaml:"tier"`
}

// ModelTable maps pipeline stages to model aliases.
type ModelTable struct {
	Triage         ModelRoute `yaml:"triage"`
	Plan           ModelRoute `yaml:"plan"`
	CodeCheap      ModelRoute `yaml:"code_cheap"`
	CodeBalanced   ModelRoute `yaml:"code_balanced"`
	CodePremium    ModelRoute `yaml:"code_premium"`
	ReviewStandard ModelRoute `yaml:"review_standard"`
	ReviewStrict   ModelRoute `yaml:"review_strict"`
	TestCheap      ModelRoute `yaml:"test_cheap"`
	TestStrong     ModelRoute `yaml:"test_strong"`
}

// RoutingConfig holds domain lists and model aliases for the routing policy.
type RoutingConfig struct {
	CriticalDomains   []string   `yaml:"critical_domains"`
	HighRiskDomains   []string   `yaml:"high_risk_domains"`
	SensitiveDomains  []string   `yaml:"sensitive_domains"`
	DeepModelPatterns []string   `yaml:"deep_model_patterns"`
	Models            ModelTable `yaml:"models"`
}

// DefaultRouting returns the built-in routing policy.
func DefaultRouting() RoutingConfig {
	return RoutingConfig{
		CriticalDomains:   []string{"auth", "billing", "payment", "webhooks", "encryption", "acl", "permissions"},
		HighRiskDomains:   []string{"queue", "cron", "concurrency", "caching", "rate_limit", "retry", "data_consistency"},
		SensitiveDomains:  []string{"auth", "billing", "payment", "webhooks", "encryption", "acl", "permissions"},
		DeepModelPatterns: []string{"deep", "opus", "o1", "o3", "pro", "reasoning"},
		Models: ModelTable{
			Triage:         ModelRoute{Model: "pipeline-triage", Tier: TierFast},
			Plan:           ModelRoute{Model: "pipeline-planner", Tier: TierDeep},
			CodeCheap:      ModelRoute{Model: "pipeline-code-cheap", Tier: TierFast},
			CodeBalanced:   ModelRoute{Model: "pipeline-code-balanced", Tier: TierFast},
			CodePremium:    ModelRoute{Model: "pipeline-code-premium", Tier: TierDeep},
			ReviewStandard: ModelRoute{Model: "pipeline-review", Tier: TierFast},
			ReviewStrict:   ModelRoute{Model: "pipeline-review-strict", Tier: TierDeep},
			TestCheap:      ModelRoute{Model: "pipeline-test-cheap", Tier: TierFast},
			TestStrong:     ModelRoute{Model: "pipeline-test-strong", Tier: TierDeep},
		},
	}
}

func (r *RoutingConfig) fillDefaults() {
	d := DefaultRouting()
	if len(r.CriticalDomains) == 0 {
		r.CriticalDomains = d.CriticalDomains
	}
	if len(r.HighRiskDomains) == 0 {
		r.HighRiskDomains = d.HighRiskDomains
	}
	if len(r.SensitiveDomains) == 0 {
		r.SensitiveDomains = d.SensitiveDomains
	}
	if len(r.DeepModelPatterns) == 0 {
		r.DeepModelPatterns = d.DeepModelPatterns
	}
	fill := func(dst *ModelRoute, def ModelRoute) {
		if dst.Model == "" {
			dst.Model = def.Model
		}
		if dst.Tier == "" {
			dst.Tier = def.Tier
		}
	}
	fill(&r.Models.Triage, d.Models.Triage)
	fill(&r.Models.Plan, d.Models.Plan)
	fill(&r.Models.CodeCheap, d.Models.CodeCheap)
	fill(&r.Models.CodeBalanced, d.Models.CodeBalanced)
	fill(&r.Models.CodePremium, d.Models.CodePremium)
	fill(&r.Models.ReviewStandard, d.Models.ReviewStandard)
	fill(&r.Models.ReviewStrict, d.Models.ReviewStrict)
	fill(&r.Models.TestCheap, d.Models.TestCheap)
	fill(&r.Models.TestStrong, d.Models.TestStrong)
}
