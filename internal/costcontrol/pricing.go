package costcontrol

import "github.com/compresr/tier-gateway/internal/config"

// TierPricing holds per-million-token pricing for a tier.
type TierPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// PricingFor returns the configured pricing of a tier.
// Unknown tiers are priced at zero; the tier table is validated at load.
func PricingFor(tiers map[config.Tier]config.TierConfig, tier config.Tier) TierPricing {
	tc, ok := tiers[tier]
	if !ok {
		return TierPricing{}
	}
	return TierPricing{InputPerMTok: tc.InputCostPerMTok, OutputPerMTok: tc.OutputCostPerMTok}
}

// CalculateCost computes the cost in USD from token counts.
func CalculateCost(inputTokens, outputTokens int, pricing TierPricing) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * pricing.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * pricing.OutputPerMTok
	return inputCost + outputCost
}
