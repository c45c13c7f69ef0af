package gateway

import (
	"sort"
	"strings"
	"time"

	"github.com/compresr/tier-gateway/internal/config"
	"github.com/compresr/tier-gateway/internal/monitoring"
)

// Version is stamped into the init event; cmd overrides it at link time.
var Version = "dev"

func buildInitEvent(cfg *config.Config) *monitoring.InitEvent {
	ev := &monitoring.InitEvent{
		Timestamp:            time.Now(),
		Event:                "gateway_init",
		Version:              Version,
		ServerPort:           cfg.Server.Port,
		ServerReadTimeoutMs:  cfg.Server.ReadTimeout.Milliseconds(),
		ServerWriteTimeoutMs: cfg.Server.WriteTimeout.Milliseconds(),
		ProviderBaseURL:      cfg.Provider.BaseURL,
		HasMasterKey:         strings.TrimSpace(cfg.Provider.MasterKey) != "",
		APIKeys:              len(cfg.APIKeys),
		CacheEnabled:         cfg.Cache.Enabled,
		DecomposeEnabled:     cfg.Decompose.Enabled,
		RateLimitEnabled:     cfg.RateLimit.Enabled,
		MaxReworkIterations:  cfg.Pipeline.MaxReworkIterations,
		TelemetryPath:        cfg.Monitoring.TelemetryPath,
	}

	for _, t := range config.AllTiers {
		tc, ok := cfg.Tiers[t]
		if !ok {
			continue
		}
		ev.Tiers = append(ev.Tiers, monitoring.InitTier{
			Name:            string(t),
			Model:           tc.Model,
			TimeoutMs:       tc.Timeout.Milliseconds(),
			MaxInputTokens:  tc.MaxInputTokens,
			MaxOutputTokens: tc.MaxOutputTokens,
			InputPerMTok:    tc.InputCostPerMTok,
			OutputPerMTok:   tc.OutputCostPerMTok,
		})
	}

	for name := range cfg.Plans {
		ev.Plans = append(ev.Plans, name)
	}
	sort.Strings(ev.Plans)
	return ev
}
