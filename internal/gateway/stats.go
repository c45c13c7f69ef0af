// Package gateway - stats.go exposes health and aggregated metrics as JSON.
//
// GET /stats returns request, cache, token and pipeline counters.
// GET /health pings the counter store and the usage ledger.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/compresr/tier-gateway/internal/monitoring"
)

const healthTimeout = 2 * time.Second

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	StartedAt     string  `json:"started_at"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	UsageRecords  int64   `json:"usage_records"`

	Gateway monitoring.StatsSnapshot `json:"gateway"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Time   string            `json:"time"`
	Checks map[string]string `json:"checks"`
}

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	started := g.metrics.StartedAt()
	uptime := g.now().Sub(started)

	resp := StatsResponse{
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     started.UTC().Format(time.RFC3339),
		TotalCostUSD:  g.costs.GetGlobalCost(),
		Gateway:       g.metrics.Stats(),
	}
	if n, err := g.ledger.Count(r.Context()); err == nil {
		resp.UsageRecords = n
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleHealth reports "ok", or "degraded" with 503 when a store is down.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	health := HealthResponse{
		Status: "ok",
		Time:   g.now().UTC().Format(time.RFC3339),
		Checks: map[string]string{"redis": "ok", "ledger": "ok"},
	}
	if err := g.reserver.Ping(ctx); err != nil {
		health.Status, health.Checks["redis"] = "degraded", err.Error()
	}
	if err := g.ledger.Ping(ctx); err != nil {
		health.Status, health.Checks["ledger"] = "degraded", err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if health.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(health)
}
