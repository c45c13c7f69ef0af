// Package costcontrol implements per-session cost tracking and budget enforcement.
//
// DESIGN: Every provider call is priced from its tier's USD-per-million-token
// table and added to a session. Gateway calls use the user as session; pipeline
// runs use the run ID and enforce the configured per-run cap. Tracking is
// always on; a cap of 0 means unlimited.
package costcontrol

import "time"

// CostSession tracks accumulated cost for a single session.
type CostSession struct {
	ID           string
	Cost         float64
	RequestCount int
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
	LastUpdated  time.Time
}

// BudgetCheckResult holds the result of a budget check.
type BudgetCheckResult struct {
	Allowed     bool
	CurrentCost float64 // Session cost
	GlobalCost  float64 // Total across all sessions
	Cap         float64 // Session cap, 0 = unlimited
}
