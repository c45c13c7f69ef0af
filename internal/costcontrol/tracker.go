package costcontrol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/tier-gateway/internal/apierr"
	"github.com/compresr/tier-gateway/internal/config"
)

// sessionTTL is how long an idle session is kept.
const sessionTTL = 24 * time.Hour

const cleanupInterval = 10 * time.Minute

// Tracker tracks per-session API costs and enforces budget caps.
type Tracker struct {
	tiers    map[config.Tier]config.TierConfig
	sessions map[string]*CostSession
	mu       sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once

	// Atomic global cost accumulator for O(1) reads
	// Stored as cost * 1e9 (nano-dollars) to use atomic int64 ops
	globalCostNano int64
}

// NewTracker creates a cost tracker priced from the tier table. Starts a
// background cleanup goroutine; Close stops it.
func NewTracker(tiers map[config.Tier]config.TierConfig) *Tracker {
	t := &Tracker{
		tiers:    tiers,
		sessions: make(map[string]*CostSession),
		done:     make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Cost prices a call without recording it.
func (t *Tracker) Cost(tier config.Tier, inputTokens, outputTokens int) float64 {
	return CalculateCost(inputTokens, outputTokens, PricingFor(t.tiers, tier))
}

// RecordUsage adds a call's cost to a session and returns that cost.
func (t *Tracker) RecordUsage(sessionID string, tier config.Tier, inputTokens, outputTokens int) float64 {
	cost := t.Cost(tier, inputTokens, outputTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.getOrCreateLocked(sessionID)
	s.Cost += cost
	s.RequestCount++
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
	s.LastUpdated = time.Now()

	atomic.AddInt64(&t.globalCostNano, int64(cost*1e9))
	return cost
}

// CheckBudget checks whether a session is still under sessionCap.
func (t *Tracker) CheckBudget(sessionID string, sessionCap float64) BudgetCheckResult {
	sessionCost := t.GetSessionCost(sessionID)
	res := BudgetCheckResult{
		Allowed:     true,
		CurrentCost: sessionCost,
		GlobalCost:  t.GetGlobalCost(),
		Cap:         sessionCap,
	}
	if sessionCap > 0 && sessionCost >= sessionCap {
		res.Allowed = false
	}
	return res
}

// Enforce returns a BudgetExceeded error once the session has reached sessionCap.
func (t *Tracker) Enforce(sessionID string, sessionCap float64) error {
	res := t.CheckBudget(sessionID, sessionCap)
	if !res.Allowed {
		return apierr.BudgetExceeded(res.CurrentCost, res.Cap)
	}
	return nil
}

// GetGlobalCost returns total accumulated cost across all sessions.
func (t *Tracker) GetGlobalCost() float64 {
	return float64(atomic.LoadInt64(&t.globalCostNano)) / 1e9
}

// GetSessionCost returns accumulated cost for a session.
func (t *Tracker) GetSessionCost(sessionID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.sessions[sessionID]; ok {
		return s.Cost
	}
	return 0
}

// Session returns a copy of a session.
func (t *Tracker) Session(sessionID string) (CostSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return CostSession{}, false
	}
	return *s, true
}

// SessionCount returns the number of tracked sessions.
func (t *Tracker) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Forget drops a finished session. Its cost stays in the global total.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) getOrCreateLocked(sessionID string) *CostSession {
	if s, ok := t.sessions[sessionID]; ok {
		return s
	}
	s := &CostSession{
		ID:          sessionID,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	t.sessions[sessionID] = s
	return s
}

func (t *Tracker) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.evictIdle(now)
		}
	}
}

// evictIdle drops sessions idle for longer than sessionTTL. Their cost
// stays in the global total.
func (t *Tracker) evictIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastUpdated) > sessionTTL {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}
