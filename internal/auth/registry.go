package auth

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/compresr/tier-gateway/internal/config"
)

// Principal is the authenticated caller of one request.
type Principal struct {
	User    string
	Project string
	APIKey  string
	Plan    config.PlanConfig
}

// Registry maps API keys to principals.
type Registry struct {
	mu   sync.RWMutex
	keys map[string]Principal
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]Principal)}
}

// NewRegistryFromConfig loads every configured API key and resolves its plan.
func NewRegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for i, k := range cfg.APIKeys {
		plan, ok := cfg.Plan(k.Plan)
		if !ok {
			return nil, fmt.Errorf("api_keys[%d]: unknown plan %q", i, k.Plan)
		}
		r.Register(Principal{User: k.User, Project: k.Project, APIKey: k.Key, Plan: plan})
	}
	return r, nil
}

// Register adds or replaces a principal.
func (r *Registry) Register(p Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[p.APIKey] = p
}

// Lookup resolves an API key.
func (r *Registry) Lookup(apiKey string) (Principal, bool) {
	if apiKey == "" {
		return Principal{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.keys[apiKey]
	if !ok || subtle.ConstantTimeCompare([]byte(p.APIKey), []byte(apiKey)) != 1 {
		return Principal{}, false
	}
	return p, true
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
