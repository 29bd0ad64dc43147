package llm

import (
	"sync"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
)

// Registry holds the Provider clients built from one configuration snapshot
// plus model limits learned out-of-band through discovery. Rebuilding on a
// snapshot swap replaces the provider set atomically.
type Registry struct {
	mu         sync.RWMutex
	providers  map[string]Provider
	configs    map[string]config.ProviderConfig
	discovered map[string]map[string]int // provider id → model → max tokens
}

// NewRegistry builds provider clients for every configured provider.
func NewRegistry(cfg *config.Config, deps Deps) (*Registry, error) {
	r := &Registry{
		discovered: make(map[string]map[string]int),
	}
	if err := r.Rebuild(cfg, deps); err != nil {
		return nil, err
	}
	return r, nil
}

// Rebuild replaces the provider set from a new snapshot. Discovery results
// for providers that survive the swap are kept.
func (r *Registry) Rebuild(cfg *config.Config, deps Deps) error {
	providers := make(map[string]Provider, len(cfg.Providers))
	configs := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		p, err := CreateProvider(pc, deps)
		if err != nil {
			return err
		}
		providers[id] = p
		configs[id] = pc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = providers
	r.configs = configs
	for id := range r.discovered {
		if _, ok := providers[id]; !ok {
			delete(r.discovered, id)
		}
	}
	return nil
}

// Get returns the provider client for id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// All returns every provider client.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// StampDiscovered records discovery results for a provider.
func (r *Registry) StampDiscovered(providerID string, models []DiscoveredModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]int, len(models))
	for _, dm := range models {
		tokens := dm.MaxTokens
		if tokens <= 0 {
			tokens = FallbackMaxTokens(dm.Name)
		}
		m[dm.Name] = tokens
	}
	r.discovered[providerID] = m
}

// MaxTokensFor resolves the per-model output ceiling: declared config first,
// then discovery hints, then the compile-time name-fragment table.
func (r *Registry) MaxTokensFor(providerID, model string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pc, ok := r.configs[providerID]; ok {
		if mc, ok := pc.Model(model); ok && mc.MaxTokens > 0 {
			return mc.MaxTokens
		}
	}
	if dm, ok := r.discovered[providerID]; ok {
		if tokens, ok := dm[model]; ok && tokens > 0 {
			return tokens
		}
	}
	return FallbackMaxTokens(model)
}
