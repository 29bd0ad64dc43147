package llm

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
)

// Balancing policies.
const (
	PolicyRoundRobin     = "round-robin"
	PolicyLeastLoaded    = "least-loaded"
	PolicyPriority       = "priority"
	PolicyWeightedRandom = "weighted-random"
	PolicyRandom         = "random"
)

// halfOpenWeightFactor degrades a half-open provider's draw weight.
const halfOpenWeightFactor = 0.1

// Selection is the router's answer: one (provider, model) plus the reason
// it won.
type Selection struct {
	ProviderID string
	Model      string
	MaxLatency int // milliseconds budget from the chain entry, 0 = none
	Rationale  string
}

// candidate is one routable chain entry joined with its provider config.
type candidate struct {
	entry    config.CandidateConfig
	provider config.ProviderConfig
	index    int // position in the chain, tiebreaker
}

// Router picks one (provider, model) from a category's candidate chains.
// It reads health snapshots only and never mutates tracker state.
type Router struct {
	mu         sync.Mutex
	tracker    *Tracker
	rrCounters map[string]int // category → round-robin cursor
	logger     *zap.Logger
}

// NewRouter creates a router over the tracker.
func NewRouter(tracker *Tracker, logger *zap.Logger) *Router {
	return &Router{
		tracker:    tracker,
		rrCounters: make(map[string]int),
		logger:     logger.With(zap.String("component", "router")),
	}
}

// Select picks the next target for a category, skipping excluded provider
// ids and unroutable providers. The primary chain is tried first; when it
// yields no candidate the emergency chain is used with the same filter.
func (r *Router) Select(cfg *config.Config, category string, excluded map[string]bool) (Selection, error) {
	cat, ok := cfg.Routing.Categories[category]
	if !ok {
		return Selection{}, gwerr.NewNoHealthyProvider(category)
	}

	candidates := r.filter(cfg, cat.Primary, excluded)
	chain := "primary"
	if len(candidates) == 0 {
		candidates = r.filter(cfg, cat.Emergency, excluded)
		chain = "emergency"
	}
	if len(candidates) == 0 {
		return Selection{}, gwerr.NewNoHealthyProvider(category)
	}

	picked, why := r.apply(cfg.Routing.Policy, category, candidates)

	sel := Selection{
		ProviderID: picked.provider.ID,
		Model:      picked.entry.Model,
		MaxLatency: int(picked.entry.MaxLatency.Milliseconds()),
		Rationale:  fmt.Sprintf("%s chain, %s", chain, why),
	}
	r.logger.Debug("Route selected",
		zap.String("category", category),
		zap.String("provider", sel.ProviderID),
		zap.String("model", sel.Model),
		zap.String("rationale", sel.Rationale),
	)
	return sel, nil
}

// CandidateCount returns the number of distinct providers reachable for a
// category across both chains; it bounds the failover attempt budget.
func (r *Router) CandidateCount(cfg *config.Config, category string) int {
	cat, ok := cfg.Routing.Categories[category]
	if !ok {
		return 0
	}
	seen := map[string]bool{}
	for _, chain := range [][]config.CandidateConfig{cat.Primary, cat.Emergency} {
		for _, c := range chain {
			seen[c.Provider] = true
		}
	}
	return len(seen)
}

// filter drops excluded and unroutable entries; routability is the
// tracker's read-only judgement (circuit gate plus quality score).
func (r *Router) filter(cfg *config.Config, chain []config.CandidateConfig, excluded map[string]bool) []candidate {
	var out []candidate
	for i, entry := range chain {
		if excluded[entry.Provider] {
			continue
		}
		pc, ok := cfg.Providers[entry.Provider]
		if !ok {
			continue
		}
		if !r.tracker.Routable(entry.Provider) {
			continue
		}
		out = append(out, candidate{entry: entry, provider: pc, index: i})
	}
	return out
}

// apply runs the configured balancing policy over a non-empty candidate set.
func (r *Router) apply(policy, category string, candidates []candidate) (candidate, string) {
	switch policy {
	case PolicyLeastLoaded:
		return r.leastLoaded(candidates)
	case PolicyWeightedRandom:
		return r.weightedRandom(candidates)
	case PolicyRandom:
		picked := candidates[rand.Intn(len(candidates))]
		return picked, "uniform random"
	case PolicyRoundRobin:
		return r.roundRobin(category, candidates)
	case PolicyPriority, "":
		return r.byPriority(category, candidates)
	default:
		return r.byPriority(category, candidates)
	}
}

func (r *Router) roundRobin(category string, candidates []candidate) (candidate, string) {
	r.mu.Lock()
	cursor := r.rrCounters[category]
	r.rrCounters[category] = cursor + 1
	r.mu.Unlock()

	picked := candidates[cursor%len(candidates)]
	return picked, fmt.Sprintf("round-robin slot %d", cursor%len(candidates))
}

func (r *Router) leastLoaded(candidates []candidate) (candidate, string) {
	best := candidates[0]
	bestLoad := r.tracker.InFlight(best.provider.ID)
	for _, c := range candidates[1:] {
		load := r.tracker.InFlight(c.provider.ID)
		switch {
		case load < bestLoad:
			best, bestLoad = c, load
		case load == bestLoad:
			if c.provider.Weight > best.provider.Weight ||
				(c.provider.Weight == best.provider.Weight && c.provider.Priority < best.provider.Priority) {
				best = c
			}
		}
	}
	return best, fmt.Sprintf("least-loaded (%d in flight)", bestLoad)
}

// byPriority prefers the highest weight; ties rotate round-robin.
func (r *Router) byPriority(category string, candidates []candidate) (candidate, string) {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].provider.Weight > sorted[j].provider.Weight
	})

	top := sorted[:1]
	for _, c := range sorted[1:] {
		if c.provider.Weight == sorted[0].provider.Weight {
			top = append(top, c)
		} else {
			break
		}
	}
	if len(top) == 1 {
		return top[0], fmt.Sprintf("priority (weight %d)", top[0].provider.Weight)
	}
	picked, _ := r.roundRobin(category, top)
	return picked, fmt.Sprintf("priority tie (weight %d), round-robin", picked.provider.Weight)
}

// weightedRandom draws proportionally to weight × (1 − errorRate), with a
// degraded weight for half-open providers.
func (r *Router) weightedRandom(candidates []candidate) (candidate, string) {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, c := range candidates {
		w := float64(c.provider.Weight) * (1 - r.tracker.ErrorRate(c.provider.ID))
		if r.tracker.CircuitState(c.provider.ID) == CircuitHalfOpen {
			w *= halfOpenWeightFactor
		}
		if w <= 0 {
			w = 0.001
		}
		weights[i] = w
		total += w
	}

	draw := rand.Float64() * total
	for i, c := range candidates {
		draw -= weights[i]
		if draw <= 0 {
			return c, fmt.Sprintf("weighted draw (%.3f of %.3f)", weights[i], total)
		}
	}
	return candidates[len(candidates)-1], "weighted draw (tail)"
}
