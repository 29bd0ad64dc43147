package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
)

func routingFixture(policy string) *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"alpha": {ID: "alpha", Kind: config.KindOpenAI, Weight: 1, Priority: 1},
			"beta":  {ID: "beta", Kind: config.KindQwen, Weight: 2, Priority: 2},
			"spare": {ID: "spare", Kind: config.KindLMStudio, Weight: 1, Priority: 9},
		},
		Routing: config.RoutingConfig{
			Policy: policy,
			Categories: map[string]config.CategoryConfig{
				"default": {
					Primary: []config.CandidateConfig{
						{Provider: "alpha", Model: "model-a"},
						{Provider: "beta", Model: "model-b"},
					},
					Emergency: []config.CandidateConfig{
						{Provider: "spare", Model: "model-s"},
					},
				},
			},
		},
		Health: config.HealthConfig{
			FailureThreshold: 3,
			HalfOpenRetries:  1,
			RecoveryTime:     time.Minute,
			MinQualityScore:  70,
		},
	}
}

func routerFixture(t *testing.T, cfg *config.Config) (*Router, *Tracker) {
	t.Helper()
	tracker := NewTracker(cfg.Health, nil, zap.NewNop())
	tracker.Sync(cfg.Providers)
	return NewRouter(tracker, zap.NewNop()), tracker
}

func failProvider(tracker *Tracker, id string, times int) {
	for i := 0; i < times; i++ {
		if err := tracker.Begin(id); err != nil {
			return // circuit already open
		}
		tracker.End(id, time.Millisecond, errors.New("boom"), monitoring.AttemptEvent{})
	}
}

func TestRouter_RoundRobinCycles(t *testing.T) {
	cfg := routingFixture(PolicyRoundRobin)
	router, _ := routerFixture(t, cfg)

	var got []string
	for i := 0; i < 4; i++ {
		sel, err := router.Select(cfg, "default", nil)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, sel.ProviderID)
	}
	want := []string{"alpha", "beta", "alpha", "beta"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin sequence = %v, want %v", got, want)
		}
	}
}

func TestRouter_ExclusionSkipsProvider(t *testing.T) {
	cfg := routingFixture(PolicyRoundRobin)
	router, _ := routerFixture(t, cfg)

	sel, err := router.Select(cfg, "default", map[string]bool{"alpha": true})
	if err != nil {
		t.Fatal(err)
	}
	if sel.ProviderID != "beta" {
		t.Errorf("selected %s, want beta", sel.ProviderID)
	}
}

func TestRouter_EmergencyChainFallback(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, tracker := routerFixture(t, cfg)

	// Open both primary circuits.
	failProvider(tracker, "alpha", 3)
	failProvider(tracker, "beta", 3)

	sel, err := router.Select(cfg, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ProviderID != "spare" {
		t.Errorf("selected %s, want emergency spare", sel.ProviderID)
	}
}

func TestRouter_NoHealthyProvider(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, tracker := routerFixture(t, cfg)

	failProvider(tracker, "alpha", 3)
	failProvider(tracker, "beta", 3)
	failProvider(tracker, "spare", 3)

	_, err := router.Select(cfg, "default", nil)
	if !gwerr.IsKind(err, gwerr.KindNoHealthyProvider) {
		t.Fatalf("got %v, want NoHealthyProvider", err)
	}
}

func TestRouter_UnknownCategory(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, _ := routerFixture(t, cfg)

	_, err := router.Select(cfg, "nope", nil)
	if !gwerr.IsKind(err, gwerr.KindNoHealthyProvider) {
		t.Fatalf("got %v", err)
	}
}

func TestRouter_PriorityPrefersWeight(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, _ := routerFixture(t, cfg)

	sel, err := router.Select(cfg, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ProviderID != "beta" {
		t.Errorf("selected %s, want beta (weight 2)", sel.ProviderID)
	}
}

func TestRouter_LeastLoadedUsesInFlight(t *testing.T) {
	cfg := routingFixture(PolicyLeastLoaded)
	router, tracker := routerFixture(t, cfg)

	// Put load on beta.
	if err := tracker.Begin("beta"); err != nil {
		t.Fatal(err)
	}

	sel, err := router.Select(cfg, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ProviderID != "alpha" {
		t.Errorf("selected %s, want unloaded alpha", sel.ProviderID)
	}
}

func TestRouter_LeastLoadedTieBreaksByWeight(t *testing.T) {
	cfg := routingFixture(PolicyLeastLoaded)
	router, _ := routerFixture(t, cfg)

	sel, err := router.Select(cfg, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel.ProviderID != "beta" {
		t.Errorf("selected %s, want beta (equal load, higher weight)", sel.ProviderID)
	}
}

func TestRouter_WeightedRandomStaysInCandidateSet(t *testing.T) {
	cfg := routingFixture(PolicyWeightedRandom)
	router, _ := routerFixture(t, cfg)

	for i := 0; i < 50; i++ {
		sel, err := router.Select(cfg, "default", nil)
		if err != nil {
			t.Fatal(err)
		}
		if sel.ProviderID != "alpha" && sel.ProviderID != "beta" {
			t.Fatalf("weighted-random escaped the primary chain: %s", sel.ProviderID)
		}
	}
}

func TestRouter_OpenCircuitExcluded(t *testing.T) {
	cfg := routingFixture(PolicyRoundRobin)
	router, tracker := routerFixture(t, cfg)

	failProvider(tracker, "alpha", 3)

	for i := 0; i < 4; i++ {
		sel, err := router.Select(cfg, "default", nil)
		if err != nil {
			t.Fatal(err)
		}
		if sel.ProviderID == "alpha" {
			t.Fatal("open-circuit provider was routed")
		}
	}
}

func TestRouter_CandidateCount(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, _ := routerFixture(t, cfg)

	if got := router.CandidateCount(cfg, "default"); got != 3 {
		t.Errorf("candidate count = %d, want 3", got)
	}
	if got := router.CandidateCount(cfg, "missing"); got != 0 {
		t.Errorf("candidate count = %d, want 0", got)
	}
}

func TestRouter_SelectionCarriesRationale(t *testing.T) {
	cfg := routingFixture(PolicyPriority)
	router, _ := routerFixture(t, cfg)

	sel, err := router.Select(cfg, "default", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Rationale == "" {
		t.Error("selection rationale is empty")
	}
	if sel.Model == "" {
		t.Error("selection model is empty")
	}
}
