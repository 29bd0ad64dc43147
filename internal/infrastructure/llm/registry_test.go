package llm

import (
	"testing"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"go.uber.org/zap"
)

func registryConfig(ids ...string) *config.Config {
	providers := map[string]config.ProviderConfig{}
	for _, id := range ids {
		providers[id] = config.ProviderConfig{ID: id, Kind: config.KindOpenAI}
	}
	return &config.Config{Providers: providers}
}

func TestRegistry_BuildsAllKinds(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"oa":  {ID: "oa", Kind: config.KindOpenAI},
		"qw":  {ID: "qw", Kind: config.KindQwen},
		"ms":  {ID: "ms", Kind: config.KindModelScope},
		"lm":  {ID: "lm", Kind: config.KindLMStudio},
		"gem": {ID: "gem", Kind: config.KindGemini},
	}}

	reg, err := NewRegistry(cfg, Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.All()) != 5 {
		t.Fatalf("providers = %d", len(reg.All()))
	}

	for id, wantKind := range map[string]config.ProviderKind{
		"oa": config.KindOpenAI, "qw": config.KindQwen, "gem": config.KindGemini,
	} {
		p, ok := reg.Get(id)
		if !ok {
			t.Fatalf("provider %s missing", id)
		}
		if p.Kind() != wantKind {
			t.Errorf("%s kind = %q, want %q", id, p.Kind(), wantKind)
		}
	}
	if _, ok := reg.Get("ghost"); ok {
		t.Error("unknown provider resolved")
	}
}

func TestRegistry_UnknownKindFails(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{
		"bad": {ID: "bad", Kind: "smoke-signal"},
	}}
	if _, err := NewRegistry(cfg, Deps{Logger: zap.NewNop()}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRegistry_RebuildSwapsProviderSet(t *testing.T) {
	reg, err := NewRegistry(registryConfig("keep", "drop"), Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	reg.StampDiscovered("keep", []DiscoveredModel{{Name: "m", MaxTokens: 4242}})
	reg.StampDiscovered("drop", []DiscoveredModel{{Name: "m", MaxTokens: 9999}})

	if err := reg.Rebuild(registryConfig("keep", "new"), Deps{Logger: zap.NewNop()}); err != nil {
		t.Fatal(err)
	}

	if _, ok := reg.Get("drop"); ok {
		t.Error("removed provider still resolvable")
	}
	if _, ok := reg.Get("new"); !ok {
		t.Error("added provider missing")
	}

	// Discovery survives for surviving providers, dies with removed ones.
	if got := reg.MaxTokensFor("keep", "m"); got != 4242 {
		t.Errorf("kept discovery = %d", got)
	}
	if got := reg.MaxTokensFor("drop", "m"); got == 9999 {
		t.Error("removed provider's discovery retained")
	}
}

func TestRegistry_RebuildFailureKeepsNothingHalfBuilt(t *testing.T) {
	reg, err := NewRegistry(registryConfig("a"), Deps{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	bad := &config.Config{Providers: map[string]config.ProviderConfig{
		"a": {ID: "a", Kind: config.KindOpenAI},
		"b": {ID: "b", Kind: "smoke-signal"},
	}}
	if err := reg.Rebuild(bad, Deps{Logger: zap.NewNop()}); err == nil {
		t.Fatal("expected rebuild error")
	}

	// The previous set stays intact after a failed rebuild.
	if _, ok := reg.Get("a"); !ok {
		t.Error("previous provider lost after failed rebuild")
	}
	if _, ok := reg.Get("b"); ok {
		t.Error("half-built provider visible")
	}
}
