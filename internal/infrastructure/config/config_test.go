package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

const sampleConfig = `
gateway:
  host: 127.0.0.1
  port: 4000
log:
  level: debug
providers:
  bailian:
    kind: qwen
    base_url: https://dashscope.aliyuncs.com/compatible-mode/v1
    credential_ref: env:DASHSCOPE_API_KEY
    weight: 3
    priority: 1
    requests_per_minute: 120
    models:
      - name: qwen3-max
        max_tokens: 32768
        capabilities: [programming, reasoning]
  local:
    kind: lmstudio
    base_url: http://localhost:1234/v1
routing:
  policy: least-loaded
  long_context_threshold: 50000
  model_categories:
    claude-3-5-haiku: background
  categories:
    default:
      primary:
        - provider: bailian
          model: qwen3-max
          max_latency: 30s
          priority: 1
      emergency:
        - provider: local
          model: qwen2.5-7b
      conditions:
        trigger_on_latency: 60s
        trigger_on_error_rate: 0.5
        trigger_on_consecutive_failures: 3
        recovery_success_threshold: 2
        recovery_timeout: 30s
    background:
      primary:
        - provider: local
          model: qwen2.5-7b
pool:
  max_connections: 50
  max_connections_per_host: 5
  connection_timeout: 10s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullShape(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Port != 4000 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}

	p, ok := cfg.Providers["bailian"]
	if !ok {
		t.Fatal("provider bailian missing")
	}
	if p.ID != "bailian" {
		t.Errorf("provider id not filled from map key: %q", p.ID)
	}
	if p.Kind != KindQwen || !p.Kind.OpenAICompatible() {
		t.Errorf("kind = %q", p.Kind)
	}
	if p.Weight != 3 || p.RequestsPerMinute != 120 {
		t.Errorf("provider = %+v", p)
	}
	mc, ok := p.Model("qwen3-max")
	if !ok || mc.MaxTokens != 32768 || len(mc.Capabilities) != 2 {
		t.Errorf("model = %+v", mc)
	}

	// Defaulted weight for the second provider
	if cfg.Providers["local"].Weight != 1 {
		t.Errorf("default weight = %d", cfg.Providers["local"].Weight)
	}

	cat := cfg.Routing.Categories["default"]
	if len(cat.Primary) != 1 || cat.Primary[0].MaxLatency != 30*time.Second {
		t.Errorf("primary = %+v", cat.Primary)
	}
	if cat.Conditions.TriggerOnConsecutiveFailures != 3 {
		t.Errorf("conditions = %+v", cat.Conditions)
	}
	if cfg.Routing.Policy != "least-loaded" {
		t.Errorf("policy = %q", cfg.Routing.Policy)
	}

	if cfg.Pool.MaxConnections != 50 || cfg.Pool.ConnectionTimeout != 10*time.Second {
		t.Errorf("pool = %+v", cfg.Pool)
	}
	// Untouched defaults survive partial overrides.
	if cfg.Pool.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout default = %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Health.FailureThreshold != 5 || cfg.Health.MinQualityScore != 70 {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
}

func TestLoad_UnknownProviderInChain(t *testing.T) {
	bad := `
providers:
  a:
    kind: openai
routing:
  categories:
    default:
      primary:
        - provider: ghost
          model: m
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected validation error for unknown provider")
	}
}

func TestLoad_UnknownKind(t *testing.T) {
	bad := `
providers:
  a:
    kind: smoke-signal
routing:
  categories:
    default:
      primary:
        - provider: a
          model: m
`
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Fatal("expected validation error for unknown kind")
	}
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("CLAWROUTE_TEST_KEY", "sk-secret")

	p := ProviderConfig{CredentialRef: "env:CLAWROUTE_TEST_KEY"}
	if got := p.ResolveCredential(); got != "sk-secret" {
		t.Errorf("env ref = %q", got)
	}

	p.CredentialRef = "literal-key"
	if got := p.ResolveCredential(); got != "literal-key" {
		t.Errorf("literal = %q", got)
	}
}

func TestStore_SwapIsAtomicAndNotifies(t *testing.T) {
	first := &Config{Gateway: GatewayConfig{Port: 1}}
	store := NewStore(first, "", zap.NewNop())

	if store.Snapshot().Gateway.Port != 1 {
		t.Fatal("initial snapshot wrong")
	}

	var notified *Config
	store.OnSwap(func(c *Config) { notified = c })

	second := &Config{Gateway: GatewayConfig{Port: 2}}
	store.Swap(second)

	if store.Snapshot() != second {
		t.Error("snapshot pointer not swapped")
	}
	if notified != second {
		t.Error("swap callback not invoked")
	}
	// The old snapshot is untouched for in-flight readers.
	if first.Gateway.Port != 1 {
		t.Error("previous snapshot mutated")
	}
}
