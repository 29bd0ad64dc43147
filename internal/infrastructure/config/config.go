package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is one immutable configuration snapshot. It is never mutated in
// place; reconfiguration builds a new Config and swaps the snapshot pointer.
type Config struct {
	Gateway   GatewayConfig             `mapstructure:"gateway"`
	Log       LogConfig                 `mapstructure:"log"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Routing   RoutingConfig             `mapstructure:"routing"`
	Pool      PoolConfig                `mapstructure:"pool"`
	Health    HealthConfig              `mapstructure:"health"`
}

// GatewayConfig controls the HTTP front door.
type GatewayConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"` // local, production
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"` // overall per-request deadline
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the attempt audit store.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres, none
	DSN  string `mapstructure:"dsn"`
}

// ProviderKind identifies the wire dialect an upstream speaks.
type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindQwen       ProviderKind = "qwen"
	KindModelScope ProviderKind = "modelscope"
	KindLMStudio   ProviderKind = "lmstudio"
	KindGemini     ProviderKind = "gemini"
)

// OpenAICompatible reports whether the kind uses the OpenAI chat wire format.
func (k ProviderKind) OpenAICompatible() bool {
	switch k {
	case KindOpenAI, KindQwen, KindModelScope, KindLMStudio:
		return true
	}
	return false
}

// ProviderConfig declares one upstream provider. ID is filled from the map
// key during Load.
type ProviderConfig struct {
	ID                string        `mapstructure:"-"`
	Name              string        `mapstructure:"name"`
	Kind              ProviderKind  `mapstructure:"kind"`
	BaseURL           string        `mapstructure:"base_url"`
	CredentialRef     string        `mapstructure:"credential_ref"`
	Project           string        `mapstructure:"project"` // Gemini wrapper envelope
	Models            []ModelConfig `mapstructure:"models"`
	Weight            int           `mapstructure:"weight"`
	Priority          int           `mapstructure:"priority"` // lower = higher priority
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// ModelConfig declares one model exposed by a provider.
type ModelConfig struct {
	Name         string   `mapstructure:"name"`
	MaxTokens    int      `mapstructure:"max_tokens"`
	Capabilities []string `mapstructure:"capabilities"` // programming, image-processing, long-context, reasoning
}

// Model returns the named model config and whether it is declared.
func (p ProviderConfig) Model(name string) (ModelConfig, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// ResolveCredential resolves the provider credential. A ref of the form
// "env:NAME" reads the named environment variable; anything else is taken
// as the literal key.
func (p ProviderConfig) ResolveCredential() string {
	if name, ok := strings.CutPrefix(p.CredentialRef, "env:"); ok {
		return os.Getenv(name)
	}
	return p.CredentialRef
}

// RoutingConfig maps requests to categories and categories to chains.
type RoutingConfig struct {
	Categories           map[string]CategoryConfig `mapstructure:"categories"`
	ModelCategories      map[string]string         `mapstructure:"model_categories"` // model name → category
	LongContextThreshold int                       `mapstructure:"long_context_threshold"`
	SafetyStopReason     string                    `mapstructure:"safety_stop_reason"` // stop_sequence (default) or end_turn
	Policy               string                    `mapstructure:"policy"`             // round-robin, least-loaded, priority, weighted-random, random
}

// CategoryConfig is one routing class: ordered primary and emergency chains
// plus the degradation trigger conditions.
type CategoryConfig struct {
	Primary    []CandidateConfig `mapstructure:"primary"`
	Emergency  []CandidateConfig `mapstructure:"emergency"`
	Conditions ConditionsConfig  `mapstructure:"conditions"`
}

// CandidateConfig is one (provider, model) entry in a chain.
type CandidateConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	MaxLatency time.Duration `mapstructure:"max_latency"`
	Priority   int           `mapstructure:"priority"`
}

// ConditionsConfig holds per-category degradation and recovery thresholds.
type ConditionsConfig struct {
	TriggerOnLatency             time.Duration `mapstructure:"trigger_on_latency"`
	TriggerOnErrorRate           float64       `mapstructure:"trigger_on_error_rate"`
	TriggerOnConsecutiveFailures int           `mapstructure:"trigger_on_consecutive_failures"`
	RecoverySuccessThreshold     int           `mapstructure:"recovery_success_threshold"`
	RecoveryTimeout              time.Duration `mapstructure:"recovery_timeout"`
}

// PoolConfig caps the upstream connection pool.
type PoolConfig struct {
	MaxConnections        int           `mapstructure:"max_connections"`
	MaxConnectionsPerHost int           `mapstructure:"max_connections_per_host"`
	MaxIdle               int           `mapstructure:"max_idle"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	KeepAliveTimeout      time.Duration `mapstructure:"keep_alive_timeout"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
}

// HealthConfig controls the provider health tracker and circuit breakers.
type HealthConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	HalfOpenRetries     int           `mapstructure:"half_open_retries"`
	RecoveryTime        time.Duration `mapstructure:"recovery_time"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MinQualityScore     float64       `mapstructure:"min_quality_score"`
}

// Load reads configuration: defaults → file layer → RCC_* environment
// overrides. With an explicit path the file layer is that file alone;
// otherwise it is the global ~/.clawroute/config.yaml overlaid by the first
// project-local ./config/config.yaml or ./config.yaml that exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		// Layer 1: global config ~/.clawroute/config.yaml
		globalDir := filepath.Join(os.Getenv("HOME"), ".clawroute")
		v.AddConfigPath(globalDir)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read global config: %w", err)
			}
		}

		// Layer 2: project-local config overlays the global layer
		for _, localDir := range []string{"./config", "."} {
			localPath := filepath.Join(localDir, "config.yaml")
			if _, err := os.Stat(localPath); err == nil {
				v2 := viper.New()
				v2.SetConfigFile(localPath)
				if err := v2.ReadInConfig(); err == nil {
					_ = v.MergeConfigMap(v2.AllSettings())
				}
				break
			}
		}
	}

	v.SetEnvPrefix("RCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for id, p := range cfg.Providers {
		p.ID = id
		if p.Name == "" {
			p.Name = id
		}
		if p.Weight <= 0 {
			p.Weight = 1
		}
		cfg.Providers[id] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-references between routing chains and providers.
func (c *Config) Validate() error {
	for name, cat := range c.Routing.Categories {
		for _, chain := range [][]CandidateConfig{cat.Primary, cat.Emergency} {
			for _, cand := range chain {
				p, ok := c.Providers[cand.Provider]
				if !ok {
					return fmt.Errorf("routing.%s references unknown provider %q", name, cand.Provider)
				}
				switch p.Kind {
				case KindOpenAI, KindQwen, KindModelScope, KindLMStudio, KindGemini:
				default:
					return fmt.Errorf("provider %q has unknown kind %q", cand.Provider, p.Kind)
				}
			}
		}
	}
	for model, cat := range c.Routing.ModelCategories {
		if _, ok := c.Routing.Categories[cat]; !ok {
			return fmt.Errorf("model_categories.%s references unknown category %q", model, cat)
		}
	}
	if c.Pool.MaxConnectionsPerHost > c.Pool.MaxConnections {
		return fmt.Errorf("pool.max_connections_per_host (%d) exceeds pool.max_connections (%d)",
			c.Pool.MaxConnectionsPerHost, c.Pool.MaxConnections)
	}
	return nil
}

// setDefaults wires the compile-time defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 3456)
	v.SetDefault("gateway.mode", "local")
	v.SetDefault("gateway.max_body_bytes", 16*1024*1024)
	v.SetDefault("gateway.request_timeout", "600s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.type", "none")
	v.SetDefault("database.dsn", "clawroute.db")

	v.SetDefault("routing.long_context_threshold", 60000)
	v.SetDefault("routing.safety_stop_reason", "stop_sequence")
	v.SetDefault("routing.policy", "priority")

	v.SetDefault("pool.max_connections", 100)
	v.SetDefault("pool.max_connections_per_host", 10)
	v.SetDefault("pool.max_idle", 20)
	v.SetDefault("pool.connection_timeout", "30s")
	v.SetDefault("pool.idle_timeout", "90s")
	v.SetDefault("pool.keep_alive_timeout", "30s")
	v.SetDefault("pool.retry_attempts", 2)
	v.SetDefault("pool.retry_delay", "1s")

	v.SetDefault("health.failure_threshold", 5)
	v.SetDefault("health.half_open_retries", 2)
	v.SetDefault("health.recovery_time", "30s")
	v.SetDefault("health.health_check_interval", "30s")
	v.SetDefault("health.min_quality_score", 70)
}
