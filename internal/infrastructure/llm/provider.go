package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/llm/anthropic"
	"github.com/clawroute/clawroute/internal/infrastructure/pool"
	"github.com/clawroute/clawroute/internal/infrastructure/transform"
	"go.uber.org/zap"
)

// Provider executes upstream calls for one configured provider. The three
// pipeline stages it backs are kept distinct: TranslateRequest builds the
// provider-shape request, Execute/ExecuteStream dispatch it, and
// TranslateResponse converts the reply back to the Anthropic envelope.
type Provider interface {
	ID() string
	Name() string
	Kind() config.ProviderKind

	// TranslateRequest converts the Anthropic request into the provider's
	// wire shape for the given target model. maxTokensCeiling caps the
	// request's max_tokens (0 = no cap).
	TranslateRequest(req *anthropic.Request, model string, stream bool, maxTokensCeiling int) (any, error)

	// Execute dispatches a non-streaming wire request and returns the raw
	// response body.
	Execute(ctx context.Context, wireReq any, prio pool.Priority) ([]byte, error)

	// TranslateResponse converts a raw upstream body into the Anthropic
	// response envelope.
	TranslateResponse(body []byte, messageID, clientModel string) (*anthropic.Response, error)

	// ExecuteStream dispatches a streaming wire request, translating and
	// emitting Anthropic events as upstream fragments arrive. The returned
	// StreamResult is non-nil even on error so the caller can tell whether
	// any event already reached the client.
	ExecuteStream(ctx context.Context, wireReq any, prio pool.Priority, messageID, clientModel string, emit transform.EmitFunc) (*StreamResult, error)

	// ListModels performs out-of-band model discovery.
	ListModels(ctx context.Context) ([]DiscoveredModel, error)

	// Ping issues a lightweight availability probe.
	Ping(ctx context.Context) error
}

// StreamResult summarizes a streaming dispatch.
type StreamResult struct {
	StopReason string
	Usage      anthropic.Usage
	Started    bool // at least one event was emitted toward the client
}

// DiscoveredModel is one model reported by a provider's discovery endpoint.
type DiscoveredModel struct {
	Name      string
	MaxTokens int // 0 when the provider reports no context-length hint
}

// Deps carries the shared collaborators a provider client needs.
type Deps struct {
	Pool    *pool.Pool
	Options transform.Options
	Logger  *zap.Logger
}

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg config.ProviderConfig, deps Deps) Provider

var (
	factoryMu sync.RWMutex
	factories = map[config.ProviderKind]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given kind.
func RegisterFactory(kind config.ProviderKind, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// CreateProvider creates a Provider using the registered factory for cfg.Kind.
func CreateProvider(cfg config.ProviderConfig, deps Deps) (Provider, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Kind]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]config.ProviderKind, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider kind %q (available: %v)", cfg.Kind, available)
	}

	return factory(cfg, deps), nil
}

func init() {
	for _, kind := range []config.ProviderKind{config.KindOpenAI, config.KindQwen, config.KindModelScope, config.KindLMStudio} {
		RegisterFactory(kind, func(cfg config.ProviderConfig, deps Deps) Provider {
			return NewOpenAIClient(cfg, deps)
		})
	}
	RegisterFactory(config.KindGemini, func(cfg config.ProviderConfig, deps Deps) Provider {
		return NewGeminiClient(cfg, deps)
	})
}
