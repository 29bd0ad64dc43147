package llm

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// contextWindowHints maps model-name fragments to output-token ceilings,
// used when a provider's discovery response carries no context-length hint.
// Longest useful fragments first; first match wins.
var contextWindowHints = []struct {
	fragment string
	tokens   int
}{
	{"1m", 1000000},
	{"256k", 262144},
	{"200k", 204800},
	{"128k", 131072},
	{"100k", 102400},
	{"64k", 65536},
	{"32k", 32768},
	{"long", 131072},
	{"coder", 131072},
	{"turbo", 131072},
	{"plus", 131072},
	{"max", 65536},
	{"flash", 65536},
	{"haiku", 65536},
}

// defaultMaxTokens applies when no hint matches a model name.
const defaultMaxTokens = 8192

// FallbackMaxTokens resolves a model's token ceiling from its name.
func FallbackMaxTokens(model string) int {
	lower := strings.ToLower(model)
	for _, hint := range contextWindowHints {
		if strings.Contains(lower, hint.fragment) {
			return hint.tokens
		}
	}
	return defaultMaxTokens
}

// Discoverer refreshes per-provider model lists out-of-band and stamps the
// registry with the learned token ceilings.
type Discoverer struct {
	registry *Registry
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer over the registry.
func NewDiscoverer(registry *Registry, logger *zap.Logger) *Discoverer {
	return &Discoverer{
		registry: registry,
		logger:   logger.With(zap.String("component", "model-discovery")),
	}
}

// Refresh queries every provider's model list. Failures are logged and
// skipped; discovery is advisory.
func (d *Discoverer) Refresh(ctx context.Context) {
	for _, p := range d.registry.All() {
		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		models, err := p.ListModels(callCtx)
		cancel()
		if err != nil {
			d.logger.Debug("Model discovery failed",
				zap.String("provider", p.ID()),
				zap.Error(err),
			)
			continue
		}
		d.registry.StampDiscovered(p.ID(), models)
		d.logger.Info("Models discovered",
			zap.String("provider", p.ID()),
			zap.Int("count", len(models)),
		)
	}
}
