package llm

import (
	"math/rand"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
)

// Attempt records one dispatch to one provider for one request.
type Attempt struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Outcome   string    `json:"outcome"` // "success" or the error kind
}

// Supervisor gates the pipeline's retry loop: it hands out the next
// candidate excluding already-tried providers, bounds the attempt budget,
// and spaces attempts with jittered exponential backoff.
type Supervisor struct {
	router *Router
	logger *zap.Logger
}

// NewSupervisor creates a failover supervisor over the router.
func NewSupervisor(router *Router, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		router: router,
		logger: logger.With(zap.String("component", "failover")),
	}
}

// MaxAttempts bounds a request's attempt list:
// min(retry_attempts+1, distinct candidate providers).
func (s *Supervisor) MaxAttempts(cfg *config.Config, category string) int {
	budget := cfg.Pool.RetryAttempts + 1
	if budget < 1 {
		budget = 1
	}
	if count := s.router.CandidateCount(cfg, category); count > 0 && count < budget {
		return count
	}
	return budget
}

// Next asks the router for the next candidate, excluding every provider
// already tried for this request.
func (s *Supervisor) Next(cfg *config.Config, category string, attempts []Attempt) (Selection, error) {
	excluded := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		excluded[a.Provider] = true
	}
	return s.router.Select(cfg, category, excluded)
}

// ShouldRetry decides whether a failed attempt may trigger the next one.
// Streams that have emitted any byte to the client are never retried.
func (s *Supervisor) ShouldRetry(err error, streamedToClient bool) bool {
	if streamedToClient {
		return false
	}
	if gwerr.IsKind(err, gwerr.KindClientCancelled) {
		return false
	}
	return gwerr.Retryable(err)
}

// Backoff returns the delay before attempt n (1-based for the first retry):
// retry_delay × 2^(n−1) with ±25% jitter.
func (s *Supervisor) Backoff(cfg *config.Config, attempt int) time.Duration {
	base := cfg.Pool.RetryDelay
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
