package llm

import (
	"sort"
	"sync"
	"time"

	"github.com/clawroute/clawroute/internal/infrastructure/config"
	"github.com/clawroute/clawroute/internal/infrastructure/monitoring"
	gwerr "github.com/clawroute/clawroute/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	emaAlpha      = 0.2 // weight of the newest sample
	probeAlpha    = 0.1 // reduced weight for synthetic health probes
	latencyRing   = 128 // samples kept for the p95 estimate
	maxInFlightHi = 32  // in-flight count at which capacity score reaches 0
)

// Quality score component weights.
const (
	weightLatency     = 0.3
	weightReliability = 0.4
	weightCost        = 0.1
	weightCapacity    = 0.2
)

// HealthSnapshot is a read-only view of one provider's health record.
type HealthSnapshot struct {
	ProviderID          string    `json:"id"`
	Healthy             bool      `json:"healthy"`
	QualityScore        float64   `json:"qualityScore"`
	Availability        float64   `json:"availability"`
	AvgLatencyMs        float64   `json:"avgLatencyMs"`
	P95LatencyMs        float64   `json:"p95LatencyMs"`
	ErrorRate           float64   `json:"errorRate"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess"`
	Circuit             string    `json:"circuit"`
	NextRetryTime       time.Time `json:"nextRetryTime,omitempty"`
	InFlight            int       `json:"inFlight"`
}

// healthRecord is the mutable per-provider state. Guarded by its own mutex;
// the tracker map lock is never held across record updates.
type healthRecord struct {
	mu sync.Mutex

	availability        float64 // EMA of success ratio, starts optimistic
	latencyEMA          float64 // milliseconds
	errorRate           float64 // EMA of failure ratio
	latencies           [latencyRing]float64
	latencyIdx          int
	latencyCount        int
	consecutiveFailures int
	lastSuccess         time.Time
	inFlight            int

	breaker *CircuitBreaker
	limiter *rate.Limiter // nil when no quota configured
}

// Tracker maintains per-provider health records, circuit breakers, and
// request quotas. Attempt outcomes flow in from provider clients; the router
// reads snapshots only.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*healthRecord
	cfg     config.HealthConfig
	sink    *monitoring.Sink // optional
	logger  *zap.Logger
}

// NewTracker creates a tracker. sink may be nil.
func NewTracker(cfg config.HealthConfig, sink *monitoring.Sink, logger *zap.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*healthRecord),
		cfg:     cfg,
		sink:    sink,
		logger:  logger.With(zap.String("component", "health-tracker")),
	}
}

// Register creates the health record for a provider. Safe to call again for
// an existing provider; the record is kept so history survives reconfiguration.
func (t *Tracker) Register(p config.ProviderConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[p.ID]; ok {
		return
	}
	rec := &healthRecord{
		availability: 1,
		breaker:      NewCircuitBreaker(t.cfg.FailureThreshold, t.cfg.HalfOpenRetries, t.cfg.RecoveryTime),
	}
	if p.RequestsPerMinute > 0 {
		rec.limiter = rate.NewLimiter(rate.Limit(float64(p.RequestsPerMinute)/60.0), p.RequestsPerMinute)
	}
	t.records[p.ID] = rec
	t.logger.Info("Provider registered",
		zap.String("provider", p.ID),
		zap.Int("rpm", p.RequestsPerMinute),
	)
}

// Sync registers new providers and drops records for removed ones after a
// configuration snapshot swap.
func (t *Tracker) Sync(providers map[string]config.ProviderConfig) {
	for _, p := range providers {
		t.Register(p)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.records {
		if _, ok := providers[id]; !ok {
			delete(t.records, id)
		}
	}
}

func (t *Tracker) record(providerID string) *healthRecord {
	t.mu.RLock()
	rec := t.records[providerID]
	t.mu.RUnlock()
	return rec
}

// Begin gates one dispatch attempt: circuit check, quota check, in-flight
// accounting. The returned error is nil when the attempt may proceed.
func (t *Tracker) Begin(providerID string) error {
	rec := t.record(providerID)
	if rec == nil {
		return gwerr.New(gwerr.KindInternal, "unknown provider "+providerID)
	}

	if !rec.breaker.Allow() {
		return gwerr.NewCircuitOpen(providerID)
	}
	if rec.limiter != nil && !rec.limiter.Allow() {
		return &gwerr.GatewayError{
			Kind:     gwerr.KindQuotaExceeded,
			Message:  "provider request quota exhausted",
			Provider: providerID,
		}
	}

	rec.mu.Lock()
	rec.inFlight++
	rec.mu.Unlock()
	return nil
}

// End records the attempt outcome. Metrics are updated before control
// returns to the caller so a follow-up route sees the new state.
func (t *Tracker) End(providerID string, latency time.Duration, attemptErr error, evt monitoring.AttemptEvent) {
	rec := t.record(providerID)
	if rec == nil {
		return
	}

	success := attemptErr == nil
	rec.mu.Lock()
	rec.inFlight--
	rec.observeLocked(latency, success, emaAlpha)
	rec.mu.Unlock()

	if success {
		rec.breaker.RecordSuccess()
	} else {
		rec.breaker.RecordFailure()
	}

	if t.sink != nil {
		evt.Provider = providerID
		evt.Latency = latency
		evt.Success = success
		if attemptErr != nil {
			evt.ErrorKind = string(gwerr.Kind(attemptErr))
		}
		evt.Timestamp = time.Now()
		t.sink.Publish(evt)
	}
}

// RecordProbe folds a synthetic health-check result in with reduced weight.
func (t *Tracker) RecordProbe(providerID string, latency time.Duration, err error) {
	rec := t.record(providerID)
	if rec == nil {
		return
	}
	success := err == nil
	rec.mu.Lock()
	rec.observeLocked(latency, success, probeAlpha)
	rec.mu.Unlock()
	if success {
		rec.breaker.RecordSuccess()
	} else {
		rec.breaker.RecordFailure()
	}
}

// observeLocked folds one sample into the EMAs. Caller holds rec.mu.
func (rec *healthRecord) observeLocked(latency time.Duration, success bool, alpha float64) {
	ms := float64(latency) / float64(time.Millisecond)
	if rec.latencyCount == 0 {
		rec.latencyEMA = ms
	} else {
		rec.latencyEMA = alpha*ms + (1-alpha)*rec.latencyEMA
	}
	rec.latencies[rec.latencyIdx] = ms
	rec.latencyIdx = (rec.latencyIdx + 1) % latencyRing
	if rec.latencyCount < latencyRing {
		rec.latencyCount++
	}

	outcome := 0.0
	avail := 0.0
	if success {
		outcome = 0.0
		avail = 1.0
		rec.consecutiveFailures = 0
		rec.lastSuccess = time.Now()
	} else {
		outcome = 1.0
		rec.consecutiveFailures++
	}
	rec.errorRate = alpha*outcome + (1-alpha)*rec.errorRate
	rec.availability = alpha*avail + (1-alpha)*rec.availability
}

// p95Locked estimates the 95th percentile latency. Caller holds rec.mu.
func (rec *healthRecord) p95Locked() float64 {
	if rec.latencyCount == 0 {
		return 0
	}
	samples := make([]float64, rec.latencyCount)
	copy(samples, rec.latencies[:rec.latencyCount])
	sort.Float64s(samples)
	idx := (len(samples) * 95) / 100
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// qualityLocked computes the composite score in [0,100]. Caller holds rec.mu.
func (rec *healthRecord) qualityLocked() float64 {
	latencyScore := 100 * (1 - clamp01(rec.latencyEMA/10000))
	reliabilityScore := (1 - rec.errorRate) * rec.availability * 100
	costScore := 100.0 // no pricing signal, uniform
	capacityScore := 100 * (1 - clamp01(float64(rec.inFlight)/maxInFlightHi))

	return weightLatency*latencyScore +
		weightReliability*reliabilityScore +
		weightCost*costScore +
		weightCapacity*capacityScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Healthy reports whether a provider's circuit is closed and its quality
// score meets the configured minimum.
func (t *Tracker) Healthy(providerID string) bool {
	rec := t.record(providerID)
	if rec == nil {
		return false
	}
	if rec.breaker.State() != CircuitClosed {
		return false
	}
	rec.mu.Lock()
	score := rec.qualityLocked()
	rec.mu.Unlock()
	return score >= t.cfg.MinQualityScore
}

// Routable reports whether the router may send traffic to the provider:
// closed with an adequate quality score, half-open (probe traffic), or open
// with the recovery window elapsed (the dispatch gate runs the probe).
func (t *Tracker) Routable(providerID string) bool {
	rec := t.record(providerID)
	if rec == nil {
		return false
	}
	switch rec.breaker.State() {
	case CircuitOpen:
		return !time.Now().Before(rec.breaker.NextRetryTime())
	case CircuitHalfOpen:
		return true
	default:
		rec.mu.Lock()
		score := rec.qualityLocked()
		rec.mu.Unlock()
		return score >= t.cfg.MinQualityScore
	}
}

// CircuitState returns the provider's circuit state.
func (t *Tracker) CircuitState(providerID string) CircuitState {
	rec := t.record(providerID)
	if rec == nil {
		return CircuitOpen
	}
	return rec.breaker.State()
}

// InFlight returns the provider's current in-flight attempt count.
func (t *Tracker) InFlight(providerID string) int {
	rec := t.record(providerID)
	if rec == nil {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.inFlight
}

// ErrorRate returns the provider's error-rate EMA.
func (t *Tracker) ErrorRate(providerID string) float64 {
	rec := t.record(providerID)
	if rec == nil {
		return 1
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.errorRate
}

// Snapshot returns a read-only view of one provider, false when unknown.
func (t *Tracker) Snapshot(providerID string) (HealthSnapshot, bool) {
	rec := t.record(providerID)
	if rec == nil {
		return HealthSnapshot{}, false
	}

	circuit := rec.breaker.State()
	rec.mu.Lock()
	snap := HealthSnapshot{
		ProviderID:          providerID,
		QualityScore:        rec.qualityLocked(),
		Availability:        rec.availability,
		AvgLatencyMs:        rec.latencyEMA,
		P95LatencyMs:        rec.p95Locked(),
		ErrorRate:           rec.errorRate,
		ConsecutiveFailures: rec.consecutiveFailures,
		LastSuccess:         rec.lastSuccess,
		Circuit:             circuit.String(),
		InFlight:            rec.inFlight,
	}
	rec.mu.Unlock()

	if circuit == CircuitOpen {
		snap.NextRetryTime = rec.breaker.NextRetryTime()
	}
	snap.Healthy = circuit == CircuitClosed && snap.QualityScore >= t.cfg.MinQualityScore
	return snap, true
}

// SnapshotAll returns views of every registered provider, sorted by id.
func (t *Tracker) SnapshotAll() []HealthSnapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]HealthSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := t.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Reset clears a provider's record on explicit operator command.
func (t *Tracker) Reset(providerID string) {
	rec := t.record(providerID)
	if rec == nil {
		return
	}
	rec.breaker.Reset()
	rec.mu.Lock()
	rec.availability = 1
	rec.errorRate = 0
	rec.latencyEMA = 0
	rec.latencyCount = 0
	rec.latencyIdx = 0
	rec.consecutiveFailures = 0
	rec.mu.Unlock()
	t.logger.Info("Provider health reset", zap.String("provider", providerID))
}
