package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics holds the gateway's atomic counters.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64

	AttemptsTotal   uint64
	AttemptsSuccess uint64
	AttemptsFailed  uint64
	FailoversTotal  uint64

	StreamsTotal uint64

	InputTokens  uint64
	OutputTokens uint64

	ActiveRequests int64

	AttemptLatencySum   uint64 // nanoseconds
	AttemptLatencyCount uint64

	ErrorsTotal uint64

	StartTime time.Time
}

// Monitor aggregates gateway metrics.
type Monitor struct {
	metrics *Metrics
}

// NewMonitor creates a monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		metrics: &Metrics{StartTime: time.Now()},
	}
}

func (m *Monitor) IncRequestTotal()   { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess() { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()  { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncFailover()       { atomic.AddUint64(&m.metrics.FailoversTotal, 1) }
func (m *Monitor) IncStream()         { atomic.AddUint64(&m.metrics.StreamsTotal, 1) }
func (m *Monitor) IncError()          { atomic.AddUint64(&m.metrics.ErrorsTotal, 1) }

func (m *Monitor) AddActiveRequests(delta int64) int64 {
	return atomic.AddInt64(&m.metrics.ActiveRequests, delta)
}

// ActiveRequests returns the number of requests currently in the pipeline.
func (m *Monitor) ActiveRequests() int64 {
	return atomic.LoadInt64(&m.metrics.ActiveRequests)
}

// RecordAttempt folds one dispatch attempt into the counters.
func (m *Monitor) RecordAttempt(evt AttemptEvent) {
	atomic.AddUint64(&m.metrics.AttemptsTotal, 1)
	if evt.Success {
		atomic.AddUint64(&m.metrics.AttemptsSuccess, 1)
	} else {
		atomic.AddUint64(&m.metrics.AttemptsFailed, 1)
	}
	atomic.AddUint64(&m.metrics.AttemptLatencySum, uint64(evt.Latency.Nanoseconds()))
	atomic.AddUint64(&m.metrics.AttemptLatencyCount, 1)
	atomic.AddUint64(&m.metrics.InputTokens, uint64(evt.InputTok))
	atomic.AddUint64(&m.metrics.OutputTokens, uint64(evt.OutputTok))
}

// Stats returns the current counters for the status surface.
func (m *Monitor) Stats() map[string]any {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.AttemptLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.AttemptLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]any{
		"uptime_seconds":     uptime.Seconds(),
		"requests_total":     atomic.LoadUint64(&m.metrics.RequestsTotal),
		"requests_success":   atomic.LoadUint64(&m.metrics.RequestsSuccess),
		"requests_failed":    atomic.LoadUint64(&m.metrics.RequestsFailed),
		"attempts_total":     atomic.LoadUint64(&m.metrics.AttemptsTotal),
		"attempts_failed":    atomic.LoadUint64(&m.metrics.AttemptsFailed),
		"failovers_total":    atomic.LoadUint64(&m.metrics.FailoversTotal),
		"streams_total":      atomic.LoadUint64(&m.metrics.StreamsTotal),
		"input_tokens":       atomic.LoadUint64(&m.metrics.InputTokens),
		"output_tokens":      atomic.LoadUint64(&m.metrics.OutputTokens),
		"active_requests":    atomic.LoadInt64(&m.metrics.ActiveRequests),
		"errors_total":       atomic.LoadUint64(&m.metrics.ErrorsTotal),
		"avg_attempt_ms":     avgLatency,
		"memory_mb":          float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":         runtime.NumGoroutine(),
	}
}
