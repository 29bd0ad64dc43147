package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Metric kinds in the exposition output.
const (
	kindCounter = "counter"
	kindGauge   = "gauge"
)

// metricDesc declares one exposition line: its identity and how to read its
// value out of a sampled view. present (when set) suppresses lines that have
// no meaningful value yet.
type metricDesc struct {
	name    string
	help    string
	kind    string
	read    func(v *metricsView) float64
	present func(v *metricsView) bool
}

// metricsView is one consistent sample the descriptor table reads from, so
// the counters and runtime stats on a single scrape belong together.
type metricsView struct {
	requestsTotal   uint64
	requestsSuccess uint64
	requestsFailed  uint64
	attemptsTotal   uint64
	attemptsFailed  uint64
	failoversTotal  uint64
	streamsTotal    uint64
	inputTokens     uint64
	outputTokens    uint64
	errorsTotal     uint64
	activeRequests  int64
	latencySumNs    uint64
	latencyCount    uint64
	uptimeSeconds   float64
	mem             runtime.MemStats
	goroutines      int
}

func (m *Monitor) sampleView() *metricsView {
	v := &metricsView{
		requestsTotal:   atomic.LoadUint64(&m.metrics.RequestsTotal),
		requestsSuccess: atomic.LoadUint64(&m.metrics.RequestsSuccess),
		requestsFailed:  atomic.LoadUint64(&m.metrics.RequestsFailed),
		attemptsTotal:   atomic.LoadUint64(&m.metrics.AttemptsTotal),
		attemptsFailed:  atomic.LoadUint64(&m.metrics.AttemptsFailed),
		failoversTotal:  atomic.LoadUint64(&m.metrics.FailoversTotal),
		streamsTotal:    atomic.LoadUint64(&m.metrics.StreamsTotal),
		inputTokens:     atomic.LoadUint64(&m.metrics.InputTokens),
		outputTokens:    atomic.LoadUint64(&m.metrics.OutputTokens),
		errorsTotal:     atomic.LoadUint64(&m.metrics.ErrorsTotal),
		activeRequests:  atomic.LoadInt64(&m.metrics.ActiveRequests),
		latencySumNs:    atomic.LoadUint64(&m.metrics.AttemptLatencySum),
		latencyCount:    atomic.LoadUint64(&m.metrics.AttemptLatencyCount),
		uptimeSeconds:   time.Since(m.metrics.StartTime).Seconds(),
		goroutines:      runtime.NumGoroutine(),
	}
	runtime.ReadMemStats(&v.mem)
	return v
}

func (v *metricsView) avgLatencyMs() float64 {
	if v.latencyCount == 0 {
		return 0
	}
	return float64(v.latencySumNs) / float64(v.latencyCount) / 1e6
}

// exposition is the full descriptor table; the handler is just a loop over
// it, so adding a metric means adding a row here.
var exposition = []metricDesc{
	{"clawroute_requests_total", "Total client requests processed", kindCounter,
		func(v *metricsView) float64 { return float64(v.requestsTotal) }, nil},
	{"clawroute_requests_success_total", "Total successful client requests", kindCounter,
		func(v *metricsView) float64 { return float64(v.requestsSuccess) }, nil},
	{"clawroute_requests_failed_total", "Total failed client requests", kindCounter,
		func(v *metricsView) float64 { return float64(v.requestsFailed) }, nil},

	{"clawroute_attempts_total", "Total upstream dispatch attempts", kindCounter,
		func(v *metricsView) float64 { return float64(v.attemptsTotal) }, nil},
	{"clawroute_attempts_failed_total", "Total failed dispatch attempts", kindCounter,
		func(v *metricsView) float64 { return float64(v.attemptsFailed) }, nil},
	{"clawroute_failovers_total", "Total cross-provider failovers", kindCounter,
		func(v *metricsView) float64 { return float64(v.failoversTotal) }, nil},
	{"clawroute_streams_total", "Total streaming responses", kindCounter,
		func(v *metricsView) float64 { return float64(v.streamsTotal) }, nil},

	{"clawroute_input_tokens_total", "Total prompt tokens consumed", kindCounter,
		func(v *metricsView) float64 { return float64(v.inputTokens) }, nil},
	{"clawroute_output_tokens_total", "Total completion tokens produced", kindCounter,
		func(v *metricsView) float64 { return float64(v.outputTokens) }, nil},

	{"clawroute_errors_total", "Total errors encountered", kindCounter,
		func(v *metricsView) float64 { return float64(v.errorsTotal) }, nil},

	{"clawroute_active_requests", "Requests currently in the pipeline", kindGauge,
		func(v *metricsView) float64 { return float64(v.activeRequests) }, nil},
	{"clawroute_attempt_latency_avg_ms", "Average dispatch latency in milliseconds", kindGauge,
		(*metricsView).avgLatencyMs,
		func(v *metricsView) bool { return v.latencyCount > 0 }},

	{"clawroute_uptime_seconds", "Process uptime in seconds", kindGauge,
		func(v *metricsView) float64 { return v.uptimeSeconds }, nil},
	{"clawroute_memory_alloc_bytes", "Current heap allocation in bytes", kindGauge,
		func(v *metricsView) float64 { return float64(v.mem.Alloc) }, nil},
	{"clawroute_goroutines", "Number of goroutines", kindGauge,
		func(v *metricsView) float64 { return float64(v.goroutines) }, nil},
	{"clawroute_gc_cycles_total", "Completed GC cycles", kindCounter,
		func(v *metricsView) float64 { return float64(v.mem.NumGC) }, nil},
}

// PrometheusHandler serves the counters in Prometheus text exposition
// format without a client library dependency. Mounted at /metrics.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		v := m.sampleView()
		for _, d := range exposition {
			if d.present != nil && !d.present(v) {
				continue
			}
			fmt.Fprintf(w, "# HELP %s %s\n", d.name, d.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", d.name, d.kind)
			fmt.Fprintf(w, "%s %s\n\n", d.name, strconv.FormatFloat(d.read(v), 'g', -1, 64))
		}
	})
}
