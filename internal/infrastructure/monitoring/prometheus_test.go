package monitoring

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Monitor) map[string]float64 {
	t.Helper()
	rec := httptest.NewRecorder()
	m.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}

	values := map[string]float64{}
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, raw, ok := strings.Cut(line, " ")
		if !ok {
			t.Fatalf("malformed line %q", line)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			t.Fatalf("value %q on %s: %v", raw, name, err)
		}
		values[name] = v
	}
	return values
}

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := NewMonitor()
	m.IncRequestTotal()
	m.IncRequestTotal()
	m.IncRequestSuccess()
	m.IncFailover()
	m.AddActiveRequests(1)
	m.RecordAttempt(AttemptEvent{Success: true, Latency: 20 * time.Millisecond, InputTok: 5, OutputTok: 7})

	values := scrape(t, m)

	if values["clawroute_requests_total"] != 2 {
		t.Errorf("requests_total = %v", values["clawroute_requests_total"])
	}
	if values["clawroute_requests_success_total"] != 1 {
		t.Errorf("requests_success_total = %v", values["clawroute_requests_success_total"])
	}
	if values["clawroute_failovers_total"] != 1 {
		t.Errorf("failovers_total = %v", values["clawroute_failovers_total"])
	}
	if values["clawroute_active_requests"] != 1 {
		t.Errorf("active_requests = %v", values["clawroute_active_requests"])
	}
	if values["clawroute_attempts_total"] != 1 {
		t.Errorf("attempts_total = %v", values["clawroute_attempts_total"])
	}
	if values["clawroute_input_tokens_total"] != 5 || values["clawroute_output_tokens_total"] != 7 {
		t.Errorf("tokens = %v / %v", values["clawroute_input_tokens_total"], values["clawroute_output_tokens_total"])
	}
	if avg := values["clawroute_attempt_latency_avg_ms"]; avg < 19 || avg > 21 {
		t.Errorf("latency avg = %v, want ~20", avg)
	}
	if _, ok := values["clawroute_goroutines"]; !ok {
		t.Error("runtime gauges missing")
	}
}

func TestPrometheusHandler_LatencyHiddenWithoutSamples(t *testing.T) {
	values := scrape(t, NewMonitor())
	if _, ok := values["clawroute_attempt_latency_avg_ms"]; ok {
		t.Error("latency average exposed with zero samples")
	}
	if _, ok := values["clawroute_requests_total"]; !ok {
		t.Error("counters missing on a fresh monitor")
	}
}
