package server

import (
	"sort"
	"sync"
	"time"
)

// maxLatencySamples bounds the per-operation latency window.
const maxLatencySamples = 1000

// RequestMetrics collects per-operation counts and latency samples for
// the /metrics endpoint. Samples are a sliding window; percentiles are
// computed on demand.
type RequestMetrics struct {
	mu        sync.RWMutex
	counts    map[string]int64
	errors    map[string]int64
	latency   map[string][]time.Duration
	startTime time.Time
}

// NewRequestMetrics creates an empty collector.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{
		counts:    make(map[string]int64),
		errors:    make(map[string]int64),
		latency:   make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// Record adds one observation for op.
func (m *RequestMetrics) Record(op string, elapsed time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[op]++
	if failed {
		m.errors[op]++
	}
	samples := append(m.latency[op], elapsed)
	if len(samples) > maxLatencySamples {
		samples = samples[len(samples)-maxLatencySamples:]
	}
	m.latency[op] = samples
}

// OperationStats summarizes one operation.
type OperationStats struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors"`
	AvgMs  float64 `json:"avgMs"`
	P50Ms  float64 `json:"p50Ms"`
	P95Ms  float64 `json:"p95Ms"`
	P99Ms  float64 `json:"p99Ms"`
}

// MetricsSnapshot is the /metrics payload.
type MetricsSnapshot struct {
	UptimeSeconds float64                   `json:"uptimeSeconds"`
	Operations    map[string]OperationStats `json:"operations"`
}

// Snapshot computes the current view.
func (m *RequestMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make(map[string]OperationStats, len(m.counts))
	for op, count := range m.counts {
		stats := OperationStats{Count: count, Errors: m.errors[op]}
		if samples := m.latency[op]; len(samples) > 0 {
			sorted := make([]time.Duration, len(samples))
			copy(sorted, samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			stats.AvgMs = ms(total / time.Duration(len(sorted)))
			stats.P50Ms = ms(percentile(sorted, 0.50))
			stats.P95Ms = ms(percentile(sorted, 0.95))
			stats.P99Ms = ms(percentile(sorted, 0.99))
		}
		ops[op] = stats
	}
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Operations:    ops,
	}
}

// percentile picks from a sorted sample set.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
