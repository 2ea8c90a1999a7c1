// Package telemetry collects in-process pipeline metrics for the ops endpoints.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Pipeline metric names.
const (
	MetricJobsClaimed        = "pipeline.jobs.claimed"
	MetricJobsCompleted      = "pipeline.jobs.completed"
	MetricJobsSkipped        = "pipeline.jobs.skipped"
	MetricJobsRetried        = "pipeline.jobs.retried"
	MetricJobsFailed         = "pipeline.jobs.failed"
	MetricJobsReaped         = "pipeline.jobs.reaped"
	MetricClaimConflicts     = "pipeline.jobs.claim_conflicts"
	MetricClaimsLost         = "pipeline.jobs.claims_lost"
	MetricJobPanics          = "pipeline.jobs.panics"
	MetricChunksEmbedded     = "pipeline.chunks.embedded"
	MetricThemesAssociated   = "pipeline.themes.associated"
	MetricEmbedLatency       = "pipeline.embed.latency"
	MetricJobLatency         = "pipeline.job.latency"
	MetricActiveWorkers      = "pipeline.workers.active"
	MetricStatusCacheHits    = "status.cache.hits"
	MetricStatusCacheMisses  = "status.cache.misses"
	MetricWakeupsReceived    = "pipeline.wakeups.received"
	MetricThemesBackfilled   = "catalog.themes.backfilled"
	MetricReaperSweepFailure = "pipeline.reaper.sweep_failures"
)

// maxSamples bounds memory per timer; older samples are dropped first.
const maxSamples = 100

// MetricsCollector is safe for concurrent use.
type MetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string][]time.Duration
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string][]time.Duration),
	}
}

func (m *MetricsCollector) IncrementCounter(name string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += amount
}

func (m *MetricsCollector) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// AddGauge adjusts a gauge by delta, e.g. active worker slots.
func (m *MetricsCollector) AddGauge(name string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] += delta
}

func (m *MetricsCollector) RecordTimer(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	samples := append(m.timers[name], d)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m.timers[name] = samples
}

func (m *MetricsCollector) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

func (m *MetricsCollector) GetGauge(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[name]
}

func (m *MetricsCollector) GetTimerAverage(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return average(m.timers[name])
}

func (m *MetricsCollector) GetTimerP95(name string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return p95(m.timers[name])
}

// TimerSummary is the JSON view of one timer.
type TimerSummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	Counters map[string]int64        `json:"counters"`
	Gauges   map[string]float64      `json:"gauges"`
	Timers   map[string]TimerSummary `json:"timers"`
	TakenAt  time.Time               `json:"taken_at"`
}

func (m *MetricsCollector) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Counters: make(map[string]int64, len(m.counters)),
		Gauges:   make(map[string]float64, len(m.gauges)),
		Timers:   make(map[string]TimerSummary, len(m.timers)),
		TakenAt:  time.Now().UTC(),
	}
	for k, v := range m.counters {
		s.Counters[k] = v
	}
	for k, v := range m.gauges {
		s.Gauges[k] = v
	}
	for k, v := range m.timers {
		s.Timers[k] = TimerSummary{
			Count: len(v),
			AvgMs: float64(average(v)) / float64(time.Millisecond),
			P95Ms: float64(p95(v)) / float64(time.Millisecond),
		}
	}
	return s
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

func p95(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
