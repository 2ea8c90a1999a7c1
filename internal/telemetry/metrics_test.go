package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCollector_Counters(t *testing.T) {
	m := NewMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter(MetricJobsClaimed, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), m.GetCounter(MetricJobsClaimed))
	assert.Equal(t, int64(0), m.GetCounter(MetricJobsFailed))
}

func TestMetricsCollector_Gauges(t *testing.T) {
	m := NewMetricsCollector()
	m.AddGauge(MetricActiveWorkers, 1)
	m.AddGauge(MetricActiveWorkers, 1)
	m.AddGauge(MetricActiveWorkers, -1)
	assert.Equal(t, 1.0, m.GetGauge(MetricActiveWorkers))

	m.SetGauge(MetricActiveWorkers, 0)
	assert.Equal(t, 0.0, m.GetGauge(MetricActiveWorkers))
}

func TestMetricsCollector_Timers(t *testing.T) {
	m := NewMetricsCollector()
	for i := 1; i <= 100; i++ {
		m.RecordTimer(MetricEmbedLatency, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50500*time.Microsecond, m.GetTimerAverage(MetricEmbedLatency))
	assert.Equal(t, 96*time.Millisecond, m.GetTimerP95(MetricEmbedLatency))

	// Oldest samples roll off.
	m.RecordTimer(MetricEmbedLatency, 1000*time.Millisecond)
	snap := m.Snapshot()
	assert.Equal(t, 100, snap.Timers[MetricEmbedLatency].Count)
	assert.Equal(t, time.Duration(0), m.GetTimerP95("missing"))
}
