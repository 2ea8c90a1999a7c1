package embedding_engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// Reaper returns jobs abandoned in processing to pending, or to failed once
// their attempt budget is spent.
type Reaper struct {
	store      core.JobStore
	interval   time.Duration
	staleAfter time.Duration
	log        *slog.Logger
	metrics    *telemetry.MetricsCollector
	now        Clock
	cache      core.StatusCache
}

func NewReaper(store core.JobStore, interval, staleAfter time.Duration, log *slog.Logger, metrics *telemetry.MetricsCollector) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	return &Reaper{
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With("component", "reaper"),
		metrics:    metrics,
		now:        systemClock,
	}
}

// WithClock replaces the reaper's clock.
func (r *Reaper) WithClock(c Clock) *Reaper {
	if c != nil {
		r.now = c
	}
	return r
}

// WithStatusCache makes every sweep that reclaims jobs drop cached status counts.
func (r *Reaper) WithStatusCache(c core.StatusCache) *Reaper {
	r.cache = c
	return r
}

// Run sweeps once at startup and then on every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", "interval", r.interval.String(), "stale_after", r.staleAfter.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.metrics.IncrementCounter(telemetry.MetricReaperSweepFailure, 1)
			r.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep recovers every job claimed more than staleAfter ago.
func (r *Reaper) Sweep(ctx context.Context) ([]models.Job, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	reason := fmt.Sprintf("worker did not finish within %s; job reclaimed", r.staleAfter)

	reaped, err := r.store.ReapStaleJobs(ctx, cutoff, now, reason)
	if err != nil {
		return nil, fmt.Errorf("reap stale jobs: %w", err)
	}
	for _, j := range reaped {
		r.log.Warn("stale job reclaimed", "job_id", j.ID, "document_id", j.DocumentID,
			"attempts", j.Attempts, "status", j.Status)
	}
	r.metrics.IncrementCounter(telemetry.MetricJobsReaped, int64(len(reaped)))
	if len(reaped) > 0 && r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			r.log.Warn("status cache invalidate failed", "error", err)
		}
	}
	return reaped, nil
}
