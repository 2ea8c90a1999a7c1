package embedding_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// Pool polls the job store and runs at most ConcurrencyLimit jobs at a time.
// Several pools, in one process or many, may share a store; the store's
// atomic claim decides who runs what.
type Pool struct {
	store   core.JobStore
	proc    *Processor
	cfg     PoolConfig
	log     *slog.Logger
	metrics *telemetry.MetricsCollector
	now     Clock
	cache   core.StatusCache

	sem  chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup
}

type PoolOption func(*Pool)

// WithPoolClock replaces the clock used for claims and scheduling.
func WithPoolClock(c Clock) PoolOption {
	return func(p *Pool) {
		if c != nil {
			p.now = c
			p.proc.now = c
		}
	}
}

// WithPoolStatusCache drops cached status counts whenever a job changes state.
func WithPoolStatusCache(c core.StatusCache) PoolOption {
	return func(p *Pool) { p.cache = c }
}

func NewPool(store core.JobStore, proc *Processor, cfg PoolConfig, log *slog.Logger, metrics *telemetry.MetricsCollector, opts ...PoolOption) *Pool {
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if metrics == nil {
		metrics = proc.metrics
	}
	p := &Pool{
		store:   store,
		proc:    proc,
		cfg:     cfg,
		log:     log.With("component", "worker_pool"),
		metrics: metrics,
		now:     systemClock,
		sem:     make(chan struct{}, cfg.ConcurrencyLimit),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wake asks Run to poll now instead of waiting for the next tick.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. In-flight jobs keep running; call Wait to drain them.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("worker pool started",
		"concurrency", p.cfg.ConcurrencyLimit, "poll_interval", p.cfg.PollInterval.String())

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			p.log.Info("worker pool stopping; draining in-flight jobs")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Wait blocks until every started job has written its final status.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// PollOnce claims up to the number of free slots and starts a goroutine per
// claimed job. It returns how many jobs were started.
func (p *Pool) PollOnce(ctx context.Context) (int, error) {
	free := cap(p.sem) - len(p.sem)
	if free <= 0 {
		return 0, nil
	}

	jobs, err := p.store.ListClaimableJobs(ctx, free, p.now())
	if err != nil {
		return 0, fmt.Errorf("list claimable jobs: %w", err)
	}

	started := 0
	for _, j := range jobs {
		select {
		case p.sem <- struct{}{}:
		default:
			return started, nil
		}

		claim, ok, err := p.store.ClaimJob(ctx, j.ID, p.now())
		if err != nil || !ok {
			<-p.sem
			if err != nil {
				p.log.Warn("claim failed", "job_id", j.ID, "document_id", j.DocumentID, "error", err)
				continue
			}
			// Another worker got it first.
			p.metrics.IncrementCounter(telemetry.MetricClaimConflicts, 1)
			continue
		}

		p.metrics.IncrementCounter(telemetry.MetricJobsClaimed, 1)
		p.metrics.AddGauge(telemetry.MetricActiveWorkers, 1)
		p.log.Info("job claimed", "job_id", claim.ID, "document_id", claim.DocumentID,
			"attempts", claim.Attempts, "status", claim.Status)

		p.wg.Add(1)
		started++
		go p.runJob(ctx, claim)
	}
	return started, nil
}

func (p *Pool) runJob(ctx context.Context, claim *models.Job) {
	defer p.wg.Done()
	defer func() {
		<-p.sem
		p.metrics.AddGauge(telemetry.MetricActiveWorkers, -1)
		p.Wake()
	}()

	begin := time.Now()
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.JobTimeout)
	out, err := p.process(jobCtx, claim)
	cancel()
	p.metrics.RecordTimer(telemetry.MetricJobLatency, time.Since(begin))

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), config.FinalizeTimeout)
	defer fcancel()
	p.finalize(fctx, claim, out, err)
	p.invalidateStatus(fctx)
}

// process runs the job; a panic comes back as a transient failure.
func (p *Pool) process(ctx context.Context, claim *models.Job) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.IncrementCounter(telemetry.MetricJobPanics, 1)
			p.log.Error("job panicked", "job_id", claim.ID, "document_id", claim.DocumentID, "panic", r)
			out, err = nil, core.Transient("process job", fmt.Errorf("panic: %v", r))
		}
	}()
	return p.proc.Process(ctx, claim)
}

func (p *Pool) invalidateStatus(ctx context.Context) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx); err != nil {
		p.log.Warn("status cache invalidate failed", "error", err)
	}
}

// finalize records the run's outcome. A lost claim means the reaper or an
// operator took the job back; the stale result is dropped.
func (p *Pool) finalize(ctx context.Context, claim *models.Job, out *Outcome, runErr error) {
	log := p.log.With("job_id", claim.ID, "document_id", claim.DocumentID)
	now := p.now()

	if runErr == nil {
		var err error
		if out.Skipped {
			err = p.store.SkipJob(ctx, claim, now)
		} else {
			err = p.store.CompleteJob(ctx, claim, out.Result, now)
		}
		switch {
		case err == nil && out.Skipped:
			p.metrics.IncrementCounter(telemetry.MetricJobsSkipped, 1)
			log.Info("job skipped: narration below embedding floor", "attempts", claim.Attempts, "status", models.EmbeddingSkipped)
			return
		case err == nil:
			p.metrics.IncrementCounter(telemetry.MetricJobsCompleted, 1)
			log.Info("job completed", "attempts", claim.Attempts, "status", models.JobCompleted,
				"chunks", len(out.Result.Chunks), "themes", len(out.Result.Themes))
			return
		case errors.Is(err, core.ErrClaimLost):
			p.claimLost(log)
			return
		}
		runErr = core.Persistence("commit results", err)
	}

	p.recordFailure(ctx, log, claim, runErr, now)
}

func (p *Pool) recordFailure(ctx context.Context, log *slog.Logger, claim *models.Job, runErr error, now time.Time) {
	attempts := claim.Attempts + 1
	msg := runErr.Error()

	if core.IsRetryable(runErr) && attempts < claim.MaxAttempts {
		next := now.Add(p.cfg.Backoff.Delay(attempts))
		err := p.store.RetryJob(ctx, claim, attempts, msg, next, now)
		if errors.Is(err, core.ErrClaimLost) {
			p.claimLost(log)
			return
		}
		if err != nil {
			log.Error("could not schedule retry", "attempts", attempts, "error", err)
			return
		}
		p.metrics.IncrementCounter(telemetry.MetricJobsRetried, 1)
		log.Warn("job failed; retry scheduled", "attempts", attempts, "status", models.JobPending,
			"kind", core.KindOf(runErr), "next_run", next, "error", msg)
		return
	}

	err := p.store.FailJob(ctx, claim, attempts, msg, now)
	if errors.Is(err, core.ErrClaimLost) {
		p.claimLost(log)
		return
	}
	if err != nil {
		log.Error("could not mark job failed", "attempts", attempts, "error", err)
		return
	}
	p.metrics.IncrementCounter(telemetry.MetricJobsFailed, 1)
	log.Error("job failed permanently", "attempts", attempts, "status", models.JobFailed,
		"kind", core.KindOf(runErr), "error", msg)
}

func (p *Pool) claimLost(log *slog.Logger) {
	p.metrics.IncrementCounter(telemetry.MetricClaimsLost, 1)
	log.Warn("claim lost before finalizing; result discarded")
}
