package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// PipelineService is the operator-facing side of the embedding pipeline:
// capturing narrations, (re)queueing work and reading status.
type PipelineService struct {
	db       core.DbClient
	notifier core.WakeNotifier
	cache    core.StatusCache
	metrics  *telemetry.MetricsCollector
	log      *slog.Logger
	now      func() time.Time
}

type PipelineOption func(*PipelineService)

// WithNotifier publishes a wake hint after every enqueue.
func WithNotifier(n core.WakeNotifier) PipelineOption {
	return func(s *PipelineService) { s.notifier = n }
}

// WithStatusCache fronts StatusCounts with a short-lived cache.
func WithStatusCache(c core.StatusCache) PipelineOption {
	return func(s *PipelineService) { s.cache = c }
}

func WithServiceClock(now func() time.Time) PipelineOption {
	return func(s *PipelineService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewPipelineService(db core.DbClient, log *slog.Logger, metrics *telemetry.MetricsCollector, opts ...PipelineOption) *PipelineService {
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	s := &PipelineService{
		db:      db,
		metrics: metrics,
		log:     log.With("component", "pipeline_service"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DocumentView is a document together with its job and ranked themes.
type DocumentView struct {
	Document *models.Document      `json:"document"`
	Job      *models.Job           `json:"job,omitempty"`
	Themes   []models.DocumentTheme `json:"themes"`
}

// Capture stores a new narration and queues it for embedding.
func (s *PipelineService) Capture(ctx context.Context, userID, text string, priority int) (*models.Document, *models.Job, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil, fmt.Errorf("user id %q: %w", userID, core.ErrInvalidState)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil, fmt.Errorf("empty narration: %w", core.ErrInvalidState)
	}

	raw := text
	doc := &models.Document{
		ID:              uuid.NewString(),
		UserID:          userID,
		RawText:         &raw,
		EmbeddingStatus: models.EmbeddingPending,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		return nil, nil, fmt.Errorf("create document: %w", err)
	}

	job, err := s.db.EnqueueJob(ctx, doc.ID, priority, false)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue document %s: %w", doc.ID, err)
	}
	s.afterEnqueue(ctx, job)
	return doc, job, nil
}

// Enqueue queues a document. Without force it refuses documents whose job is
// still pending or processing; with force the job restarts from scratch.
func (s *PipelineService) Enqueue(ctx context.Context, documentID string, priority int, force bool) (*models.Job, error) {
	if !force {
		existing, err := s.db.GetJobByDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("load job for document %s: %w", documentID, err)
		}
		if existing != nil {
			if existing.Status == models.JobPending || existing.Status == models.JobProcessing {
				return existing, fmt.Errorf("document %s: %w", documentID, core.ErrAlreadyQueued)
			}
			// Finished jobs are re-run on request.
			force = true
		}
	}

	job, err := s.db.EnqueueJob(ctx, documentID, priority, force)
	if err != nil {
		return nil, fmt.Errorf("enqueue document %s: %w", documentID, err)
	}
	s.afterEnqueue(ctx, job)
	return job, nil
}

// Reset moves a failed document back to pending with the given attempt count.
func (s *PipelineService) Reset(ctx context.Context, documentID string, attempts int) (*models.Job, error) {
	job, err := s.db.ResetDocument(ctx, documentID, attempts, s.now())
	if err != nil {
		return nil, fmt.Errorf("reset document %s: %w", documentID, err)
	}
	s.log.Info("document reset", "job_id", job.ID, "document_id", documentID,
		"attempts", job.Attempts, "status", job.Status)
	s.afterEnqueue(ctx, job)
	return job, nil
}

// Status returns per-status counts, from the cache when it is warm.
func (s *PipelineService) Status(ctx context.Context) (*models.StatusCounts, error) {
	if s.cache != nil {
		counts, ok, err := s.cache.GetCounts(ctx)
		switch {
		case err != nil:
			s.log.Warn("status cache read failed", "error", err)
		case ok:
			s.metrics.IncrementCounter(telemetry.MetricStatusCacheHits, 1)
			return counts, nil
		}
		s.metrics.IncrementCounter(telemetry.MetricStatusCacheMisses, 1)
	}

	counts, err := s.db.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.SetCounts(ctx, counts); err != nil {
			s.log.Warn("status cache write failed", "error", err)
		}
	}
	return counts, nil
}

// Document returns nil, nil when the document does not exist.
func (s *PipelineService) Document(ctx context.Context, id string) (*DocumentView, error) {
	doc, err := s.db.GetDocumentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	if doc == nil {
		return nil, nil
	}
	job, err := s.db.GetJobByDocument(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load job for document %s: %w", id, err)
	}
	themes, err := s.db.GetDocumentThemes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load themes for document %s: %w", id, err)
	}
	if themes == nil {
		themes = []models.DocumentTheme{}
	}
	return &DocumentView{Document: doc, Job: job, Themes: themes}, nil
}

// afterEnqueue is best effort: the job row is already durable and pollers will
// find it even if the wake hint or cache invalidation fails.
func (s *PipelineService) afterEnqueue(ctx context.Context, job *models.Job) {
	s.log.Info("job enqueued", "job_id", job.ID, "document_id", job.DocumentID,
		"attempts", job.Attempts, "status", job.Status, "priority", job.Priority)

	if s.notifier != nil {
		if err := s.notifier.NotifyEnqueued(ctx, job.DocumentID); err != nil {
			s.log.Warn("wake notify failed", "document_id", job.DocumentID, "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn("status cache invalidate failed", "error", err)
		}
	}
}

// IsNotFound reports whether err means the document or job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
