package core

import (
	"context"
	"time"

	"github.com/markdave123-py/Somnia/internal/models"
)

// DocumentStore reads and captures narrations.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
}

// JobStore is the durable work queue. Every transition after ClaimJob is
// conditional on the caller still owning the claim (status processing and the
// same started_at); otherwise it returns ErrClaimLost and writes nothing.
type JobStore interface {
	// EnqueueJob creates the job for a document. Without force it is a no-op
	// for a document that already has a job; with force the job and document are
	// reset to pending with a fresh attempt budget.
	EnqueueJob(ctx context.Context, documentID string, priority int, force bool) (*models.Job, error)
	ListClaimableJobs(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	// ClaimJob atomically moves a pending job to processing. ok is false when
	// another worker got there first.
	ClaimJob(ctx context.Context, jobID string, now time.Time) (job *models.Job, ok bool, err error)
	CompleteJob(ctx context.Context, claim *models.Job, res *models.EmbeddingResult, now time.Time) error
	SkipJob(ctx context.Context, claim *models.Job, now time.Time) error
	RetryJob(ctx context.Context, claim *models.Job, attempts int, errMsg string, nextRun, now time.Time) error
	FailJob(ctx context.Context, claim *models.Job, attempts int, errMsg string, now time.Time) error
	// ReapStaleJobs recovers processing jobs claimed before cutoff.
	ReapStaleJobs(ctx context.Context, cutoff, now time.Time, reason string) ([]models.Job, error)
	// ResetDocument moves a failed document and its job back to pending.
	ResetDocument(ctx context.Context, documentID string, attempts int, now time.Time) (*models.Job, error)
	GetJobByDocument(ctx context.Context, documentID string) (*models.Job, error)
	StatusCounts(ctx context.Context) (*models.StatusCounts, error)
}

// ResultStore reads what successful runs persisted.
type ResultStore interface {
	GetChunkEmbeddings(ctx context.Context, documentID, version string) ([]models.ChunkEmbedding, error)
	GetDocumentThemes(ctx context.Context, documentID string) ([]models.DocumentTheme, error)
}

// ThemeCatalog is the read-only similarity search used by the pipeline.
// Results are ordered by descending similarity.
type ThemeCatalog interface {
	SearchSimilar(ctx context.Context, vec []float32, minSimilarity float64, maxResults int) ([]models.ThemeMatch, error)
}

// ThemeStore maintains the catalog outside the pipeline.
type ThemeStore interface {
	ThemeCatalog
	UpsertThemes(ctx context.Context, themes []models.Theme) error
	ListThemesMissingEmbedding(ctx context.Context) ([]models.Theme, error)
	SetThemeEmbedding(ctx context.Context, code string, vec []float32) error
}

// DbClient defines all persistence operations the service needs.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	DocumentStore
	JobStore
	ResultStore
	ThemeStore
	Close() error
}

// ObjectClient fetches objects from S3 or any object storage.
type ObjectClient interface {
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}

// WakeNotifier tells pollers that new work was enqueued.
type WakeNotifier interface {
	NotifyEnqueued(ctx context.Context, documentID string) error
}

// StatusCache fronts StatusCounts for dashboards that poll frequently.
type StatusCache interface {
	GetCounts(ctx context.Context) (*models.StatusCounts, bool, error)
	SetCounts(ctx context.Context, counts *models.StatusCounts) error
	Invalidate(ctx context.Context) error
}
