package models

import (
	"time"
)

// EmbeddingStatus is the user-visible lifecycle of a document's embeddings.
type EmbeddingStatus string

const (
	EmbeddingPending    EmbeddingStatus = "pending"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
	EmbeddingFailed     EmbeddingStatus = "failed"
	EmbeddingSkipped    EmbeddingStatus = "skipped"
)

// Terminal reports whether no further pipeline work will happen without an operator action.
func (s EmbeddingStatus) Terminal() bool {
	return s == EmbeddingCompleted || s == EmbeddingFailed || s == EmbeddingSkipped
}

// JobStatus is the state of a work item in the job table.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Document is a captured dream narration.
type Document struct {
	ID                   string          `db:"id" json:"id"`
	UserID               string          `db:"user_id" json:"user_id"`
	RawText              *string         `db:"raw_text" json:"raw_text,omitempty"`
	EmbeddingStatus      EmbeddingStatus `db:"embedding_status" json:"embedding_status"`
	EmbeddingError       *string         `db:"embedding_error" json:"embedding_error,omitempty"`
	EmbeddingAttempts    int             `db:"embedding_attempts" json:"embedding_attempts"`
	EmbeddingStartedAt   *time.Time      `db:"embedding_started_at" json:"embedding_started_at,omitempty"`
	EmbeddingProcessedAt *time.Time      `db:"embedding_processed_at" json:"embedding_processed_at,omitempty"`
	CreatedAt            time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at" json:"updated_at"`
}

// Job is one unit of "embed this document" work. At most one exists per document.
type Job struct {
	ID           string     `db:"id" json:"id"`
	DocumentID   string     `db:"document_id" json:"document_id"`
	Status       JobStatus  `db:"status" json:"status"`
	Priority     int        `db:"priority" json:"priority"`
	Attempts     int        `db:"attempts" json:"attempts"`
	MaxAttempts  int        `db:"max_attempts" json:"max_attempts"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ScheduledAt  time.Time  `db:"scheduled_at" json:"scheduled_at"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ChunkEmbedding is the vector of one chunk, keyed by (document, chunk index, model version).
type ChunkEmbedding struct {
	ID               string         `db:"id" json:"id"`
	DocumentID       string         `db:"document_id" json:"document_id"`
	ChunkIndex       int            `db:"chunk_index" json:"chunk_index"`
	ChunkText        string         `db:"chunk_text" json:"chunk_text"`
	TokenCount       int            `db:"token_count" json:"token_count"`
	Embedding        []float32      `db:"embedding" json:"-"` // pgvector column
	EmbeddingVersion string         `db:"embedding_version" json:"embedding_version"`
	ProcessingTimeMs int64          `db:"processing_time_ms" json:"processing_time_ms"`
	Metadata         map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// Theme is a catalog tag. Embedding stays nil until backfilled.
type Theme struct {
	Code        string    `db:"code" json:"code" yaml:"code"`
	Label       string    `db:"label" json:"label" yaml:"label"`
	Description string    `db:"description" json:"description" yaml:"description"`
	Embedding   []float32 `db:"embedding" json:"-" yaml:"-"`
}

// ThemeMatch is one row of a catalog similarity search.
type ThemeMatch struct {
	Code       string  `json:"code"`
	Label      string  `json:"label"`
	Similarity float64 `json:"similarity"`
}

// DocumentTheme associates a document with a ranked theme.
type DocumentTheme struct {
	DocumentID  string    `db:"document_id" json:"document_id"`
	ThemeCode   string    `db:"theme_code" json:"theme_code"`
	Label       string    `db:"-" json:"label,omitempty"`
	Rank        int       `db:"rank" json:"rank"`
	Similarity  float64   `db:"similarity" json:"similarity"`
	Explanation *string   `db:"explanation" json:"explanation,omitempty"`
	ChunkIndex  int       `db:"chunk_index" json:"chunk_index"`
	ExtractedAt time.Time `db:"extracted_at" json:"extracted_at"`
}

// EmbeddingResult is everything a successful run writes for one document.
type EmbeddingResult struct {
	DocumentID  string
	Version     string
	Chunks      []ChunkEmbedding
	Themes      []DocumentTheme
	ExtractedAt time.Time
}

// StatusCounts backs dashboards and alerting.
type StatusCounts struct {
	Documents map[EmbeddingStatus]int `json:"documents"`
	Jobs      map[JobStatus]int       `json:"jobs"`
}

// NewStatusCounts returns counts with every known status present at zero.
func NewStatusCounts() *StatusCounts {
	c := &StatusCounts{
		Documents: map[EmbeddingStatus]int{},
		Jobs:      map[JobStatus]int{},
	}
	for _, s := range []EmbeddingStatus{EmbeddingPending, EmbeddingProcessing, EmbeddingCompleted, EmbeddingFailed, EmbeddingSkipped} {
		c.Documents[s] = 0
	}
	for _, s := range []JobStatus{JobPending, JobProcessing, JobCompleted, JobFailed} {
		c.Jobs[s] = 0
	}
	return c
}
