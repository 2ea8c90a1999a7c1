// Package memory is an in-process implementation of core.DbClient.
// It backs local runs (STORE_DRIVER=memory) and the pipeline tests; every
// transition happens under one mutex, which gives it the same atomic claim
// semantics as the conditional UPDATEs in the Postgres client.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/core/vector"
	"github.com/markdave123-py/Somnia/internal/models"
)

var _ core.DbClient = (*Store)(nil)

// Store keeps documents, jobs, results and the theme catalog in maps.
type Store struct {
	mu          sync.RWMutex
	maxAttempts int
	now         func() time.Time

	docs      map[string]*models.Document
	jobs      map[string]*models.Job
	jobByDoc  map[string]string
	chunks    map[string][]models.ChunkEmbedding
	themes    map[string]models.Theme
	docThemes map[string][]models.DocumentTheme
}

// Option configures the store.
type Option func(*Store)

// WithClock replaces time.Now for operations that do not receive a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store. maxAttempts is stamped on every new job.
func New(maxAttempts int, opts ...Option) *Store {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s := &Store{
		maxAttempts: maxAttempts,
		now:         time.Now,
		docs:        make(map[string]*models.Document),
		jobs:        make(map[string]*models.Job),
		jobByDoc:    make(map[string]string),
		chunks:      make(map[string][]models.ChunkEmbedding),
		themes:      make(map[string]models.Theme),
		docThemes:   make(map[string][]models.DocumentTheme),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return nil }

// --- documents ---

func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	if doc == nil {
		return fmt.Errorf("nil document: %w", core.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %s already exists: %w", doc.ID, core.ErrInvalidState)
	}
	now := s.now()
	if doc.EmbeddingStatus == "" {
		doc.EmbeddingStatus = models.EmbeddingPending
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	cp := *doc
	s.docs[doc.ID] = &cp
	return nil
}

// GetDocumentByID returns nil, nil when the document does not exist.
func (s *Store) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// --- jobs ---

func (s *Store) EnqueueJob(_ context.Context, documentID string, priority int, force bool) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	now := s.now()

	var job *models.Job
	if id, exists := s.jobByDoc[documentID]; exists {
		job = s.jobs[id]
		if !force {
			cp := *job
			return &cp, nil
		}
	} else {
		job = &models.Job{
			ID:          uuid.NewString(),
			DocumentID:  documentID,
			MaxAttempts: s.maxAttempts,
			CreatedAt:   now,
		}
		s.jobs[job.ID] = job
		s.jobByDoc[documentID] = job.ID
	}

	job.Status = models.JobPending
	job.Priority = priority
	job.Attempts = 0
	job.ErrorMessage = nil
	job.ScheduledAt = now
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = now

	doc.EmbeddingStatus = models.EmbeddingPending
	doc.EmbeddingAttempts = 0
	doc.EmbeddingError = nil
	doc.EmbeddingStartedAt = nil
	doc.EmbeddingProcessedAt = nil
	doc.UpdatedAt = now

	cp := *job
	return &cp, nil
}

func (s *Store) ListClaimableJobs(_ context.Context, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobPending && !j.ScheduledAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		if !out[i].ScheduledAt.Equal(out[k].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[k].ScheduledAt)
		}
		return out[i].ID < out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, jobID string, now time.Time) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, false, fmt.Errorf("job %s: %w", jobID, core.ErrNotFound)
	}
	if j.Status != models.JobPending || j.ScheduledAt.After(now) {
		return nil, false, nil
	}
	started := now
	j.Status = models.JobProcessing
	j.StartedAt = &started
	j.UpdatedAt = now

	if d, ok := s.docs[j.DocumentID]; ok {
		d.EmbeddingStatus = models.EmbeddingProcessing
		d.EmbeddingStartedAt = &started
		d.UpdatedAt = now
	}
	cp := *j
	return &cp, true, nil
}

// owned must be called with the lock held.
func (s *Store) owned(claim *models.Job) (*models.Job, *models.Document, error) {
	j, ok := s.jobs[claim.ID]
	if !ok || claim.StartedAt == nil {
		return nil, nil, core.ErrClaimLost
	}
	if j.Status != models.JobProcessing || j.StartedAt == nil || !j.StartedAt.Equal(*claim.StartedAt) {
		return nil, nil, core.ErrClaimLost
	}
	d, ok := s.docs[j.DocumentID]
	if !ok {
		return nil, nil, fmt.Errorf("document %s: %w", j.DocumentID, core.ErrNotFound)
	}
	return j, d, nil
}

func (s *Store) CompleteJob(_ context.Context, claim *models.Job, res *models.EmbeddingResult, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, d, err := s.owned(claim)
	if err != nil {
		return err
	}

	kept := s.chunks[d.ID][:0:0]
	for _, c := range s.chunks[d.ID] {
		if c.EmbeddingVersion != res.Version {
			kept = append(kept, c)
		}
	}
	for _, c := range res.Chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.EmbeddingVersion = res.Version
		c.Embedding = append([]float32(nil), c.Embedding...)
		kept = append(kept, c)
	}
	s.chunks[d.ID] = kept
	s.docThemes[d.ID] = append([]models.DocumentTheme(nil), res.Themes...)

	j.Status = models.JobCompleted
	j.ErrorMessage = nil
	j.CompletedAt = &now
	j.UpdatedAt = now

	d.EmbeddingStatus = models.EmbeddingCompleted
	d.EmbeddingError = nil
	d.EmbeddingProcessedAt = &now
	d.UpdatedAt = now
	return nil
}

func (s *Store) SkipJob(_ context.Context, claim *models.Job, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, d, err := s.owned(claim)
	if err != nil {
		return err
	}
	j.Status = models.JobCompleted
	j.ErrorMessage = nil
	j.CompletedAt = &now
	j.UpdatedAt = now

	d.EmbeddingStatus = models.EmbeddingSkipped
	d.EmbeddingError = nil
	d.EmbeddingProcessedAt = &now
	d.UpdatedAt = now
	return nil
}

func (s *Store) RetryJob(_ context.Context, claim *models.Job, attempts int, errMsg string, nextRun, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, d, err := s.owned(claim)
	if err != nil {
		return err
	}
	msg := errMsg
	j.Status = models.JobPending
	j.Attempts = attempts
	j.ErrorMessage = &msg
	j.ScheduledAt = nextRun
	j.StartedAt = nil
	j.UpdatedAt = now

	d.EmbeddingStatus = models.EmbeddingPending
	d.EmbeddingAttempts = attempts
	d.EmbeddingError = &msg
	d.UpdatedAt = now
	return nil
}

func (s *Store) FailJob(_ context.Context, claim *models.Job, attempts int, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, d, err := s.owned(claim)
	if err != nil {
		return err
	}
	msg := errMsg
	j.Status = models.JobFailed
	j.Attempts = attempts
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	j.UpdatedAt = now

	d.EmbeddingStatus = models.EmbeddingFailed
	d.EmbeddingAttempts = attempts
	d.EmbeddingError = &msg
	d.EmbeddingProcessedAt = &now
	d.UpdatedAt = now
	return nil
}

func (s *Store) ReapStaleJobs(_ context.Context, cutoff, now time.Time, reason string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reaped []models.Job
	for _, j := range s.jobs {
		if j.Status != models.JobProcessing || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		msg := reason
		j.Attempts++
		j.ErrorMessage = &msg
		j.UpdatedAt = now

		d := s.docs[j.DocumentID]
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.JobFailed
			j.CompletedAt = &now
			if d != nil {
				d.EmbeddingStatus = models.EmbeddingFailed
				d.EmbeddingProcessedAt = &now
			}
		} else {
			j.Status = models.JobPending
			j.ScheduledAt = now
			j.StartedAt = nil
			if d != nil {
				d.EmbeddingStatus = models.EmbeddingPending
			}
		}
		if d != nil {
			d.EmbeddingAttempts = j.Attempts
			d.EmbeddingError = &msg
			d.UpdatedAt = now
		}
		reaped = append(reaped, *j)
	}
	sort.Slice(reaped, func(i, k int) bool { return reaped[i].ID < reaped[k].ID })
	return reaped, nil
}

func (s *Store) ResetDocument(_ context.Context, documentID string, attempts int, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	if d.EmbeddingStatus != models.EmbeddingFailed {
		return nil, fmt.Errorf("document %s is %s, not failed: %w", documentID, d.EmbeddingStatus, core.ErrInvalidState)
	}
	id, ok := s.jobByDoc[documentID]
	if !ok {
		return nil, fmt.Errorf("job for document %s: %w", documentID, core.ErrNotFound)
	}
	j := s.jobs[id]
	if attempts < 0 || attempts >= j.MaxAttempts {
		return nil, fmt.Errorf("attempts %d outside [0,%d): %w", attempts, j.MaxAttempts, core.ErrInvalidState)
	}

	j.Status = models.JobPending
	j.Attempts = attempts
	j.ErrorMessage = nil
	j.ScheduledAt = now
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now

	d.EmbeddingStatus = models.EmbeddingPending
	d.EmbeddingAttempts = attempts
	d.EmbeddingError = nil
	d.EmbeddingProcessedAt = nil
	d.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// GetJobByDocument returns nil, nil when no job exists.
func (s *Store) GetJobByDocument(_ context.Context, documentID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.jobByDoc[documentID]
	if !ok {
		return nil, nil
	}
	cp := *s.jobs[id]
	return &cp, nil
}

func (s *Store) StatusCounts(_ context.Context) (*models.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := models.NewStatusCounts()
	for _, d := range s.docs {
		c.Documents[d.EmbeddingStatus]++
	}
	for _, j := range s.jobs {
		c.Jobs[j.Status]++
	}
	return c, nil
}

// --- results ---

func (s *Store) GetChunkEmbeddings(_ context.Context, documentID, version string) ([]models.ChunkEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ChunkEmbedding
	for _, c := range s.chunks[documentID] {
		if c.EmbeddingVersion == version {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ChunkIndex < out[k].ChunkIndex })
	return out, nil
}

func (s *Store) GetDocumentThemes(_ context.Context, documentID string) ([]models.DocumentTheme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.DocumentTheme(nil), s.docThemes[documentID]...)
	sort.Slice(out, func(i, k int) bool { return out[i].Rank < out[k].Rank })
	return out, nil
}

// --- theme catalog ---

// UpsertThemes inserts or updates catalog entries. Changing the label or
// description drops the stored embedding so it gets backfilled again.
func (s *Store) UpsertThemes(_ context.Context, themes []models.Theme) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range themes {
		if prev, ok := s.themes[t.Code]; ok && prev.Label == t.Label && prev.Description == t.Description {
			if t.Embedding == nil {
				t.Embedding = prev.Embedding
			}
		}
		s.themes[t.Code] = t
	}
	return nil
}

func (s *Store) ListThemesMissingEmbedding(_ context.Context) ([]models.Theme, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Theme
	for _, t := range s.themes {
		if t.Embedding == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Code < out[k].Code })
	return out, nil
}

func (s *Store) SetThemeEmbedding(_ context.Context, code string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.themes[code]
	if !ok {
		return fmt.Errorf("theme %s: %w", code, core.ErrNotFound)
	}
	t.Embedding = append([]float32(nil), vec...)
	s.themes[code] = t
	return nil
}

// SearchSimilar is a brute-force cosine scan over backfilled themes.
func (s *Store) SearchSimilar(_ context.Context, vec []float32, minSimilarity float64, maxResults int) ([]models.ThemeMatch, error) {
	if maxResults <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ThemeMatch
	for _, t := range s.themes {
		if t.Embedding == nil {
			continue
		}
		sim, err := vector.CosineSimilarity(vec, t.Embedding)
		if err != nil {
			return nil, fmt.Errorf("compare with theme %s: %w", t.Code, err)
		}
		if sim < minSimilarity {
			continue
		}
		out = append(out, models.ThemeMatch{Code: t.Code, Label: t.Label, Similarity: sim})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Similarity != out[k].Similarity {
			return out[i].Similarity > out[k].Similarity
		}
		return out[i].Code < out[k].Code
	})
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}
