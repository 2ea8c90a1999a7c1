package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(3, WithClock(func() time.Time { return t0 }))
}

func seed(t *testing.T, s *Store, text string) (*models.Document, *models.Job) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{UserID: "u1", RawText: &text}
	require.NoError(t, s.CreateDocument(ctx, doc))
	job, err := s.EnqueueJob(ctx, doc.ID, 0, false)
	require.NoError(t, err)
	return doc, job
}

func TestEnqueueJob_IdempotentWithoutForce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "a dream")

	again, err := s.EnqueueJob(ctx, doc.ID, 5, false)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 0, again.Priority)

	_, err = s.EnqueueJob(ctx, "missing", 0, false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEnqueueJob_ForceResets(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "a dream")

	claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailJob(ctx, claim, 3, "boom", t0))

	reset, err := s.EnqueueJob(ctx, doc.ID, 2, true)
	require.NoError(t, err)
	assert.Equal(t, job.ID, reset.ID)
	assert.Equal(t, models.JobPending, reset.Status)
	assert.Equal(t, 0, reset.Attempts)
	assert.Equal(t, 2, reset.Priority)

	got, err := s.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingPending, got.EmbeddingStatus)
	assert.Nil(t, got.EmbeddingError)
}

func TestClaimJob_ExactlyOneWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, job := seed(t, s, "contended")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.ClaimJob(ctx, job.ID, t0)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetJobByDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestListClaimableJobs_OrderAndSchedule(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, low := seed(t, s, "low")
	docHigh, _ := seed(t, s, "high")
	_, err := s.EnqueueJob(ctx, docHigh.ID, 10, true)
	require.NoError(t, err)

	jobs, err := s.ListClaimableJobs(ctx, 10, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, docHigh.ID, jobs[0].DocumentID)
	assert.Equal(t, low.ID, jobs[1].ID)

	claim, ok, err := s.ClaimJob(ctx, low.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RetryJob(ctx, claim, 1, "later", t0.Add(time.Minute), t0))

	jobs, err = s.ListClaimableJobs(ctx, 10, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	jobs, err = s.ListClaimableJobs(ctx, 10, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestTransitions_RequireOwnership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "owned")

	claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)

	// The reaper takes the job away, a new worker claims it later.
	_, err = s.ReapStaleJobs(ctx, t0.Add(time.Second), t0.Add(time.Second), "stale")
	require.NoError(t, err)
	_, ok, err = s.ClaimJob(ctx, job.ID, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	res := &models.EmbeddingResult{DocumentID: doc.ID, Version: "v1"}
	assert.ErrorIs(t, s.CompleteJob(ctx, claim, res, t0), core.ErrClaimLost)
	assert.ErrorIs(t, s.SkipJob(ctx, claim, t0), core.ErrClaimLost)
	assert.ErrorIs(t, s.RetryJob(ctx, claim, 1, "x", t0, t0), core.ErrClaimLost)
	assert.ErrorIs(t, s.FailJob(ctx, claim, 1, "x", t0), core.ErrClaimLost)

	got, err := s.GetJobByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestCompleteJob_ReplacesResults(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "results")

	run := func(chunks int, themes ...string) {
		claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
		require.NoError(t, err)
		require.True(t, ok)

		res := &models.EmbeddingResult{DocumentID: doc.ID, Version: "v1", ExtractedAt: t0}
		for i := 0; i < chunks; i++ {
			res.Chunks = append(res.Chunks, models.ChunkEmbedding{DocumentID: doc.ID, ChunkIndex: i, Embedding: []float32{1, 0}})
		}
		for i, code := range themes {
			res.Themes = append(res.Themes, models.DocumentTheme{DocumentID: doc.ID, ThemeCode: code, Rank: i + 1, Similarity: 0.9})
		}
		require.NoError(t, s.CompleteJob(ctx, claim, res, t0))
		_, err = s.EnqueueJob(ctx, doc.ID, 0, true)
		require.NoError(t, err)
	}

	run(3, "flying", "falling")
	run(2, "water")

	chunks, err := s.GetChunkEmbeddings(ctx, doc.ID, "v1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, 1, chunks[1].ChunkIndex)

	themes, err := s.GetDocumentThemes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, themes, 1)
	assert.Equal(t, "water", themes[0].ThemeCode)
}

func TestSkipJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "")

	claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.SkipJob(ctx, claim, t0))

	d, err := s.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingSkipped, d.EmbeddingStatus)
	j, err := s.GetJobByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, j.Status)
}

func TestReapStaleJobs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	staleDoc, stale := seed(t, s, "stale")
	_, fresh := seed(t, s, "fresh")

	_, ok, err := s.ClaimJob(ctx, stale.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ClaimJob(ctx, fresh.ID, t0.Add(40*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	now := t0.Add(45 * time.Minute)
	reaped, err := s.ReapStaleJobs(ctx, now.Add(-30*time.Minute), now, "stale processing job")
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale.ID, reaped[0].ID)
	assert.Equal(t, models.JobPending, reaped[0].Status)
	assert.Equal(t, 1, reaped[0].Attempts)

	d, err := s.GetDocumentByID(ctx, staleDoc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingPending, d.EmbeddingStatus)
	assert.Equal(t, 1, d.EmbeddingAttempts)
}

func TestReapStaleJobs_ExhaustsAttempts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "doomed")

	now := t0
	for i := 0; i < 3; i++ {
		_, ok, err := s.ClaimJob(ctx, job.ID, now)
		require.NoError(t, err)
		require.True(t, ok)
		now = now.Add(time.Hour)
		_, err = s.ReapStaleJobs(ctx, now.Add(-30*time.Minute), now, "stale")
		require.NoError(t, err)
	}

	j, err := s.GetJobByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, j.Status)
	assert.Equal(t, 3, j.Attempts)
	d, err := s.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingFailed, d.EmbeddingStatus)
}

func TestResetDocument(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "reset me")

	_, err := s.ResetDocument(ctx, doc.ID, 0, t0)
	assert.ErrorIs(t, err, core.ErrInvalidState, "pending documents cannot be reset")

	claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FailJob(ctx, claim, 3, "gave up", t0))

	_, err = s.ResetDocument(ctx, doc.ID, 3, t0)
	assert.ErrorIs(t, err, core.ErrInvalidState)

	reset, err := s.ResetDocument(ctx, doc.ID, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, reset.Status)
	assert.Equal(t, 1, reset.Attempts)

	_, err = s.ResetDocument(ctx, "missing", 0, t0)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStatusCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, "one")
	_, job := seed(t, s, "two")
	_, _, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)

	c, err := s.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Documents[models.EmbeddingPending])
	assert.Equal(t, 1, c.Documents[models.EmbeddingProcessing])
	assert.Equal(t, 0, c.Documents[models.EmbeddingFailed])
	assert.Equal(t, 1, c.Jobs[models.JobProcessing])
}

func TestThemeCatalog(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThemes(ctx, []models.Theme{
		{Code: "flying", Label: "Flying", Description: "soaring"},
		{Code: "water", Label: "Water", Description: "ocean"},
		{Code: "chase", Label: "Chase", Description: "pursued"},
	}))
	missing, err := s.ListThemesMissingEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 3)
	assert.Equal(t, "chase", missing[0].Code)

	require.NoError(t, s.SetThemeEmbedding(ctx, "flying", []float32{1, 0}))
	require.NoError(t, s.SetThemeEmbedding(ctx, "water", []float32{0.8, 0.6}))
	require.NoError(t, s.SetThemeEmbedding(ctx, "chase", []float32{0, 1}))
	assert.ErrorIs(t, s.SetThemeEmbedding(ctx, "nope", []float32{1}), core.ErrNotFound)

	matches, err := s.SearchSimilar(ctx, []float32{1, 0}, 0.5, 5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "flying", matches[0].Code)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, "water", matches[1].Code)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-6)

	// Unchanged upserts keep the embedding; edits clear it.
	require.NoError(t, s.UpsertThemes(ctx, []models.Theme{
		{Code: "flying", Label: "Flying", Description: "soaring"},
		{Code: "water", Label: "Water", Description: "the sea"},
	}))
	missing, err = s.ListThemesMissingEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "water", missing[0].Code)
}

func TestClaimJob_StaleListCannotSkipBackoff(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, job := seed(t, s, "backoff")

	listed, err := s.ListClaimableJobs(ctx, 10, t0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// A second worker claims first, fails and pushes the job an hour out.
	claim, ok, err := s.ClaimJob(ctx, job.ID, t0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RetryJob(ctx, claim, 1, "embedder timeout", t0.Add(time.Hour), t0))

	_, ok, err = s.ClaimJob(ctx, listed[0].ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "a job is not claimable before its scheduled time")

	got, err := s.GetJobByDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	_, ok, err = s.ClaimJob(ctx, job.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteJob_ReadersNeverSeeMixedExtractions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	doc, job := seed(t, s, "replace under load")

	done := make(chan struct{})
	var reads atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			themes, err := s.GetDocumentThemes(ctx, doc.ID)
			if !assert.NoError(t, err) {
				return
			}
			for _, th := range themes {
				if !assert.True(t, th.ExtractedAt.Equal(themes[0].ExtractedAt), "themes from two extractions visible together") {
					return
				}
			}
			reads.Add(1)
		}
	}()

	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		claim, ok, err := s.ClaimJob(ctx, job.ID, at)
		require.NoError(t, err)
		require.True(t, ok)

		res := &models.EmbeddingResult{DocumentID: doc.ID, Version: "v1", ExtractedAt: at}
		for rank, code := range []string{"falling", "water", "chase"} {
			res.Themes = append(res.Themes, models.DocumentTheme{
				DocumentID: doc.ID, ThemeCode: code, Rank: rank + 1, Similarity: 0.8, ExtractedAt: at,
			})
		}
		require.NoError(t, s.CompleteJob(ctx, claim, res, at))
		_, err = s.EnqueueJob(ctx, doc.ID, 0, true)
		require.NoError(t, err)
	}
	close(done)
	wg.Wait()
	assert.Positive(t, reads.Load())
}
