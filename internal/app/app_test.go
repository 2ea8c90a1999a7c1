package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core/themes"
	"github.com/markdave123-py/Somnia/internal/logger"
	"github.com/markdave123-py/Somnia/internal/models"
)

func localConfig() *config.Config {
	return &config.Config{
		StoreDriver:            config.StoreMemory,
		EmbedProvider:          config.EmbedHash,
		EmbedDim:               32,
		EmbedConcurrency:       2,
		Port:                   "0",
		LogLevel:               "info",
		LogFormat:              "text",
		PollInterval:           time.Hour,
		ConcurrencyLimit:       2,
		MinTokensToEmbed:       10,
		MaxChunkTokens:         1000,
		TargetChunkTokens:      750,
		ChunkOverlapTokens:     100,
		ChunkBoundaryTolerance: 60,
		ThemeMinSimilarity:     0.6,
		MaxThemesPerDocument:   5,
		ThemeAggregation:       "mean",
		JobMaxAttempts:         3,
		RetryBaseDelay:         30 * time.Second,
		RetryMaxDelay:          30 * time.Minute,
		ReaperInterval:         5 * time.Minute,
		StaleJobTimeout:        30 * time.Minute,
		EmbedCallTimeout:       5 * time.Second,
		JobTimeout:             time.Minute,
	}
}

func TestProcessorConfig(t *testing.T) {
	cfg := localConfig()
	pc, err := ProcessorConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, themes.AggregateMean, pc.Themes.Aggregation)
	assert.Equal(t, 10, pc.Chunking.MinTokensToChunk)
	assert.Equal(t, 750, pc.Chunking.TargetChunkTokens)

	cfg.ThemeAggregation = "median"
	_, err = ProcessorConfig(cfg)
	assert.Error(t, err)

	pool := PoolConfig(localConfig())
	assert.Equal(t, time.Minute, pool.Backoff.Delay(1))
}

func TestApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := NewApp(ctx, localConfig(), logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.prepareCatalog(ctx))
	missing, err := a.Store.ListThemesMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing, "builtin catalog is backfilled on start")

	long, _, err := a.Service.Capture(ctx, uuid.NewString(), strings.Repeat("I kept falling through the floor of my old school. ", 20), 0)
	require.NoError(t, err)
	short, _, err := a.Service.Capture(ctx, uuid.NewString(), "rain", 0)
	require.NoError(t, err)

	started, err := a.Pool.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, started)
	a.Pool.Wait()

	view, err := a.Service.Document(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingCompleted, view.Document.EmbeddingStatus)
	assert.Equal(t, models.JobCompleted, view.Job.Status)

	chunks, err := a.Store.GetChunkEmbeddings(ctx, long.ID, a.Embedder.ModelVersion())
	require.NoError(t, err)
	assert.NotEmpty(t, chunks)

	view, err = a.Service.Document(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EmbeddingSkipped, view.Document.EmbeddingStatus)
	assert.Equal(t, models.JobCompleted, view.Job.Status)

	counts, err := a.Service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Documents[models.EmbeddingCompleted])
	assert.Equal(t, 1, counts.Documents[models.EmbeddingSkipped])
	assert.Equal(t, 2, counts.Jobs[models.JobCompleted])
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, err := NewApp(context.Background(), localConfig(), logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, RunOptions{Reaper: true}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
