package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/core/database/memory"
	"github.com/markdave123-py/Somnia/internal/core/llm"
	"github.com/markdave123-py/Somnia/internal/logger"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

type fakeObjects struct {
	files map[string][]byte
}

func (f *fakeObjects) GetFile(_ context.Context, bucket, key string) ([]byte, error) {
	b, ok := f.files[bucket+"/"+key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

type failingEmbedder struct {
	core.EmbeddingProvider
	failOn string
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, time.Duration, error) {
	if text == f.failOn {
		return nil, 0, errors.New("quota exceeded")
	}
	return f.EmbeddingProvider.Embed(ctx, text)
}

const twoThemes = `
themes:
  - code: falling
    label: Falling
    description: Dropping from a height.
  - code: flying
    label: Flying
    description: Soaring above the ground.
`

func TestParse(t *testing.T) {
	themes, err := Parse([]byte(twoThemes))
	require.NoError(t, err)
	require.Len(t, themes, 2)
	assert.Equal(t, "falling", themes[0].Code)
	assert.Equal(t, "Falling: Dropping from a height.", EmbeddingText(themes[0]))

	_, err = Parse([]byte("themes: []"))
	assert.Error(t, err)

	_, err = Parse([]byte("themes:\n  - code: a\n    label: A\n  - code: a\n    label: B\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Parse([]byte("themes:\n  - code: a\n"))
	assert.ErrorContains(t, err, "label is required")
}

func TestParse_DefaultCatalog(t *testing.T) {
	themes, err := Parse(defaultCatalog)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(themes), 10)
}

func TestSync_FromFileBackfillsEmbeddings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "themes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoThemes), 0o600))

	store := memory.New(3)
	metrics := telemetry.NewMetricsCollector()
	l := NewLoader(store, nil, llm.NewHashEmbedder(16), logger.Discard(), metrics)
	ctx := context.Background()

	report, err := l.Sync(ctx, Source{File: path})
	require.NoError(t, err)
	assert.Equal(t, &SyncReport{Loaded: 2, Backfilled: 2}, report)
	assert.Equal(t, int64(2), metrics.GetCounter(telemetry.MetricThemesBackfilled))

	missing, err := store.ListThemesMissingEmbedding(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// The theme embedded from its own text is its best match.
	vec, _, err := llm.NewHashEmbedder(16).Embed(ctx, "Flying: Soaring above the ground.")
	require.NoError(t, err)
	matches, err := store.SearchSimilar(ctx, vec, 0.99, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "flying", matches[0].Code)

	// A second sync with unchanged themes has nothing to backfill.
	report, err = l.Sync(ctx, Source{File: path})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Backfilled)
}

func TestSync_FromBucket(t *testing.T) {
	objects := &fakeObjects{files: map[string][]byte{"seeds/themes.yaml": []byte(twoThemes)}}
	l := NewLoader(memory.New(3), objects, llm.NewHashEmbedder(8), logger.Discard(), nil)

	report, err := l.Sync(context.Background(), Source{Bucket: "seeds", Key: "themes.yaml"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Loaded)

	_, err = l.Sync(context.Background(), Source{Bucket: "seeds", Key: "missing.yaml"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSync_BuiltinCatalog(t *testing.T) {
	l := NewLoader(memory.New(3), nil, llm.NewHashEmbedder(8), logger.Discard(), nil)
	report, err := l.Sync(context.Background(), Source{})
	require.NoError(t, err)
	assert.Equal(t, report.Loaded, report.Backfilled)
}

func TestBackfill_ContinuesPastFailures(t *testing.T) {
	store := memory.New(3)
	embedder := failingEmbedder{EmbeddingProvider: llm.NewHashEmbedder(8), failOn: "Falling: Dropping from a height."}
	l := NewLoader(store, nil, embedder, logger.Discard(), nil)
	ctx := context.Background()

	themes, err := Parse([]byte(twoThemes))
	require.NoError(t, err)
	require.NoError(t, store.UpsertThemes(ctx, themes))

	n, err := l.Backfill(ctx)
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, err, "embed theme falling")

	missing, err := store.ListThemesMissingEmbedding(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "falling", missing[0].Code)
}
