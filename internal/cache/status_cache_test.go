package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Somnia/internal/models"
	platformredis "github.com/markdave123-py/Somnia/internal/platform/redis"
)

func TestStatusCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set; skipping Redis tests")
	}
	ctx := context.Background()
	client, err := platformredis.New(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	c := NewStatusCache(client, time.Minute)
	require.NoError(t, c.Invalidate(ctx))

	_, ok, err := c.GetCounts(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	counts := models.NewStatusCounts()
	counts.Documents[models.EmbeddingCompleted] = 7
	counts.Jobs[models.JobFailed] = 2
	require.NoError(t, c.SetCounts(ctx, counts))

	got, ok, err := c.GetCounts(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, got.Documents[models.EmbeddingCompleted])
	assert.Equal(t, 2, got.Jobs[models.JobFailed])
	assert.Equal(t, 0, got.Documents[models.EmbeddingSkipped])

	require.NoError(t, c.Invalidate(ctx))
	_, ok, err = c.GetCounts(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewStatusCache_DefaultTTL(t *testing.T) {
	c := NewStatusCache(nil, 0)
	assert.Equal(t, 15*time.Second, c.ttl)
}
