package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
)

var _ core.StatusCache = (*StatusCache)(nil)

const statusCountsKey = "somnia:status:counts"

// StatusCache keeps the latest per-status counts in Redis for a short TTL so
// dashboards polling /ops/status do not hit the store on every request.
type StatusCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewStatusCache(client *redisv9.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &StatusCache{client: client, ttl: ttl}
}

func (c *StatusCache) GetCounts(ctx context.Context) (*models.StatusCounts, bool, error) {
	raw, err := c.client.Get(ctx, statusCountsKey).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get status counts failed: %w", err)
	}

	counts := models.NewStatusCounts()
	if err := json.Unmarshal(raw, counts); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached status counts failed: %w", err)
	}
	return counts, true, nil
}

func (c *StatusCache) SetCounts(ctx context.Context, counts *models.StatusCounts) error {
	payload, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal status counts failed: %w", err)
	}
	if err := c.client.Set(ctx, statusCountsKey, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set status counts failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached counts after a write that changes them.
func (c *StatusCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, statusCountsKey).Err(); err != nil {
		return fmt.Errorf("redis delete status counts failed: %w", err)
	}
	return nil
}
