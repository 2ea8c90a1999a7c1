package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/markdave123-py/Somnia/internal/core"
)

var _ core.EmbeddingProvider = (*RateLimitedEmbedder)(nil)

// RateLimitedEmbedder puts a token bucket in front of another provider.
type RateLimitedEmbedder struct {
	next    core.EmbeddingProvider
	limiter *rate.Limiter
}

// WithRateLimit wraps next. A non-positive rate disables limiting.
func WithRateLimit(next core.EmbeddingProvider, perSecond float64, burst int) core.EmbeddingProvider {
	if perSecond <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedEmbedder{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimitedEmbedder) ModelVersion() string { return r.next.ModelVersion() }

func (r *RateLimitedEmbedder) Dimensions() int { return r.next.Dimensions() }

// Embed waits for a token; time spent waiting is not part of the reported latency.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, time.Duration, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, 0, core.Transient("embed rate limit", err)
	}
	return r.next.Embed(ctx, text)
}
