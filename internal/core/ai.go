package core

import (
	"context"
	"time"
)

// EmbeddingProvider turns text into a fixed-dimension vector.
// Errors are retryable unless classified as validation errors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (vec []float32, took time.Duration, err error)
	// ModelVersion is stored with every chunk embedding.
	ModelVersion() string
	Dimensions() int
}
