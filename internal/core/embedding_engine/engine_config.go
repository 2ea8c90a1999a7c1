package embedding_engine

import (
	"time"

	"github.com/markdave123-py/Somnia/internal/core/chunker"
	"github.com/markdave123-py/Somnia/internal/core/themes"
)

// ProcessorConfig tunes a single job run.
//
// Chunking:         token budgets for the chunker.
// Themes:           threshold, cap and aggregation for theme ranking.
// CallTimeout:      deadline for each embedder or catalog call.
// EmbedConcurrency: chunk embeds in flight per job.
type ProcessorConfig struct {
	Chunking         chunker.Config
	Themes           themes.Options
	CallTimeout      time.Duration
	EmbedConcurrency int
}

// PoolConfig tunes polling and retries.
//
// PollInterval:     sleep between poll cycles when no wake-up arrives.
// ConcurrencyLimit: jobs processed at the same time by this process.
// JobTimeout:       upper bound for one job run, independent of shutdown.
// Backoff:          retry delay policy.
type PoolConfig struct {
	PollInterval     time.Duration
	ConcurrencyLimit int
	JobTimeout       time.Duration
	Backoff          Backoff
}

// Clock returns the current time. Tests substitute a controllable one.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
