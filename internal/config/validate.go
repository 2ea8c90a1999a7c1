package config

import (
	"errors"
	"fmt"
	"time"
)

// FinalizeTimeout bounds the status write a worker makes after a job run.
// A worker can therefore hold a claim for up to JobTimeout+FinalizeTimeout.
const FinalizeTimeout = 30 * time.Second

// ValidationError names the setting that is wrong.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Validate checks the whole config and joins every problem into one error.
// Extra errors (e.g. parse failures from loading) are reported first.
func (c *Config) Validate(extra ...error) error {
	errs := append([]error(nil), extra...)
	bad := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			bad("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case StoreMemory:
	default:
		bad("STORE_DRIVER", "must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreDriver)
	}

	switch c.EmbedProvider {
	case EmbedGemini:
		if c.AIAPIKey == "" {
			bad("GEMINI_API_KEY", "required when EMBED_PROVIDER=gemini")
		}
	case EmbedHash:
	default:
		bad("EMBED_PROVIDER", "must be %q or %q, got %q", EmbedGemini, EmbedHash, c.EmbedProvider)
	}
	if c.EmbedDim <= 0 {
		bad("EMBED_DIM", "must be positive")
	}
	if c.EmbedRatePerSec < 0 {
		bad("EMBED_RATE_PER_SEC", "must not be negative")
	}
	if c.EmbedConcurrency <= 0 {
		bad("EMBED_CONCURRENCY", "must be positive")
	}

	if (c.AwsAccessKey == "") != (c.AwsSecretKey == "") {
		bad("AWS_SECRET_KEY", "AWS_ACCESS_KEY and AWS_SECRET_KEY must be set together")
	}
	if c.ThemeCatalogBucket != "" && c.ThemeCatalogKey == "" {
		bad("THEME_CATALOG_KEY", "required when THEME_CATALOG_BUCKET is set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		bad("JWT_SECRET", "must be at least 16 bytes")
	}

	for _, d := range []struct {
		field string
		val   time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"RETRY_BASE_DELAY", c.RetryBaseDelay},
		{"RETRY_MAX_DELAY", c.RetryMaxDelay},
		{"REAPER_INTERVAL", c.ReaperInterval},
		{"STALE_JOB_TIMEOUT", c.StaleJobTimeout},
		{"EMBED_CALL_TIMEOUT", c.EmbedCallTimeout},
		{"JOB_TIMEOUT", c.JobTimeout},
	} {
		if d.val <= 0 {
			bad(d.field, "must be a positive duration")
		}
	}
	if c.JobTimeout > 0 && c.StaleJobTimeout > 0 && c.JobTimeout+FinalizeTimeout >= c.StaleJobTimeout {
		bad("STALE_JOB_TIMEOUT", "must exceed JOB_TIMEOUT plus %s so live jobs are not reaped", FinalizeTimeout)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		bad("RETRY_MAX_DELAY", "must be at least RETRY_BASE_DELAY")
	}

	if c.ConcurrencyLimit <= 0 {
		bad("CONCURRENCY_LIMIT", "must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		bad("JOB_MAX_ATTEMPTS", "must be positive")
	}
	if c.MinTokensToEmbed < 0 {
		bad("MIN_TOKENS_TO_EMBED", "must not be negative")
	}
	if c.MaxChunkTokens <= 0 {
		bad("MAX_CHUNK_TOKENS", "must be positive")
	}
	if c.TargetChunkTokens <= 0 || c.TargetChunkTokens > c.MaxChunkTokens {
		bad("TARGET_CHUNK_TOKENS", "must be in (0, MAX_CHUNK_TOKENS]")
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.TargetChunkTokens {
		bad("CHUNK_OVERLAP_TOKENS", "must be in [0, TARGET_CHUNK_TOKENS)")
	}
	if c.ChunkBoundaryTolerance < 0 {
		bad("CHUNK_BOUNDARY_TOLERANCE", "must not be negative")
	}
	if c.ThemeMinSimilarity < 0 || c.ThemeMinSimilarity > 1 {
		bad("THEME_MIN_SIMILARITY", "must be in [0, 1]")
	}
	if c.MaxThemesPerDocument <= 0 {
		bad("MAX_THEMES_PER_DOCUMENT", "must be positive")
	}
	if c.ThemeAggregation != "max" && c.ThemeAggregation != "mean" {
		bad("THEME_AGGREGATION", "must be max or mean, got %q", c.ThemeAggregation)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		bad("LOG_FORMAT", "must be text or json, got %q", c.LogFormat)
	}

	return errors.Join(errs...)
}
