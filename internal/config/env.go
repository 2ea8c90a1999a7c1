package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	EmbedGemini = "gemini"
	EmbedHash   = "hash"
)

type Config struct {
	// Storage
	StoreDriver string
	DatabaseURL string
	SslCertPath string

	// Object storage for the theme catalog seed
	AwsAccessKey       string
	AwsSecretKey       string
	AwsRegion          string
	ThemeCatalogBucket string
	ThemeCatalogKey    string
	ThemeCatalogFile   string

	// Embedder
	EmbedProvider    string
	AIAPIKey         string
	EmbedModel       string
	EmbedDim         int
	EmbedRatePerSec  float64
	EmbedBurst       int
	EmbedConcurrency int

	// Status cache and wake-up queue, both optional
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StatusCacheTTL time.Duration
	RabbitMQURL    string
	WakeQueue      string

	// Ops HTTP surface
	Port        string
	JWTSecret   string
	CORSOrigins []string

	LogLevel  string
	LogFormat string

	// Pipeline knobs
	PollInterval           time.Duration
	ConcurrencyLimit       int
	MinTokensToEmbed       int
	MaxChunkTokens         int
	TargetChunkTokens      int
	ChunkOverlapTokens     int
	ChunkBoundaryTolerance int
	ThemeMinSimilarity     float64
	MaxThemesPerDocument   int
	ThemeAggregation       string
	JobMaxAttempts         int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	ReaperInterval         time.Duration
	StaleJobTimeout        time.Duration
	EmbedCallTimeout       time.Duration
	JobTimeout             time.Duration
}

// LoadConfig resolves every setting from, lowest to highest precedence:
// built-in defaults, the YAML config file, .env, and the process environment.
// The returned config has been validated.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	file, err := readConfigFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	l := &loader{file: file}

	cfg := &Config{
		StoreDriver: l.getEnv("STORE_DRIVER", StorePostgres),
		DatabaseURL: l.getEnv("DATABASE_URL", ""),
		SslCertPath: l.getEnv("SSL_CERT_PATH", ""),

		AwsAccessKey:       l.getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:       l.getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:          l.getEnv("AWS_REGION", "us-east-2"),
		ThemeCatalogBucket: l.getEnv("THEME_CATALOG_BUCKET", ""),
		ThemeCatalogKey:    l.getEnv("THEME_CATALOG_KEY", "themes.yaml"),
		ThemeCatalogFile:   l.getEnv("THEME_CATALOG_FILE", ""),

		EmbedProvider:    l.getEnv("EMBED_PROVIDER", EmbedGemini),
		AIAPIKey:         l.getEnv("GEMINI_API_KEY", ""),
		EmbedModel:       l.getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:         l.getEnvInt("EMBED_DIM", 768),
		EmbedRatePerSec:  l.getEnvFloat("EMBED_RATE_PER_SEC", 5),
		EmbedBurst:       l.getEnvInt("EMBED_BURST", 5),
		EmbedConcurrency: l.getEnvInt("EMBED_CONCURRENCY", 4),

		RedisAddr:      l.getEnv("REDIS_ADDR", ""),
		RedisPassword:  l.getEnv("REDIS_PASSWORD", ""),
		RedisDB:        l.getEnvInt("REDIS_DB", 0),
		StatusCacheTTL: l.getEnvDuration("STATUS_CACHE_TTL", 15*time.Second),
		RabbitMQURL:    l.getEnv("RABBITMQ_URL", ""),
		WakeQueue:      l.getEnv("WAKE_QUEUE", "somnia.embedding.wake"),

		Port:        l.getEnv("PORT", "8080"),
		JWTSecret:   l.getEnv("JWT_SECRET", ""),
		CORSOrigins: splitList(l.getEnv("CORS_ORIGINS", "http://localhost:5173")),

		LogLevel:  l.getEnv("LOG_LEVEL", "info"),
		LogFormat: l.getEnv("LOG_FORMAT", "text"),

		PollInterval:           l.getEnvDuration("POLL_INTERVAL", 5*time.Second),
		ConcurrencyLimit:       l.getEnvInt("CONCURRENCY_LIMIT", 2),
		MinTokensToEmbed:       l.getEnvInt("MIN_TOKENS_TO_EMBED", 10),
		MaxChunkTokens:         l.getEnvInt("MAX_CHUNK_TOKENS", 1000),
		TargetChunkTokens:      l.getEnvInt("TARGET_CHUNK_TOKENS", 750),
		ChunkOverlapTokens:     l.getEnvInt("CHUNK_OVERLAP_TOKENS", 100),
		ChunkBoundaryTolerance: l.getEnvInt("CHUNK_BOUNDARY_TOLERANCE", 60),
		ThemeMinSimilarity:     l.getEnvFloat("THEME_MIN_SIMILARITY", 0.6),
		MaxThemesPerDocument:   l.getEnvInt("MAX_THEMES_PER_DOCUMENT", 5),
		ThemeAggregation:       l.getEnv("THEME_AGGREGATION", "max"),
		JobMaxAttempts:         l.getEnvInt("JOB_MAX_ATTEMPTS", 3),
		RetryBaseDelay:         l.getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:          l.getEnvDuration("RETRY_MAX_DELAY", 30*time.Minute),
		ReaperInterval:         l.getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
		StaleJobTimeout:        l.getEnvDuration("STALE_JOB_TIMEOUT", 30*time.Minute),
		EmbedCallTimeout:       l.getEnvDuration("EMBED_CALL_TIMEOUT", 30*time.Second),
		JobTimeout:             l.getEnvDuration("JOB_TIMEOUT", 10*time.Minute),
	}

	if err := cfg.Validate(l.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigFile loads a flat KEY: value YAML file. An explicit path must
// exist; otherwise somnia.yaml and config.yaml are tried and skipped if absent.
func readConfigFile(path string) (map[string]string, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{"somnia.yaml", "config.yaml"}
	}
	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if os.IsNotExist(err) && path == "" {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", p, err)
		}
		out := map[string]string{}
		if err := yaml.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", p, err)
		}
		return out, nil
	}
	return nil, nil
}

// loader resolves keys against the environment, then the config file.
// Malformed values are collected so Validate reports all of them at once.
type loader struct {
	file map[string]string
	errs []error
}

// Helper to read environment variables with a default fallback
func (l *loader) getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := l.file[key]; exists {
		return value
	}
	return fallback
}

func (l *loader) getEnvInt(key string, def int) int {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, &ValidationError{Field: key, Message: fmt.Sprintf("%q is not an integer", v)})
		return def
	}
	return n
}

func (l *loader) getEnvFloat(key string, def float64) float64 {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, &ValidationError{Field: key, Message: fmt.Sprintf("%q is not a number", v)})
		return def
	}
	return f
}

func (l *loader) getEnvDuration(key string, def time.Duration) time.Duration {
	v := l.getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, &ValidationError{Field: key, Message: fmt.Sprintf("%q is not a duration", v)})
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
