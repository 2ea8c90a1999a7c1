package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Somnia/internal/api/handlers"
	"github.com/markdave123-py/Somnia/internal/cache"
	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/core/catalog"
	"github.com/markdave123-py/Somnia/internal/core/chunker"
	db "github.com/markdave123-py/Somnia/internal/core/database"
	"github.com/markdave123-py/Somnia/internal/core/database/memory"
	engine "github.com/markdave123-py/Somnia/internal/core/embedding_engine"
	"github.com/markdave123-py/Somnia/internal/core/llm"
	objectclient "github.com/markdave123-py/Somnia/internal/core/object-client"
	"github.com/markdave123-py/Somnia/internal/core/themes"
	"github.com/markdave123-py/Somnia/internal/platform/rabbitmq"
	platformredis "github.com/markdave123-py/Somnia/internal/platform/redis"
	"github.com/markdave123-py/Somnia/internal/services"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// App holds every long-lived component. CLI commands build one and use the
// parts they need; `run` starts the background loops.
type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Metrics  *telemetry.MetricsCollector
	Store    core.DbClient
	Embedder core.EmbeddingProvider
	Catalog  *catalog.Loader
	Service  *services.PipelineService
	Pool     *engine.Pool
	Reaper   *engine.Reaper
	Server   *Server

	statusCache core.StatusCache
	rabbitConn  *amqp.Connection
	wake        *rabbitmq.WakeConsumer
	closers     []func() error
}

func NewApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	appCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	a := &App{Config: cfg, Log: log, Metrics: telemetry.NewMetricsCollector()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStore(appCtx); err != nil {
		return nil, err
	}
	if err := a.openEmbedder(appCtx); err != nil {
		return nil, err
	}

	var objects core.ObjectClient
	if cfg.ThemeCatalogBucket != "" {
		s3c, err := objectclient.NewS3Client(appCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("object client: %w", err)
		}
		objects = s3c
		log.Info("object client initialized", "bucket", cfg.ThemeCatalogBucket)
	}
	a.Catalog = catalog.NewLoader(a.Store, objects, a.Embedder, log, a.Metrics)

	svcOpts := a.openQueueing(appCtx)
	a.Service = services.NewPipelineService(a.Store, log, a.Metrics, svcOpts...)

	procCfg, err := ProcessorConfig(cfg)
	if err != nil {
		return nil, err
	}
	proc := engine.NewProcessor(a.Store, a.Store, a.Embedder, procCfg, a.Metrics)
	var poolOpts []engine.PoolOption
	if a.statusCache != nil {
		poolOpts = append(poolOpts, engine.WithPoolStatusCache(a.statusCache))
	}
	a.Pool = engine.NewPool(a.Store, proc, PoolConfig(cfg), log, a.Metrics, poolOpts...)
	a.Reaper = engine.NewReaper(a.Store, cfg.ReaperInterval, cfg.StaleJobTimeout, log, a.Metrics).
		WithStatusCache(a.statusCache)

	if a.rabbitConn != nil {
		a.wake = rabbitmq.NewWakeConsumer(a.rabbitConn, cfg.WakeQueue, a.Pool.Wake, log, a.Metrics)
	}

	a.Server = NewServer(cfg, handlers.NewOpsHandler(a.Service, a.Metrics, log), log)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.StoreDriver {
	case config.StoreMemory:
		a.Store = memory.New(a.Config.JobMaxAttempts)
		a.Log.Warn("using in-memory store; jobs and results are lost on exit")
	default:
		dbClient, err := db.NewDatabaseClient(ctx, a.Config)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.Store = dbClient
		a.Log.Info("database initialized and ready")
	}
	a.closers = append(a.closers, a.Store.Close)
	return nil
}

func (a *App) openEmbedder(ctx context.Context) error {
	var base core.EmbeddingProvider
	switch a.Config.EmbedProvider {
	case config.EmbedHash:
		base = llm.NewHashEmbedder(a.Config.EmbedDim)
	default:
		g, err := llm.NewGeminiEmbedder(ctx, a.Config.AIAPIKey, a.Config.EmbedModel, a.Config.EmbedDim)
		if err != nil {
			return fmt.Errorf("couldn't initialize the embedder: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		base = g
	}
	a.Embedder = llm.WithRateLimit(base, a.Config.EmbedRatePerSec, a.Config.EmbedBurst)
	a.Log.Info("embedder ready", "model", a.Embedder.ModelVersion(), "dim", a.Embedder.Dimensions())
	return nil
}

// openQueueing connects the optional Redis cache and RabbitMQ wake queue.
// Both only speed things up, so an unreachable broker or cache is logged and
// skipped: the job table and polling keep the pipeline correct without them.
func (a *App) openQueueing(ctx context.Context) []services.PipelineOption {
	var opts []services.PipelineOption

	if a.Config.RedisAddr != "" {
		client, err := platformredis.New(ctx, a.Config.RedisAddr, a.Config.RedisPassword, a.Config.RedisDB)
		if err != nil {
			a.Log.Warn("status cache disabled", "addr", a.Config.RedisAddr, "error", err)
		} else {
			a.closers = append(a.closers, client.Close)
			a.statusCache = cache.NewStatusCache(client, a.Config.StatusCacheTTL)
			opts = append(opts, services.WithStatusCache(a.statusCache))
			a.Log.Info("status cache enabled", "addr", a.Config.RedisAddr)
		}
	}

	if a.Config.RabbitMQURL != "" {
		conn, err := rabbitmq.New(ctx, a.Config.RabbitMQURL)
		if err != nil {
			a.Log.Warn("wake queue disabled; relying on polling", "error", err)
		} else {
			a.rabbitConn = conn
			a.closers = append(a.closers, conn.Close)
			opts = append(opts, services.WithNotifier(rabbitmq.NewWakePublisher(conn, a.Config.WakeQueue)))
			a.Log.Info("wake queue enabled", "queue", a.Config.WakeQueue)
		}
	}
	return opts
}

// RunOptions select which loops `run` starts.
type RunOptions struct {
	HTTP   bool
	Reaper bool
}

// Run seeds the theme catalog and then runs the worker pool, reaper, HTTP
// server and wake consumer until ctx is cancelled. In-flight jobs are drained
// before it returns.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if err := a.prepareCatalog(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Pool.Run(gctx) })
	if opts.Reaper {
		g.Go(func() error { return a.Reaper.Run(gctx) })
	}
	if opts.HTTP {
		g.Go(func() error { return a.Server.Run(gctx) })
	}
	if a.wake != nil {
		if err := a.wake.Start(gctx); err != nil {
			a.Log.Warn("wake consumer unavailable; relying on polling", "error", err)
		} else {
			defer a.wake.Close()
		}
	}

	err := g.Wait()
	a.Log.Info("waiting for in-flight jobs")
	a.Pool.Wait()
	return err
}

// prepareCatalog loads the configured catalog. A Postgres store with no
// catalog source keeps whatever catalog it already has and only backfills.
func (a *App) prepareCatalog(ctx context.Context) error {
	src := CatalogSource(a.Config)
	if a.Config.StoreDriver != config.StoreMemory && src.File == "" && src.Bucket == "" {
		if _, err := a.Catalog.Backfill(ctx); err != nil {
			a.Log.Warn("theme backfill incomplete", "error", err)
		}
		return nil
	}
	if _, err := a.Catalog.Sync(ctx, src); err != nil {
		return fmt.Errorf("theme catalog: %w", err)
	}
	return nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// CatalogSource maps catalog settings to a loader source.
func CatalogSource(cfg *config.Config) catalog.Source {
	return catalog.Source{File: cfg.ThemeCatalogFile, Bucket: cfg.ThemeCatalogBucket, Key: cfg.ThemeCatalogKey}
}

func ProcessorConfig(cfg *config.Config) (engine.ProcessorConfig, error) {
	agg, err := themes.ParseAggregation(cfg.ThemeAggregation)
	if err != nil {
		return engine.ProcessorConfig{}, err
	}
	return engine.ProcessorConfig{
		Chunking: chunker.Config{
			MaxTokensPerChunk: cfg.MaxChunkTokens,
			TargetChunkTokens: cfg.TargetChunkTokens,
			OverlapTokens:     cfg.ChunkOverlapTokens,
			MinTokensToChunk:  cfg.MinTokensToEmbed,
			BoundaryTolerance: cfg.ChunkBoundaryTolerance,
		},
		Themes: themes.Options{
			MinSimilarity: cfg.ThemeMinSimilarity,
			MaxResults:    cfg.MaxThemesPerDocument,
			Aggregation:   agg,
		},
		CallTimeout:      cfg.EmbedCallTimeout,
		EmbedConcurrency: cfg.EmbedConcurrency,
	}, nil
}

func PoolConfig(cfg *config.Config) engine.PoolConfig {
	return engine.PoolConfig{
		PollInterval:     cfg.PollInterval,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		JobTimeout:       cfg.JobTimeout,
		Backoff:          engine.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay},
	}
}
