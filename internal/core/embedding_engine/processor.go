package embedding_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/core/chunker"
	"github.com/markdave123-py/Somnia/internal/core/themes"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

// Outcome is what a successful run produced. Skipped runs carry no result.
type Outcome struct {
	Skipped bool
	Result  *models.EmbeddingResult
}

// Processor turns one claimed job into chunk embeddings and ranked themes.
// It only reads; the pool persists the outcome.
type Processor struct {
	docs     core.DocumentStore
	catalog  core.ThemeCatalog
	embedder core.EmbeddingProvider
	cfg      ProcessorConfig
	metrics  *telemetry.MetricsCollector
	now      Clock
}

func NewProcessor(docs core.DocumentStore, catalog core.ThemeCatalog, embedder core.EmbeddingProvider, cfg ProcessorConfig, metrics *telemetry.MetricsCollector) *Processor {
	cfg.Chunking = cfg.Chunking.Normalize()
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 1
	}
	if cfg.Themes.Aggregation == "" {
		cfg.Themes.Aggregation = themes.AggregateMax
	}
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	return &Processor{
		docs: docs, catalog: catalog, embedder: embedder,
		cfg: cfg, metrics: metrics, now: systemClock,
	}
}

// chunkResult is filled by one errgroup goroutine; each owns its slot.
type chunkResult struct {
	embedding models.ChunkEmbedding
	matches   []models.ThemeMatch
}

// Process loads the narration, chunks it, embeds every chunk and matches it
// against the catalog. Any chunk failure aborts the whole run so nothing
// partial is ever handed back.
func (p *Processor) Process(ctx context.Context, job *models.Job) (*Outcome, error) {
	doc, err := p.docs.GetDocumentByID(ctx, job.DocumentID)
	if err != nil {
		return nil, core.Persistence("load document", err)
	}
	if doc == nil {
		return nil, core.Validation("load document", fmt.Errorf("document %s: %w", job.DocumentID, core.ErrNotFound))
	}
	if doc.RawText == nil {
		return nil, core.Validation("load document", errors.New("narration text is absent"))
	}

	chunks, err := chunker.Split(*doc.RawText, p.cfg.Chunking)
	if errors.Is(err, chunker.ErrBelowMinimum) {
		return &Outcome{Skipped: true}, nil
	}
	if err != nil {
		return nil, core.Validation("chunk narration", err)
	}

	version := p.embedder.ModelVersion()
	results := make([]chunkResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)
	for i, ch := range chunks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = core.Transient("process chunk", fmt.Errorf("chunk %d panicked: %v", ch.Index, r))
				}
			}()

			vec, took, err := p.embed(gctx, ch.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", ch.Index, err)
			}
			p.metrics.RecordTimer(telemetry.MetricEmbedLatency, took)

			matches, err := p.search(gctx, vec)
			if err != nil {
				return fmt.Errorf("match themes for chunk %d: %w", ch.Index, err)
			}

			results[i] = chunkResult{
				embedding: models.ChunkEmbedding{
					DocumentID:       doc.ID,
					ChunkIndex:       ch.Index,
					ChunkText:        ch.Text,
					TokenCount:       ch.TokenCount,
					Embedding:        vec,
					EmbeddingVersion: version,
					ProcessingTimeMs: took.Milliseconds(),
					Metadata: map[string]any{
						"start_rune": ch.StartRune,
						"end_rune":   ch.EndRune,
					},
				},
				matches: matches,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	extractedAt := p.now()
	res := &models.EmbeddingResult{
		DocumentID:  doc.ID,
		Version:     version,
		Chunks:      make([]models.ChunkEmbedding, 0, len(results)),
		ExtractedAt: extractedAt,
	}
	perChunk := make([]themes.ChunkMatch, 0, len(results))
	for _, r := range results {
		res.Chunks = append(res.Chunks, r.embedding)
		perChunk = append(perChunk, themes.ChunkMatch{ChunkIndex: r.embedding.ChunkIndex, Matches: r.matches})
	}
	res.Themes = themes.Rank(doc.ID, perChunk, p.cfg.Themes, extractedAt)

	p.metrics.IncrementCounter(telemetry.MetricChunksEmbedded, int64(len(res.Chunks)))
	p.metrics.IncrementCounter(telemetry.MetricThemesAssociated, int64(len(res.Themes)))
	return &Outcome{Result: res}, nil
}

func (p *Processor) embed(ctx context.Context, text string) ([]float32, time.Duration, error) {
	cctx, cancel := p.callContext(ctx)
	defer cancel()

	vec, took, err := p.embedder.Embed(cctx, text)
	if err != nil {
		var pe *core.PipelineError
		if errors.As(err, &pe) {
			return nil, took, err
		}
		return nil, took, core.Transient("embed", err)
	}
	if len(vec) == 0 {
		return nil, took, core.Transient("embed", errors.New("embedder returned an empty vector"))
	}
	return vec, took, nil
}

func (p *Processor) search(ctx context.Context, vec []float32) ([]models.ThemeMatch, error) {
	cctx, cancel := p.callContext(ctx)
	defer cancel()

	matches, err := p.catalog.SearchSimilar(cctx, vec, p.cfg.Themes.MinSimilarity, p.cfg.Themes.MaxResults)
	if err != nil {
		return nil, core.Transient("theme search", err)
	}
	return matches, nil
}

func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.CallTimeout)
}
