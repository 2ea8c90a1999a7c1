// Package catalog seeds the theme catalog and backfills theme embeddings.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

//go:embed default_themes.yaml
var defaultCatalog []byte

// Source names where the catalog is read from. File wins over Bucket; with
// neither set the built-in catalog is used.
type Source struct {
	File   string
	Bucket string
	Key    string
}

func (s Source) String() string {
	switch {
	case s.File != "":
		return "file:" + s.File
	case s.Bucket != "":
		return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key)
	default:
		return "builtin"
	}
}

// SyncReport counts what one Sync changed.
type SyncReport struct {
	Loaded     int `json:"loaded"`
	Backfilled int `json:"backfilled"`
}

type Loader struct {
	store    core.ThemeStore
	objects  core.ObjectClient
	embedder core.EmbeddingProvider
	log      *slog.Logger
	metrics  *telemetry.MetricsCollector
}

// NewLoader accepts a nil objects client when the catalog never comes from S3.
func NewLoader(store core.ThemeStore, objects core.ObjectClient, embedder core.EmbeddingProvider, log *slog.Logger, metrics *telemetry.MetricsCollector) *Loader {
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	return &Loader{
		store:    store,
		objects:  objects,
		embedder: embedder,
		log:      log.With("component", "theme_catalog"),
		metrics:  metrics,
	}
}

// Sync upserts the catalog from src and then embeds every theme that has no
// vector yet.
func (l *Loader) Sync(ctx context.Context, src Source) (*SyncReport, error) {
	raw, err := l.read(ctx, src)
	if err != nil {
		return nil, err
	}
	themes, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", src, err)
	}
	if err := l.store.UpsertThemes(ctx, themes); err != nil {
		return nil, fmt.Errorf("upsert themes: %w", err)
	}
	l.log.Info("theme catalog loaded", "source", src.String(), "themes", len(themes))

	n, err := l.Backfill(ctx)
	return &SyncReport{Loaded: len(themes), Backfilled: n}, err
}

// Backfill embeds "label: description" for each theme missing a vector. It
// keeps going past individual failures and reports them together.
func (l *Loader) Backfill(ctx context.Context) (int, error) {
	missing, err := l.store.ListThemesMissingEmbedding(ctx)
	if err != nil {
		return 0, fmt.Errorf("list themes missing embedding: %w", err)
	}

	var errs []error
	done := 0
	for _, t := range missing {
		vec, _, err := l.embedder.Embed(ctx, EmbeddingText(t))
		if err != nil {
			errs = append(errs, fmt.Errorf("embed theme %s: %w", t.Code, err))
			continue
		}
		if err := l.store.SetThemeEmbedding(ctx, t.Code, vec); err != nil {
			errs = append(errs, fmt.Errorf("store embedding for theme %s: %w", t.Code, err))
			continue
		}
		done++
	}
	l.metrics.IncrementCounter(telemetry.MetricThemesBackfilled, int64(done))
	if done > 0 || len(errs) > 0 {
		l.log.Info("theme embeddings backfilled", "backfilled", done, "failed", len(errs))
	}
	return done, errors.Join(errs...)
}

func (l *Loader) read(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case src.File != "":
		b, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		return b, nil
	case src.Bucket != "":
		if l.objects == nil {
			return nil, fmt.Errorf("catalog bucket %q configured without an object client", src.Bucket)
		}
		b, err := l.objects.GetFile(ctx, src.Bucket, src.Key)
		if err != nil {
			return nil, fmt.Errorf("fetch catalog: %w", err)
		}
		return b, nil
	default:
		return defaultCatalog, nil
	}
}

type catalogFile struct {
	Themes []models.Theme `yaml:"themes"`
}

// Parse decodes and validates a catalog document.
func Parse(raw []byte) ([]models.Theme, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if len(f.Themes) == 0 {
		return nil, errors.New("catalog has no themes")
	}

	seen := make(map[string]bool, len(f.Themes))
	out := make([]models.Theme, 0, len(f.Themes))
	for i, t := range f.Themes {
		t.Code = strings.TrimSpace(t.Code)
		t.Label = strings.TrimSpace(t.Label)
		t.Description = strings.TrimSpace(t.Description)
		switch {
		case t.Code == "":
			return nil, fmt.Errorf("theme %d: code is required", i)
		case t.Label == "":
			return nil, fmt.Errorf("theme %s: label is required", t.Code)
		case seen[t.Code]:
			return nil, fmt.Errorf("theme %s: duplicate code", t.Code)
		}
		seen[t.Code] = true
		out = append(out, t)
	}
	return out, nil
}

// EmbeddingText is the string a theme is embedded from.
func EmbeddingText(t models.Theme) string {
	if t.Description == "" {
		return t.Label
	}
	return t.Label + ": " + t.Description
}
