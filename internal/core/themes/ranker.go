// Package themes turns per-chunk catalog matches into a document's ranked theme set.
package themes

import (
	"fmt"
	"sort"
	"time"

	"github.com/markdave123-py/Somnia/internal/models"
)

// Aggregation decides how several chunks matching the same theme combine.
type Aggregation string

const (
	// AggregateMax keeps the highest-similarity occurrence.
	AggregateMax Aggregation = "max"
	// AggregateMean averages the chunk similarities that passed the threshold.
	AggregateMean Aggregation = "mean"
)

// ParseAggregation accepts "max" or "mean"; empty means max.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case "", AggregateMax:
		return AggregateMax, nil
	case AggregateMean:
		return AggregateMean, nil
	}
	return "", fmt.Errorf("unknown theme aggregation %q", s)
}

// Options bound the association set.
type Options struct {
	MinSimilarity float64
	MaxResults    int
	Aggregation   Aggregation
}

// ChunkMatch is the catalog answer for one chunk.
type ChunkMatch struct {
	ChunkIndex int
	Matches    []models.ThemeMatch
}

type candidate struct {
	code      string
	label     string
	best      float64
	bestChunk int
	sum       float64
	count     int
}

// Rank deduplicates matches by theme code, drops anything below the threshold,
// and returns at most MaxResults associations sorted by descending similarity
// with ranks starting at 1.
func Rank(documentID string, chunks []ChunkMatch, opts Options, extractedAt time.Time) []models.DocumentTheme {
	if opts.MaxResults <= 0 {
		return nil
	}

	byCode := map[string]*candidate{}
	for _, cm := range chunks {
		for _, m := range cm.Matches {
			sim := clamp01(m.Similarity)
			if sim < opts.MinSimilarity {
				continue
			}
			c, ok := byCode[m.Code]
			if !ok {
				c = &candidate{code: m.Code, label: m.Label, best: -1}
				byCode[m.Code] = c
			}
			c.sum += sim
			c.count++
			if sim > c.best || (sim == c.best && cm.ChunkIndex < c.bestChunk) {
				c.best = sim
				c.bestChunk = cm.ChunkIndex
			}
		}
	}

	type scored struct {
		*candidate
		score float64
	}
	ranked := make([]scored, 0, len(byCode))
	for _, c := range byCode {
		score := c.best
		if opts.Aggregation == AggregateMean {
			score = c.sum / float64(c.count)
		}
		ranked = append(ranked, scored{candidate: c, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].code < ranked[j].code
	})
	if len(ranked) > opts.MaxResults {
		ranked = ranked[:opts.MaxResults]
	}

	out := make([]models.DocumentTheme, 0, len(ranked))
	for i, r := range ranked {
		explanation := fmt.Sprintf("closest to chunk %d (similarity %.2f, matched in %d chunk(s))", r.bestChunk, r.best, r.count)
		out = append(out, models.DocumentTheme{
			DocumentID:  documentID,
			ThemeCode:   r.code,
			Label:       r.label,
			Rank:        i + 1,
			Similarity:  r.score,
			Explanation: &explanation,
			ChunkIndex:  r.bestChunk,
			ExtractedAt: extractedAt,
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
