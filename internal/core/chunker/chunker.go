// Package chunker splits narration text into overlapping, token-bounded chunks.
package chunker

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrBelowMinimum signals that the text is too short to be worth embedding.
var ErrBelowMinimum = errors.New("text below minimum token count")

// charsPerToken backs the token estimate used everywhere in the pipeline.
const charsPerToken = 4

// maxWordSnap bounds how far a chunk start may move back to reach a word boundary.
const maxWordSnap = 32

// Config tunes Split. All sizes are approximate tokens.
//
// MaxTokensPerChunk: hard embedder limit; no chunk exceeds it (e.g. 1000).
// TargetChunkTokens: preferred chunk size once the text needs splitting (e.g. 750).
// OverlapTokens:     tokens repeated at the head of the following chunk (e.g. 100).
// MinTokensToChunk:  texts below this are not embedded at all (e.g. 10).
// BoundaryTolerance: how far a cut may move to land on a paragraph or sentence break.
type Config struct {
	MaxTokensPerChunk int
	TargetChunkTokens int
	OverlapTokens     int
	MinTokensToChunk  int
	BoundaryTolerance int
}

// DefaultConfig matches the embedder limits the pipeline ships with.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerChunk: 1000,
		TargetChunkTokens: 750,
		OverlapTokens:     100,
		MinTokensToChunk:  10,
		BoundaryTolerance: 60,
	}
}

// Chunk is one slice of the source text. StartRune/EndRune index the trimmed input.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
	StartRune  int
	EndRune    int
}

// Normalize fills zero values with defaults and keeps the sizes consistent.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.MaxTokensPerChunk <= 0 {
		c.MaxTokensPerChunk = d.MaxTokensPerChunk
	}
	if c.TargetChunkTokens <= 0 {
		c.TargetChunkTokens = d.TargetChunkTokens
	}
	if c.TargetChunkTokens > c.MaxTokensPerChunk {
		c.TargetChunkTokens = c.MaxTokensPerChunk
	}
	if c.OverlapTokens < 0 {
		c.OverlapTokens = 0
	}
	if c.OverlapTokens >= c.TargetChunkTokens {
		c.OverlapTokens = c.TargetChunkTokens / 4
	}
	if c.MinTokensToChunk < 0 {
		c.MinTokensToChunk = 0
	}
	if c.BoundaryTolerance < 0 {
		c.BoundaryTolerance = 0
	}
	return c
}

// ApproxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func ApproxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// Split returns the ordered chunks of text. It is deterministic and has no side effects.
// Texts under MinTokensToChunk (including empty ones) return ErrBelowMinimum.
func Split(text string, cfg Config) ([]Chunk, error) {
	cfg = cfg.Normalize()
	text = strings.TrimSpace(text)

	total := ApproxTokens(text)
	if total == 0 || total < cfg.MinTokensToChunk {
		return nil, ErrBelowMinimum
	}

	runes := []rune(text)
	n := len(runes)
	if total <= cfg.MaxTokensPerChunk {
		return []Chunk{{Index: 0, Text: text, TokenCount: total, StartRune: 0, EndRune: n}}, nil
	}

	maxC := cfg.MaxTokensPerChunk * charsPerToken
	target := cfg.TargetChunkTokens * charsPerToken
	overlap := cfg.OverlapTokens * charsPerToken
	tol := cfg.BoundaryTolerance * charsPerToken

	snap := maxWordSnap
	if room := (target - overlap) / 2; room < snap {
		snap = room
	}

	var (
		chunks []Chunk
		start  int
	)
	for start < n {
		end := n
		if n-start > maxC {
			end = cutPoint(runes, start+target, tol, start+overlap+snap+1, start+maxC)
		}

		if t := strings.TrimSpace(string(runes[start:end])); t != "" {
			chunks = append(chunks, Chunk{
				Index:      len(chunks),
				Text:       t,
				TokenCount: ApproxTokens(t),
				StartRune:  start,
				EndRune:    end,
			})
		}
		if end >= n {
			break
		}

		next := wordStart(runes, end-overlap, start+1, snap)
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks, nil
}

// cutPoint picks where a chunk ends. It looks for the boundary closest to ideal
// within tol, preferring paragraph breaks, then line breaks, then sentence ends,
// and falls back to a hard cut at ideal.
func cutPoint(runes []rune, ideal, tol, minEnd, maxEnd int) int {
	if maxEnd > len(runes) {
		maxEnd = len(runes)
	}
	if ideal > maxEnd {
		ideal = maxEnd
	}
	lo, hi := ideal-tol, ideal+tol
	if lo < minEnd {
		lo = minEnd
	}
	if hi > maxEnd {
		hi = maxEnd
	}
	if lo > hi {
		return ideal
	}

	for _, isBoundary := range []func([]rune, int) bool{paragraphBreak, lineBreak, sentenceEnd} {
		if p, ok := closest(runes, ideal, lo, hi, isBoundary); ok {
			return p
		}
	}
	return ideal
}

// closest scans outward from ideal; on equal distance the earlier position wins.
func closest(runes []rune, ideal, lo, hi int, isBoundary func([]rune, int) bool) (int, bool) {
	for d := 0; ideal-d >= lo || ideal+d <= hi; d++ {
		if p := ideal - d; p >= lo && p <= hi && isBoundary(runes, p) {
			return p, true
		}
		if p := ideal + d; d > 0 && p >= lo && p <= hi && isBoundary(runes, p) {
			return p, true
		}
	}
	return 0, false
}

func paragraphBreak(runes []rune, p int) bool {
	return p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n'
}

func lineBreak(runes []rune, p int) bool {
	return p >= 1 && runes[p-1] == '\n'
}

func sentenceEnd(runes []rune, p int) bool {
	if p < 2 || !unicode.IsSpace(runes[p-1]) {
		return false
	}
	switch runes[p-2] {
	case '.', '!', '?':
		return true
	}
	return false
}

// wordStart moves pos back to the start of the word it falls in, at most snap runes
// and never below floor. Moving back only grows the overlap.
func wordStart(runes []rune, pos, floor, snap int) int {
	if pos <= floor {
		return floor
	}
	for i := pos; i > floor && pos-i <= snap; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return pos
}
