package llm

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/markdave123-py/Somnia/internal/core"
	"github.com/markdave123-py/Somnia/internal/core/vector"
)

var _ core.EmbeddingProvider = (*HashEmbedder)(nil)

// HashEmbedder produces deterministic unit vectors from an MD5 digest of the
// text. It needs no network and backs local runs and tests.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 128
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) ModelVersion() string { return "hash/md5" }

func (h *HashEmbedder) Dimensions() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, core.Transient("hash embed", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, 0, core.Validation("hash embed", errors.New("empty text"))
	}

	start := time.Now()
	out := make([]float32, h.dim)
	hash := md5.Sum([]byte(text))
	for i := range out {
		idx := (i * 4) % len(hash)
		seed := binary.LittleEndian.Uint32(append(hash[idx:], hash[:4]...))
		out[i] = float32(seed%1000)/500.0 - 1.0
	}
	vector.Normalize(out)
	return out, time.Since(start), nil
}
