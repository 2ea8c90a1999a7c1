package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/Somnia/internal/core"
)

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)

type GeminiEmbedder struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	modelName string
	dim       int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	em := cl.EmbeddingModel(modelName)
	em.TaskType = genai.TaskTypeSemanticSimilarity
	return &GeminiEmbedder{client: cl, model: em, modelName: modelName, dim: dim}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) ModelVersion() string { return "gemini/" + g.modelName }

func (g *GeminiEmbedder) Dimensions() int { return g.dim }

// Embed calls EmbedContent for a single text. Rejected input comes back as a
// validation error; everything else is left retryable.
func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, time.Duration, error) {
	if strings.TrimSpace(text) == "" {
		return nil, 0, core.Validation("gemini embed", errors.New("empty text"))
	}

	start := time.Now()
	resp, err := g.model.EmbedContent(ctx, genai.Text(text))
	took := time.Since(start)
	if err != nil {
		return nil, took, classifyGeminiError(err)
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, took, core.Transient("gemini embed", errors.New("empty embedding in response"))
	}
	if g.dim > 0 && len(resp.Embedding.Values) != g.dim {
		return nil, took, core.Validation("gemini embed",
			fmt.Errorf("model %s returned %d dimensions, want %d", g.modelName, len(resp.Embedding.Values), g.dim))
	}
	return resp.Embedding.Values, took, nil
}

func classifyGeminiError(err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return core.Validation("gemini embed", err)
		}
	}
	return core.Transient("gemini embed", err)
}
