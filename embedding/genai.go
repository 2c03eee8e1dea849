package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// genaiMaxBatchSize is the maximum number of texts in a single GenAI batch
// request; the API rejects larger batches with a 400.
const genaiMaxBatchSize = 100

// GenAI generates embeddings using Google's Gemini API.
type GenAI struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGenAI creates a Gemini embedding provider. The API key is required;
// the model defaults to gemini-embedding-001.
func NewGenAI(apiKey, model string, log *zap.Logger) (*GenAI, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	log.Debug("GenAI embedding provider created", zap.String("model", model))
	return &GenAI{client: client, model: model, log: log}, nil
}

// Embed generates an embedding for a single text.
func (g *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.embedChunk(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Batches larger than
// the API limit are chunked and the results concatenated in input order.
func (g *GenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= genaiMaxBatchSize {
		return g.embedChunk(ctx, texts)
	}

	all := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + genaiMaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := g.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch chunk %d-%d failed: %w", start, end-1, err)
		}
		all = append(all, vectors...)
	}
	return all, nil
}

func (g *GenAI) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	start := time.Now()
	result, err := g.client.Models.EmbedContent(ctx, g.model, contents, nil)
	if err != nil {
		g.log.Error("GenAI embed failed",
			zap.Duration("latency", time.Since(start)), zap.Error(err))
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("GenAI returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	g.log.Debug("GenAI embed complete",
		zap.Int("vectors", len(vectors)),
		zap.Duration("latency", time.Since(start)))
	return vectors, nil
}

// Dimension returns 3072, the dimensionality of gemini-embedding-001.
func (g *GenAI) Dimension() int { return 3072 }

// Name returns the provider name.
func (g *GenAI) Name() string { return fmt.Sprintf("genai:%s", g.model) }
