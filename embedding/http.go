package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	singleTimeout = 60 * time.Second
	batchTimeout  = 120 * time.Second
)

// ---------------------------------------------------------------------------
// Ollama-style endpoint (no auth)
// ---------------------------------------------------------------------------

// HTTP generates embeddings from an Ollama-compatible /api/embed endpoint.
// The request body is {"model": ..., "input": ...} where input is a string
// or an array of strings; the response carries {"embeddings": [[...], ...]}.
type HTTP struct {
	baseURL string
	model   string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTP creates an Ollama-style HTTP provider. Empty arguments default
// to http://localhost:11434 and nomic-embed-text.
func NewHTTP(baseURL, model string, log *zap.Logger) *HTTP {
	if log == nil {
		log = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: batchTimeout},
		log:     log,
	}
}

type httpEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (h *HTTP) post(ctx context.Context, input any, timeout time.Duration) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{"model": h.model, "input": input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Error("embedding request failed", zap.String("url", h.baseURL), zap.Error(err))
		return nil, fmt.Errorf("could not connect to embedding server at %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		h.log.Error("embedding server returned non-OK status",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return nil, fmt.Errorf("embedding server returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result httpEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding server returned no embeddings")
	}

	h.log.Debug("embedding request complete",
		zap.Int("vectors", len(result.Embeddings)),
		zap.Duration("latency", time.Since(start)))
	return result.Embeddings, nil
}

// Embed generates an embedding for a single text.
func (h *HTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := h.post(ctx, text, singleTimeout)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request,
// preserving input order.
func (h *HTTP) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := h.post(ctx, texts, batchTimeout)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}

// Dimension returns 0; the server decides the model's dimensionality.
func (h *HTTP) Dimension() int { return 0 }

// Name returns the provider name.
func (h *HTTP) Name() string { return fmt.Sprintf("http:%s", h.model) }

// ---------------------------------------------------------------------------
// Bearer-token endpoint (OpenAI-style)
// ---------------------------------------------------------------------------

// HTTPBearer generates embeddings from an OpenAI-compatible /embeddings
// endpoint with bearer-token auth. The response's data array is re-sorted
// by index so output order always matches input order.
type HTTPBearer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPBearer creates a bearer-token HTTP provider. The API key is
// required; base URL and model default to the OpenAI endpoint and
// text-embedding-3-small.
func NewHTTPBearer(baseURL, apiKey, model string, log *zap.Logger) (*HTTPBearer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if apiKey == "" {
		return nil, fmt.Errorf("an API key is required for the bearer-token embedding provider")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &HTTPBearer{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: batchTimeout},
		log:     log,
	}, nil
}

type bearerEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (h *HTTPBearer) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (h *HTTPBearer) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{"model": h.model, "input": texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	timeout := singleTimeout
	if len(texts) > 1 {
		timeout = batchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Error("embedding request failed", zap.String("url", h.baseURL), zap.Error(err))
		return nil, fmt.Errorf("could not connect to embedding API at %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		h.log.Error("embedding API returned non-OK status",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return nil, fmt.Errorf("embedding API error (%d): %s", resp.StatusCode, string(raw))
	}

	var result bearerEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	// Sort by index to guarantee the output matches the input order.
	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	vectors := make([][]float32, len(result.Data))
	for i, item := range result.Data {
		vectors[i] = item.Embedding
	}

	h.log.Debug("embedding request complete",
		zap.Int("vectors", len(vectors)),
		zap.Duration("latency", time.Since(start)))
	return vectors, nil
}

// Dimension returns 1536, the dimensionality of text-embedding-3-small.
func (h *HTTPBearer) Dimension() int { return 1536 }

// Name returns the provider name.
func (h *HTTPBearer) Name() string { return fmt.Sprintf("http-bearer:%s", h.model) }
