// Package embedding provides pluggable vector embedding providers for
// semantic search. Variants: Noop (keyword-only fallback), Local
// (in-process model, lazily loaded), HTTP (Ollama-style endpoint), HTTP
// with bearer auth (OpenAI-style endpoint), and Google GenAI.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider generates vector embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving
	// input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of embeddings, or 0 when not
	// known ahead of time.
	Dimension() int

	// Name returns the provider name for logging.
	Name() string
}

// Config selects and configures a provider by name.
type Config struct {
	// Provider: "none", "local", "http", "http-bearer" or "genai".
	Provider string `yaml:"provider" json:"provider"`

	// HTTP configuration (Ollama-style endpoint).
	BaseURL string `yaml:"base_url" json:"base_url"` // default "http://localhost:11434"
	Model   string `yaml:"model" json:"model"`       // default "nomic-embed-text"

	// Bearer-token configuration (OpenAI-style endpoint).
	APIKey string `yaml:"api_key" json:"api_key"`

	// GenAI configuration.
	GenAIAPIKey string `yaml:"genai_api_key" json:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model" json:"genai_model"` // default "gemini-embedding-001"
}

// DefaultConfig returns sensible defaults: no embeddings, keyword search
// only. Zero ML dependencies until a real provider is selected.
func DefaultConfig() Config {
	return Config{Provider: "none"}
}

// New creates a provider from configuration.
func New(cfg Config, log *zap.Logger) (Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch cfg.Provider {
	case "", "none", "noop":
		return Noop{}, nil
	case "http", "ollama":
		return NewHTTP(cfg.BaseURL, cfg.Model, log), nil
	case "http-bearer", "openai":
		return NewHTTPBearer(cfg.BaseURL, cfg.APIKey, cfg.Model, log)
	case "genai":
		return NewGenAI(cfg.GenAIAPIKey, cfg.GenAIModel, log)
	}
	return nil, fmt.Errorf("unknown embedding provider %q (use none, local, http, http-bearer or genai)", cfg.Provider)
}

// IsNoop reports whether the provider is the keyword-only fallback. The
// recall pipeline uses this to skip vector search entirely.
func IsNoop(p Provider) bool {
	_, ok := p.(Noop)
	return ok
}

// Noop is a no-operation provider: it always returns an empty vector,
// signalling that recall must fall back to keyword search.
type Noop struct{}

// Embed returns nil.
func (Noop) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

// EmbedBatch returns one nil vector per input.
func (Noop) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

// Dimension returns 0.
func (Noop) Dimension() int { return 0 }

// Name returns "noop".
func (Noop) Name() string { return "noop" }
