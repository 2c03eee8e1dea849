package embedding

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Model is an in-process embedding model. Implementations wrap whatever
// local inference runtime the host application links in.
type Model interface {
	Encode(text string) ([]float32, error)
	Dimension() int
}

// ModelLoader constructs a Model. Loading typically pulls weights into
// memory, so Local defers it to the first Embed call.
type ModelLoader func() (Model, error)

// Local delegates to an in-process model that is lazily loaded on first
// use, keeping construction cheap until embeddings are actually needed.
type Local struct {
	loader ModelLoader
	log    *zap.Logger

	once    sync.Once
	model   Model
	loadErr error
}

// NewLocal creates a Local provider around a model loader.
func NewLocal(loader ModelLoader, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{loader: loader, log: log}
}

func (l *Local) load() (Model, error) {
	l.once.Do(func() {
		l.log.Info("loading local embedding model")
		l.model, l.loadErr = l.loader()
		if l.loadErr != nil {
			l.log.Error("local embedding model failed to load", zap.Error(l.loadErr))
		}
	})
	if l.loadErr != nil {
		return nil, fmt.Errorf("local embedding model unavailable: %w", l.loadErr)
	}
	return l.model, nil
}

// Embed encodes a single text with the local model.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	model, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return model.Encode(text)
}

// EmbedBatch encodes each text sequentially, preserving input order.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := l.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimension returns the model's dimensionality, or 0 before first load.
func (l *Local) Dimension() int {
	if l.model == nil {
		return 0
	}
	return l.model.Dimension()
}

// Name returns "local".
func (l *Local) Name() string { return "local" }
