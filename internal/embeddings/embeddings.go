// Package embeddings turns text into fixed-length vectors for similarity
// search. Providers are Ollama and any OpenAI-compatible endpoint; an
// optional in-memory cache sits in front of either.
package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mnemon/internal/config"
)

// Embedder is the interface every embedding provider implements.
type Embedder interface {
	// Generate returns the embedding vector for text.
	Generate(ctx context.Context, text string) ([]float32, error)
}

// ServiceError reports a failed or timed-out embedding call.
type ServiceError struct {
	Provider string
	Status   int // HTTP status, 0 when the request never completed
	Err      error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s embedding failed (HTTP %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s embedding failed: %v", e.Provider, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// New builds the embedder selected by cfg.Provider, wrapped in a cache
// when cfg.CacheTTLSec is positive.
func New(cfg config.EmbeddingsConfig, logger *slog.Logger) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "openai":
		e = NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions, cfg.Timeout())
	case "ollama":
		e = NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout())
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	if cfg.Dimensions > 0 {
		e = WithDimensions(e, cfg.Dimensions)
	}
	if cfg.CacheTTLSec > 0 {
		ttl := time.Duration(cfg.CacheTTLSec) * time.Second
		e = NewCached(e, ttl)
		logger.Debug("embedding cache enabled", "ttl", ttl)
	}
	return e, nil
}

// WithDimensions rejects vectors whose length differs from dims, so a
// misconfigured model fails the call instead of corrupting the index.
func WithDimensions(e Embedder, dims int) Embedder {
	return dimensionChecked{next: e, dims: dims}
}

type dimensionChecked struct {
	next Embedder
	dims int
}

func (d dimensionChecked) Generate(ctx context.Context, text string) ([]float32, error) {
	v, err := d.next.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(v) != d.dims {
		return nil, fmt.Errorf("embedding has %d dimensions, configured for %d", len(v), d.dims)
	}
	return v, nil
}
