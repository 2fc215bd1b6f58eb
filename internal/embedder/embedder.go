// Package embedder turns text into fixed-dimension float vectors. Two
// backends: an OpenAI-compatible remote endpoint and a deterministic local
// hash-projection model that needs no network (the default, and what tests
// use).
package embedder

import (
	"context"
	"fmt"

	"github.com/devforgehq/forged/internal/config"
)

// Embedder produces fixed-dimension embeddings.
type Embedder interface {
	// Embed vectorizes one text. The returned slice always has Dimension()
	// entries.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the fixed output width.
	Dimension() int

	// Provenance tags the persisted index with the embedding source so a
	// store built by one model is never queried with another's vectors.
	Provenance() string
}

// New builds the configured embedder.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(cfg.Dimension), nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
