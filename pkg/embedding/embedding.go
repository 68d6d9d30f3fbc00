// Package embedding maps text to fixed-dimension vectors. Concrete
// providers live in subpackages (local, hfapi, ollama); this package
// holds the shared interface, the LRU cache and the fallback chain that
// picks one working provider at startup.
package embedding

import (
	"context"
	"errors"
)

// Common errors returned by embedding providers.
var (
	ErrEmptyInput     = errors.New("empty input text")
	ErrRateLimited    = errors.New("rate limited by embedding provider")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrServiceLoading = errors.New("embedding model is still loading")
	ErrUnavailable    = errors.New("embedding provider unavailable")
)

// Provider defines the interface for text embedding services.
type Provider interface {
	// Embed converts a single text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vector embeddings.
	// More efficient than calling Embed multiple times. Results keep
	// the input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for this provider.
	Dimension() int

	// Name identifies the active provider. Collections record it at
	// creation and refuse to open under a different one.
	Name() string
}

// Pinger is implemented by providers that can cheaply report whether
// their backing service is reachable. The chain prefers it over a probe
// embedding for providers that substitute degraded output on error.
type Pinger interface {
	Ping(ctx context.Context) error
}
