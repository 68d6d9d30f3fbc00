// Package vectorstore defines the persistent collection port the
// retriever and the ingestion pipeline work against. Backends live in
// subpackages: local (file-backed, the default), qdrant and pinecone.
package vectorstore

import (
	"context"
	"errors"

	"github.com/ntic-sm/istabot/pkg/types"
)

// The two logical collections of the knowledge base.
const (
	// WebsiteCollection holds scraped site pages, chunked.
	WebsiteCollection = "website_content"

	// KnowledgeCollection holds structured institutional entries
	// (schedules, exams, sponsors, rules, prospects).
	KnowledgeCollection = "ista_documents"
)

// Common errors returned by vector stores.
var (
	ErrNotFound          = errors.New("collection not found")
	ErrDimensionMismatch = errors.New("embedding dimension does not match collection")
	ErrEmbedderMismatch  = errors.New("collection belongs to a different embedding provider")
)

// Collection is a read/write handle to one named document set. A
// collection is bound to the embedding provider it was created under;
// opening it with another provider is refused so mixed-provider vectors
// can never cohabit.
type Collection interface {
	// Name returns the collection name.
	Name() string

	// Add inserts or upserts documents. Implementations write in
	// batches and retry transient failures per batch.
	Add(ctx context.Context, docs []types.Document) error

	// Query returns the topK nearest candidates by cosine distance,
	// closest first.
	Query(ctx context.Context, vector []float32, topK int) ([]types.Candidate, error)

	// GetAll returns every document. Serves the keyword-scan fallback
	// and inspection; not a hot path.
	GetAll(ctx context.Context) ([]types.Document, error)

	// Count returns the number of documents.
	Count(ctx context.Context) (int, error)
}

// Store owns named persistent collections.
type Store interface {
	// OpenOrCreate returns a handle to the named collection, creating
	// it when missing. An existing collection is refused with
	// ErrDimensionMismatch or ErrEmbedderMismatch when it was built
	// under a different shape or provider.
	OpenOrCreate(ctx context.Context, name string, dimension int, embedder string) (Collection, error)

	// Delete removes a collection and its documents. Deleting a
	// missing collection returns ErrNotFound.
	Delete(ctx context.Context, name string) error

	// Close releases backend resources.
	Close() error
}

// Opener is implemented by stores that can open an existing collection
// without the shape check. Reindexing uses it to read collections built
// under a retired embedding provider.
type Opener interface {
	Open(ctx context.Context, name string) (Collection, error)
}

// Lister is implemented by stores that can enumerate their collections.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}
