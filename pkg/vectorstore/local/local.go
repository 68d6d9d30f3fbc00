// Package local implements the vectorstore port on plain files. Each
// collection is one directory under the store root holding a meta file
// and a document file; queries are exact cosine scans, which is fast
// enough for an index of a few thousand passages and needs no external
// service.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ntic-sm/istabot/pkg/math"
	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

const (
	metaFile = "meta.json"
	docsFile = "documents.json"
)

// Store keeps collections as subdirectories of a root path.
type Store struct {
	mu          sync.Mutex
	root        string
	collections map[string]*Collection
}

// NewStore opens (or creates) a store rooted at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &Store{
		root:        path,
		collections: make(map[string]*Collection),
	}, nil
}

// collectionMeta is the persisted collection descriptor. Embedder pins
// the embedding provider the vectors were produced with.
type collectionMeta struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Embedder  string    `json:"embedder"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenOrCreate returns a handle to the named collection. An existing
// collection is refused when its recorded dimension or embedder differs
// from the requested ones.
func (s *Store) OpenOrCreate(ctx context.Context, name string, dimension int, embedder string) (vectorstore.Collection, error) {
	if name == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("collection dimension must be positive, got %d", dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if err := c.check(dimension, embedder); err != nil {
			return nil, err
		}
		return c, nil
	}

	dir := filepath.Join(s.root, name)
	metaPath := filepath.Join(dir, metaFile)

	meta, err := readMeta(metaPath)
	switch {
	case err == nil:
		if meta.Dimension != dimension {
			return nil, fmt.Errorf("%w: collection %s holds %d-dim vectors, provider emits %d",
				vectorstore.ErrDimensionMismatch, name, meta.Dimension, dimension)
		}
		if meta.Embedder != embedder {
			return nil, fmt.Errorf("%w: collection %s was built under %q, active provider is %q",
				vectorstore.ErrEmbedderMismatch, name, meta.Embedder, embedder)
		}
	case errors.Is(err, os.ErrNotExist):
		meta = collectionMeta{
			Name:      name,
			Dimension: dimension,
			Embedder:  embedder,
			CreatedAt: time.Now().UTC(),
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create collection dir: %w", err)
		}
		if err := writeJSON(metaPath, meta); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("failed to read collection meta: %w", err)
	}

	c := &Collection{
		dir:  dir,
		meta: meta,
	}
	if err := c.load(); err != nil {
		return nil, err
	}

	s.collections[name] = c
	return c, nil
}

// Open returns a handle to an existing collection without checking the
// embedder. Serves inspection and reindexing, which must be able to
// read a collection built under a retired provider.
func (s *Store) Open(ctx context.Context, name string) (vectorstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	dir := filepath.Join(s.root, name)
	meta, err := readMeta(filepath.Join(dir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", vectorstore.ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection meta: %w", err)
	}

	c := &Collection{dir: dir, meta: meta}
	if err := c.load(); err != nil {
		return nil, err
	}
	s.collections[name] = c
	return c, nil
}

// List returns the names of every collection in the store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list store root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), metaFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a collection and its documents.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(filepath.Join(dir, metaFile)); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", vectorstore.ErrNotFound, name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	delete(s.collections, name)
	return nil
}

// Close releases the store. File handles are not held between calls, so
// there is nothing to tear down.
func (s *Store) Close() error {
	return nil
}

// Collection is one in-memory document set mirrored to disk.
type Collection struct {
	mu   sync.RWMutex
	dir  string
	meta collectionMeta

	docs  []types.Document
	byID  map[string]int
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.meta.Name
}

// check verifies the handle against a requested shape.
func (c *Collection) check(dimension int, embedder string) error {
	if c.meta.Dimension != dimension {
		return fmt.Errorf("%w: collection %s holds %d-dim vectors, provider emits %d",
			vectorstore.ErrDimensionMismatch, c.meta.Name, c.meta.Dimension, dimension)
	}
	if c.meta.Embedder != embedder {
		return fmt.Errorf("%w: collection %s was built under %q, active provider is %q",
			vectorstore.ErrEmbedderMismatch, c.meta.Name, c.meta.Embedder, embedder)
	}
	return nil
}

// load reads the document file into memory. A missing file is an empty
// collection.
func (c *Collection) load() error {
	c.byID = make(map[string]int)

	data, err := os.ReadFile(filepath.Join(c.dir, docsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read documents: %w", err)
	}

	if err := json.Unmarshal(data, &c.docs); err != nil {
		return fmt.Errorf("failed to parse documents: %w", err)
	}
	for i, d := range c.docs {
		c.byID[d.ID] = i
	}
	return nil
}

// Add inserts or upserts documents and persists the collection.
func (c *Collection) Add(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(d.Embedding) != c.meta.Dimension {
			return fmt.Errorf("%w: document %s has %d dims, collection %s expects %d",
				vectorstore.ErrDimensionMismatch, d.ID, len(d.Embedding), c.meta.Name, c.meta.Dimension)
		}
		if i, ok := c.byID[d.ID]; ok {
			c.docs[i] = d
		} else {
			c.byID[d.ID] = len(c.docs)
			c.docs = append(c.docs, d)
		}
	}

	return c.persist()
}

// Query returns the topK nearest candidates by cosine distance.
func (c *Collection) Query(ctx context.Context, vector []float32, topK int) ([]types.Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) != c.meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d dims, collection %s expects %d",
			vectorstore.ErrDimensionMismatch, len(vector), c.meta.Name, c.meta.Dimension)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := make([]types.Candidate, 0, len(c.docs))
	for i := range c.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates = append(candidates, types.Candidate{
			Document:   c.docs[i],
			Distance:   math.CosineDistance(vector, c.docs[i].Embedding),
			Collection: c.meta.Name,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// GetAll returns a copy of every document.
func (c *Collection) GetAll(ctx context.Context) ([]types.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Document, len(c.docs))
	copy(out, c.docs)
	return out, nil
}

// Count returns the number of documents.
func (c *Collection) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs), nil
}

// persist writes the document file atomically: full write to a temp
// file, then rename over the old one.
func (c *Collection) persist() error {
	return writeJSON(filepath.Join(c.dir, docsFile), c.docs)
}

// readMeta loads a collection descriptor.
func readMeta(path string) (collectionMeta, error) {
	var meta collectionMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("corrupt meta file %s: %w", path, err)
	}
	return meta, nil
}

// writeJSON marshals v and renames it into place so readers never see a
// half-written file.
func writeJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
