// Package pinecone implements the vectorstore port on a Pinecone index.
// Logical collections map to namespaces inside one index, since Pinecone
// indexes are provisioned out of band and fix the dimension for all of
// them. The embedding provider a namespace was built under is recorded
// on a reserved meta vector so a mismatched provider is refused at open.
package pinecone

import (
	"context"
	"fmt"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

const (
	// metaVectorID is the reserved per-namespace meta vector.
	metaVectorID = "__istabot_meta__"

	// embedderKey is the metadata key carrying the embedder name.
	embedderKey = "__embedder"
)

// Config holds Pinecone connection settings.
type Config struct {
	// APIKey authenticates against Pinecone.
	APIKey string

	// IndexName is the index holding every collection namespace.
	IndexName string

	// IndexHost is the direct host URL; resolved from IndexName when
	// empty.
	IndexHost string
}

// Store implements vectorstore.Store on one Pinecone index.
type Store struct {
	cfg       Config
	pc        *pinecone.Client
	host      string
	dimension int
}

// NewStore connects to a Pinecone index.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.IndexName == "" && cfg.IndexHost == "" {
		return nil, fmt.Errorf("index name or host is required")
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	host := cfg.IndexHost
	dimension := 0
	if cfg.IndexName != "" {
		idx, err := pc.DescribeIndex(ctx, cfg.IndexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %q: %w", cfg.IndexName, err)
		}
		if host == "" {
			host = idx.Host
		}
		if idx.Dimension != nil {
			dimension = int(*idx.Dimension)
		}
	}

	return &Store{
		cfg:       cfg,
		pc:        pc,
		host:      host,
		dimension: dimension,
	}, nil
}

// connect opens an index connection scoped to one namespace.
func (s *Store) connect(namespace string) (*pinecone.IndexConnection, error) {
	conn, err := s.pc.Index(pinecone.NewIndexConnParams{
		Host:      s.host,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}
	return conn, nil
}

// OpenOrCreate returns a handle to the named collection namespace.
func (s *Store) OpenOrCreate(ctx context.Context, name string, dimension int, embedder string) (vectorstore.Collection, error) {
	if s.dimension != 0 && s.dimension != dimension {
		return nil, fmt.Errorf("%w: index %s holds %d-dim vectors, provider emits %d",
			vectorstore.ErrDimensionMismatch, s.cfg.IndexName, s.dimension, dimension)
	}

	conn, err := s.connect(name)
	if err != nil {
		return nil, err
	}

	c := &Collection{name: name, dimension: dimension, conn: conn}

	recorded, err := c.recordedEmbedder(ctx)
	if err != nil {
		return nil, err
	}
	switch recorded {
	case "":
		if err := c.writeEmbedder(ctx, embedder); err != nil {
			return nil, err
		}
	case embedder:
	default:
		return nil, fmt.Errorf("%w: collection %s was built under %q, active provider is %q",
			vectorstore.ErrEmbedderMismatch, name, recorded, embedder)
	}
	return c, nil
}

// Delete drops every vector of the collection namespace.
func (s *Store) Delete(ctx context.Context, name string) error {
	conn, err := s.connect(name)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	stats, err := conn.DescribeIndexStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read index stats: %w", err)
	}
	if _, ok := stats.Namespaces[name]; !ok {
		return fmt.Errorf("%w: %s", vectorstore.ErrNotFound, name)
	}

	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	return nil
}

// Close releases client resources. Per-collection connections are owned
// by the collection handles.
func (s *Store) Close() error {
	return nil
}

// Collection is a handle to one namespace.
type Collection struct {
	name      string
	dimension int
	conn      *pinecone.IndexConnection
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// writeEmbedder upserts the reserved meta vector. Its single non-zero
// component keeps Pinecone from rejecting an all-zero vector; queries
// filter it out by id.
func (c *Collection) writeEmbedder(ctx context.Context, embedder string) error {
	values := make([]float32, c.dimension)
	values[0] = 1

	meta, err := structpb.NewStruct(map[string]interface{}{embedderKey: embedder})
	if err != nil {
		return fmt.Errorf("failed to build meta payload: %w", err)
	}

	_, err = c.conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       metaVectorID,
		Values:   &values,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("failed to record embedder on %s: %w", c.name, err)
	}
	return nil
}

// recordedEmbedder reads the embedder name off the reserved meta vector.
func (c *Collection) recordedEmbedder(ctx context.Context) (string, error) {
	resp, err := c.conn.FetchVectors(ctx, []string{metaVectorID})
	if err != nil {
		return "", fmt.Errorf("failed to fetch meta vector of %s: %w", c.name, err)
	}
	vec, ok := resp.Vectors[metaVectorID]
	if !ok || vec.Metadata == nil {
		return "", nil
	}
	if v, ok := vec.Metadata.AsMap()[embedderKey].(string); ok {
		return v, nil
	}
	return "", nil
}

// Add upserts documents.
func (c *Collection) Add(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}

	vectors := make([]*pinecone.Vector, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != c.dimension {
			return fmt.Errorf("%w: document %s has %d dims, collection %s expects %d",
				vectorstore.ErrDimensionMismatch, d.ID, len(d.Embedding), c.name, c.dimension)
		}

		fields := make(map[string]interface{}, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			fields[k] = v
		}
		fields["text"] = d.Text

		meta, err := structpb.NewStruct(fields)
		if err != nil {
			return fmt.Errorf("failed to build metadata for %s: %w", d.ID, err)
		}

		values := d.Embedding
		vectors = append(vectors, &pinecone.Vector{
			Id:       d.ID,
			Values:   &values,
			Metadata: meta,
		})
	}

	if _, err := c.conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("upsert to %s failed: %w", c.name, err)
	}
	return nil
}

// Query returns the topK nearest candidates. Pinecone reports cosine
// similarity; candidates carry 1-similarity so smaller keeps meaning
// more similar across backends.
func (c *Collection) Query(ctx context.Context, vector []float32, topK int) ([]types.Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	// One extra in case the reserved meta vector makes the window.
	resp, err := c.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK + 1),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query in %s failed: %w", c.name, err)
	}

	candidates := make([]types.Candidate, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil || match.Vector.Id == metaVectorID {
			continue
		}
		candidates = append(candidates, types.Candidate{
			Document:   matchToDocument(match.Vector),
			Distance:   1 - float64(match.Score),
			Collection: c.name,
		})
		if len(candidates) == topK {
			break
		}
	}
	return candidates, nil
}

// GetAll pages through the namespace with list+fetch.
func (c *Collection) GetAll(ctx context.Context) ([]types.Document, error) {
	var (
		docs  []types.Document
		token *string
	)
	limit := uint32(99)

	for {
		page, err := c.conn.ListVectors(ctx, &pinecone.ListVectorsRequest{
			Limit:           &limit,
			PaginationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list in %s failed: %w", c.name, err)
		}

		ids := make([]string, 0, len(page.VectorIds))
		for _, id := range page.VectorIds {
			if id != nil && *id != metaVectorID {
				ids = append(ids, *id)
			}
		}

		if len(ids) > 0 {
			fetched, err := c.conn.FetchVectors(ctx, ids)
			if err != nil {
				return nil, fmt.Errorf("fetch in %s failed: %w", c.name, err)
			}
			for _, id := range ids {
				if vec, ok := fetched.Vectors[id]; ok {
					docs = append(docs, matchToDocument(vec))
				}
			}
		}

		token = page.NextPaginationToken
		if token == nil {
			return docs, nil
		}
	}
}

// Count returns the number of documents, excluding the meta vector.
func (c *Collection) Count(ctx context.Context) (int, error) {
	stats, err := c.conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("stats of %s failed: %w", c.name, err)
	}
	ns, ok := stats.Namespaces[c.name]
	if !ok {
		return 0, nil
	}
	n := int(ns.VectorCount)
	if n > 0 {
		n-- // reserved meta vector
	}
	return n, nil
}

// matchToDocument converts a Pinecone vector to a document.
func matchToDocument(vec *pinecone.Vector) types.Document {
	doc := types.Document{ID: vec.Id}
	if vec.Values != nil {
		doc.Embedding = *vec.Values
	}
	if vec.Metadata != nil {
		doc.Metadata = vec.Metadata.AsMap()
		if text, ok := doc.Metadata["text"].(string); ok {
			doc.Text = text
			delete(doc.Metadata, "text")
		}
	}
	return doc
}
