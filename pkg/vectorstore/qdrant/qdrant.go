// Package qdrant implements the vectorstore port against a Qdrant
// server over gRPC. Collections are created with cosine distance; the
// embedding provider a collection was built under is recorded on a
// reserved meta point so a mismatched provider is refused at open.
package qdrant

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

// embedderKey is the payload key of the reserved meta point.
const embedderKey = "__embedder"

// Config holds Qdrant connection settings.
type Config struct {
	// Host is the Qdrant server hostname.
	Host string

	// GRPCPort is the gRPC port (default 6334).
	GRPCPort int

	// APIKey authenticates requests when the server requires it.
	APIKey string

	// UseTLS enables TLS for the connection.
	UseTLS bool
}

// Store implements vectorstore.Store on a Qdrant server.
type Store struct {
	cfg         Config
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// NewStore connects to a Qdrant server.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant at %s: %w", addr, err)
	}

	return &Store{
		cfg:         cfg,
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// auth attaches the API key to the outgoing context.
func (s *Store) auth(ctx context.Context) context.Context {
	if s.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.cfg.APIKey)
}

// OpenOrCreate returns a handle to the named collection, creating it
// with cosine distance when missing.
func (s *Store) OpenOrCreate(ctx context.Context, name string, dimension int, embedder string) (vectorstore.Collection, error) {
	ctx = s.auth(ctx)

	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", name, err)
	}

	c := &Collection{store: s, name: name, dimension: dimension}

	if exists.GetResult().GetExists() {
		info, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
		if err != nil {
			return nil, fmt.Errorf("failed to describe collection %s: %w", name, err)
		}
		size := collectionDimension(info)
		if size != 0 && size != dimension {
			return nil, fmt.Errorf("%w: collection %s holds %d-dim vectors, provider emits %d",
				vectorstore.ErrDimensionMismatch, name, size, dimension)
		}
		recorded, err := c.recordedEmbedder(ctx)
		if err != nil {
			return nil, err
		}
		if recorded != "" && recorded != embedder {
			return nil, fmt.Errorf("%w: collection %s was built under %q, active provider is %q",
				vectorstore.ErrEmbedderMismatch, name, recorded, embedder)
		}
		return c, nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	if err := c.writeEmbedder(ctx, embedder); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a collection.
func (s *Store) Delete(ctx context.Context, name string) error {
	ctx = s.auth(ctx)

	exists, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists.GetResult().GetExists() {
		return fmt.Errorf("%w: %s", vectorstore.ErrNotFound, name)
	}

	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", name, err)
	}
	return nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Collection is a handle to one Qdrant collection.
type Collection struct {
	store     *Store
	name      string
	dimension int
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// metaPointID derives the reserved meta point id for a collection.
func (c *Collection) metaPointID() *pb.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("istabot/meta/"+c.name))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
}

// writeEmbedder upserts the reserved meta point carrying the embedder
// name. Its vector is all zeros so it never wins a similarity query.
func (c *Collection) writeEmbedder(ctx context.Context, embedder string) error {
	_, err := c.store.points.Upsert(c.store.auth(ctx), &pb.UpsertPoints{
		CollectionName: c.name,
		Points: []*pb.PointStruct{{
			Id:      c.metaPointID(),
			Vectors: vectorsOf(make([]float32, c.dimension)),
			Payload: map[string]*pb.Value{
				embedderKey: {Kind: &pb.Value_StringValue{StringValue: embedder}},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to record embedder on %s: %w", c.name, err)
	}
	return nil
}

// recordedEmbedder reads the embedder name off the reserved meta point.
// An absent point (pre-existing external collection) reads as empty.
func (c *Collection) recordedEmbedder(ctx context.Context) (string, error) {
	resp, err := c.store.points.Get(c.store.auth(ctx), &pb.GetPoints{
		CollectionName: c.name,
		Ids:            []*pb.PointId{c.metaPointID()},
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to read meta point of %s: %w", c.name, err)
	}
	if len(resp.Result) == 0 {
		return "", nil
	}
	if v, ok := resp.Result[0].Payload[embedderKey]; ok {
		return v.GetStringValue(), nil
	}
	return "", nil
}

// Add upserts documents.
func (c *Collection) Add(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}

	points := make([]*pb.PointStruct, 0, len(docs))
	for _, d := range docs {
		if len(d.Embedding) != c.dimension {
			return fmt.Errorf("%w: document %s has %d dims, collection %s expects %d",
				vectorstore.ErrDimensionMismatch, d.ID, len(d.Embedding), c.name, c.dimension)
		}
		payload := mapToPayload(d.Metadata)
		payload["text"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: d.Text}}
		points = append(points, &pb.PointStruct{
			Id:      pointID(d.ID),
			Vectors: vectorsOf(d.Embedding),
			Payload: payload,
		})
	}

	_, err := c.store.points.Upsert(c.store.auth(ctx), &pb.UpsertPoints{
		CollectionName: c.name,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upsert to %s failed: %w", c.name, err)
	}
	return nil
}

// Query returns the topK nearest candidates. Qdrant reports cosine
// similarity; candidates carry 1-similarity so smaller keeps meaning
// more similar across backends.
func (c *Collection) Query(ctx context.Context, vector []float32, topK int) ([]types.Candidate, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Ask for one extra in case the meta point slips into the window.
	resp, err := c.store.points.Search(c.store.auth(ctx), &pb.SearchPoints{
		CollectionName: c.name,
		Vector:         vector,
		Limit:          uint64(topK + 1),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search in %s failed: %w", c.name, err)
	}

	candidates := make([]types.Candidate, 0, len(resp.Result))
	for _, point := range resp.Result {
		doc, ok := pointToDocument(point.Id, point.Payload, nil)
		if !ok {
			continue
		}
		candidates = append(candidates, types.Candidate{
			Document:   doc,
			Distance:   1 - float64(point.Score),
			Collection: c.name,
		})
		if len(candidates) == topK {
			break
		}
	}
	return candidates, nil
}

// GetAll scrolls the whole collection.
func (c *Collection) GetAll(ctx context.Context) ([]types.Document, error) {
	var (
		docs   []types.Document
		offset *pb.PointId
	)
	limit := uint32(256)

	for {
		resp, err := c.store.points.Scroll(c.store.auth(ctx), &pb.ScrollPoints{
			CollectionName: c.name,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
			WithVectors: &pb.WithVectorsSelector{
				SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("scroll of %s failed: %w", c.name, err)
		}

		for _, point := range resp.Result {
			var embedding []float32
			if point.Vectors != nil {
				if vec := point.Vectors.GetVector(); vec != nil {
					embedding = vec.Data
				}
			}
			if doc, ok := pointToDocument(point.Id, point.Payload, embedding); ok {
				docs = append(docs, doc)
			}
		}

		offset = resp.NextPageOffset
		if offset == nil {
			return docs, nil
		}
	}
}

// Count returns the number of documents, excluding the meta point.
func (c *Collection) Count(ctx context.Context) (int, error) {
	resp, err := c.store.points.Count(c.store.auth(ctx), &pb.CountPoints{
		CollectionName: c.name,
	})
	if err != nil {
		return 0, fmt.Errorf("count of %s failed: %w", c.name, err)
	}
	n := int(resp.GetResult().GetCount())
	if n > 0 {
		n-- // reserved meta point
	}
	return n, nil
}

// pointToDocument converts a Qdrant point, skipping the reserved meta
// point.
func pointToDocument(id *pb.PointId, payload map[string]*pb.Value, embedding []float32) (types.Document, bool) {
	meta := payloadToMap(payload)
	if _, isMeta := meta[embedderKey]; isMeta {
		return types.Document{}, false
	}

	doc := types.Document{Embedding: embedding, Metadata: meta}
	if id != nil {
		switch v := id.PointIdOptions.(type) {
		case *pb.PointId_Num:
			doc.ID = fmt.Sprintf("%d", v.Num)
		case *pb.PointId_Uuid:
			doc.ID = v.Uuid
		}
	}
	if text, ok := meta["text"].(string); ok {
		doc.Text = text
		delete(meta, "text")
	}
	if origID, ok := meta["doc_id"].(string); ok {
		doc.ID = origID
		delete(meta, "doc_id")
	}
	return doc, true
}

// pointID maps a document id to a Qdrant point id. Qdrant accepts only
// integers or UUIDs, so arbitrary ids hash to a stable UUID and the
// original rides in the payload.
func pointID(id string) *pb.PointId {
	if parsed, err := uuid.Parse(id); err == nil {
		return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: parsed.String()}}
	}
	derived := uuid.NewSHA1(uuid.NameSpaceURL, []byte("istabot/doc/"+id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: derived.String()}}
}

// collectionDimension extracts the configured vector size of a
// collection, or 0 when the info does not carry one.
func collectionDimension(info *pb.GetCollectionInfoResponse) int {
	return int(info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
}

// vectorsOf wraps raw values in the Qdrant vector envelope.
func vectorsOf(values []float32) *pb.Vectors {
	return &pb.Vectors{
		VectorsOptions: &pb.Vectors_Vector{
			Vector: &pb.Vector{Data: values},
		},
	}
}

// mapToPayload converts document metadata to Qdrant payload values. The
// original document id is carried under doc_id.
func mapToPayload(meta map[string]interface{}) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(meta)+2)
	for k, v := range meta {
		if val := toQdrantValue(v); val != nil {
			payload[k] = val
		}
	}
	return payload
}

// toQdrantValue converts one metadata value.
func toQdrantValue(v interface{}) *pb.Value {
	switch val := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: val}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: val}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(val)}}
	default:
		return nil
	}
}

// payloadToMap converts a Qdrant payload to document metadata.
func payloadToMap(payload map[string]*pb.Value) map[string]interface{} {
	result := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		result[k] = fromQdrantValue(v)
	}
	return result
}

// fromQdrantValue converts one payload value.
func fromQdrantValue(v *pb.Value) interface{} {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *pb.Value_NullValue:
		return nil
	case *pb.Value_DoubleValue:
		return val.DoubleValue
	case *pb.Value_IntegerValue:
		return val.IntegerValue
	case *pb.Value_StringValue:
		return val.StringValue
	case *pb.Value_BoolValue:
		return val.BoolValue
	case *pb.Value_ListValue:
		if val.ListValue == nil {
			return nil
		}
		list := make([]interface{}, len(val.ListValue.Values))
		for i, item := range val.ListValue.Values {
			list[i] = fromQdrantValue(item)
		}
		return list
	case *pb.Value_StructValue:
		if val.StructValue == nil {
			return nil
		}
		return payloadToMap(val.StructValue.Fields)
	default:
		return nil
	}
}
