package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/types"
)

// memCollection is an in-memory Collection for pipeline tests. failEvery
// makes every Nth Add call fail permanently.
type memCollection struct {
	mu        sync.Mutex
	docs      map[string]types.Document
	addCalls  int
	failEvery int
}

func newMemCollection() *memCollection {
	return &memCollection{docs: make(map[string]types.Document)}
}

func (c *memCollection) Name() string { return "test_collection" }

func (c *memCollection) Add(_ context.Context, docs []types.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addCalls++
	if c.failEvery > 0 && c.addCalls%c.failEvery == 0 {
		return errors.New("store unavailable")
	}
	for _, d := range docs {
		c.docs[d.ID] = d
	}
	return nil
}

func (c *memCollection) Query(context.Context, []float32, int) ([]types.Candidate, error) {
	return nil, nil
}

func (c *memCollection) GetAll(context.Context) ([]types.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Document, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, d)
	}
	return out, nil
}

func (c *memCollection) Count(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs), nil
}

func makeDocs(n int) []types.Document {
	docs := make([]types.Document, n)
	for i := range docs {
		docs[i] = types.Document{
			ID:       "doc_" + strconv.Itoa(i),
			Text:     fmt.Sprintf("document numéro %d", i),
			Metadata: map[string]interface{}{"type": "test"},
		}
	}
	return docs
}

func TestPipelineIngestAll(t *testing.T) {
	coll := newMemCollection()
	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 10, Workers: 4})

	stats, err := p.IngestDocuments(context.Background(), coll, makeDocs(95), nil)
	if err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}

	if stats.TotalDocuments != 95 {
		t.Errorf("expected 95 total, got %d", stats.TotalDocuments)
	}
	if stats.IndexedDocuments != 95 {
		t.Errorf("expected 95 indexed, got %d", stats.IndexedDocuments)
	}
	if stats.FailedDocuments != 0 {
		t.Errorf("expected 0 failed, got %d", stats.FailedDocuments)
	}
	if stats.BatchesProcessed != 10 {
		t.Errorf("expected 10 batches (9 full + 1 partial), got %d", stats.BatchesProcessed)
	}

	count, _ := coll.Count(context.Background())
	if count != 95 {
		t.Errorf("expected 95 stored documents, got %d", count)
	}
}

func TestPipelineEmbedsDocuments(t *testing.T) {
	coll := newMemCollection()
	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 5, Workers: 1})

	if _, err := p.IngestDocuments(context.Background(), coll, makeDocs(5), nil); err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}

	stored, _ := coll.GetAll(context.Background())
	for _, d := range stored {
		if len(d.Embedding) != 8 {
			t.Errorf("doc %s: expected 8-dim embedding, got %d", d.ID, len(d.Embedding))
		}
	}
}

func TestPipelineCountsFailedBatches(t *testing.T) {
	coll := newMemCollection()
	// Each failing batch is retried MaxRetries+1 times; failEvery=1
	// makes every attempt fail so whole batches land in FailedDocuments.
	coll.failEvery = 1

	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 10, Workers: 2, MaxRetries: 1})

	stats, err := p.IngestDocuments(context.Background(), coll, makeDocs(20), nil)
	if err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}

	if stats.FailedDocuments != 20 {
		t.Errorf("expected 20 failed, got %d", stats.FailedDocuments)
	}
	if stats.IndexedDocuments != 0 {
		t.Errorf("expected 0 indexed, got %d", stats.IndexedDocuments)
	}
	if stats.BatchesProcessed != 2 {
		t.Errorf("expected 2 batches, got %d", stats.BatchesProcessed)
	}
}

func TestPipelineRetriesTransientFailures(t *testing.T) {
	coll := newMemCollection()
	// First attempt of each batch fails, the retry succeeds.
	coll.failEvery = 2
	coll.addCalls = 1

	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 10, Workers: 1, MaxRetries: 3})

	stats, err := p.IngestDocuments(context.Background(), coll, makeDocs(10), nil)
	if err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}
	if stats.IndexedDocuments != 10 {
		t.Errorf("expected 10 indexed after retry, got %d", stats.IndexedDocuments)
	}
	if stats.FailedDocuments != 0 {
		t.Errorf("expected 0 failed, got %d", stats.FailedDocuments)
	}
}

func TestPipelineProgressCallback(t *testing.T) {
	coll := newMemCollection()
	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 10, Workers: 2})

	var mu sync.Mutex
	var final Stats
	calls := 0

	_, err := p.IngestDocuments(context.Background(), coll, makeDocs(30), func(s Stats) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		final = s
	})
	if err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls == 0 {
		t.Fatal("progress callback never called")
	}
	if final.IndexedDocuments != 30 {
		t.Errorf("final progress should report 30 indexed, got %d", final.IndexedDocuments)
	}
}

func TestPipelineEmptyInput(t *testing.T) {
	coll := newMemCollection()
	p := NewPipeline(embedding.NewDummy(8), Config{})

	stats, err := p.IngestDocuments(context.Background(), coll, nil, nil)
	if err != nil {
		t.Fatalf("IngestDocuments failed: %v", err)
	}
	if stats.TotalDocuments != 0 || stats.BatchesProcessed != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

func TestPipelineContextCancellation(t *testing.T) {
	coll := newMemCollection()
	p := NewPipeline(embedding.NewDummy(8), Config{BatchSize: 1, Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.IngestDocuments(ctx, coll, makeDocs(100), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStatsThroughput(t *testing.T) {
	now := time.Now()
	s := Stats{
		IndexedDocuments: 100,
		StartTime:        now.Add(-2 * time.Second),
		EndTime:          now,
	}
	if got := s.DocumentsPerSecond(); got < 49 || got > 51 {
		t.Errorf("expected ~50 docs/s, got %f", got)
	}
	if s.Duration() != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", s.Duration())
	}
}
