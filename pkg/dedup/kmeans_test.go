package dedup

import (
	"context"
	"fmt"
	"testing"

	"github.com/ntic-sm/istabot/pkg/types"
)

func doc(id string, embedding []float32) types.Document {
	return types.Document{
		ID:        id,
		Text:      "contenu " + id,
		Embedding: embedding,
	}
}

func TestDeduplicateEmpty(t *testing.T) {
	e := NewEngine(DefaultConfig())
	res, err := e.Deduplicate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if res.TotalProcessed != 0 || len(res.UniqueDocuments) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestDeduplicateSingleDocument(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.05, Seed: 42})
	res, err := e.Deduplicate(context.Background(), []types.Document{
		doc("a", []float32{1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if len(res.UniqueDocuments) != 1 || res.DuplicateCount != 0 {
		t.Errorf("single document should survive: %+v", res)
	}
}

func TestDeduplicateExactDuplicates(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.05, K: 1, Seed: 42})

	docs := []types.Document{
		doc("a", []float32{1, 0, 0}),
		doc("b", []float32{1, 0, 0}),
		doc("c", []float32{1, 0, 0}),
	}

	res, err := e.Deduplicate(context.Background(), docs)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if len(res.UniqueDocuments) != 1 {
		t.Errorf("expected 1 unique document, got %d", len(res.UniqueDocuments))
	}
	if res.DuplicateCount != 2 {
		t.Errorf("expected 2 duplicates, got %d", res.DuplicateCount)
	}
	if res.TotalProcessed != 3 {
		t.Errorf("expected 3 processed, got %d", res.TotalProcessed)
	}
}

func TestDeduplicateKeepsDistinctDocuments(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.05, K: 1, Seed: 42})

	// Orthogonal embeddings: cosine distance 1.0, far above threshold.
	docs := []types.Document{
		doc("a", []float32{1, 0, 0}),
		doc("b", []float32{0, 1, 0}),
		doc("c", []float32{0, 0, 1}),
	}

	res, err := e.Deduplicate(context.Background(), docs)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if len(res.UniqueDocuments) != 3 {
		t.Errorf("expected 3 unique documents, got %d", len(res.UniqueDocuments))
	}
	if res.DuplicateCount != 0 {
		t.Errorf("expected 0 duplicates, got %d", res.DuplicateCount)
	}
}

func TestDeduplicateMixed(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.05, K: 2, Seed: 42})

	// Two tight groups: near-identical footer chunks and distinct content.
	docs := []types.Document{
		doc("footer1", []float32{1, 0, 0, 0}),
		doc("footer2", []float32{0.999, 0.001, 0, 0}),
		doc("footer3", []float32{0.998, 0.002, 0, 0}),
		doc("page1", []float32{0, 1, 0, 0}),
		doc("page2", []float32{0, 0, 1, 0}),
	}

	res, err := e.Deduplicate(context.Background(), docs)
	if err != nil {
		t.Fatalf("Deduplicate failed: %v", err)
	}
	if res.DuplicateCount < 2 {
		t.Errorf("expected at least 2 footer chunks dropped, got %d duplicates", res.DuplicateCount)
	}
	if len(res.UniqueDocuments) < 2 {
		t.Errorf("distinct pages should survive, got %d unique", len(res.UniqueDocuments))
	}

	// At least one footer representative must survive.
	footerSurvived := false
	for _, d := range res.UniqueDocuments {
		if d.ID == "footer1" || d.ID == "footer2" || d.ID == "footer3" {
			footerSurvived = true
		}
	}
	if !footerSurvived {
		t.Error("medoid of the footer cluster should be kept")
	}
}

func TestDeduplicateDeterministicWithSeed(t *testing.T) {
	docs := make([]types.Document, 0, 40)
	for i := 0; i < 40; i++ {
		v := float32(i%4) + 1
		docs = append(docs, doc(fmt.Sprintf("d%d", i), []float32{v, v * 2, v * 3}))
	}

	run := func() int {
		e := NewEngine(Config{Threshold: 0.05, Seed: 7})
		res, err := e.Deduplicate(context.Background(), docs)
		if err != nil {
			t.Fatalf("Deduplicate failed: %v", err)
		}
		return len(res.UniqueDocuments)
	}

	if a, b := run(), run(); a != b {
		t.Errorf("same seed produced different results: %d vs %d", a, b)
	}
}

func TestDeduplicateContextCancellation(t *testing.T) {
	e := NewEngine(Config{Threshold: 0.05, Seed: 42, MaxIterations: 100})

	docs := make([]types.Document, 0, 200)
	for i := 0; i < 200; i++ {
		docs = append(docs, doc(fmt.Sprintf("d%d", i), []float32{float32(i), float32(i % 7), float32(i % 13)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Deduplicate(ctx, docs); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestSavingsPercent(t *testing.T) {
	r := types.DeduplicationResult{DuplicateCount: 25, TotalProcessed: 100}
	if got := r.SavingsPercent(); got != 25 {
		t.Errorf("expected 25%%, got %f", got)
	}

	empty := types.DeduplicationResult{}
	if got := empty.SavingsPercent(); got != 0 {
		t.Errorf("expected 0%% for empty run, got %f", got)
	}
}
