package ingest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

// Config holds ingestion pipeline configuration.
type Config struct {
	// BatchSize is the number of documents per store write.
	BatchSize int

	// Workers is the number of concurrent embed-and-upload workers.
	Workers int

	// MaxRetries bounds the per-batch retry loop on transient store
	// failures.
	MaxRetries int

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults for ingestion.
func DefaultConfig() Config {
	return Config{
		BatchSize:  100,
		Workers:    runtime.NumCPU(),
		MaxRetries: 3,
	}
}

// Pipeline embeds documents and writes them to a collection in
// parallel batches.
type Pipeline struct {
	cfg      Config
	embedder embedding.Provider
	stats    *Stats
}

// Stats tracks ingestion progress.
type Stats struct {
	TotalDocuments   int64
	IndexedDocuments int64
	FailedDocuments  int64
	BatchesProcessed int64
	StartTime        time.Time
	EndTime          time.Time
}

// Duration returns the total processing duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// DocumentsPerSecond returns the throughput.
func (s *Stats) DocumentsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.IndexedDocuments) / d
}

// ProgressCallback is called periodically with current stats.
type ProgressCallback func(stats Stats)

// NewPipeline creates an ingestion pipeline over an embedding provider.
func NewPipeline(embedder embedding.Provider, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Pipeline{
		cfg:      cfg,
		embedder: embedder,
		stats:    &Stats{},
	}
}

// IngestDocuments embeds the documents and writes them to the
// collection. Failed batches are counted and logged; the pipeline keeps
// going so one bad batch does not abort a long run.
func (p *Pipeline) IngestDocuments(ctx context.Context, coll vectorstore.Collection, docs []types.Document, progress ProgressCallback) (*Stats, error) {
	p.stats = &Stats{
		StartTime:      time.Now(),
		TotalDocuments: int64(len(docs)),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batchCh := make(chan []types.Document, p.cfg.Workers*2)

	// Batcher
	go func() {
		defer close(batchCh)
		for start := 0; start < len(docs); start += p.cfg.BatchSize {
			end := start + p.cfg.BatchSize
			if end > len(docs) {
				end = len(docs)
			}
			select {
			case batchCh <- docs[start:end]:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Workers
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.uploadWorker(ctx, coll, batchCh)
		}()
	}

	// Progress reporter
	if progress != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					progress(p.GetStats())
				}
			}
		}()
	}

	wg.Wait()
	p.stats.EndTime = time.Now()

	if progress != nil {
		progress(p.GetStats())
	}
	if err := ctx.Err(); err != nil {
		return p.statsCopy(), err
	}
	return p.statsCopy(), nil
}

// uploadWorker embeds and writes batches until the channel drains.
func (p *Pipeline) uploadWorker(ctx context.Context, coll vectorstore.Collection, batches <-chan []types.Document) {
	for batch := range batches {
		if ctx.Err() != nil {
			return
		}

		if err := p.indexBatch(ctx, coll, batch); err != nil {
			p.cfg.Logger.Warn("batch failed",
				zap.String("collection", coll.Name()),
				zap.Int("size", len(batch)),
				zap.Error(err))
			atomic.AddInt64(&p.stats.FailedDocuments, int64(len(batch)))
		} else {
			atomic.AddInt64(&p.stats.IndexedDocuments, int64(len(batch)))
		}
		atomic.AddInt64(&p.stats.BatchesProcessed, 1)
	}
}

// indexBatch embeds one batch and writes it with exponential-backoff
// retries on transient store failures.
func (p *Pipeline) indexBatch(ctx context.Context, coll vectorstore.Collection, batch []types.Document) error {
	texts := make([]string, len(batch))
	for i, doc := range batch {
		texts[i] = doc.Text
	}

	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	embedded := make([]types.Document, len(batch))
	copy(embedded, batch)
	for i := range embedded {
		embedded[i].Embedding = vectors[i]
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.cfg.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		return coll.Add(ctx, embedded)
	}, policy)
}

// GetStats returns a snapshot of the current statistics.
func (p *Pipeline) GetStats() Stats {
	return Stats{
		TotalDocuments:   atomic.LoadInt64(&p.stats.TotalDocuments),
		IndexedDocuments: atomic.LoadInt64(&p.stats.IndexedDocuments),
		FailedDocuments:  atomic.LoadInt64(&p.stats.FailedDocuments),
		BatchesProcessed: atomic.LoadInt64(&p.stats.BatchesProcessed),
		StartTime:        p.stats.StartTime,
		EndTime:          p.stats.EndTime,
	}
}

func (p *Pipeline) statsCopy() *Stats {
	s := p.GetStats()
	return &s
}
