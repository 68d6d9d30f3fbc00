package cmd

import (
	"context"
	"time"

	"github.com/ntic-sm/istabot/pkg/cache"
	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/engine"
	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/memory"
	"github.com/ntic-sm/istabot/pkg/metrics"
	"github.com/ntic-sm/istabot/pkg/retriever"
	"github.com/ntic-sm/istabot/pkg/telemetry"
	"github.com/ntic-sm/istabot/pkg/types"
)

// instrumentedEmbedder observes the query embedding stage.
type instrumentedEmbedder struct {
	inner   embedding.Provider
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
}

func (e *instrumentedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := e.tracer.StartEmbedding(ctx, e.inner.Name())
	defer span.End()

	start := time.Now()
	vec, err := e.inner.Embed(ctx, text)
	e.metrics.RecordStage("embed", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return vec, err
}

func (e *instrumentedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := e.tracer.StartEmbedding(ctx, e.inner.Name())
	defer span.End()

	start := time.Now()
	vecs, err := e.inner.EmbedBatch(ctx, texts)
	e.metrics.RecordStage("embed", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return vecs, err
}

func (e *instrumentedEmbedder) Dimension() int { return e.inner.Dimension() }
func (e *instrumentedEmbedder) Name() string   { return e.inner.Name() }

// instrumentedRetriever observes the retrieval stage: latency histogram
// and a retrieval span per query.
type instrumentedRetriever struct {
	inner   engine.ContextRetriever
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
	backend string
}

func (r *instrumentedRetriever) Retrieve(ctx context.Context, query string, nResults int, sectionHint string) (string, []types.Source) {
	ctx, span := r.tracer.StartRetrieval(ctx, nResults, r.backend)
	defer span.End()

	start := time.Now()
	text, sources := r.inner.Retrieve(ctx, query, nResults, sectionHint)
	r.metrics.RecordStage("retrieve", time.Since(start))
	return text, sources
}

// instrumentedGenerator observes the completion stage. The span covers
// the whole provider chain; for streams it stays open until the last
// token is forwarded.
type instrumentedGenerator struct {
	inner   engine.Generator
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
}

func (g *instrumentedGenerator) Providers() []string { return g.inner.Providers() }

func (g *instrumentedGenerator) head() string {
	if names := g.inner.Providers(); len(names) > 0 {
		return names[0]
	}
	return ""
}

func (g *instrumentedGenerator) Generate(ctx context.Context, messages []types.Message) (string, string, error) {
	ctx, span := g.tracer.StartGeneration(ctx, g.head(), false)
	defer span.End()

	start := time.Now()
	reply, provider, err := g.inner.Generate(ctx, messages)
	g.metrics.RecordStage("generate", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return reply, provider, err
}

func (g *instrumentedGenerator) GenerateStream(ctx context.Context, messages []types.Message) (<-chan llm.Chunk, string, error) {
	ctx, span := g.tracer.StartGeneration(ctx, g.head(), true)

	start := time.Now()
	inner, provider, err := g.inner.GenerateStream(ctx, messages)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return inner, provider, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer func() {
			g.metrics.RecordStage("generate", time.Since(start))
			span.End()
			close(out)
		}()
		for chunk := range inner {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, provider, nil
}

// instrumentedMemory observes the persistence stage.
type instrumentedMemory struct {
	inner   memory.Store
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
}

func (s *instrumentedMemory) SaveTurn(ctx context.Context, userID, userMsg, assistantMsg string) error {
	ctx, span := s.tracer.StartPersist(ctx, userID)
	defer span.End()

	start := time.Now()
	err := s.inner.SaveTurn(ctx, userID, userMsg, assistantMsg)
	s.metrics.RecordStage("persist", time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

func (s *instrumentedMemory) LoadContext(ctx context.Context, userID string) ([]types.Message, error) {
	return s.inner.LoadContext(ctx, userID)
}

func (s *instrumentedMemory) Clear(ctx context.Context, userID string) error {
	return s.inner.Clear(ctx, userID)
}

func (s *instrumentedMemory) Close() error { return s.inner.Close() }

// instrumentedResponses observes response cache lookups.
type instrumentedResponses struct {
	inner   engine.ResponseStore
	metrics *metrics.Metrics
	tracer  *telemetry.Provider
}

func (s *instrumentedResponses) Lookup(ctx context.Context, message, userID string) (*cache.CachedResponse, error) {
	ctx, span := s.tracer.StartCacheLookup(ctx, cache.Fingerprint(message, userID))
	defer span.End()

	resp, err := s.inner.Lookup(ctx, message, userID)
	s.metrics.RecordCacheLookup(err == nil)
	return resp, err
}

func (s *instrumentedResponses) Store(ctx context.Context, message, userID string, resp cache.CachedResponse) error {
	return s.inner.Store(ctx, message, userID, resp)
}

// instrument rebuilds the app engine with every pipeline stage observed:
// embed, retrieve, generate, persist and cache lookups. Called by the
// server; the CLI commands run uninstrumented.
func (a *app) instrument(m *metrics.Metrics, tracer *telemetry.Provider) {
	a.generator.OnFailover = m.RecordFailover

	embedder := &instrumentedEmbedder{inner: a.embedder, metrics: m, tracer: tracer}
	r := retriever.New(embedder, a.collections, retriever.Config{
		NResults:    a.cfg.Retrieval.NResults,
		MaxPassages: a.cfg.Retrieval.MaxPassages,
		Logger:      a.logger,
	})

	var responses engine.ResponseStore
	if a.responses != nil {
		responses = &instrumentedResponses{inner: a.responses, metrics: m, tracer: tracer}
	}

	counters := make([]engine.KnowledgeCounter, 0, len(a.collections))
	for _, coll := range a.collections {
		counters = append(counters, coll)
	}

	a.engine = engine.New(engine.Config{
		Retriever: &instrumentedRetriever{
			inner:   r,
			metrics: m,
			tracer:  tracer,
			backend: a.cfg.Store.Backend,
		},
		Generator:   &instrumentedGenerator{inner: a.generator, metrics: m, tracer: tracer},
		Memory:      &instrumentedMemory{inner: a.memory, metrics: m, tracer: tracer},
		Responses:   responses,
		Collections: counters,
		NResults:    a.cfg.Retrieval.NResults,
		Logger:      a.logger,
	})
}
