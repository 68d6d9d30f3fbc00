package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/config"
	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/llm"
	"github.com/ntic-sm/istabot/pkg/memory"
	"github.com/ntic-sm/istabot/pkg/metrics"
	"github.com/ntic-sm/istabot/pkg/telemetry"
	"github.com/ntic-sm/istabot/pkg/types"
)

func newNoopTracer(t *testing.T) *telemetry.Provider {
	t.Helper()
	p, err := telemetry.Init(context.Background(), telemetry.Config{Enabled: false})
	if err != nil {
		t.Fatalf("telemetry.Init: %v", err)
	}
	return p
}

// scrapeMetrics reads the exposition text off the private registry.
func scrapeMetrics(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func wantStageCount(t *testing.T, body, stage string, n string) {
	t.Helper()
	line := `istabot_stage_duration_seconds_count{stage="` + stage + `"} ` + n
	if !strings.Contains(body, line) {
		t.Errorf("metrics missing %q", line)
	}
}

type fakeGenerator struct {
	reply    string
	provider string
	chunks   []string
}

func (g *fakeGenerator) Providers() []string { return []string{g.provider} }

func (g *fakeGenerator) Generate(_ context.Context, _ []types.Message) (string, string, error) {
	return g.reply, g.provider, nil
}

func (g *fakeGenerator) GenerateStream(_ context.Context, _ []types.Message) (<-chan llm.Chunk, string, error) {
	ch := make(chan llm.Chunk, len(g.chunks))
	for _, tok := range g.chunks {
		ch <- llm.Chunk{Token: tok}
	}
	close(ch)
	return ch, g.provider, nil
}

type fakeMemory struct {
	saved int
}

func (m *fakeMemory) SaveTurn(_ context.Context, _, _, _ string) error { m.saved++; return nil }
func (m *fakeMemory) LoadContext(_ context.Context, _ string) ([]types.Message, error) {
	return nil, nil
}
func (m *fakeMemory) Clear(_ context.Context, _ string) error { return nil }
func (m *fakeMemory) Close() error                            { return nil }

func TestInstrumentedGeneratorRecordsStage(t *testing.T) {
	m := metrics.New()
	g := &instrumentedGenerator{
		inner:   &fakeGenerator{reply: "Bonjour !", provider: "groq"},
		metrics: m,
		tracer:  newNoopTracer(t),
	}

	reply, provider, err := g.Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "Bonjour !" || provider != "groq" {
		t.Errorf("reply=%q provider=%q", reply, provider)
	}

	wantStageCount(t, scrapeMetrics(t, m), "generate", "1")
}

func TestInstrumentedGeneratorStreamKeepsTokenOrder(t *testing.T) {
	m := metrics.New()
	g := &instrumentedGenerator{
		inner:   &fakeGenerator{provider: "groq", chunks: []string{"Bon", "jour", " !"}},
		metrics: m,
		tracer:  newNoopTracer(t),
	}

	ch, provider, err := g.GenerateStream(context.Background(), nil)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if provider != "groq" {
		t.Errorf("provider = %q", provider)
	}

	var got strings.Builder
	for chunk := range ch {
		got.WriteString(chunk.Token)
	}
	if got.String() != "Bonjour !" {
		t.Errorf("tokens = %q", got.String())
	}

	// The stage is recorded once the stream is fully forwarded.
	wantStageCount(t, scrapeMetrics(t, m), "generate", "1")
}

func TestInstrumentedMemoryRecordsPersist(t *testing.T) {
	m := metrics.New()
	inner := &fakeMemory{}
	s := &instrumentedMemory{inner: inner, metrics: m, tracer: newNoopTracer(t)}

	if err := s.SaveTurn(context.Background(), "u1", "q", "a"); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if inner.saved != 1 {
		t.Errorf("inner saves = %d, want 1", inner.saved)
	}

	wantStageCount(t, scrapeMetrics(t, m), "persist", "1")
}

func TestInstrumentedEmbedderRecordsStage(t *testing.T) {
	m := metrics.New()
	e := &instrumentedEmbedder{
		inner:   embedding.NewDummy(8),
		metrics: m,
		tracer:  newNoopTracer(t),
	}

	vec, err := e.Embed(context.Background(), "bonjour")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 || e.Dimension() != 8 {
		t.Errorf("vector dimension = %d", len(vec))
	}

	wantStageCount(t, scrapeMetrics(t, m), "embed", "1")
}

func TestInstrumentWiresEveryStage(t *testing.T) {
	a := &app{
		cfg:       config.DefaultConfig(),
		logger:    zap.NewNop(),
		embedder:  embedding.NewDummy(8),
		generator: llm.NewOrchestrator(nil, zap.NewNop()),
		memory:    memory.NewInMemoryStore(),
	}

	m := metrics.New()
	a.instrument(m, newNoopTracer(t))

	if a.engine == nil {
		t.Fatal("instrument left no engine")
	}
	if a.generator.OnFailover == nil {
		t.Error("failover hook not wired")
	}
}
