package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ntic-sm/istabot/pkg/types"
)

// stubProvider scripts a provider's behavior for chain tests.
type stubProvider struct {
	name   string
	reply  string
	err    error
	chunks []Chunk
	calls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Generate(ctx context.Context, messages []types.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubProvider) GenerateStream(ctx context.Context, messages []types.Message) (<-chan Chunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan Chunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func prompt() []types.Message {
	return []types.Message{types.UserMessage("bonjour")}
}

func TestOrchestratorNoProviders(t *testing.T) {
	o := NewOrchestrator(nil, nil)
	if _, _, err := o.Generate(context.Background(), prompt()); !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
	if _, _, err := o.GenerateStream(context.Background(), prompt()); !errors.Is(err, ErrNoProviders) {
		t.Errorf("stream err = %v, want ErrNoProviders", err)
	}
}

func TestOrchestratorFirstProviderWins(t *testing.T) {
	first := &stubProvider{name: "groq", reply: "salut"}
	second := &stubProvider{name: "gemini", reply: "never"}
	o := NewOrchestrator([]Provider{first, second}, nil)

	reply, provider, err := o.Generate(context.Background(), prompt())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "salut" || provider != "groq" {
		t.Errorf("got %q from %q", reply, provider)
	}
	if second.calls != 0 {
		t.Error("second provider called while first was healthy")
	}
}

func TestOrchestratorFallsOverOnFailure(t *testing.T) {
	first := &stubProvider{name: "groq", err: ErrRateLimited}
	second := &stubProvider{name: "gemini", reply: "de secours"}
	o := NewOrchestrator([]Provider{first, second}, nil)

	reply, provider, err := o.Generate(context.Background(), prompt())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "de secours" || provider != "gemini" {
		t.Errorf("got %q from %q", reply, provider)
	}
}

func TestOrchestratorExhaustion(t *testing.T) {
	o := NewOrchestrator([]Provider{
		&stubProvider{name: "groq", err: ErrInvalidAPIKey},
		&stubProvider{name: "gemini", err: ErrRateLimited},
	}, nil)

	_, _, err := o.Generate(context.Background(), prompt())
	if !errors.Is(err, ErrProvidersExhausted) {
		t.Fatalf("err = %v, want ErrProvidersExhausted", err)
	}
}

func TestOrchestratorStreamFailover(t *testing.T) {
	first := &stubProvider{name: "groq", err: fmt.Errorf("connection refused")}
	second := &stubProvider{name: "gemini", chunks: []Chunk{{Token: "bon"}, {Token: "jour"}}}
	o := NewOrchestrator([]Provider{first, second}, nil)

	stream, provider, err := o.GenerateStream(context.Background(), prompt())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if provider != "gemini" {
		t.Errorf("provider = %q, want gemini", provider)
	}
	text, err := Collect(stream)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "bonjour" {
		t.Errorf("text = %q", text)
	}
}

// A failure after the first token terminates the stream instead of
// replaying another provider on top of partial output.
func TestOrchestratorNoFailoverMidStream(t *testing.T) {
	first := &stubProvider{name: "groq", chunks: []Chunk{
		{Token: "bon"},
		{Err: fmt.Errorf("connection reset")},
	}}
	second := &stubProvider{name: "gemini", chunks: []Chunk{{Token: "never"}}}
	o := NewOrchestrator([]Provider{first, second}, nil)

	stream, _, err := o.GenerateStream(context.Background(), prompt())
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	text, err := Collect(stream)
	if err == nil {
		t.Fatal("expected mid-stream error to surface")
	}
	if text != "bon" {
		t.Errorf("partial text = %q, want %q", text, "bon")
	}
	if second.calls != 0 {
		t.Error("orchestrator failed over after the first token")
	}
}

func TestOrchestratorBreakerSkipsDeadProvider(t *testing.T) {
	dead := &stubProvider{name: "groq", err: fmt.Errorf("connection refused")}
	live := &stubProvider{name: "gemini", reply: "ok"}
	o := NewOrchestrator([]Provider{dead, live}, nil)

	ctx := context.Background()
	for i := 0; i < breakerFailureThreshold; i++ {
		if _, _, err := o.Generate(ctx, prompt()); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	callsBefore := dead.calls

	for i := 0; i < 3; i++ {
		if _, provider, err := o.Generate(ctx, prompt()); err != nil || provider != "gemini" {
			t.Fatalf("post-trip request: provider=%q err=%v", provider, err)
		}
	}
	if dead.calls != callsBefore {
		t.Errorf("tripped provider still called: %d -> %d", callsBefore, dead.calls)
	}
}

func TestOrchestratorProviders(t *testing.T) {
	o := NewOrchestrator([]Provider{
		&stubProvider{name: "groq"},
		&stubProvider{name: "gemini"},
		&stubProvider{name: "openai"},
	}, nil)

	got := o.Providers()
	want := []string{"groq", "gemini", "openai"}
	if len(got) != len(want) {
		t.Fatalf("Providers() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Providers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCollectStopsOnChunkError(t *testing.T) {
	out := make(chan Chunk, 3)
	out <- Chunk{Token: "a"}
	out <- Chunk{Err: fmt.Errorf("boom")}
	out <- Chunk{Token: "never"}
	close(out)

	text, err := Collect(out)
	if err == nil {
		t.Fatal("expected error")
	}
	if text != "a" {
		t.Errorf("text = %q", text)
	}
}
