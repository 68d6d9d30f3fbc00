package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ntic-sm/istabot/pkg/embedding"
)

// probeFake is a provider whose probe outcome is scripted.
type probeFake struct {
	name      string
	embedErr  error
	pingErr   error
	pingable  bool
	pingCalls int
}

func (f *probeFake) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return make([]float32, 3), nil
}

func (f *probeFake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *probeFake) Dimension() int { return 3 }
func (f *probeFake) Name() string   { return f.name }

// pingFake additionally implements embedding.Pinger.
type pingFake struct {
	probeFake
}

func (f *pingFake) Ping(_ context.Context) error {
	f.pingCalls++
	return f.pingErr
}

func TestPick_LatchesFirstHealthy(t *testing.T) {
	broken := &probeFake{name: "broken", embedErr: errors.New("down")}
	healthy := &probeFake{name: "healthy"}
	never := &probeFake{name: "never"}

	got := pick(context.Background(), []embedding.Provider{broken, healthy, never},
		time.Second, zap.NewNop())

	if got.Name() != "healthy" {
		t.Errorf("expected healthy provider latched, got %s", got.Name())
	}
}

func TestPick_AllFailYieldsDummy(t *testing.T) {
	a := &probeFake{name: "a", embedErr: errors.New("down")}
	b := &probeFake{name: "b", embedErr: errors.New("down")}

	got := pick(context.Background(), []embedding.Provider{a, b}, time.Second, zap.NewNop())

	if got.Name() != "dummy" {
		t.Errorf("expected dummy fallback, got %s", got.Name())
	}
	vec, err := got.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("dummy must never fail: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("expected 384-dim degraded vectors, got %d", len(vec))
	}
}

func TestPick_PrefersPingOverEmbedProbe(t *testing.T) {
	// Embed succeeds (degraded zero vectors) but Ping reports the
	// daemon as down; the chain must not latch it.
	daemon := &pingFake{probeFake: probeFake{name: "daemon"}}
	daemon.pingErr = errors.New("connection refused")
	healthy := &probeFake{name: "healthy"}

	got := pick(context.Background(), []embedding.Provider{daemon, healthy},
		time.Second, zap.NewNop())

	if got.Name() != "healthy" {
		t.Errorf("expected fallback past unreachable daemon, got %s", got.Name())
	}
	if daemon.pingCalls != 1 {
		t.Errorf("expected one ping probe, got %d", daemon.pingCalls)
	}
}

func TestCandidates_PrimaryOrdering(t *testing.T) {
	tests := []struct {
		primary string
		first   string
	}{
		{"", "local"},
		{"local", "local"},
		{"apiA", "hf:sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2"},
		{"hf", "hf:sentence-transformers/paraphrase-multilingual-MiniLM-L12-v2"},
		{"apiB", "ollama:llama3.2:1b"},
		{"ollama", "ollama:llama3.2:1b"},
		{"unknown", "local"},
	}

	for _, tt := range tests {
		cands := candidates(Config{Primary: tt.primary})
		if len(cands) != 3 {
			t.Fatalf("primary %q: expected 3 candidates, got %d", tt.primary, len(cands))
		}
		if cands[0].Name() != tt.first {
			t.Errorf("primary %q: expected first candidate %s, got %s",
				tt.primary, tt.first, cands[0].Name())
		}

		// No provider may appear twice.
		seen := map[string]bool{}
		for _, c := range cands {
			if seen[c.Name()] {
				t.Errorf("primary %q: duplicate candidate %s", tt.primary, c.Name())
			}
			seen[c.Name()] = true
		}
	}
}
