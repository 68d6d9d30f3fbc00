package cache

import (
	"context"
	"testing"

	"github.com/ntic-sm/istabot/pkg/types"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint("quels sont les horaires ?", "u1")
	b := Fingerprint("quels sont les horaires ?", "u1")
	if a != b {
		t.Error("same question and user should fingerprint identically")
	}
	if Fingerprint("quels sont les horaires ?", "u2") == a {
		t.Error("different users must not share a fingerprint")
	}
	if Fingerprint("autre question", "u1") == a {
		t.Error("different questions must not share a fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}

func TestResponseCacheRoundTrip(t *testing.T) {
	backing := NewMemoryCache(DefaultConfig())
	defer backing.Close()
	rc := NewResponseCache(backing)
	ctx := context.Background()

	stored := CachedResponse{
		Reply:    "Les cours commencent à 8h30.",
		Sources:  []types.Source{{URL: "https://example.com/horaires", Title: "Horaires"}},
		RAGUsed:  true,
		Language: "fr",
	}
	if err := rc.Store(ctx, "les horaires ?", "u1", stored); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := rc.Lookup(ctx, "les horaires ?", "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Reply != stored.Reply || !got.RAGUsed || got.Language != "fr" {
		t.Errorf("got %+v", got)
	}
	if len(got.Sources) != 1 || got.Sources[0].URL != stored.Sources[0].URL {
		t.Errorf("sources = %+v", got.Sources)
	}
}

func TestResponseCacheMiss(t *testing.T) {
	backing := NewMemoryCache(DefaultConfig())
	defer backing.Close()
	rc := NewResponseCache(backing)

	if _, err := rc.Lookup(context.Background(), "jamais posée", "u1"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResponseCacheIsolatesUsers(t *testing.T) {
	backing := NewMemoryCache(DefaultConfig())
	defer backing.Close()
	rc := NewResponseCache(backing)
	ctx := context.Background()

	rc.Store(ctx, "même question", "u1", CachedResponse{Reply: "réponse u1"})

	if _, err := rc.Lookup(ctx, "même question", "u2"); err != ErrNotFound {
		t.Errorf("u2 hit u1's cached answer: %v", err)
	}
}

func TestResponseCacheNormalizesNilSources(t *testing.T) {
	backing := NewMemoryCache(DefaultConfig())
	defer backing.Close()
	rc := NewResponseCache(backing)
	ctx := context.Background()

	rc.Store(ctx, "q", "u1", CachedResponse{Reply: "r"})
	got, err := rc.Lookup(ctx, "q", "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Sources == nil {
		t.Error("sources should deserialize as an empty slice, not nil")
	}
}
