package retriever

import (
	"context"
	"strings"
	"testing"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/embedding/local"
	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
	localstore "github.com/ntic-sm/istabot/pkg/vectorstore/local"
)

// newTestIndex builds a retriever over freshly seeded local collections.
func newTestIndex(t *testing.T, knowledge, website []types.Document) *Retriever {
	t.Helper()
	ctx := context.Background()
	encoder := local.New()

	store, err := localstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	seed := func(name string, docs []types.Document) vectorstore.Collection {
		coll, err := store.OpenOrCreate(ctx, name, encoder.Dimension(), encoder.Name())
		if err != nil {
			t.Fatalf("OpenOrCreate %s: %v", name, err)
		}
		for i := range docs {
			vec, err := encoder.Embed(ctx, docs[i].Text)
			if err != nil {
				t.Fatalf("embed seed: %v", err)
			}
			docs[i].Embedding = vec
		}
		if err := coll.Add(ctx, docs); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
		return coll
	}

	collections := []vectorstore.Collection{
		seed(vectorstore.WebsiteCollection, website),
		seed(vectorstore.KnowledgeCollection, knowledge),
	}
	return New(encoder, collections, Config{NResults: 3})
}

func scheduleDoc(id, groupe, jour string) types.Document {
	return types.Document{
		ID:   id,
		Text: "Emploi du temps " + groupe + " " + jour + " Développement Web",
		Metadata: map[string]interface{}{
			"type":       "emploi_du_temps",
			"groupe":     groupe,
			"jour":       jour,
			"heure":      "08:30-11:00",
			"module":     "Développement Web",
			"professeur": "M. Alami",
			"salle":      "B12",
		},
	}
}

func TestRetrieveScheduleExactGroupAndDay(t *testing.T) {
	knowledge := []types.Document{
		scheduleDoc("edt1", "NTIC2-FS201", "lundi"),
		scheduleDoc("edt2", "NTIC2-DEV104", "mardi"),
	}
	website := []types.Document{{
		ID:   "w1",
		Text: "Présentation générale de la formation",
		Metadata: map[string]interface{}{
			"title": "Formation", "url": "https://example.com/formation", "section": "formation",
		},
	}}

	r := newTestIndex(t, knowledge, website)
	contextStr, sources := r.Retrieve(context.Background(), "emploi du temps NTIC2-FS201 lundi", 3, "")

	for _, label := range []string{"📅 Groupe: NTIC2-FS201", "🕐 Jour: lundi 08:30-11:00", "📚 Module: Développement Web", "👨‍🏫 Professeur: M. Alami", "🏫 Salle: B12"} {
		if !strings.Contains(contextStr, label) {
			t.Errorf("context missing %q:\n%s", label, contextStr)
		}
	}
	if strings.Contains(contextStr, "NTIC2-DEV104") {
		t.Error("wrong group's schedule surfaced")
	}
	// Structured entries carry no URL: no sources.
	if len(sources) != 0 {
		t.Errorf("expected no sources, got %v", sources)
	}
}

func TestRetrieveCareersBeatsScheduleNoise(t *testing.T) {
	knowledge := []types.Document{
		scheduleDoc("edt1", "NTIC2-DEV104", "lundi"),
		{
			ID:   "deb1",
			Text: "Débouchés développement: développeur web, développeur mobile, ingénieur logiciel",
			Metadata: map[string]interface{}{
				"type":    "debouches",
				"filiere": "developpement",
			},
		},
	}

	r := newTestIndex(t, knowledge, nil)
	contextStr, _ := r.Retrieve(context.Background(), "quels sont les débouchés pour la filière développement", 3, "")

	if !strings.Contains(contextStr, "développeur web") {
		t.Errorf("prospects entry did not win:\n%s", contextStr)
	}
	if strings.Contains(contextStr, "Salle") {
		t.Errorf("schedule entry leaked into context:\n%s", contextStr)
	}
}

func TestRetrieveWebsiteFallback(t *testing.T) {
	website := []types.Document{{
		ID:   "w1",
		Text: "Les portails de l'établissement ferment le vendredi à 18h30.",
		Metadata: map[string]interface{}{
			"title":    "Horaires portails vendredi PM",
			"url":      "https://example.com/horaires",
			"section":  "pratique",
			"keywords": "horaires,portail,vendredi",
		},
	}}

	r := newTestIndex(t, nil, website)
	contextStr, sources := r.Retrieve(context.Background(), "horaires portails vendredi", 3, "")

	if !strings.Contains(contextStr, "Titre: Horaires portails vendredi PM") {
		t.Errorf("website chunk missing title:\n%s", contextStr)
	}
	if !strings.Contains(contextStr, "URL source: https://example.com/horaires") {
		t.Errorf("website chunk missing URL:\n%s", contextStr)
	}
	if len(sources) != 1 || sources[0].URL != "https://example.com/horaires" {
		t.Errorf("unexpected sources: %v", sources)
	}
}

func TestRetrieveIdempotent(t *testing.T) {
	knowledge := []types.Document{scheduleDoc("edt1", "NTIC2-FS201", "lundi")}
	r := newTestIndex(t, knowledge, nil)

	ctx := context.Background()
	c1, s1 := r.Retrieve(ctx, "emploi du temps NTIC2-FS201", 3, "")
	c2, s2 := r.Retrieve(ctx, "emploi du temps NTIC2-FS201", 3, "")

	if c1 != c2 {
		t.Error("identical queries yielded different contexts")
	}
	if len(s1) != len(s2) {
		t.Error("identical queries yielded different sources")
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r := newTestIndex(t, nil, nil)
	contextStr, sources := r.Retrieve(context.Background(), "emploi du temps", 3, "")
	if contextStr != "" || len(sources) != 0 {
		t.Errorf("empty index must yield empty context, got %q / %v", contextStr, sources)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	r := newTestIndex(t, nil, nil)
	if contextStr, _ := r.Retrieve(context.Background(), "   ", 3, ""); contextStr != "" {
		t.Errorf("blank query must yield empty context, got %q", contextStr)
	}
}

// failingCollection simulates a store outage.
type failingCollection struct{ name string }

func (f *failingCollection) Name() string { return f.name }
func (f *failingCollection) Add(context.Context, []types.Document) error {
	return vectorstore.ErrNotFound
}
func (f *failingCollection) Query(context.Context, []float32, int) ([]types.Candidate, error) {
	return nil, vectorstore.ErrNotFound
}
func (f *failingCollection) GetAll(context.Context) ([]types.Document, error) {
	return nil, vectorstore.ErrNotFound
}
func (f *failingCollection) Count(context.Context) (int, error) {
	return 0, vectorstore.ErrNotFound
}

func TestRetrieveSurvivesStoreOutage(t *testing.T) {
	encoder := local.New()
	r := New(encoder, []vectorstore.Collection{
		&failingCollection{name: vectorstore.WebsiteCollection},
		&failingCollection{name: vectorstore.KnowledgeCollection},
	}, Config{})

	contextStr, sources := r.Retrieve(context.Background(), "emploi du temps", 3, "")
	if contextStr != "" || sources != nil {
		t.Errorf("outage must degrade to empty context, got %q / %v", contextStr, sources)
	}
}

// failingEmbedder always errors, forcing the keyword-scan path.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, embedding.ErrUnavailable
}
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, embedding.ErrUnavailable
}
func (failingEmbedder) Dimension() int { return 384 }
func (failingEmbedder) Name() string   { return "failing" }

func TestRetrieveKeywordFallbackWhenEmbeddingDown(t *testing.T) {
	ctx := context.Background()
	encoder := local.New()

	store, err := localstore.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	coll, err := store.OpenOrCreate(ctx, vectorstore.WebsiteCollection, encoder.Dimension(), encoder.Name())
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	doc := types.Document{
		ID:   "w1",
		Text: "Les portails ouvrent à 8h00 tous les jours.",
		Metadata: map[string]interface{}{
			"title": "Portails", "url": "https://example.com/portails",
		},
	}
	vec, _ := encoder.Embed(ctx, doc.Text)
	doc.Embedding = vec
	if err := coll.Add(ctx, []types.Document{doc}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := New(failingEmbedder{}, []vectorstore.Collection{coll}, Config{})
	contextStr, _ := r.Retrieve(ctx, "horaires des portails", 3, "")
	if !strings.Contains(contextStr, "portails ouvrent") {
		t.Errorf("keyword fallback did not surface the chunk:\n%s", contextStr)
	}
}

func TestSearchReturnsRankedCandidates(t *testing.T) {
	knowledge := []types.Document{
		scheduleDoc("edt1", "NTIC2-FS201", "lundi"),
		scheduleDoc("edt2", "NTIC2-DEV104", "mardi"),
	}
	r := newTestIndex(t, knowledge, nil)

	got := r.Search(context.Background(), "emploi du temps NTIC2-FS201", 2)
	if len(got) == 0 {
		t.Fatal("no candidates")
	}
	if got[0].Candidate.Document.ID != "edt1" {
		t.Errorf("expected edt1 first, got %s", got[0].Candidate.Document.ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Final > got[i-1].Final {
			t.Errorf("ranking not descending at %d", i)
		}
	}
}
