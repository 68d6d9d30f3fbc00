// Package retriever turns a natural-language question into grounding
// context: it detects intent and entities with deterministic rules,
// expands the query, fans out over every knowledge collection, re-ranks
// candidates on metadata matches, and renders the winners into the
// prompt block. It never fails: any embedding or store fault degrades
// to an empty context so the engine can still answer from the LLM alone.
package retriever

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ntic-sm/istabot/pkg/embedding"
	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

// maxQueryK caps how many candidates one collection contributes.
const maxQueryK = 20

// Config holds retriever settings.
type Config struct {
	// NResults is the default candidate window per request.
	NResults int

	// MaxPassages bounds how many passages reach the prompt. One terse
	// passage is the default; widen for callers that want breadth.
	MaxPassages int

	Logger *zap.Logger
}

// Retriever answers context requests over a set of collections.
type Retriever struct {
	embedder    embedding.Provider
	collections []vectorstore.Collection
	logger      *zap.Logger
	nResults    int
	maxPassages int

	// missingLogged remembers collections already reported missing, so
	// an absent index logs once per process instead of per query.
	missingMu     sync.Mutex
	missingLogged map[string]bool
}

// New creates a retriever over the given collections. Handles are
// read-only: the retriever never writes to a collection.
func New(embedder embedding.Provider, collections []vectorstore.Collection, cfg Config) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	nResults := cfg.NResults
	if nResults <= 0 {
		nResults = 3
	}
	maxPassages := cfg.MaxPassages
	if maxPassages <= 0 {
		maxPassages = 1
	}

	return &Retriever{
		embedder:      embedder,
		collections:   collections,
		logger:        logger,
		nResults:      nResults,
		maxPassages:   maxPassages,
		missingLogged: make(map[string]bool),
	}
}

// Retrieve returns the rendered context and its sources for a query.
// nResults <= 0 uses the configured default; sectionHint is advisory.
// Retrieve never returns an error: faults degrade to an empty context.
func (r *Retriever) Retrieve(ctx context.Context, query string, nResults int, sectionHint string) (string, []types.Source) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	if nResults <= 0 {
		nResults = r.nResults
	}

	a := Analyze(query)
	candidates := r.collect(ctx, a, nResults)
	if len(candidates) == 0 {
		return "", nil
	}

	scored := scoreAll(candidates, a)
	filtered := applySectionFilter(applyAdaptiveGuard(scored), sectionHint)

	// Filtering must never silence an answerable query: fall back to
	// the unfiltered ranking rather than returning nothing.
	if len(filtered) == 0 {
		filtered = scored
		if len(filtered) > nResults {
			filtered = filtered[:nResults]
		}
	}

	if len(filtered) > r.maxPassages {
		filtered = filtered[:r.maxPassages]
	}
	return renderContext(filtered)
}

// Search returns the ranked candidate list without rendering. Serves
// the inspection tooling and the MCP search tool.
func (r *Retriever) Search(ctx context.Context, query string, topK int) []Scored {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = r.nResults
	}

	a := Analyze(query)
	scored := scoreAll(r.collect(ctx, a, topK), a)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// collect gathers candidates from every collection, falling back to a
// keyword scan when similarity search yields nothing.
func (r *Retriever) collect(ctx context.Context, a Analysis, nResults int) []types.Candidate {
	topK := 4 * nResults
	if topK > maxQueryK {
		topK = maxQueryK
	}

	var candidates []types.Candidate
	if vec := r.embedQuery(ctx, a.Expanded); vec != nil {
		candidates = r.queryAll(ctx, vec, topK)
	}
	if len(candidates) == 0 {
		candidates = r.keywordScan(ctx, a)
	}
	return candidates
}

// embedQuery embeds the expanded query, degrading to nil on failure.
func (r *Retriever) embedQuery(ctx context.Context, expanded string) []float32 {
	vec, err := r.embedder.Embed(ctx, expanded)
	if err != nil {
		r.logger.Warn("query embedding failed, falling back to keyword scan", zap.Error(err))
		return nil
	}
	return vec
}

// queryAll fans the similarity query out over every collection in
// parallel and merges the results. A failing collection contributes
// nothing; it never fails the whole retrieval.
func (r *Retriever) queryAll(ctx context.Context, vec []float32, topK int) []types.Candidate {
	results := make([][]types.Candidate, len(r.collections))

	g, gctx := errgroup.WithContext(ctx)
	for i, coll := range r.collections {
		i, coll := i, coll
		g.Go(func() error {
			got, err := coll.Query(gctx, vec, topK)
			if err != nil {
				r.logCollectionFault(coll.Name(), err)
				return nil
			}
			results[i] = got
			return nil
		})
	}
	_ = g.Wait()

	var merged []types.Candidate
	for _, batch := range results {
		merged = append(merged, batch...)
	}
	return merged
}

// keywordScan linearly scans every collection counting query-token hits
// (tokens longer than three runes) and keeps documents with at least
// one. The last resort when the vector query returns nothing.
func (r *Retriever) keywordScan(ctx context.Context, a Analysis) []types.Candidate {
	tokens := queryTokens(strings.ToLower(a.Query), 3)
	if len(tokens) == 0 {
		return nil
	}

	var candidates []types.Candidate
	for _, coll := range r.collections {
		docs, err := coll.GetAll(ctx)
		if err != nil {
			r.logCollectionFault(coll.Name(), err)
			continue
		}
		for _, doc := range docs {
			haystack := strings.ToLower(doc.Text + " " + doc.MetaString("title") + " " + doc.MetaString("keywords"))
			for _, tok := range tokens {
				if strings.Contains(haystack, tok) {
					candidates = append(candidates, types.Candidate{
						Document:   doc,
						Distance:   0,
						Collection: coll.Name(),
					})
					break
				}
			}
		}
	}
	return candidates
}

// logCollectionFault logs a store failure, demoting a missing
// collection to a once-per-process notice.
func (r *Retriever) logCollectionFault(name string, err error) {
	if errors.Is(err, vectorstore.ErrNotFound) {
		r.missingMu.Lock()
		defer r.missingMu.Unlock()
		if !r.missingLogged[name] {
			r.missingLogged[name] = true
			r.logger.Warn("collection missing, serving without it", zap.String("collection", name))
		}
		return
	}
	r.logger.Warn("collection query failed", zap.String("collection", name), zap.Error(err))
}
