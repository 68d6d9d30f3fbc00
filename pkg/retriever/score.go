package retriever

import (
	"sort"
	"strings"

	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

// Score weights. The structured boosts dwarf the distance component on
// purpose: an exact metadata match on a typed knowledge entry beats any
// embedding similarity.
const (
	keywordWeight     = 0.2
	sourceBoost       = 0.2
	intentTypeBoost   = 10.0
	schedulePenalty   = -5.0
	groupExactBoost   = 5.0
	groupLooseBoost   = 3.0
	dayExactBoost     = 3.0
	dayLooseBoost     = 1.5
	fieldTokenBoost   = 0.8
	structuredBonus   = 0.5
)

// intentTypeMatches maps each intent to the structured document type it
// should surface.
var intentTypeMatches = map[Intent]string{
	IntentEDT:       "emploi_du_temps",
	IntentEFM:       "efm",
	IntentParrain:   "parrain",
	IntentStage:     "stage",
	IntentDebouches: "debouches",
	IntentContact:   "institution",
	IntentRegles:    "institution",
}

// Scored is a candidate with its ranking breakdown.
type Scored struct {
	Candidate     types.Candidate
	DistanceScore float64
	KeywordScore  float64
	SourceScore   float64
	MetadataScore float64
	Final         float64
}

// scoreAll ranks candidates for a query, best first. Ties break on raw
// distance so identical queries rank identically.
func scoreAll(candidates []types.Candidate, a Analysis) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = score(c, a)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Final != scored[j].Final {
			return scored[i].Final > scored[j].Final
		}
		return scored[i].Candidate.Distance < scored[j].Candidate.Distance
	})
	return scored
}

// score computes the ranking breakdown of one candidate.
func score(c types.Candidate, a Analysis) Scored {
	s := Scored{Candidate: c}

	if c.Distance == types.UnknownDistance {
		s.DistanceScore = 0.5
	} else {
		s.DistanceScore = 1.0 / (c.Distance + 0.1)
	}

	s.KeywordScore = keywordWeight * float64(keywordHits(c.Document, a.Tokens))

	if a.DominantSource != "" && c.Document.MetaString("source_type") == a.DominantSource {
		s.SourceScore = sourceBoost
	}

	if c.Collection == vectorstore.KnowledgeCollection {
		s.MetadataScore = metadataBoost(c.Document, a)
	}

	s.Final = s.DistanceScore + s.KeywordScore + s.SourceScore + s.MetadataScore
	return s
}

// keywordHits counts query tokens occurring in the document text, title
// or keywords metadata.
func keywordHits(doc types.Document, tokens []string) int {
	haystack := strings.ToLower(doc.Text + " " + doc.MetaString("title") + " " + doc.MetaString("keywords"))
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			hits++
		}
	}
	return hits
}

// metadataBoost scores a structured knowledge entry against the query's
// detected entities.
func metadataBoost(doc types.Document, a Analysis) float64 {
	boost := structuredBonus
	docType := doc.MetaString("type")
	queryLower := strings.ToLower(a.Query)

	if a.Dominant != IntentNone {
		if wanted, ok := intentTypeMatches[a.Dominant]; ok && wanted == docType {
			boost += intentTypeBoost
		}
		if a.Dominant == IntentHoraires && strings.EqualFold(doc.MetaString("info_type"), "horaires") {
			boost += intentTypeBoost
		}
		// Schedule entries crowd out everything on keyword overlap
		// alone, so they are pushed down for every other intent.
		if a.Dominant != IntentEDT && docType == "emploi_du_temps" {
			boost += schedulePenalty
		}
	}

	if groupe := doc.MetaString("groupe"); groupe != "" {
		switch {
		case a.Group != "" && strings.EqualFold(groupe, a.Group):
			boost += groupExactBoost
		case strings.Contains(queryLower, strings.ToLower(groupe)):
			boost += groupLooseBoost
		}
	}

	if jour := doc.MetaString("jour"); jour != "" {
		switch {
		case a.Day != "" && strings.EqualFold(jour, a.Day):
			boost += dayExactBoost
		case strings.Contains(queryLower, strings.ToLower(jour)):
			boost += dayLooseBoost
		}
	}

	if fieldMatchesToken(doc.MetaString("module"), a.Tokens) {
		boost += fieldTokenBoost
	}
	if fieldMatchesToken(doc.MetaString("professeur"), a.Tokens) {
		boost += fieldTokenBoost
	}

	return boost
}

// fieldMatchesToken reports whether a metadata field contains any query
// token.
func fieldMatchesToken(field string, tokens []string) bool {
	if field == "" {
		return false
	}
	lower := strings.ToLower(field)
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// Thresholds of the adaptive distance guard. Distance filtering stays
// off below these: absolute cutoffs proved brittle across embedding
// providers with wildly different distance magnitudes.
const (
	guardMinPool      = 10
	guardMeanTrigger  = 1000.0
	guardDropFactor   = 1.5
)

// applyAdaptiveGuard drops far outliers, but only when the pool is
// large and the distances are clearly degenerate.
func applyAdaptiveGuard(scored []Scored) []Scored {
	if len(scored) <= guardMinPool {
		return scored
	}

	var sum float64
	counted := 0
	for _, s := range scored {
		if s.Candidate.Distance != types.UnknownDistance {
			sum += s.Candidate.Distance
			counted++
		}
	}
	if counted == 0 {
		return scored
	}
	mean := sum / float64(counted)
	if mean <= guardMeanTrigger {
		return scored
	}

	kept := scored[:0]
	for _, s := range scored {
		if s.Candidate.Distance == types.UnknownDistance || s.Candidate.Distance <= guardDropFactor*mean {
			kept = append(kept, s)
		}
	}
	return kept
}

// applySectionFilter is advisory: only a large pool gets filtered, and
// only candidates whose section is set and clearly unrelated drop out.
func applySectionFilter(scored []Scored, hint string) []Scored {
	if hint == "" || len(scored) <= guardMinPool {
		return scored
	}

	hintLower := strings.ToLower(hint)
	kept := scored[:0]
	for _, s := range scored {
		section := strings.ToLower(s.Candidate.Document.MetaString("section"))
		if section == "" || strings.Contains(section, hintLower) || strings.Contains(hintLower, section) {
			kept = append(kept, s)
		}
	}
	return kept
}
