package retriever

import (
	"regexp"
	"strings"
	"unicode"
)

// Intent labels one recognized question family.
type Intent string

// Recognized intents.
const (
	IntentNone      Intent = ""
	IntentRentree   Intent = "rentree"
	IntentEFM       Intent = "efm"
	IntentStage     Intent = "stage"
	IntentEDT       Intent = "edt"
	IntentRegles    Intent = "regles"
	IntentNotif     Intent = "notif"
	IntentLive      Intent = "live"
	IntentDebouches Intent = "debouches"
	IntentParrain   Intent = "parrain"
	IntentContact   Intent = "contact"
	IntentHoraires  Intent = "horaires"
)

// Source types the two collections carry.
const (
	SourceSite = "site"
	SourceApp  = "app"
)

// intentRule maps trigger words to an intent and the source type that
// intent implies.
type intentRule struct {
	intent Intent
	source string
	terms  []string
}

// intentRules is evaluated in order; the first match is the dominant
// intent. The order is part of the contract: "emploi" triggers both edt
// and debouches, and must resolve to edt.
var intentRules = []intentRule{
	{IntentRentree, SourceSite, []string{"rentree", "rentrée", "inscription", "dossier", "nouveaux"}},
	{IntentEFM, SourceSite, []string{"efm", "examen", "convocation", "regional", "régional", "controle", "contrôle"}},
	{IntentStage, SourceSite, []string{"stage", "entreprise", "convention", "stagiaire"}},
	{IntentEDT, SourceSite, []string{"emploi", "edt", "planning", "horaire", "seance", "séance", "cours"}},
	{IntentRegles, SourceSite, []string{"blouse", "badge", "acces", "accès", "reglement", "règlement", "interdit"}},
	{IntentNotif, SourceApp, []string{"notification", "push", "alerte"}},
	{IntentLive, SourceApp, []string{"monitoring", "temps reel", "temps réel", "live", "direct"}},
	{IntentDebouches, SourceSite, []string{"emploi", "metier", "métier", "carriere", "carrière", "debouches", "débouchés", "salaire", "travail"}},
	{IntentParrain, SourceSite, []string{"parrain", "mentor", "responsable"}},
	{IntentContact, SourceSite, []string{"contact", "email", "telephone", "téléphone", "adresse"}},
	{IntentHoraires, SourceSite, []string{"ouverture", "portail", "fermeture"}},
}

// groupPattern extracts a class group such as "ntic2-fs201" or "dev101".
var groupPattern = regexp.MustCompile(`(?i)(?:ntic2[- ]?)?(fs|dev|id|ge)(\d{3})`)

// frenchDays in scan order.
var frenchDays = []string{"lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi", "dimanche"}

// Analysis is everything the retriever derives from a raw query. The
// derivation is deterministic rules, no model.
type Analysis struct {
	// Query is the raw input.
	Query string

	// Expanded is the retrieval form: the query plus expansion terms.
	Expanded string

	// Intents are every matched intent, in rule order.
	Intents []Intent

	// Dominant is the first matched intent and steers metadata boosts.
	Dominant Intent

	// DominantSource is the source type the dominant intent implies.
	DominantSource string

	// Group is the canonical class group (NTIC2-FS201) or empty.
	Group string

	// Day is the detected French weekday or empty.
	Day string

	// Language is "ar" when the query carries Arabic script, else "fr".
	Language string

	// Tokens are the lowercased query words longer than two runes.
	Tokens []string
}

// Analyze runs query understanding on a raw query.
func Analyze(query string) Analysis {
	lower := strings.ToLower(query)

	a := Analysis{
		Query:    query,
		Language: detectLanguage(query),
		Group:    detectGroup(query),
		Day:      detectDay(lower),
		Tokens:   queryTokens(lower, 2),
	}

	var expansion []string
	seen := make(map[string]bool)
	for _, rule := range intentRules {
		if !matchesRule(lower, rule) {
			continue
		}
		a.Intents = append(a.Intents, rule.intent)
		if a.Dominant == IntentNone {
			a.Dominant = rule.intent
			a.DominantSource = rule.source
		}
		for _, term := range rule.terms {
			if !seen[term] {
				seen[term] = true
				expansion = append(expansion, term)
			}
		}
	}

	// A detected group dominates expansion: schedule wording plus the
	// canonical group pulls the right structured entries regardless of
	// how the question was phrased.
	switch {
	case a.Group != "":
		a.Expanded = query + " " + a.Group + " groupe emploi temps"
	case len(expansion) > 0:
		a.Expanded = query + " " + strings.Join(expansion, " ")
	default:
		a.Expanded = query
	}

	return a
}

// HasIntent reports whether the analysis matched the given intent.
func (a Analysis) HasIntent(intent Intent) bool {
	for _, it := range a.Intents {
		if it == intent {
			return true
		}
	}
	return false
}

// matchesRule reports whether any trigger word occurs in the query.
func matchesRule(lower string, rule intentRule) bool {
	for _, term := range rule.terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// detectLanguage returns "ar" when any rune is Arabic script, else "fr".
func detectLanguage(query string) string {
	for _, r := range query {
		if unicode.Is(unicode.Arabic, r) {
			return "ar"
		}
	}
	return "fr"
}

// detectGroup extracts and canonicalizes a class group reference.
func detectGroup(query string) string {
	m := groupPattern.FindStringSubmatch(query)
	if m == nil {
		return ""
	}
	return "NTIC2-" + strings.ToUpper(m[1]) + m[2]
}

// detectDay returns the first French weekday occurring in the query.
func detectDay(lower string) string {
	for _, day := range frenchDays {
		if strings.Contains(lower, day) {
			return day
		}
	}
	return ""
}

// queryTokens splits a lowercased query into words longer than minLen
// runes. Splitting keeps letters and digits together so group codes and
// accented words survive.
func queryTokens(lower string, minLen int) []string {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) > minLen {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
