package retriever

import (
	"fmt"
	"strings"

	"github.com/ntic-sm/istabot/pkg/types"
	"github.com/ntic-sm/istabot/pkg/vectorstore"
)

// maxContentChars caps how much of an unstructured chunk reaches the
// prompt.
const maxContentChars = 600

// passageSeparator joins rendered passages in the final context.
const passageSeparator = "\n\n---\n\n"

// renderContext formats the retained candidates into the context block
// handed to the LLM, and collects the deduplicated sources.
func renderContext(scored []Scored) (string, []types.Source) {
	passages := make([]string, 0, len(scored))
	sources := make([]types.Source, 0, len(scored))
	seen := make(map[string]bool)

	for _, s := range scored {
		passages = append(passages, renderCandidate(s.Candidate))

		// Structured entries carry no URL and never become sources.
		url := s.Candidate.Document.MetaString("url")
		if url == "" {
			continue
		}
		title := s.Candidate.Document.MetaString("title")
		key := url + "\x00" + title
		if seen[key] {
			continue
		}
		seen[key] = true
		sources = append(sources, types.Source{
			Title:   title,
			Section: s.Candidate.Document.MetaString("section"),
			URL:     url,
		})
	}

	return strings.Join(passages, passageSeparator), sources
}

// renderCandidate picks the role-specific rendering for one candidate.
func renderCandidate(c types.Candidate) string {
	if c.Collection == vectorstore.KnowledgeCollection {
		switch c.Document.MetaString("type") {
		case "emploi_du_temps":
			return renderSchedule(c.Document)
		case "efm":
			return renderExam(c.Document)
		case "parrain":
			return renderSponsor(c.Document)
		}
		return c.Document.Text
	}
	return renderWebsite(c.Document)
}

// renderSchedule formats a schedule entry as labeled lines.
func renderSchedule(doc types.Document) string {
	var b strings.Builder
	writeLine(&b, "📅 Groupe", doc.MetaString("groupe"))
	jour := doc.MetaString("jour")
	if heure := doc.MetaString("heure"); heure != "" {
		jour = strings.TrimSpace(jour + " " + heure)
	}
	writeLine(&b, "🕐 Jour", jour)
	writeLine(&b, "📚 Module", doc.MetaString("module"))
	writeLine(&b, "👨‍🏫 Professeur", doc.MetaString("professeur"))
	writeLine(&b, "🏫 Salle", doc.MetaString("salle"))
	if b.Len() == 0 {
		return doc.Text
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderExam formats an exam entry as labeled lines.
func renderExam(doc types.Document) string {
	var b strings.Builder
	writeLine(&b, "📚 Module", doc.MetaString("module"))
	writeLine(&b, "📅 Date", doc.MetaString("date"))
	writeLine(&b, "🕐 Heure", doc.MetaString("heure"))
	if b.Len() == 0 {
		return doc.Text
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderSponsor formats a sponsor entry.
func renderSponsor(doc types.Document) string {
	groupe := doc.MetaString("groupe")
	parrain := doc.MetaString("parrain")
	if groupe == "" && parrain == "" {
		return doc.Text
	}
	return fmt.Sprintf("👥 Groupe: %s\n🤝 Parrain: %s", groupe, parrain)
}

// renderWebsite formats an unstructured chunk with its provenance. The
// landing page section is noise and is skipped.
func renderWebsite(doc types.Document) string {
	var b strings.Builder
	writeLine(&b, "Titre", doc.MetaString("title"))
	if section := doc.MetaString("section"); section != "" && !strings.EqualFold(section, "accueil") {
		writeLine(&b, "Section", section)
	}
	writeLine(&b, "URL source", doc.MetaString("url"))

	content := doc.Text
	if runes := []rune(content); len(runes) > maxContentChars {
		content = string(runes[:maxContentChars]) + "..."
	}
	writeLine(&b, "Contenu", content)
	return strings.TrimRight(b.String(), "\n")
}

// writeLine appends "label: value\n" when value is non-empty.
func writeLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
