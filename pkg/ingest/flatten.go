package ingest

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ntic-sm/istabot/pkg/types"
)

// Knowledge is the institutional knowledge manifest. Every block is
// optional; absent blocks simply produce no documents.
type Knowledge struct {
	Institution         *Institution                              `json:"institution"`
	EmploymentProspects *Prospects                                `json:"employment_prospects"`
	EmploisDuTemps      map[string]map[string]map[string][]Lesson `json:"emplois_du_temps"`
	EFMRegional         map[string]json.RawMessage                `json:"efm_regional"`
	Parrains            map[string]SponsorYear                    `json:"parrains"`
	InternshipStage     map[string]Internship                     `json:"internship_stage"`
	TeacherAbsences     []Absence                                 `json:"teacher_absences"`
}

// Institution holds general campus information, rules and hours.
type Institution struct {
	Name    string            `json:"name"`
	Website string            `json:"website"`
	Email   string            `json:"email"`
	Rules   map[string]string `json:"rules"`
	Hours   map[string]Hours  `json:"hours"`
}

// Hours is one period's opening window.
type Hours struct {
	Entry         string `json:"entry"`
	PortalClosure string `json:"portal_closure"`
}

// Prospects maps each program to its job outcomes.
type Prospects struct {
	Filieres map[string]ProspectInfo `json:"filières"`
}

// ProspectInfo lists jobs and the groups a program covers.
type ProspectInfo struct {
	Jobs   []string `json:"jobs"`
	Groups []string `json:"groups"`
}

// Lesson is one timetable session. The manifest nests them
// filière → groupe → jour → sessions.
type Lesson struct {
	Heure      string `json:"heure"`
	Module     string `json:"module"`
	Professeur string `json:"professeur"`
	Salle      string `json:"salle"`
}

// efmYear is one exam year's program table. The enclosing map mixes
// year entries with a "region" string, hence the RawMessage decoding.
type efmYear struct {
	Filieres map[string][]EFMModule `json:"filières"`
}

// EFMModule is one scheduled regional exam.
type EFMModule struct {
	Module string `json:"module"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

// SponsorYear maps filière → groupe → sponsor name.
type SponsorYear struct {
	Filieres map[string]map[string]string `json:"filières"`
}

// Internship is one year's internship window.
type Internship struct {
	Period   string   `json:"period"`
	Duration string   `json:"duration"`
	Groups   []string `json:"groups"`
}

// Absence is one announced teacher absence.
type Absence struct {
	Name       string `json:"name"`
	Period     string `json:"period"`
	ReturnDate string `json:"return_date"`
}

// ParseKnowledge decodes a knowledge manifest.
func ParseKnowledge(raw []byte) (*Knowledge, error) {
	var k Knowledge
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("invalid knowledge manifest: %w", err)
	}
	return &k, nil
}

// Flatten turns the nested manifest into typed retrievable documents
// with stable sequential ids. Map iteration is sorted so re-running the
// ingestion assigns the same id to the same entry.
func Flatten(k *Knowledge) []types.Document {
	var docs []types.Document
	add := func(text string, meta map[string]interface{}) {
		docs = append(docs, types.Document{
			ID:       fmt.Sprintf("ista_knowledge_%d", len(docs)),
			Text:     text,
			Metadata: meta,
		})
	}

	flattenInstitution(k.Institution, add)
	flattenProspects(k.EmploymentProspects, add)
	flattenSchedules(k.EmploisDuTemps, add)
	flattenEFM(k.EFMRegional, add)
	flattenSponsors(k.Parrains, add)
	flattenInternships(k.InternshipStage, add)
	flattenAbsences(k.TeacherAbsences, add)
	return docs
}

type addFunc func(text string, meta map[string]interface{})

func flattenInstitution(inst *Institution, add addFunc) {
	if inst == nil {
		return
	}

	add(fmt.Sprintf("%s - Site: %s, Email: %s", inst.Name, inst.Website, inst.Email),
		map[string]interface{}{
			"type":      "institution",
			"info_type": "general",
			"name":      inst.Name,
			"website":   inst.Website,
			"email":     inst.Email,
		})

	for _, rule := range sortedKeys(inst.Rules) {
		add("Règlement: "+inst.Rules[rule], map[string]interface{}{
			"type":      "institution",
			"info_type": "reglement",
			"rule":      rule,
		})
	}

	for _, period := range sortedKeys(inst.Hours) {
		h := inst.Hours[period]
		add(fmt.Sprintf("Horaires %s: Entrée %s, Portail fermé à %s", period, h.Entry, h.PortalClosure),
			map[string]interface{}{
				"type":           "institution",
				"info_type":      "horaires",
				"period":         period,
				"entry":          h.Entry,
				"portal_closure": h.PortalClosure,
			})
	}
}

func flattenProspects(p *Prospects, add addFunc) {
	if p == nil {
		return
	}
	for _, filiere := range sortedKeys(p.Filieres) {
		info := p.Filieres[filiere]
		jobs := joinList(info.Jobs)
		groups := joinList(info.Groups)
		add(fmt.Sprintf("Débouchés professionnels %s: %s. Groupes concernés: %s", filiere, jobs, groups),
			map[string]interface{}{
				"type":    "debouches",
				"filiere": filiere,
				"jobs":    jobs,
				"groups":  groups,
			})
	}
}

func flattenSchedules(schedules map[string]map[string]map[string][]Lesson, add addFunc) {
	for _, filiere := range sortedKeys(schedules) {
		groups := schedules[filiere]
		for _, groupe := range sortedKeys(groups) {
			days := groups[groupe]
			for _, jour := range sortedKeys(days) {
				for _, lesson := range days[jour] {
					add(fmt.Sprintf("Emploi du temps %s - %s %s: %s avec %s en salle %s",
						groupe, jour, lesson.Heure, lesson.Module, lesson.Professeur, lesson.Salle),
						map[string]interface{}{
							"type":       "emploi_du_temps",
							"filiere":    filiere,
							"groupe":     groupe,
							"jour":       jour,
							"heure":      lesson.Heure,
							"module":     lesson.Module,
							"professeur": lesson.Professeur,
							"salle":      lesson.Salle,
						})
				}
			}
		}
	}
}

func flattenEFM(efm map[string]json.RawMessage, add addFunc) {
	if len(efm) == 0 {
		return
	}

	var region string
	if raw, ok := efm["region"]; ok {
		_ = json.Unmarshal(raw, &region)
	}

	for _, year := range sortedKeys(efm) {
		if year == "region" {
			continue
		}
		var y efmYear
		if err := json.Unmarshal(efm[year], &y); err != nil {
			continue
		}
		for _, filiere := range sortedKeys(y.Filieres) {
			for _, m := range y.Filieres[filiere] {
				add(fmt.Sprintf("EFM %s %s - Module: %s, Date: %s, Heure: %s",
					year, filiere, m.Module, m.Date, m.Time),
					map[string]interface{}{
						"type":    "efm",
						"annee":   year,
						"filiere": filiere,
						"module":  m.Module,
						"date":    m.Date,
						"heure":   m.Time,
						"region":  region,
					})
			}
		}
	}
}

func flattenSponsors(parrains map[string]SponsorYear, add addFunc) {
	for _, year := range sortedKeys(parrains) {
		y := parrains[year]
		for _, filiere := range sortedKeys(y.Filieres) {
			groups := y.Filieres[filiere]
			for _, groupe := range sortedKeys(groups) {
				add(fmt.Sprintf("Parrain %s (%s): %s", groupe, year, groups[groupe]),
					map[string]interface{}{
						"type":    "parrain",
						"annee":   year,
						"filiere": filiere,
						"groupe":  groupe,
						"parrain": groups[groupe],
					})
			}
		}
	}
}

func flattenInternships(stages map[string]Internship, add addFunc) {
	for _, year := range sortedKeys(stages) {
		s := stages[year]
		groups := joinList(s.Groups)
		add(fmt.Sprintf("Stage %s: %s, Durée: %s, Groupes: %s", year, s.Period, s.Duration, groups),
			map[string]interface{}{
				"type":     "stage",
				"annee":    year,
				"period":   s.Period,
				"duration": s.Duration,
				"groups":   groups,
			})
	}
}

func flattenAbsences(absences []Absence, add addFunc) {
	for _, a := range absences {
		add(fmt.Sprintf("Absence %s: %s, Retour: %s", a.Name, a.Period, a.ReturnDate),
			map[string]interface{}{
				"type":        "absence_formateur",
				"name":        a.Name,
				"period":      a.Period,
				"return_date": a.ReturnDate,
			})
	}
}

// Page is one scraped website entry.
type Page struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Section  string `json:"section"`
	Keywords string `json:"keywords,omitempty"`
	Content  string `json:"content"`
}

// ParsePages decodes a scraped-website manifest.
func ParsePages(raw []byte) ([]Page, error) {
	var pages []Page
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, fmt.Errorf("invalid pages manifest: %w", err)
	}
	return pages, nil
}

// PageDocuments turns scraped pages into retrievable documents.
func PageDocuments(pages []Page) []types.Document {
	docs := make([]types.Document, 0, len(pages))
	for i, p := range pages {
		docs = append(docs, types.Document{
			ID:   fmt.Sprintf("website_%d", i),
			Text: p.Content,
			Metadata: map[string]interface{}{
				"title":    p.Title,
				"url":      p.URL,
				"section":  p.Section,
				"keywords": p.Keywords,
			},
		})
	}
	return docs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinList(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
