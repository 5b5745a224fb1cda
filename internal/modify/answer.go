package modify

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Sections that collect decisions which have no better home in the document.
const (
	ClarificationsSection = "Clarifications"
	HumanDecisionsSection = "Human Decisions"
)

// Answer is a resolved decision to record in a document.
type Answer struct {
	Source   string // question or issue id
	Question string
	Answer   string
	// Section and Find locate the text the answer affects, when the agents named it.
	Section string
	Find    string
	// Fallback is the section to append to when Section is absent. Empty means Clarifications.
	Fallback string
}

// AnswerFromQuestion builds an Answer from an answered escalated question.
// Stage escalations fall back to the Human Decisions section.
func AnswerFromQuestion(q pipeline.EscalatedQuestion) Answer {
	a := Answer{
		Source:   q.ID,
		Question: q.Description,
		Answer:   q.Answer,
		Section:  q.Section,
		Find:     q.Find,
	}
	if q.Kind == "stage" {
		a.Fallback = HumanDecisionsSection
	}
	return a
}

// ForAnswer picks the modification that records a in doc:
//
//   - a unique occurrence of Find is replaced by the answer
//   - an existing Section gets the answer appended as a bullet
//   - otherwise the bullet goes to the fallback section, created if needed
func ForAnswer(doc string, a Answer) Modification {
	answer := strings.TrimSpace(a.Answer)
	if a.Find != "" && strings.Count(doc, a.Find) == 1 {
		return Modification{Kind: ReplaceText, Find: a.Find, Replace: answer, Source: a.Source}
	}

	bullet := "- " + answer
	if q := strings.TrimSpace(a.Question); q != "" {
		bullet = fmt.Sprintf("- %s → %s", strings.TrimRight(q, " :"), answer)
	}

	if a.Section != "" && HasSection(doc, a.Section) {
		return Modification{Kind: UpdateSection, Section: a.Section, Content: bullet, Append: true, Source: a.Source}
	}
	section := a.Fallback
	if section == "" {
		section = ClarificationsSection
	}
	if HasSection(doc, section) {
		return Modification{Kind: UpdateSection, Section: section, Content: bullet, Append: true, Source: a.Source}
	}
	return Modification{Kind: AddSection, Section: section, Level: 2, Content: bullet, Source: a.Source}
}
