// Package quality classifies the ambiguity and consistency issues agents raise
// at quality checkpoints and decides which ones may be applied automatically.
package quality

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Confidence in a resolution.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	}
	return 1
}

// ParseConfidence is lenient about case and spelling. Unknown or empty values are low.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "h":
		return ConfidenceHigh
	case "medium", "med", "m", "moderate":
		return ConfidenceMedium
	}
	return ConfidenceLow
}

// Magnitude is how much an issue matters. The empty magnitude means the agent did not say.
type Magnitude string

const (
	MagnitudeCritical  Magnitude = "critical"
	MagnitudeImportant Magnitude = "important"
	MagnitudeMinor     Magnitude = "minor"
)

func (m Magnitude) rank() int {
	switch m {
	case MagnitudeCritical:
		return 3
	case MagnitudeImportant:
		return 2
	case MagnitudeMinor:
		return 1
	}
	return 0
}

// ParseMagnitude accepts magnitude or severity vocabulary.
func ParseMagnitude(s string) Magnitude {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "blocker", "blocking":
		return MagnitudeCritical
	case "important", "major", "high", "medium", "moderate":
		return MagnitudeImportant
	case "minor", "low", "trivial", "cosmetic":
		return MagnitudeMinor
	}
	return ""
}

// Resolvability is how an issue can be fixed.
type Resolvability string

const (
	ResolvabilityAutoFix    Resolvability = "auto-fix"
	ResolvabilitySuggestFix Resolvability = "suggest-fix"
	ResolvabilityNeedHuman  Resolvability = "need-human"
)

func (r Resolvability) rank() int {
	switch r {
	case ResolvabilityNeedHuman:
		return 3
	case ResolvabilitySuggestFix:
		return 2
	}
	return 1
}

// ParseResolvability treats unknown or empty values as suggest-fix.
func ParseResolvability(s string) Resolvability {
	v := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "autofix", "auto":
		return ResolvabilityAutoFix
	case "needhuman", "needshuman", "human", "humanrequired":
		return ResolvabilityNeedHuman
	}
	return ResolvabilitySuggestFix
}

// Resolution is what happens to an issue.
type Resolution string

const (
	ResolutionAutoApply       Resolution = "auto_apply"
	ResolutionArbiterValidate Resolution = "arbiter_validate"
	ResolutionEscalate        Resolution = "escalate"
)

// RoleIssue is one issue as a single role reported it.
type RoleIssue struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	Confidence    string `json:"confidence"`
	Magnitude     string `json:"magnitude"`
	Severity      string `json:"severity"`
	Resolvability string `json:"resolvability"`
	Reasoning     string `json:"reasoning"`
	SuggestedFix  string `json:"suggested_fix"`
	Improvement   string `json:"suggested_improvement"`
	Context       string `json:"context"`
	Section       string `json:"section"`
	Find          string `json:"find"`
}

type qualityPayload struct {
	Role   string      `json:"role"`
	Issues []RoleIssue `json:"issues"`
}

// ParseIssues decodes a validated quality payload.
func ParseIssues(payload json.RawMessage) ([]RoleIssue, error) {
	var p qualityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode quality payload: %v: %w", err, pipeline.ErrAgentMalformedResponse)
	}
	for i := range p.Issues {
		p.Issues[i].ID = strings.TrimSpace(p.Issues[i].ID)
		if p.Issues[i].SuggestedFix == "" {
			p.Issues[i].SuggestedFix = p.Issues[i].Improvement
		}
		if p.Issues[i].Magnitude == "" {
			p.Issues[i].Magnitude = p.Issues[i].Severity
		}
	}
	return p.Issues, nil
}

// Issue is one checkpoint issue merged across roles, plus its resolution.
type Issue struct {
	ID               string              `json:"id"`
	Checkpoint       pipeline.Checkpoint `json:"checkpoint"`
	Question         string              `json:"question"`
	Context          string              `json:"context,omitempty"`
	Section          string              `json:"section,omitempty"`
	Find             string              `json:"find,omitempty"`
	AnswersByRole    map[string]string   `json:"answers_by_role"`
	ReasoningByRole  map[string]string   `json:"reasoning_by_role,omitempty"`
	FixesByRole      map[string]string   `json:"fixes_by_role,omitempty"`
	TotalRoles       int                 `json:"total_roles"`
	Reported         Confidence          `json:"reported_confidence"`
	Magnitude        Magnitude           `json:"magnitude,omitempty"`
	Resolvability    Resolvability       `json:"resolvability"`
	AgreementCount   int                 `json:"agreement_count"`
	Confidence       Confidence          `json:"confidence"`
	Resolution       Resolution          `json:"resolution"`
	Answer           string              `json:"answer,omitempty"`
	ArbiterAnswer    string              `json:"arbiter_answer,omitempty"`
	ArbiterReasoning string              `json:"arbiter_reasoning,omitempty"`
	Reason           string              `json:"reason,omitempty"`
}

// Fix returns the text to write into the document for the resolved answer:
// the suggested fix of a role that gave that answer, or the answer itself.
func (is Issue) Fix() string {
	for _, role := range sortedKeys(is.AnswersByRole) {
		if Normalize(is.AnswersByRole[role]) == Normalize(is.Answer) {
			if fix := strings.TrimSpace(is.FixesByRole[role]); fix != "" {
				return fix
			}
		}
	}
	return is.Answer
}

// MergeIssues groups the issues every role reported by id. totalRoles is the
// number of roles that responded at the checkpoint; a role that did not
// address an issue counts as not agreeing with any answer to it.
func MergeIssues(cp pipeline.Checkpoint, byRole map[string][]RoleIssue, totalRoles int) []Issue {
	merged := make(map[string]*Issue)
	var order []string
	for _, role := range sortedKeys(byRole) {
		for _, ri := range byRole[role] {
			key := strings.ToLower(ri.ID)
			if key == "" {
				key = Normalize(ri.Question)
			}
			is, ok := merged[key]
			if !ok {
				is = &Issue{
					ID:              ri.ID,
					Checkpoint:      cp,
					Question:        ri.Question,
					AnswersByRole:   make(map[string]string),
					ReasoningByRole: make(map[string]string),
					FixesByRole:     make(map[string]string),
					TotalRoles:      totalRoles,
					Reported:        ParseConfidence(ri.Confidence),
					Resolvability:   ParseResolvability(ri.Resolvability),
				}
				if is.ID == "" {
					is.ID = fmt.Sprintf("issue-%d", len(order)+1)
				}
				merged[key] = is
				order = append(order, key)
			}
			is.AnswersByRole[role] = ri.Answer
			if ri.Reasoning != "" {
				is.ReasoningByRole[role] = ri.Reasoning
			}
			if ri.SuggestedFix != "" {
				is.FixesByRole[role] = ri.SuggestedFix
			}
			if c := ParseConfidence(ri.Confidence); c.rank() < is.Reported.rank() {
				is.Reported = c
			}
			if m := ParseMagnitude(ri.Magnitude); m.rank() > is.Magnitude.rank() {
				is.Magnitude = m
			}
			if r := ParseResolvability(ri.Resolvability); r.rank() > is.Resolvability.rank() {
				is.Resolvability = r
			}
			if is.Context == "" {
				is.Context = ri.Context
			}
			if is.Section == "" {
				is.Section = ri.Section
			}
			if is.Find == "" {
				is.Find = ri.Find
			}
		}
	}
	if totalRoles < len(byRole) {
		for _, is := range merged {
			is.TotalRoles = len(byRole)
		}
	}
	out := make([]Issue, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// IssuesFromOutcomes parses and merges the successful outcomes of a checkpoint.
func IssuesFromOutcomes(cp pipeline.Checkpoint, outcomes []agent.Outcome) ([]Issue, []string, error) {
	byRole := make(map[string][]RoleIssue)
	var responded []string
	for _, o := range outcomes {
		if !o.Succeeded() {
			continue
		}
		issues, err := ParseIssues(o.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("role %s: %w", o.Role, err)
		}
		byRole[o.Role] = issues
		responded = append(responded, o.Role)
	}
	return MergeIssues(cp, byRole, len(responded)), responded, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
