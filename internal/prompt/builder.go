package prompt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

var stageGoals = map[pipeline.Stage]string{
	pipeline.StagePlan:      "Produce a work breakdown for the spec: components, their responsibilities, and the order to build them.",
	pipeline.StageTasks:     "Turn the plan into concrete, independently verifiable tasks with acceptance criteria.",
	pipeline.StageImplement: "Describe the implementation of the tasks: files to change, interfaces, and the key code paths.",
	pipeline.StageValidate:  "Define the test strategy and the scenarios that prove the implementation meets the spec.",
	pipeline.StageAudit:     "Audit the implementation and validation results against the spec and give a verdict.",
	pipeline.StageUnlock:    "Decide whether the spec can be unlocked for release and list anything that blocks it.",
}

// StageGoal returns the instruction given to agents for a stage.
func StageGoal(st pipeline.Stage) string {
	return stageGoals[st]
}

// Builder renders role prompts, preferring templates found in its directory.
type Builder struct {
	dir string
}

// NewBuilder creates a Builder reading overrides from dir. dir may be empty.
func NewBuilder(dir string) *Builder {
	return &Builder{dir: dir}
}

// StageInput holds the values of a stage prompt.
type StageInput struct {
	SpecID         string
	Stage          pipeline.Stage
	Attempt        int
	Document       string
	RetryContext   string
	HumanDecisions string
}

// Stage renders the prompt dispatched to every role of a stage.
func (b *Builder) Stage(in StageInput) (string, error) {
	return b.render(StageTemplate, Vars{
		"spec_id":         in.SpecID,
		"stage":           string(in.Stage),
		"attempt":         strconv.Itoa(in.Attempt),
		"goal":            StageGoal(in.Stage),
		"document":        orNone(in.Document),
		"retry_context":   in.RetryContext,
		"human_decisions": in.HumanDecisions,
		"schema":          agent.SchemaExample(agent.KindStage, in.Stage),
	})
}

// CheckpointInput holds the values of a quality checkpoint prompt.
type CheckpointInput struct {
	SpecID       string
	Checkpoint   pipeline.Checkpoint
	Attempt      int
	Document     string
	RetryContext string
}

// Checkpoint renders the prompt dispatched to every role of a quality checkpoint.
func (b *Builder) Checkpoint(in CheckpointInput) (string, error) {
	return b.render(CheckpointTemplate, Vars{
		"spec_id":       in.SpecID,
		"checkpoint":    string(in.Checkpoint),
		"next_stage":    string(in.Checkpoint.Before()),
		"attempt":       strconv.Itoa(in.Attempt),
		"document":      orNone(in.Document),
		"retry_context": in.RetryContext,
		"schema":        agent.SchemaExample(agent.KindQuality, ""),
	})
}

// ArbiterInput holds the values of an arbiter prompt. Reasoning is each
// role's explanation of its answer, when it gave one.
type ArbiterInput struct {
	SpecID    string
	IssueID   string
	Question  string
	Context   string
	Answers   map[string]string
	Reasoning map[string]string
	Majority  string
	Document  string
}

// Arbiter renders the prompt for one arbitration.
func (b *Builder) Arbiter(in ArbiterInput) (string, error) {
	return b.render(ArbiterTemplate, Vars{
		"spec_id":   in.SpecID,
		"issue_id":  in.IssueID,
		"question":  in.Question,
		"context":   in.Context,
		"answers":   byRole(in.Answers),
		"reasoning": byRole(in.Reasoning),
		"majority":  in.Majority,
		"document": orNone(in.Document),
		"schema":   agent.SchemaExample(agent.KindArbiter, ""),
	})
}

func (b *Builder) render(name string, vars Vars) (string, error) {
	tmpl, err := LoadTemplate(name, b.dir)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// byRole lists m as "- role: value" lines in role order, skipping blank values.
func byRole(m map[string]string) string {
	roles := make([]string, 0, len(m))
	for r, v := range m {
		if strings.TrimSpace(v) != "" {
			roles = append(roles, r)
		}
	}
	sort.Strings(roles)
	lines := make([]string, len(roles))
	for i, r := range roles {
		lines[i] = "- " + r + ": " + m[r]
	}
	return strings.Join(lines, "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none yet)"
	}
	return s
}
