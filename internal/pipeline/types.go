package pipeline

import (
	"fmt"
	"strings"
)

// Stage is one of the six ordered phases a spec moves through.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageTasks     Stage = "tasks"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageAudit     Stage = "audit"
	StageUnlock    Stage = "unlock"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StagePlan, StageTasks, StageImplement, StageValidate, StageAudit, StageUnlock}

// ParseStage accepts the canonical stage names plus the command-style aliases
// ("spec-plan", "spec-ops-plan") and a few historical synonyms.
func ParseStage(s string) (Stage, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "spec-ops-")
	v = strings.TrimPrefix(v, "spec-")
	switch v {
	case "plan":
		return StagePlan, nil
	case "tasks", "task":
		return StageTasks, nil
	case "implement", "implementation":
		return StageImplement, nil
	case "validate", "validation":
		return StageValidate, nil
	case "audit", "review":
		return StageAudit, nil
	case "unlock":
		return StageUnlock, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Index returns the stage's position in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Command is the guardrail command name recorded in telemetry.
func (s Stage) Command() string {
	return "spec-ops-" + string(s)
}

// Checkpoint is a quality gate bound to a position between stages.
type Checkpoint string

const (
	CheckpointPrePlanning Checkpoint = "pre-planning"
	CheckpointPostPlan    Checkpoint = "post-plan"
	CheckpointPostTasks   Checkpoint = "post-tasks"
)

// Checkpoints lists every checkpoint in execution order.
var Checkpoints = []Checkpoint{CheckpointPrePlanning, CheckpointPostPlan, CheckpointPostTasks}

// ParseCheckpoint accepts "pre-planning", "pre_planning", "PrePlanning" and similar spellings.
func ParseCheckpoint(s string) (Checkpoint, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("_", "", "-", "", " ", "").Replace(v)
	switch v {
	case "preplanning", "preplan":
		return CheckpointPrePlanning, nil
	case "postplan":
		return CheckpointPostPlan, nil
	case "posttasks":
		return CheckpointPostTasks, nil
	}
	return "", fmt.Errorf("unknown checkpoint %q", s)
}

// Before returns the stage this checkpoint gates.
func (c Checkpoint) Before() Stage {
	switch c {
	case CheckpointPrePlanning:
		return StagePlan
	case CheckpointPostPlan:
		return StageTasks
	default:
		return StageImplement
	}
}

// Step is one entry in the pipeline sequence: exactly one of Stage or Checkpoint is set.
type Step struct {
	Stage      Stage      `json:"stage,omitempty"`
	Checkpoint Checkpoint `json:"checkpoint,omitempty"`
}

// IsCheckpoint reports whether the step is a quality gate.
func (s Step) IsCheckpoint() bool { return s.Checkpoint != "" }

func (s Step) String() string {
	if s.IsCheckpoint() {
		return "checkpoint:" + string(s.Checkpoint)
	}
	return "stage:" + string(s.Stage)
}

// ParseStep parses the String form of a step ("stage:plan",
// "checkpoint:post-plan") or a bare stage or checkpoint name.
func ParseStep(s string) (Step, error) {
	kind, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		if st, err := ParseStage(kind); err == nil {
			return Step{Stage: st}, nil
		}
		if cp, err := ParseCheckpoint(kind); err == nil {
			return Step{Checkpoint: cp}, nil
		}
		return Step{}, fmt.Errorf("unknown step %q", s)
	}
	switch strings.ToLower(kind) {
	case "stage":
		st, err := ParseStage(name)
		return Step{Stage: st}, err
	case "checkpoint":
		cp, err := ParseCheckpoint(name)
		return Step{Checkpoint: cp}, err
	}
	return Step{}, fmt.Errorf("unknown step %q", s)
}

// Sequence returns the ordered steps for a run. Checkpoints not present in
// enabled are skipped; a nil map enables all of them.
func Sequence(enabled map[Checkpoint]bool) []Step {
	on := func(c Checkpoint) bool {
		if enabled == nil {
			return true
		}
		return enabled[c]
	}
	var steps []Step
	for _, st := range Stages {
		for _, cp := range Checkpoints {
			if cp.Before() == st && on(cp) {
				steps = append(steps, Step{Checkpoint: cp})
			}
		}
		steps = append(steps, Step{Stage: st})
	}
	return steps
}

// RunState is the orchestrator state of a pipeline run.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateGuardrailCheck RunState = "guardrail_check"
	StateAgentExecution RunState = "agent_execution"
	StateConsensusCheck RunState = "consensus_check"
	StateAwaitingHuman  RunState = "awaiting_human"
	StateComplete       RunState = "complete"
	StateFailed         RunState = "failed"
	StateAborted        RunState = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateAborted
}

// Reasons a run blocks or fails.
const (
	ReasonAgentFailureExhausted = "AgentFailureExhausted"
	ReasonConsensusExhausted    = "ConsensusExhausted"
	ReasonQualityGateEscalation = "QualityGateEscalation"
	ReasonGuardrailFailed       = "GuardrailFailed"
	ReasonAborted               = "Aborted"
)

// EscalatedQuestion is a question awaiting a human answer.
type EscalatedQuestion struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"` // "quality" or "stage"
	IssueID          string            `json:"issue_id,omitempty"`
	Stage            Stage             `json:"stage,omitempty"`
	Checkpoint       Checkpoint        `json:"checkpoint,omitempty"`
	Description      string            `json:"description"`
	AnswersByRole    map[string]string `json:"answers_by_role,omitempty"`
	ArbiterAnswer    string            `json:"arbiter_answer,omitempty"`
	ArbiterReasoning string            `json:"arbiter_reasoning,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Section          string            `json:"section,omitempty"`
	Find             string            `json:"find,omitempty"`
	Answer           string            `json:"answer,omitempty"`
	AnsweredAt       string            `json:"answered_at,omitempty"`
}

// Answered reports whether a human has supplied an answer.
func (q EscalatedQuestion) Answered() bool {
	return strings.TrimSpace(q.Answer) != ""
}

// StageHistoryEntry records one completed (or abandoned) step.
type StageHistoryEntry struct {
	Step          string `json:"step"`
	Attempt       int    `json:"attempt"`
	Outcome       string `json:"outcome"`
	Verdict       string `json:"verdict,omitempty"`
	Duration      string `json:"duration,omitempty"`
	AutoApplied   int    `json:"auto_applied,omitempty"`
	Escalated     int    `json:"escalated,omitempty"`
	EvidenceCount int    `json:"evidence_count,omitempty"`
}

// PipelineRun is the persisted state of one spec's run through the pipeline.
type PipelineRun struct {
	SpecID            string              `json:"spec_id"`
	SessionID         string              `json:"session_id"`
	Status            RunState            `json:"status"`
	Phase             RunState            `json:"phase,omitempty"` // in-step phase of an unfinished attempt
	StepIndex         int                 `json:"step_index"`
	CurrentStage      Stage               `json:"current_stage,omitempty"`
	CurrentCheckpoint Checkpoint          `json:"current_checkpoint,omitempty"`
	Attempt           int                 `json:"attempt"`
	RetryCount        int                 `json:"retry_count"`
	MaxRetries        int                 `json:"max_retries"`
	RetryContext      string              `json:"retry_context,omitempty"`
	HumanDecisions    string              `json:"human_decisions,omitempty"`
	GuardrailPassed   bool                `json:"guardrail_passed,omitempty"`
	BlockedReason     string              `json:"blocked_reason,omitempty"`
	Error             string              `json:"error,omitempty"`
	OpenQuestions     []EscalatedQuestion `json:"open_questions,omitempty"`
	StageHistory      []StageHistoryEntry `json:"stage_history"`
	Modified          []string            `json:"modified,omitempty"`
	CommitHash        string              `json:"commit_hash,omitempty"`
	StepStartedAt     string              `json:"step_started_at,omitempty"`
	CreatedAt         string              `json:"created_at"`
	UpdatedAt         string              `json:"updated_at"`
}

// CurrentStep returns the step at StepIndex, and false once the sequence is exhausted.
func (r *PipelineRun) CurrentStep(steps []Step) (Step, bool) {
	if r.StepIndex < 0 || r.StepIndex >= len(steps) {
		return Step{}, false
	}
	return steps[r.StepIndex], true
}

// StepName names the current step, or "complete" once the sequence is exhausted.
func (r *PipelineRun) StepName(steps []Step) string {
	if step, ok := r.CurrentStep(steps); ok {
		return step.String()
	}
	return "complete"
}

// SetStep moves the run to steps[i] and resets the per-step counters.
func (r *PipelineRun) SetStep(steps []Step, i int) {
	r.StepIndex = i
	r.Attempt = 0
	r.RetryCount = 0
	r.RetryContext = ""
	r.HumanDecisions = ""
	r.Phase = ""
	r.GuardrailPassed = false
	r.StepStartedAt = ""
	r.CurrentStage = ""
	r.CurrentCheckpoint = ""
	if i >= 0 && i < len(steps) {
		r.CurrentStage = steps[i].Stage
		r.CurrentCheckpoint = steps[i].Checkpoint
	}
}

// Unanswered returns the open questions still waiting for an answer.
func (r *PipelineRun) Unanswered() []EscalatedQuestion {
	var out []EscalatedQuestion
	for _, q := range r.OpenQuestions {
		if !q.Answered() {
			out = append(out, q)
		}
	}
	return out
}

// AddModified records a document path once.
func (r *PipelineRun) AddModified(path string) {
	for _, p := range r.Modified {
		if p == path {
			return
		}
	}
	r.Modified = append(r.Modified, path)
}
