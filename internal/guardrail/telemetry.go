package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// SchemaVersion is the telemetry schema this package reads and writes.
const SchemaVersion = 1

// Telemetry is a schema v1 telemetry record: one per stage attempt or checkpoint.
type Telemetry struct {
	Command       string     `json:"command"`
	SpecID        string     `json:"specId"`
	SessionID     string     `json:"sessionId"`
	Timestamp     string     `json:"timestamp"`
	SchemaVersion int        `json:"schemaVersion"`
	Artifacts     []string   `json:"artifacts"`
	Baseline      *Baseline  `json:"baseline,omitempty"`
	LockStatus    string     `json:"lockStatus,omitempty"`
	HookStatus    string     `json:"hookStatus,omitempty"`
	Scenarios     []Scenario `json:"scenarios,omitempty"`
	UnlockStatus  string     `json:"unlockStatus,omitempty"`

	// Checkpoint records only.
	Checkpoint   pipeline.Checkpoint `json:"checkpoint,omitempty"`
	AutoResolved *int                `json:"autoResolved,omitempty"`
	Escalated    *int                `json:"escalated,omitempty"`
}

// Baseline is the Plan/Tasks baseline audit.
type Baseline struct {
	Mode     string `json:"mode"`
	Artifact string `json:"artifact"`
	Status   string `json:"status"`
}

// Scenario is one Validate/Audit scenario result.
type Scenario struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// NewTelemetry starts a record for command with the required fields set.
func NewTelemetry(command, specID, sessionID string, artifacts []string) *Telemetry {
	if artifacts == nil {
		artifacts = []string{}
	}
	return &Telemetry{
		Command:       command,
		SpecID:        specID,
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SchemaVersion: SchemaVersion,
		Artifacts:     artifacts,
	}
}

// CheckpointTelemetry builds the record written after a quality checkpoint.
func CheckpointTelemetry(cp pipeline.Checkpoint, specID, sessionID string, artifacts []string, autoResolved, escalated int) *Telemetry {
	t := NewTelemetry("quality-gate-"+string(cp), specID, sessionID, artifacts)
	t.Checkpoint = cp
	t.AutoResolved = &autoResolved
	t.Escalated = &escalated
	return t
}

var scenarioStatuses = map[string]bool{"passed": true, "failed": true, "skipped": true}

// ValidateTelemetry checks raw against schema v1 for stage and returns every
// problem found. An empty result means the record is valid.
func ValidateTelemetry(stage pipeline.Stage, raw []byte) []string {
	var v map[string]interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return []string{fmt.Sprintf("telemetry is not a JSON object: %v", err)}
	}
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch cmd, ok := v["command"].(string); {
	case !ok:
		add("missing required string field command")
	case cmd != stage.Command():
		add("unexpected command %q (expected %s)", cmd, stage.Command())
	}
	for _, f := range []string{"specId", "sessionId", "timestamp"} {
		if !nonEmptyString(v, f) {
			add("missing required string field %s", f)
		}
	}
	switch n, ok := v["schemaVersion"].(float64); {
	case !ok:
		add("missing required number field schemaVersion")
	case int(n) != SchemaVersion:
		add("unsupported schemaVersion %v", n)
	}

	arts, present := v["artifacts"]
	list, isArray := arts.([]interface{})
	switch {
	case !present:
		add("missing required array field artifacts")
	case !isArray:
		add("field artifacts must be an array")
	case len(list) == 0 && stage != pipeline.StageValidate && stage != pipeline.StageAudit:
		add("telemetry artifacts array is empty")
	}

	switch stage {
	case pipeline.StagePlan, pipeline.StageTasks:
		b, ok := v["baseline"].(map[string]interface{})
		if !ok {
			add("missing required object field baseline")
			break
		}
		for _, f := range []string{"mode", "artifact", "status"} {
			if !nonEmptyString(b, f) {
				add("missing required string field baseline.%s", f)
			}
		}
	case pipeline.StageImplement:
		for _, f := range []string{"lockStatus", "hookStatus"} {
			if !nonEmptyString(v, f) {
				add("missing required string field %s", f)
			}
		}
	case pipeline.StageValidate, pipeline.StageAudit:
		scenarios, ok := v["scenarios"].([]interface{})
		if !ok {
			add("missing required array field scenarios")
			break
		}
		for i, s := range scenarios {
			obj, ok := s.(map[string]interface{})
			if !ok {
				add("scenario #%d must be an object", i+1)
				continue
			}
			if !nonEmptyString(obj, "name") {
				add("scenario #%d missing name", i+1)
			}
			if st, _ := obj["status"].(string); !scenarioStatuses[st] {
				add("scenario #%d has invalid status %q (expected passed, failed or skipped)", i+1, st)
			}
		}
	case pipeline.StageUnlock:
		if !nonEmptyString(v, "unlockStatus") {
			add("missing required string field unlockStatus")
		}
	}
	return problems
}

func nonEmptyString(m map[string]interface{}, key string) bool {
	s, ok := m[key].(string)
	return ok && strings.TrimSpace(s) != ""
}

// Evaluate reads the stage outcome from a valid telemetry record and returns a
// one-line summary plus the failures that should block the stage.
func Evaluate(stage pipeline.Stage, raw []byte) (string, []string) {
	var t Telemetry
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", []string{fmt.Sprintf("decode telemetry: %v", err)}
	}
	switch stage {
	case pipeline.StagePlan, pipeline.StageTasks:
		status := "unknown"
		if t.Baseline != nil {
			status = t.Baseline.Status
		}
		summary := fmt.Sprintf("baseline %s", status)
		if status != "passed" && status != "skipped" {
			return summary, []string{"baseline audit status: " + status}
		}
		return summary, nil
	case pipeline.StageImplement:
		summary := fmt.Sprintf("lock status %s, hook %s", t.LockStatus, t.HookStatus)
		var failures []string
		if t.LockStatus != "locked" {
			failures = append(failures, "spec lock status: "+t.LockStatus)
		}
		if t.HookStatus != "ok" {
			failures = append(failures, "hook status: "+t.HookStatus)
		}
		return summary, failures
	case pipeline.StageValidate, pipeline.StageAudit:
		passed := 0
		var failures []string
		for _, s := range t.Scenarios {
			switch s.Status {
			case "passed":
				passed++
			case "skipped":
			default:
				failures = append(failures, fmt.Sprintf("%s: %s", s.Name, s.Status))
			}
		}
		if len(t.Scenarios) == 0 {
			return "no scenarios reported", failures
		}
		return fmt.Sprintf("%d of %d scenarios passed", passed, len(t.Scenarios)), failures
	case pipeline.StageUnlock:
		summary := "unlock status " + t.UnlockStatus
		if t.UnlockStatus != "unlocked" {
			return summary, []string{"unlock status: " + t.UnlockStatus}
		}
		return summary, nil
	}
	return "", nil
}
