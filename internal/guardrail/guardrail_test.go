package guardrail

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

type mockRunner struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
	commands []string
	dirs     []string
}

func (m *mockRunner) Run(ctx context.Context, dir, command string) (string, string, int, error) {
	m.commands = append(m.commands, command)
	m.dirs = append(m.dirs, dir)
	return m.stdout, m.stderr, m.exitCode, m.err
}

func telemetryFor(stage pipeline.Stage, extra map[string]interface{}) string {
	v := map[string]interface{}{
		"command":       stage.Command(),
		"specId":        "SPEC-1",
		"sessionId":     "s1",
		"timestamp":     "2026-01-01T00:00:00Z",
		"schemaVersion": 1,
		"artifacts":     []string{"docs/SPEC-1/plan.md"},
	}
	for k, val := range extra {
		v[k] = val
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func TestRunPassesWithValidTelemetry(t *testing.T) {
	m := &mockRunner{stdout: telemetryFor(pipeline.StagePlan, map[string]interface{}{
		"baseline": map[string]string{"mode": "full", "artifact": "baseline.md", "status": "passed"},
	})}
	r := NewRunner(m, map[pipeline.Stage]string{pipeline.StagePlan: "scripts/guard.sh {{command}} {{spec_id}}"}, "/repo", nil)

	res, err := r.Run(context.Background(), "SPEC-1", "s1", pipeline.StagePlan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed() {
		t.Fatalf("Passed = false, errors %v", res.Errors)
	}
	if got, want := m.commands[0], "scripts/guard.sh spec-ops-plan SPEC-1"; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if m.dirs[0] != "/repo" {
		t.Errorf("dir = %q, want /repo", m.dirs[0])
	}
	if res.Summary != "baseline passed" {
		t.Errorf("Summary = %q", res.Summary)
	}
	if res.Err() != nil {
		t.Errorf("Err = %v, want nil", res.Err())
	}
}

func TestRunQuotesValues(t *testing.T) {
	m := &mockRunner{stdout: telemetryFor(pipeline.StagePlan, map[string]interface{}{
		"baseline": map[string]string{"mode": "full", "artifact": "baseline.md", "status": "passed"},
	})}
	r := NewRunner(m, map[pipeline.Stage]string{pipeline.StagePlan: "guard {{spec_id}}"}, "/repo", nil)

	if _, err := r.Run(context.Background(), "SPEC 1; rm -rf x", "s1", pipeline.StagePlan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	words, err := shellquote.Split(m.commands[0])
	if err != nil {
		t.Fatalf("split %q: %v", m.commands[0], err)
	}
	if len(words) != 2 || words[1] != "SPEC 1; rm -rf x" {
		t.Errorf("command %q splits into %q", m.commands[0], words)
	}
}

func TestRunNoCommand(t *testing.T) {
	m := &mockRunner{}
	res, err := NewRunner(m, nil, "", nil).Run(context.Background(), "SPEC-1", "s1", pipeline.StageAudit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Passed() || len(m.commands) != 0 {
		t.Errorf("no command should pass without running anything")
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		runner *mockRunner
		want   string
	}{
		{"nonzero exit", &mockRunner{stderr: "warming up\nlint failed\n", exitCode: 1}, "lint failed"},
		{"nonzero exit no output", &mockRunner{exitCode: 4}, "exit status 4"},
		{"bad telemetry", &mockRunner{stdout: `{"command":"spec-ops-tasks"}`}, "unexpected command"},
		{"telemetry failure", &mockRunner{stdout: telemetryFor(pipeline.StagePlan, map[string]interface{}{
			"baseline": map[string]string{"mode": "full", "artifact": "b.md", "status": "failed"},
		})}, "baseline audit status: failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRunner(tt.runner, map[pipeline.Stage]string{pipeline.StagePlan: "guard"}, "", nil)
			res, err := r.Run(context.Background(), "SPEC-1", "s1", pipeline.StagePlan)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.Passed() {
				t.Fatal("Passed = true, want false")
			}
			if !strings.Contains(strings.Join(res.Errors, "|"), tt.want) {
				t.Errorf("errors = %v, want one containing %q", res.Errors, tt.want)
			}
			if !errors.Is(res.Err(), pipeline.ErrGuardrailFailed) {
				t.Errorf("Err = %v, want ErrGuardrailFailed", res.Err())
			}
			if len(errors.GetAllHints(res.Err())) == 0 {
				t.Error("guardrail error should carry a hint")
			}
		})
	}
}

func TestRunStartError(t *testing.T) {
	m := &mockRunner{err: errors.New("sh: not found"), exitCode: -1}
	r := NewRunner(m, map[pipeline.Stage]string{pipeline.StageUnlock: "guard"}, "", nil)
	if _, err := r.Run(context.Background(), "SPEC-1", "s1", pipeline.StageUnlock); err == nil {
		t.Fatal("expected error when the command cannot start")
	}
}

func TestRunMissingTemplateVar(t *testing.T) {
	r := NewRunner(&mockRunner{}, map[pipeline.Stage]string{pipeline.StagePlan: "guard {{nope}}"}, "", nil)
	if _, err := r.Run(context.Background(), "SPEC-1", "s1", pipeline.StagePlan); err == nil {
		t.Fatal("expected render error")
	}
}

func TestValidateTelemetry(t *testing.T) {
	tests := []struct {
		name  string
		stage pipeline.Stage
		raw   string
		want  []string // substrings; nil means valid
	}{
		{
			name:  "plan valid",
			stage: pipeline.StagePlan,
			raw: telemetryFor(pipeline.StagePlan, map[string]interface{}{
				"baseline": map[string]string{"mode": "m", "artifact": "a", "status": "passed"},
			}),
		},
		{
			name:  "plan missing baseline",
			stage: pipeline.StagePlan,
			raw:   telemetryFor(pipeline.StagePlan, nil),
			want:  []string{"baseline"},
		},
		{
			name:  "implement missing hook",
			stage: pipeline.StageImplement,
			raw:   telemetryFor(pipeline.StageImplement, map[string]interface{}{"lockStatus": "locked"}),
			want:  []string{"hookStatus"},
		},
		{
			name:  "validate empty artifacts allowed",
			stage: pipeline.StageValidate,
			raw: telemetryFor(pipeline.StageValidate, map[string]interface{}{
				"artifacts": []string{},
				"scenarios": []map[string]string{{"name": "login", "status": "passed"}},
			}),
		},
		{
			name:  "tasks empty artifacts",
			stage: pipeline.StageTasks,
			raw: telemetryFor(pipeline.StageTasks, map[string]interface{}{
				"artifacts": []string{},
				"baseline":  map[string]string{"mode": "m", "artifact": "a", "status": "passed"},
			}),
			want: []string{"artifacts array is empty"},
		},
		{
			name:  "audit bad scenario status",
			stage: pipeline.StageAudit,
			raw: telemetryFor(pipeline.StageAudit, map[string]interface{}{
				"scenarios": []map[string]string{{"name": "x", "status": "flaky"}},
			}),
			want: []string{`invalid status "flaky"`},
		},
		{
			name:  "unlock wrong schema version",
			stage: pipeline.StageUnlock,
			raw:   telemetryFor(pipeline.StageUnlock, map[string]interface{}{"schemaVersion": 2, "unlockStatus": "unlocked"}),
			want:  []string{"schemaVersion"},
		},
		{
			name:  "not an object",
			stage: pipeline.StageUnlock,
			raw:   `[1,2]`,
			want:  []string{"not a JSON object"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateTelemetry(tt.stage, []byte(tt.raw))
			if tt.want == nil {
				if len(got) != 0 {
					t.Errorf("problems = %v, want none", got)
				}
				return
			}
			joined := strings.Join(got, "|")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("problems = %v, want one containing %q", got, w)
				}
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	raw := telemetryFor(pipeline.StageValidate, map[string]interface{}{
		"scenarios": []map[string]string{
			{"name": "a", "status": "passed"},
			{"name": "b", "status": "skipped"},
			{"name": "c", "status": "failed"},
		},
	})
	summary, failures := Evaluate(pipeline.StageValidate, []byte(raw))
	if summary != "1 of 3 scenarios passed" {
		t.Errorf("summary = %q", summary)
	}
	if len(failures) != 1 || failures[0] != "c: failed" {
		t.Errorf("failures = %v, want [c: failed]", failures)
	}

	_, failures = Evaluate(pipeline.StageImplement, []byte(telemetryFor(pipeline.StageImplement,
		map[string]interface{}{"lockStatus": "locked", "hookStatus": "ok"})))
	if len(failures) != 0 {
		t.Errorf("implement failures = %v, want none", failures)
	}
}

func TestTelemetryRecordsValidate(t *testing.T) {
	rec := NewTelemetry(pipeline.StageUnlock.Command(), "SPEC-1", "s1", []string{"evidence/SPEC-1/unlock"})
	rec.UnlockStatus = "unlocked"
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if problems := ValidateTelemetry(pipeline.StageUnlock, data); len(problems) != 0 {
		t.Errorf("problems = %v", problems)
	}

	cp := CheckpointTelemetry(pipeline.CheckpointPostPlan, "SPEC-1", "s1", nil, 3, 1)
	if *cp.AutoResolved != 3 || *cp.Escalated != 1 || cp.Artifacts == nil {
		t.Errorf("checkpoint telemetry = %+v", cp)
	}
}

func TestNewRunnerFromConfig(t *testing.T) {
	cfg := config.Default()
	a := &cfg.Automation
	st := a.Stages[string(pipeline.StageAudit)]
	st.Guardrail = "audit-guard {{spec_id}}"
	a.Stages[string(pipeline.StageAudit)] = st

	m := &mockRunner{}
	r := NewRunnerFromConfig(a, m, nil)
	if _, err := r.Run(context.Background(), "SPEC-9", "s", pipeline.StageAudit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.commands) != 1 || m.commands[0] != "audit-guard SPEC-9" {
		t.Errorf("commands = %v", m.commands)
	}
}

func TestExecRunner(t *testing.T) {
	out, _, code, err := (&ExecRunner{}).Run(context.Background(), t.TempDir(), "echo hi; exit 3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 || strings.TrimSpace(out) != "hi" {
		t.Errorf("got (%q, %d), want (hi, 3)", out, code)
	}
}
