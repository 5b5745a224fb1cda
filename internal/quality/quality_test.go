package quality

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

type fakeArbiter struct {
	answer    string
	reasoning string
	err       error
	calls     int
	last      ArbiterRequest
}

func (f *fakeArbiter) Arbitrate(_ context.Context, req ArbiterRequest) (ArbiterResult, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return ArbiterResult{}, f.err
	}
	return ArbiterResult{Answer: f.answer, Reasoning: f.reasoning}, nil
}

func issue(answers map[string]string) Issue {
	return Issue{
		ID:            "Q1",
		Checkpoint:    pipeline.CheckpointPostPlan,
		Question:      "Which auth mechanism?",
		AnswersByRole: answers,
		TotalRoles:    len(answers),
		Resolvability: ResolvabilitySuggestFix,
	}
}

func TestResolve_ScenarioA_Unanimous(t *testing.T) {
	arb := &fakeArbiter{}
	c := NewClassifier(arb, nil)
	got := c.Resolve(context.Background(), "SPEC-1", 1, issue(map[string]string{
		"research":  "log failed attempts: yes",
		"synthesis": "Log failed attempts: yes.",
		"review":    "log failed attempts:  YES",
	}), "doc")
	if got.Resolution != ResolutionAutoApply || got.Confidence != ConfidenceHigh {
		t.Fatalf("got %s/%s, want auto_apply/high", got.Resolution, got.Confidence)
	}
	if arb.calls != 0 {
		t.Errorf("arbiter called %d times, want 0", arb.calls)
	}
	if got.AgreementCount != 3 {
		t.Errorf("AgreementCount = %d, want 3", got.AgreementCount)
	}
}

func TestResolve_ScenarioB_ArbiterAgrees(t *testing.T) {
	arb := &fakeArbiter{answer: "Use JWT", reasoning: "stateless services behind the gateway"}
	c := NewClassifier(arb, nil)
	got := c.Resolve(context.Background(), "SPEC-1", 1, issue(map[string]string{
		"research":  "use JWT",
		"synthesis": "use JWT",
		"review":    "use session cookies",
	}), "# Spec\nfull document")
	if got.Resolution != ResolutionAutoApply || got.Confidence != ConfidenceMedium {
		t.Fatalf("got %s/%s, want auto_apply/medium", got.Resolution, got.Confidence)
	}
	if got.ArbiterReasoning != "stateless services behind the gateway" {
		t.Errorf("ArbiterReasoning = %q", got.ArbiterReasoning)
	}
	if got.Answer != "use JWT" {
		t.Errorf("Answer = %q, want majority answer", got.Answer)
	}
	if arb.last.Document != "# Spec\nfull document" || len(arb.last.Issue.AnswersByRole) != 3 {
		t.Errorf("arbiter did not get full context: %+v", arb.last)
	}
}

func TestResolve_ScenarioC_ArbiterDisagrees(t *testing.T) {
	arb := &fakeArbiter{answer: "use OAuth2 with PKCE", reasoning: "third-party clients"}
	c := NewClassifier(arb, nil)
	resolved := c.Resolve(context.Background(), "SPEC-1", 1, issue(map[string]string{
		"research":  "use JWT",
		"synthesis": "use JWT",
		"review":    "use session cookies",
	}), "doc")
	if resolved.Resolution != ResolutionEscalate {
		t.Fatalf("resolution = %s, want escalate", resolved.Resolution)
	}
	if resolved.ArbiterAnswer != "use OAuth2 with PKCE" {
		t.Errorf("ArbiterAnswer = %q", resolved.ArbiterAnswer)
	}

	qs := BatchEscalations(pipeline.CheckpointPostPlan, []Issue{resolved})
	if len(qs) != 1 {
		t.Fatalf("got %d questions, want 1", len(qs))
	}
	text := RenderBatch(qs)
	for _, want := range []string{"use JWT", "use session cookies", "use OAuth2 with PKCE", "post-plan.Q1"} {
		if !strings.Contains(text, want) {
			t.Errorf("batch prompt missing %q:\n%s", want, text)
		}
	}
}

func TestResolve_IdenticalAnswersAlwaysAutoApplyHigh(t *testing.T) {
	for n := 2; n <= 6; n++ {
		answers := make(map[string]string)
		for i := 0; i < n; i++ {
			answers[fmt.Sprintf("role-%d", i)] = "Yes"
		}
		got := NewClassifier(nil, nil).Resolve(context.Background(), "s", 1, issue(answers), "")
		if got.Resolution != ResolutionAutoApply || got.Confidence != ConfidenceHigh {
			t.Errorf("n=%d: got %s/%s, want auto_apply/high", n, got.Resolution, got.Confidence)
		}
	}
}

func TestResolve_ArbiterDissentNeverAutoApplies(t *testing.T) {
	arb := &fakeArbiter{answer: "no"}
	c := NewClassifier(arb, nil)
	is := issue(map[string]string{"a": "yes", "b": "yes", "c": "no"})
	is.Reported = ConfidenceHigh
	is.Magnitude = MagnitudeMinor
	is.Resolvability = ResolvabilityAutoFix
	if got := c.Resolve(context.Background(), "s", 1, is, ""); got.Resolution != ResolutionEscalate {
		t.Errorf("resolution = %s, want escalate", got.Resolution)
	}
}

func TestResolve_NoMajorityEscalatesWithoutArbiter(t *testing.T) {
	arb := &fakeArbiter{answer: "x"}
	c := NewClassifier(arb, nil)
	tests := []map[string]string{
		{"a": "x", "b": "y", "c": "z"},
		{"a": "x", "b": "y"},
		{"a": "x", "b": "x", "c": "y", "d": "y"},
	}
	for _, answers := range tests {
		got := c.Resolve(context.Background(), "s", 1, issue(answers), "")
		if got.Resolution != ResolutionEscalate {
			t.Errorf("%v: resolution = %s, want escalate", answers, got.Resolution)
		}
	}
	if arb.calls != 0 {
		t.Errorf("arbiter called %d times, want 0", arb.calls)
	}
}

func TestResolve_MissingRoleBreaksUnanimity(t *testing.T) {
	is := issue(map[string]string{"a": "yes", "b": "yes"})
	is.TotalRoles = 3
	arb := &fakeArbiter{answer: "yes"}
	got := NewClassifier(arb, nil).Resolve(context.Background(), "s", 1, is, "")
	if got.Confidence != ConfidenceMedium || arb.calls != 1 {
		t.Errorf("got %s with %d arbiter calls, want medium after one arbiter call", got.Confidence, arb.calls)
	}
}

func TestResolve_ArbiterFailureEscalates(t *testing.T) {
	arb := &fakeArbiter{err: fmt.Errorf("timeout")}
	got := NewClassifier(arb, nil).Resolve(context.Background(), "s", 1, issue(map[string]string{"a": "y", "b": "y", "c": "n"}), "")
	if got.Resolution != ResolutionEscalate {
		t.Errorf("resolution = %s, want escalate", got.Resolution)
	}
}

func TestDecisionMatrix(t *testing.T) {
	unanimous := map[string]string{"a": "yes", "b": "yes", "c": "yes"}
	split := map[string]string{"a": "yes", "b": "yes", "c": "no"}
	tests := []struct {
		name        string
		answers     map[string]string
		magnitude   Magnitude
		resolv      Resolvability
		arbiter     string
		want        Resolution
		wantArbiter int
	}{
		{"high minor autofix", unanimous, MagnitudeMinor, ResolvabilityAutoFix, "", ResolutionAutoApply, 0},
		{"high important suggest", unanimous, MagnitudeImportant, ResolvabilitySuggestFix, "", ResolutionAutoApply, 0},
		{"high critical confirmed", unanimous, MagnitudeCritical, ResolvabilityAutoFix, "yes", ResolutionAutoApply, 1},
		{"high critical rejected", unanimous, MagnitudeCritical, ResolvabilityAutoFix, "no", ResolutionEscalate, 1},
		{"medium critical", split, MagnitudeCritical, ResolvabilityAutoFix, "yes", ResolutionEscalate, 0},
		{"need human", unanimous, MagnitudeMinor, ResolvabilityNeedHuman, "", ResolutionEscalate, 0},
		{"medium minor confirmed", split, MagnitudeMinor, ResolvabilitySuggestFix, "yes", ResolutionAutoApply, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arb := &fakeArbiter{answer: tt.arbiter}
			is := issue(tt.answers)
			is.Magnitude = tt.magnitude
			is.Resolvability = tt.resolv
			got := NewClassifier(arb, nil).Resolve(context.Background(), "s", 1, is, "")
			if got.Resolution != tt.want {
				t.Errorf("resolution = %s, want %s (reason %q)", got.Resolution, tt.want, got.Reason)
			}
			if arb.calls != tt.wantArbiter {
				t.Errorf("arbiter calls = %d, want %d", arb.calls, tt.wantArbiter)
			}
		})
	}
}

func TestMergeIssues(t *testing.T) {
	byRole := map[string][]RoleIssue{
		"research": {{ID: "Q1", Question: "Log failures?", Answer: "yes", Confidence: "high", Magnitude: "minor", Resolvability: "auto-fix", SuggestedFix: "Log every failed login."}},
		"review":   {{ID: "q1", Question: "Log failures?", Answer: "Yes", Confidence: "medium", Severity: "critical", Resolvability: "need_human"}},
		"synth":    {{ID: "Q2", Question: "Rate limit?", Answer: "no"}},
	}
	for role, issues := range byRole {
		for i := range issues {
			if issues[i].Magnitude == "" {
				issues[i].Magnitude = issues[i].Severity
			}
		}
		byRole[role] = issues
	}
	issues := MergeIssues(pipeline.CheckpointPostPlan, byRole, 3)
	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2", len(issues))
	}
	q1 := issues[0]
	if q1.ID != "Q1" || len(q1.AnswersByRole) != 2 {
		t.Fatalf("q1 = %+v", q1)
	}
	if q1.Magnitude != MagnitudeCritical {
		t.Errorf("Magnitude = %s, want critical (highest)", q1.Magnitude)
	}
	if q1.Resolvability != ResolvabilityNeedHuman {
		t.Errorf("Resolvability = %s, want need-human (most conservative)", q1.Resolvability)
	}
	if q1.Reported != ConfidenceMedium {
		t.Errorf("Reported = %s, want medium (lowest)", q1.Reported)
	}
	if q1.TotalRoles != 3 {
		t.Errorf("TotalRoles = %d, want 3", q1.TotalRoles)
	}

	q2 := issues[1]
	if q2.Reported != ConfidenceLow || q2.Magnitude != "" || q2.Resolvability != ResolvabilitySuggestFix {
		t.Errorf("defaults = %s/%q/%s, want low/unset/suggest-fix", q2.Reported, q2.Magnitude, q2.Resolvability)
	}

	q1.Answer = "yes"
	if fix := q1.Fix(); fix != "Log every failed login." {
		t.Errorf("Fix = %q", fix)
	}
}

func TestIssuesFromOutcomes(t *testing.T) {
	outs := []agent.Outcome{
		{Role: "a", Status: agent.StatusSuccess, Payload: []byte(`{"role":"a","issues":[{"id":"Q1","question":"q","answer":"yes","severity":"minor","suggested_improvement":"do it"}]}`)},
		{Role: "b", Status: agent.StatusTimeout},
		{Role: "c", Status: agent.StatusSuccess, Payload: []byte(`{"role":"c","issues":[]}`)},
	}
	issues, responded, err := IssuesFromOutcomes(pipeline.CheckpointPostTasks, outs)
	if err != nil {
		t.Fatalf("IssuesFromOutcomes: %v", err)
	}
	if len(responded) != 2 {
		t.Errorf("responded = %v, want [a c]", responded)
	}
	if len(issues) != 1 || issues[0].TotalRoles != 2 {
		t.Fatalf("issues = %+v", issues)
	}
	if issues[0].Magnitude != MagnitudeMinor || issues[0].FixesByRole["a"] != "do it" {
		t.Errorf("severity/improvement aliases not applied: %+v", issues[0])
	}
}

func TestParseEnums(t *testing.T) {
	if ParseConfidence("HIGH") != ConfidenceHigh || ParseConfidence("") != ConfidenceLow {
		t.Error("ParseConfidence")
	}
	if ParseMagnitude("Blocker") != MagnitudeCritical || ParseMagnitude("") != "" {
		t.Error("ParseMagnitude")
	}
	if ParseResolvability("AutoFix") != ResolvabilityAutoFix || ParseResolvability("needs human") != ResolvabilityNeedHuman || ParseResolvability("") != ResolvabilitySuggestFix {
		t.Error("ParseResolvability")
	}
}

type scriptedRole struct {
	name string
	out  string
}

func (s *scriptedRole) Name() string { return s.name }
func (s *scriptedRole) Invoke(context.Context, agent.Request) ([]byte, error) {
	return []byte(s.out), nil
}

func TestAgentArbiter(t *testing.T) {
	reg := agent.NewRegistry()
	if err := reg.Register(&scriptedRole{name: "arbiter", out: `{"role":"arbiter","answer":"use JWT","reasoning":"stateless"}`}); err != nil {
		t.Fatal(err)
	}
	d := agent.NewDispatcher(reg, agent.Options{MinContentChars: 16}, nil)

	var recorded []agent.Outcome
	arb := NewAgentArbiter(d, "arbiter", func(req ArbiterRequest) (string, error) {
		return "decide " + req.Issue.Question, nil
	})
	arb.OnOutcome = func(_ ArbiterRequest, o agent.Outcome) { recorded = append(recorded, o) }

	res, err := arb.Arbitrate(context.Background(), ArbiterRequest{SpecID: "s", Attempt: 1, Issue: issue(map[string]string{"a": "x"})})
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if res.Answer != "use JWT" || res.Reasoning != "stateless" {
		t.Errorf("result = %+v", res)
	}
	if len(recorded) != 1 {
		t.Errorf("OnOutcome called %d times, want 1", len(recorded))
	}

	bad := NewAgentArbiter(d, "missing", func(ArbiterRequest) (string, error) { return "p", nil })
	if _, err := bad.Arbitrate(context.Background(), ArbiterRequest{SpecID: "s", Attempt: 1}); err == nil {
		t.Error("expected error for unknown arbiter role")
	}
}
