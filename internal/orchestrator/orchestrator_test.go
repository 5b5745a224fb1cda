package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/db"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/evidence"
	"github.com/lucasnoah/specfactory/internal/guardrail"
	"github.com/lucasnoah/specfactory/internal/modify"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// --- Fakes ---

// scriptedRole answers with fn and records every request it sees.
type scriptedRole struct {
	name string
	fn   func(ctx context.Context, req agent.Request) ([]byte, error)

	mu      sync.Mutex
	prompts map[string]string // "<step>#<attempt>" -> prompt
	calls   map[string]int    // step -> calls
}

func (r *scriptedRole) Name() string { return r.name }

func (r *scriptedRole) Invoke(ctx context.Context, req agent.Request) ([]byte, error) {
	r.mu.Lock()
	r.prompts[req.Step.String()+"#"+strconv.Itoa(req.Attempt)] = req.Prompt
	r.calls[req.Step.String()]++
	r.mu.Unlock()
	return r.fn(ctx, req)
}

func (r *scriptedRole) callsFor(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[step]
}

func (r *scriptedRole) promptFor(step string, attempt int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompts[step+"#"+strconv.Itoa(attempt)]
}

const agreedContent = "- store sessions in postgres\n- expose a REST api"

func stageAnswer(role string, stage pipeline.Stage, content string) []byte {
	b, _ := json.Marshal(map[string]string{
		"role":                 role,
		"content":              content,
		agent.StageKey(stage): "done",
	})
	return b
}

func noIssues(role string) []byte {
	b, _ := json.Marshal(map[string]interface{}{"role": role, "issues": []interface{}{}})
	return b
}

// agree answers every stage with the same content and reports no issues at checkpoints.
func agree(name string) func(context.Context, agent.Request) ([]byte, error) {
	return func(_ context.Context, req agent.Request) ([]byte, error) {
		if req.Kind == agent.KindQuality {
			return noIssues(name), nil
		}
		return stageAnswer(name, req.Step.Stage, agreedContent), nil
	}
}

type fakeGuardrail struct {
	mu   sync.Mutex
	fail map[pipeline.Stage]bool
	runs []pipeline.Stage
}

func (g *fakeGuardrail) Run(_ context.Context, specID, sessionID string, stage pipeline.Stage) (*guardrail.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs = append(g.runs, stage)
	res := &guardrail.Result{Stage: stage, Command: stage.Command(), Summary: "ok"}
	if g.fail[stage] {
		res.ExitCode = 1
		res.Errors = []string{"baseline check failed"}
		res.Summary = "baseline check failed"
	}
	return res, nil
}

func (g *fakeGuardrail) setFail(stage pipeline.Stage, fail bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[stage] = fail
}

func (g *fakeGuardrail) runCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runs)
}

// --- Harness ---

type harness struct {
	cfg   *config.Automation
	store *pipeline.Store
	ev    *evidence.LocalStore
	db      *db.DB
	reg     *agent.Registry
	roles   map[string]*scriptedRole
	arbiter *scriptedRole
	guard   *fakeGuardrail
	orch    *Orchestrator
}

// newHarness builds an orchestrator over temp dirs. Only the listed
// checkpoints are enabled.
func newHarness(t *testing.T, checkpoints ...pipeline.Checkpoint) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default().Automation
	cfg.Arbiter = ""
	cfg.Documents.Root = filepath.Join(dir, "repo")
	off := false
	for _, cp := range pipeline.Checkpoints {
		cc := cfg.Checkpoints[string(cp)]
		cc.Enabled = &off
		for _, want := range checkpoints {
			if want == cp {
				cc.Enabled = nil
			}
		}
		cfg.Checkpoints[string(cp)] = cc
	}

	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	h := &harness{
		cfg:   &cfg,
		store: pipeline.NewStore(filepath.Join(dir, "state")),
		ev:    evidence.NewLocalStore(filepath.Join(dir, "evidence")),
		db:    d,
		roles: make(map[string]*scriptedRole),
		guard: &fakeGuardrail{fail: make(map[pipeline.Stage]bool)},
	}
	h.reg = agent.NewRegistry()
	for _, name := range []string{config.RoleResearch, config.RoleSynthesis, config.RoleReview, config.RoleImplementer} {
		r := &scriptedRole{name: name, fn: agree(name), prompts: make(map[string]string), calls: make(map[string]int)}
		h.roles[name] = r
		if err := h.reg.Register(r); err != nil {
			t.Fatal(err)
		}
	}
	// The arbiter is registered but only consulted once cfg.Arbiter names it.
	h.arbiter = &scriptedRole{
		name: config.RoleArbiter,
		fn: func(context.Context, agent.Request) ([]byte, error) {
			return []byte(`{"role":"arbiter","answer":"no","reasoning":"not needed"}`), nil
		},
		prompts: make(map[string]string),
		calls:   make(map[string]int),
	}
	if err := h.reg.Register(h.arbiter); err != nil {
		t.Fatal(err)
	}
	h.rebuild(agent.Options{MinContentChars: 1})
	return h
}

// rebuild recreates the orchestrator, e.g. after changing h.cfg.
func (h *harness) rebuild(opts agent.Options) {
	h.orch = New(h.cfg, Deps{
		Store:      h.store,
		Evidence:   h.ev,
		Dispatcher: agent.NewDispatcher(h.reg, opts, nil),
		Guardrail:  h.guard,
		DB:         h.db,
	})
}

func (h *harness) doc(t *testing.T, specID, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.cfg.Documents.Root, "docs", specID, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func (h *harness) events(t *testing.T, specID string) map[string]int {
	t.Helper()
	evs, err := h.db.GetPipelineEvents(specID)
	if err != nil {
		t.Fatalf("GetPipelineEvents: %v", err)
	}
	counts := make(map[string]int)
	for _, e := range evs {
		counts[e.Event]++
	}
	return counts
}

func outcomes(run *pipeline.PipelineRun, step string) []string {
	var out []string
	for _, e := range run.StageHistory {
		if e.Step == step {
			out = append(out, strconv.Itoa(e.Attempt)+":"+e.Outcome)
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Tests ---

func TestStart_RunsEveryStageToCompletion(t *testing.T) {
	h := newHarness(t)
	run, err := h.orch.Start(context.Background(), "SPEC-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if code := pipeline.ExitCode(run, err); code != pipeline.ExitOK {
		t.Errorf("exit code = %d, want 0", code)
	}
	if len(run.StageHistory) != len(pipeline.Stages) {
		t.Fatalf("history has %d entries, want %d", len(run.StageHistory), len(pipeline.Stages))
	}
	for _, e := range run.StageHistory {
		if e.Outcome != "passed" || e.Attempt != 1 {
			t.Errorf("%s: attempt %d %s, want attempt 1 passed", e.Step, e.Attempt, e.Outcome)
		}
	}
	if n := h.guard.runCount(); n != len(pipeline.Stages) {
		t.Errorf("guardrail ran %d times, want %d", n, len(pipeline.Stages))
	}

	plan := h.doc(t, "SPEC-1", "plan.md")
	for _, want := range []string{"# SPEC-1", "## Plan", "- store sessions in postgres"} {
		if !strings.Contains(plan, want) {
			t.Errorf("plan.md missing %q:\n%s", want, plan)
		}
	}
	if spec := h.doc(t, "SPEC-1", "spec.md"); !strings.Contains(spec, "## Implementation") || !strings.Contains(spec, "## Unlock") {
		t.Errorf("spec.md missing stage sections:\n%s", spec)
	}

	if _, err := h.store.Get("SPEC-1"); !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Errorf("completed run should be archived, Get err = %v", err)
	}
	latest, err := h.store.GetLatest("SPEC-1")
	if err != nil || latest.Status != pipeline.StateComplete {
		t.Errorf("GetLatest = %v, %v", latest, err)
	}

	arts, err := evidence.FetchAttempt(context.Background(), h.ev, "SPEC-1", pipeline.Step{Stage: pipeline.StagePlan}, 1)
	if err != nil {
		t.Fatalf("FetchAttempt: %v", err)
	}
	byRole := evidence.ByRole(arts)
	for _, role := range []string{"research", "synthesis", "review", "verdict", "telemetry", "guardrail", "modification.stage-plan"} {
		if _, ok := byRole[role]; !ok {
			t.Errorf("plan attempt 1 missing %s artifact", role)
		}
	}

	ev := h.events(t, "SPEC-1")
	if ev["created"] != 1 || ev["completed"] != 1 || ev["step_advanced"] != len(pipeline.Stages) {
		t.Errorf("events = %v", ev)
	}
}

func TestAdvance_RetriesAfterAgentFailure(t *testing.T) {
	h := newHarness(t)
	review := h.roles["review"]
	review.fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
		if req.Step.Stage == pipeline.StagePlan && req.Attempt <= 2 {
			return nil, errors.New("model overloaded")
		}
		return agree("review")(ctx, req)
	}

	run, err := h.orch.Start(context.Background(), "SPEC-2")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	got := outcomes(run, "stage:plan")
	want := []string{"1:retry", "2:retry", "3:passed"}
	if !equal(got, want) {
		t.Errorf("plan history = %v, want %v", got, want)
	}
	if run.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 after success", run.RetryCount)
	}

	p := h.roles["research"].promptFor("stage:plan", 3)
	for _, want := range []string{"review returned no result", "Answer with a single JSON object"} {
		if !strings.Contains(p, want) {
			t.Errorf("retry prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(h.roles["research"].promptFor("stage:plan", 1), "previous attempt failed") {
		t.Error("first prompt should carry no retry context")
	}
	if ev := h.events(t, "SPEC-2"); ev["retry"] != 2 {
		t.Errorf("retry events = %d, want 2", ev["retry"])
	}

	calls, err := h.db.GetAgentCalls("SPEC-2", "stage:plan")
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 9 {
		t.Errorf("plan agent calls = %d, want 9", len(calls))
	}
}

func TestAdvance_AgentFailureExhaustion(t *testing.T) {
	h := newHarness(t)
	var healthy atomic.Bool
	h.roles["review"].fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
		if req.Step.Stage == pipeline.StagePlan && !healthy.Load() {
			return nil, errors.New("model overloaded")
		}
		return agree("review")(ctx, req)
	}
	ctx := context.Background()

	run, err := h.orch.Start(ctx, "SPEC-3")
	if !errors.Is(err, pipeline.ErrBlockedOnHuman) {
		t.Fatalf("Start err = %v, want ErrBlockedOnHuman", err)
	}
	if run.Status != pipeline.StateAwaitingHuman || run.BlockedReason != pipeline.ReasonAgentFailureExhausted {
		t.Fatalf("run = %s/%s, want awaiting_human/AgentFailureExhausted", run.Status, run.BlockedReason)
	}
	if code := pipeline.ExitCode(run, err); code != pipeline.ExitUnrecoverable {
		t.Errorf("exit code = %d, want %d", code, pipeline.ExitUnrecoverable)
	}
	if run.RetryCount != run.MaxRetries {
		t.Errorf("retry count = %d, want %d", run.RetryCount, run.MaxRetries)
	}
	if len(run.OpenQuestions) != 1 || run.OpenQuestions[0].ID != "plan.agents" {
		t.Fatalf("open questions = %+v", run.OpenQuestions)
	}
	if got := run.OpenQuestions[0].AnswersByRole["review"]; got != string(agent.StatusEmpty) {
		t.Errorf("review status = %q, want empty", got)
	}

	healthy.Store(true)
	run, err = h.orch.Answer(ctx, "SPEC-3", "plan.agents", "retry")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	got := outcomes(run, "stage:plan")
	want := []string{"1:retry", "2:retry", "3:exhausted", "3:answered", "4:passed"}
	if !equal(got, want) {
		t.Errorf("plan history = %v, want %v", got, want)
	}
	if plan := h.doc(t, "SPEC-3", "plan.md"); strings.Contains(plan, "Human Decisions") {
		t.Errorf("a retry answer should not be written:\n%s", plan)
	}
}

func TestAdvance_ConflictEscalatesAndHumanDecides(t *testing.T) {
	h := newHarness(t)
	var decided atomic.Bool
	for _, name := range []string{"research", "synthesis"} {
		name := name
		h.roles[name].fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
			if req.Step.Stage == pipeline.StagePlan {
				return stageAnswer(name, req.Step.Stage, "- auth: jwt"), nil
			}
			return agree(name)(ctx, req)
		}
	}
	h.roles["review"].fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
		if req.Step.Stage == pipeline.StagePlan {
			if decided.Load() {
				return stageAnswer("review", req.Step.Stage, "- auth: jwt"), nil
			}
			return stageAnswer("review", req.Step.Stage, "- auth: cookies"), nil
		}
		return agree("review")(ctx, req)
	}
	ctx := context.Background()

	run, err := h.orch.Start(ctx, "SPEC-4")
	if !errors.Is(err, pipeline.ErrBlockedOnHuman) {
		t.Fatalf("Start err = %v, want ErrBlockedOnHuman", err)
	}
	if run.BlockedReason != pipeline.ReasonConsensusExhausted {
		t.Fatalf("blocked reason = %s, want ConsensusExhausted", run.BlockedReason)
	}
	if len(run.OpenQuestions) != 1 {
		t.Fatalf("open questions = %+v", run.OpenQuestions)
	}
	q := run.OpenQuestions[0]
	if q.ID != "plan.conflict-1" || q.AnswersByRole["review"] != "auth: cookies" || q.AnswersByRole["research"] != "auth: jwt" {
		t.Errorf("question = %+v", q)
	}
	if p := h.roles["research"].promptFor("stage:plan", 2); !strings.Contains(p, "review: auth: cookies") {
		t.Errorf("conflict retry prompt should quote the statements:\n%s", p)
	}

	decided.Store(true)
	run, err = h.orch.Answer(ctx, "SPEC-4", q.ID, "auth: jwt")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	plan := h.doc(t, "SPEC-4", "plan.md")
	if !strings.Contains(plan, "## Human Decisions") || !strings.Contains(plan, "→ auth: jwt") {
		t.Errorf("decision not recorded in plan.md:\n%s", plan)
	}
	p := h.roles["research"].promptFor("stage:plan", 4)
	if !strings.Contains(p, "Decisions already made by a human") || !strings.Contains(p, "auth: jwt") {
		t.Errorf("rerun prompt should carry the human decision:\n%s", p)
	}
}

func TestGuardrailFailure_HaltsAndResumes(t *testing.T) {
	h := newHarness(t)
	h.guard.setFail(pipeline.StageTasks, true)
	ctx := context.Background()

	run, err := h.orch.Start(ctx, "SPEC-5")
	if !errors.Is(err, pipeline.ErrGuardrailFailed) {
		t.Fatalf("Start err = %v, want ErrGuardrailFailed", err)
	}
	if run.Status != pipeline.StateFailed || run.BlockedReason != pipeline.ReasonGuardrailFailed {
		t.Fatalf("run = %s/%s", run.Status, run.BlockedReason)
	}
	if code := pipeline.ExitCode(run, err); code != pipeline.ExitGuardrail {
		t.Errorf("exit code = %d, want %d", code, pipeline.ExitGuardrail)
	}
	if n := h.roles["research"].callsFor("stage:tasks"); n != 0 {
		t.Errorf("agents called %d times after a failed guardrail", n)
	}
	gr, err := h.db.GetLatestGuardrailRun("SPEC-5", "tasks")
	if err != nil || gr == nil || gr.Passed {
		t.Errorf("guardrail run = %+v, %v", gr, err)
	}

	h.guard.setFail(pipeline.StageTasks, false)
	run, err = h.orch.Resume(ctx, "SPEC-5")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	got := outcomes(run, "stage:tasks")
	want := []string{"1:guardrail_failed", "2:passed"}
	if !equal(got, want) {
		t.Errorf("tasks history = %v, want %v", got, want)
	}
	if ev := h.events(t, "SPEC-5"); ev["guardrail_failed"] != 1 || ev["resumed"] != 1 {
		t.Errorf("events = %v", ev)
	}
}

func qualityAnswer(role, ttl string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"role": role,
		"issues": []map[string]string{
			{"id": "Q1", "question": "Should failed logins be logged", "answer": "yes", "suggested_fix": "Log failed logins."},
			{"id": "Q2", "question": "How long do sessions live", "answer": ttl},
		},
	})
	return b
}

func TestCheckpoint_AutoAppliesAndEscalates(t *testing.T) {
	h := newHarness(t, pipeline.CheckpointPrePlanning)
	ttl := map[string]string{"research": "10m", "synthesis": "1h", "review": "24h"}
	for name, r := range h.roles {
		name := name
		r.fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
			if req.Kind == agent.KindQuality {
				return qualityAnswer(name, ttl[name]), nil
			}
			return agree(name)(ctx, req)
		}
	}
	ctx := context.Background()

	run, err := h.orch.Start(ctx, "SPEC-6")
	if !errors.Is(err, pipeline.ErrBlockedOnHuman) {
		t.Fatalf("Start err = %v, want ErrBlockedOnHuman", err)
	}
	if run.BlockedReason != pipeline.ReasonQualityGateEscalation {
		t.Fatalf("blocked reason = %s", run.BlockedReason)
	}
	if code := pipeline.ExitCode(run, err); code != pipeline.ExitBlocked {
		t.Errorf("exit code = %d, want %d", code, pipeline.ExitBlocked)
	}
	if len(run.OpenQuestions) != 1 || run.OpenQuestions[0].ID != "pre-planning.Q2" {
		t.Fatalf("open questions = %+v", run.OpenQuestions)
	}
	spec := h.doc(t, "SPEC-6", "spec.md")
	if !strings.Contains(spec, "## Clarifications") || !strings.Contains(spec, "Log failed logins.") {
		t.Errorf("unanimous issue not applied:\n%s", spec)
	}

	decisions, err := h.db.GetQualityDecisions("SPEC-6")
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Errorf("quality decisions = %d, want 2", len(decisions))
	}

	info, err := h.orch.Status("SPEC-6")
	if err != nil {
		t.Fatal(err)
	}
	if info.Step != "checkpoint:pre-planning" || len(info.OpenQuestions) != 1 {
		t.Errorf("status = %+v", info)
	}

	if _, err := h.orch.Answer(ctx, "SPEC-6", "pre-planning.Q9", "1h"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("unknown question err = %v, want ErrNotFound", err)
	}
	if _, err := h.orch.Answer(ctx, "SPEC-6", "pre-planning.Q2", "  "); err == nil {
		t.Error("empty answer should be rejected")
	}

	run, err = h.orch.Answer(ctx, "SPEC-6", "pre-planning.Q2", "1h")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if spec := h.doc(t, "SPEC-6", "spec.md"); !strings.Contains(spec, "How long do sessions live → 1h") {
		t.Errorf("answer not recorded:\n%s", spec)
	}
	got := outcomes(run, "checkpoint:pre-planning")
	want := []string{"1:escalated", "1:answered"}
	if !equal(got, want) {
		t.Errorf("checkpoint history = %v, want %v", got, want)
	}
}

func TestResume_SkipsRolesWithRecordedAnswers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An interrupted first attempt of the plan stage: research already answered.
	if _, err := h.store.Create(pipeline.CreateOpts{SpecID: "SPEC-7", MaxRetries: 3, FirstStep: h.orch.Steps()[0]}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Update("SPEC-7", func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StateAgentExecution
		r.Phase = pipeline.StateAgentExecution
		r.Attempt = 1
		r.GuardrailPassed = true
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ev.Store(ctx, evidence.Artifact{
		SpecID:  "SPEC-7",
		Stage:   pipeline.StagePlan,
		Attempt: 1,
		Role:    "research",
		Kind:    evidence.KindAgent,
		Content: stageAnswer("research", pipeline.StagePlan, agreedContent),
	}); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.Resume(ctx, "SPEC-7")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if n := h.roles["research"].callsFor("stage:plan"); n != 0 {
		t.Errorf("research called %d times for plan, want 0", n)
	}
	if n := h.roles["review"].callsFor("stage:plan"); n != 1 {
		t.Errorf("review called %d times for plan, want 1", n)
	}
	if got := outcomes(run, "stage:plan"); !equal(got, []string{"1:passed"}) {
		t.Errorf("plan history = %v", got)
	}
	if n := h.guard.runCount(); n != len(pipeline.Stages)-1 {
		t.Errorf("guardrail ran %d times, want %d", n, len(pipeline.Stages)-1)
	}
}

func TestAbort_StopsInFlightRunAndResumes(t *testing.T) {
	h := newHarness(t)
	var block atomic.Bool
	block.Store(true)
	started := make(chan struct{}, 8)
	for name, r := range h.roles {
		name := name
		r.fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
			if block.Load() {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return agree(name)(ctx, req)
		}
	}

	type result struct {
		run *pipeline.PipelineRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := h.orch.Start(context.Background(), "SPEC-8")
		done <- result{run, err}
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("agents were not dispatched")
		}
	}

	aborted, err := h.orch.Abort(context.Background(), "SPEC-8")
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if aborted.Status != pipeline.StateAborted || aborted.Phase != pipeline.StateAgentExecution {
		t.Errorf("aborted run = %s/%s, want aborted/agent_execution", aborted.Status, aborted.Phase)
	}
	res := <-done
	if res.err != nil || res.run.Status != pipeline.StateAborted {
		t.Errorf("Start returned %v, %v", res.run.Status, res.err)
	}
	if code := pipeline.ExitCode(aborted, nil); code != pipeline.ExitUnrecoverable {
		t.Errorf("exit code = %d", code)
	}

	block.Store(false)
	run, err := h.orch.Resume(context.Background(), "SPEC-8")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if got := outcomes(run, "stage:plan"); !equal(got, []string{"1:passed"}) {
		t.Errorf("resumed plan history = %v, want the interrupted attempt reused", got)
	}
}

func TestAbort_NotDrivenInProcess(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.Create(pipeline.CreateOpts{SpecID: "SPEC-9", MaxRetries: 3, FirstStep: h.orch.Steps()[0]}); err != nil {
		t.Fatal(err)
	}
	run, err := h.orch.Abort(context.Background(), "SPEC-9")
	if err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if run.Status != pipeline.StateAborted || run.BlockedReason != pipeline.ReasonAborted {
		t.Errorf("run = %s/%s", run.Status, run.BlockedReason)
	}
	if _, err := h.orch.Abort(context.Background(), "SPEC-9"); !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Errorf("second abort err = %v, want ErrRunNotFound", err)
	}
}

func TestStart_RejectsActiveRun(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.Create(pipeline.CreateOpts{SpecID: "SPEC-10", MaxRetries: 3, FirstStep: h.orch.Steps()[0]}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Start(context.Background(), "SPEC-10"); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
	if _, err := h.orch.Start(context.Background(), "../etc"); err == nil {
		t.Error("invalid spec id should be rejected")
	}
}

func TestStart_ParallelSpecs(t *testing.T) {
	h := newHarness(t)
	specs := []string{"SPEC-A", "SPEC-B", "SPEC-C"}
	runs := make([]*pipeline.PipelineRun, len(specs))
	errs := make([]error, len(specs))
	var wg sync.WaitGroup
	for i, id := range specs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			runs[i], errs[i] = h.orch.Start(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	for i, id := range specs {
		if errs[i] != nil {
			t.Errorf("%s: %v", id, errs[i])
			continue
		}
		if runs[i].Status != pipeline.StateComplete {
			t.Errorf("%s: status = %s", id, runs[i].Status)
		}
		info, err := h.orch.Status(id)
		if err != nil || info.Status != pipeline.StateComplete || info.Active {
			t.Errorf("%s: status info = %+v, %v", id, info, err)
		}
	}
	all, err := h.orch.StatusAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("StatusAll = %d runs, want none active", len(all))
	}
	specIDs, err := h.ev.ListSpecs(context.Background())
	if err != nil || len(specIDs) != len(specs) {
		t.Errorf("evidence specs = %v, %v", specIDs, err)
	}
}

func TestSubscribe_ReceivesLifecycleEvents(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.orch.Subscribe(1024)
	defer cancel()

	if _, err := h.orch.Start(context.Background(), "SPEC-11"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	seen := make(map[events.Type]int)
	for {
		select {
		case e := <-ch:
			if e.SpecID != "SPEC-11" {
				t.Errorf("event for %q", e.SpecID)
			}
			seen[e.Type]++
			continue
		default:
		}
		break
	}
	for _, typ := range []events.Type{events.TypeTransition, events.TypeAgentOutcome, events.TypeVerdict, events.TypeModification, events.TypeComplete} {
		if seen[typ] == 0 {
			t.Errorf("no %s event", typ)
		}
	}
	if seen[events.TypeComplete] != 1 {
		t.Errorf("complete events = %d, want 1", seen[events.TypeComplete])
	}
}

func TestArtifactRole(t *testing.T) {
	tests := []struct{ in, want string }{
		{"verdict", "verdict"},
		{"modification.stage:plan", "modification.stage-plan"},
		{"human.pre-planning.Q 2", "human.pre-planning.Q-2"},
		{".hidden", "x.hidden"},
	}
	for _, tt := range tests {
		if got := artifactRole(tt.in); got != tt.want {
			t.Errorf("artifactRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFailureRetryContext(t *testing.T) {
	outs := []agent.Outcome{
		{Role: "research", Status: agent.StatusSuccess},
		{Role: "synthesis", Status: agent.StatusTimeout},
		{Role: "review", Status: agent.StatusTimeout, Cancelled: true},
	}
	got := failureRetryContext(agent.KindStage, pipeline.StagePlan, outs)
	if !strings.Contains(got, "synthesis timed out") || !strings.Contains(got, "review was cancelled") {
		t.Errorf("context = %q", got)
	}
	if strings.Contains(got, "JSON object") {
		t.Error("timeouts alone should not add the schema")
	}

	outs[1] = agent.Outcome{Role: "synthesis", Status: agent.StatusMalformed, Error: "missing field \"content\""}
	got = failureRetryContext(agent.KindStage, pipeline.StagePlan, outs)
	if !strings.Contains(got, "malformed") || !strings.Contains(got, `"work_breakdown"`) {
		t.Errorf("context = %q", got)
	}
}

func TestStart_AgainAfterCompletionRunsFreshAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Start(ctx, "SPEC-12"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	before := h.roles["research"].callsFor("stage:plan")

	const revised = "- brand new plan line"
	for name, r := range h.roles {
		name := name
		r.fn = func(_ context.Context, req agent.Request) ([]byte, error) {
			if req.Kind == agent.KindQuality {
				return noIssues(name), nil
			}
			return stageAnswer(name, req.Step.Stage, revised), nil
		}
	}

	run, err := h.orch.Start(ctx, "SPEC-12")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if n := h.roles["research"].callsFor("stage:plan"); n != before+1 {
		t.Errorf("research plan calls = %d, want %d", n, before+1)
	}
	if got := outcomes(run, "stage:plan"); !equal(got, []string{"2:passed"}) {
		t.Errorf("plan history = %v, want [2:passed]", got)
	}
	plan := h.doc(t, "SPEC-12", "plan.md")
	if !strings.Contains(plan, revised) || strings.Contains(plan, "store sessions in postgres") {
		t.Errorf("plan.md should hold the second run's answer:\n%s", plan)
	}

	first, err := evidence.FetchAttempt(ctx, h.ev, "SPEC-12", pipeline.Step{Stage: pipeline.StagePlan}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := evidence.ByRole(first)["research"]; !ok || !strings.Contains(string(a.Content), "store sessions in postgres") {
		t.Errorf("first run's research answer should be kept at attempt 1")
	}
}

func TestResume_SettlesAnsweredQuestions(t *testing.T) {
	h := newHarness(t)
	var healthy atomic.Bool
	h.roles["review"].fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
		if req.Step.Stage == pipeline.StagePlan && !healthy.Load() {
			return nil, errors.New("model overloaded")
		}
		return agree("review")(ctx, req)
	}
	ctx := context.Background()

	if _, err := h.orch.Start(ctx, "SPEC-13"); !errors.Is(err, pipeline.ErrBlockedOnHuman) {
		t.Fatalf("Start err = %v, want ErrBlockedOnHuman", err)
	}

	// The answer was saved but the process stopped before acting on it.
	if _, err := h.store.Update("SPEC-13", func(r *pipeline.PipelineRun) {
		for i := range r.OpenQuestions {
			r.OpenQuestions[i].Answer = "retry"
			r.OpenQuestions[i].AnsweredAt = time.Now().UTC().Format(time.RFC3339)
		}
	}); err != nil {
		t.Fatal(err)
	}
	healthy.Store(true)

	run, err := h.orch.Resume(ctx, "SPEC-13")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	got := outcomes(run, "stage:plan")
	want := []string{"1:retry", "2:retry", "3:exhausted", "3:answered", "4:passed"}
	if !equal(got, want) {
		t.Errorf("plan history = %v, want %v", got, want)
	}
}

func TestResume_ReusesRecordedArbiterOutcome(t *testing.T) {
	h := newHarness(t, pipeline.CheckpointPrePlanning)
	h.cfg.Arbiter = config.RoleArbiter
	h.rebuild(agent.Options{MinContentChars: 1})
	ctx := context.Background()
	step := h.orch.Steps()[0]
	if step.Checkpoint != pipeline.CheckpointPrePlanning {
		t.Fatalf("first step = %s, want checkpoint:pre-planning", step)
	}

	// Interrupted after the arbiter answered a 2 to 1 split.
	if _, err := h.store.Create(pipeline.CreateOpts{SpecID: "SPEC-14", MaxRetries: 3, FirstStep: step}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.Update("SPEC-14", func(r *pipeline.PipelineRun) {
		r.Status = pipeline.StateAgentExecution
		r.Phase = pipeline.StateAgentExecution
		r.Attempt = 1
	}); err != nil {
		t.Fatal(err)
	}
	answers := map[string]string{"research": "yes", "synthesis": "yes", "review": "no"}
	for role, answer := range answers {
		issue := map[string]string{"id": "Q1", "question": "Should failed logins be logged", "answer": answer}
		if answer == "yes" {
			issue["suggested_fix"] = "Log failed logins."
		}
		content, _ := json.Marshal(map[string]interface{}{"role": role, "issues": []map[string]string{issue}})
		if _, err := h.ev.Store(ctx, evidence.Artifact{
			SpecID:     "SPEC-14",
			Checkpoint: pipeline.CheckpointPrePlanning,
			Attempt:    1,
			Role:       role,
			Kind:       evidence.KindAgent,
			Content:    content,
		}); err != nil {
			t.Fatal(err)
		}
	}
	record, _ := json.Marshal(arbiterRecord{
		Issue:    "Q1",
		Majority: "yes",
		Status:   agent.StatusSuccess,
		Payload:  json.RawMessage(`{"role":"arbiter","answer":"yes","reasoning":"audit trail"}`),
	})
	if _, err := h.ev.Store(ctx, evidence.Artifact{
		SpecID:     "SPEC-14",
		Checkpoint: pipeline.CheckpointPrePlanning,
		Attempt:    1,
		Role:       arbiterRole("Q1"),
		Kind:       evidence.KindArbiter,
		Content:    record,
	}); err != nil {
		t.Fatal(err)
	}

	run, err := h.orch.Resume(ctx, "SPEC-14")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	if n := h.arbiter.callsFor("checkpoint:pre-planning"); n != 0 {
		t.Errorf("arbiter called %d times, want 0", n)
	}
	for role := range answers {
		if n := h.roles[role].callsFor("checkpoint:pre-planning"); n != 0 {
			t.Errorf("%s called %d times at the checkpoint, want 0", role, n)
		}
	}
	if spec := h.doc(t, "SPEC-14", "spec.md"); !strings.Contains(spec, "Log failed logins.") {
		t.Errorf("majority answer not applied:\n%s", spec)
	}
}

// brokenHas fails every existence check.
type brokenHas struct{ evidence.Repository }

func (brokenHas) Has(context.Context, evidence.Key) (bool, error) {
	return false, errors.New("evidence store unreachable")
}

func TestApplyModification_EvidenceErrorSkipsWrite(t *testing.T) {
	h := newHarness(t)
	h.orch.evidence = brokenHas{h.ev}

	path := filepath.Join(t.TempDir(), "plan.md")
	const original = "# SPEC-16\n"
	if err := os.WriteFile(path, []byte(original), 0o644); err != nil {
		t.Fatal(err)
	}
	run := &pipeline.PipelineRun{SpecID: "SPEC-16", Attempt: 1}
	step := pipeline.Step{Stage: pipeline.StagePlan}
	_, err := h.orch.applyModification(context.Background(), run, step, 1, path, modify.Modification{
		Kind:    modify.AddSection,
		Section: "Plan",
		Level:   2,
		Content: "- x",
		Source:  "stage:plan",
	})
	if err == nil || !strings.Contains(err.Error(), "evidence store unreachable") {
		t.Fatalf("err = %v, want the evidence error", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != original {
		t.Errorf("document changed:\n%s", data)
	}
}

func TestAdvance_RetriesAfterAgentTimeout(t *testing.T) {
	h := newHarness(t)
	h.rebuild(agent.Options{
		MinContentChars: 1,
		CallTimeout:     func(string) time.Duration { return 50 * time.Millisecond },
	})
	h.roles["review"].fn = func(ctx context.Context, req agent.Request) ([]byte, error) {
		if req.Step.Stage == pipeline.StagePlan && req.Attempt <= 2 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return agree("review")(ctx, req)
	}

	run, err := h.orch.Start(context.Background(), "SPEC-15")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != pipeline.StateComplete {
		t.Fatalf("status = %s, want complete", run.Status)
	}
	got := outcomes(run, "stage:plan")
	want := []string{"1:retry", "2:retry", "3:passed"}
	if !equal(got, want) {
		t.Errorf("plan history = %v, want %v", got, want)
	}
	if run.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 after success", run.RetryCount)
	}

	p := h.roles["research"].promptFor("stage:plan", 3)
	if !strings.Contains(p, "review timed out") {
		t.Errorf("retry prompt should name the timeout:\n%s", p)
	}
	if strings.Contains(p, "shaped like this") {
		t.Errorf("a timeout needs no schema example:\n%s", p)
	}

	calls, err := h.db.GetAgentCalls("SPEC-15", "stage:plan")
	if err != nil {
		t.Fatal(err)
	}
	timeouts := 0
	for _, c := range calls {
		if c.Role == "review" && c.Status == string(agent.StatusTimeout) {
			timeouts++
		}
	}
	if timeouts != 2 {
		t.Errorf("review timeouts = %d, want 2", timeouts)
	}
}
