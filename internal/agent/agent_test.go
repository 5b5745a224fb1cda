package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

type fakeRole struct {
	name  string
	calls int32
	fn    func(ctx context.Context, req Request) ([]byte, error)
}

func (f *fakeRole) Name() string { return f.name }

func (f *fakeRole) Invoke(ctx context.Context, req Request) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, req)
}

func answer(s string) func(context.Context, Request) ([]byte, error) {
	return func(context.Context, Request) ([]byte, error) { return []byte(s), nil }
}

func blockUntilDone(ctx context.Context, _ Request) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

const planPayload = `{"role":"research","content":"- use JWT\n- log failures","work_breakdown":["auth","logging"]}`

var planReq = Request{SpecID: "SPEC-1", Step: pipeline.Step{Stage: pipeline.StagePlan}, Attempt: 1, Kind: KindStage, Prompt: "plan it"}

func newTestDispatcher(t *testing.T, opts Options, roles ...*fakeRole) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, r := range roles {
		if err := reg.Register(r); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return NewDispatcher(reg, opts, nil)
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		stage  pipeline.Stage
		raw    string
		want   Status
		wantIs error
	}{
		{"plan ok", KindStage, pipeline.StagePlan, planPayload, StatusSuccess, nil},
		{"fenced", KindStage, pipeline.StagePlan, "Here you go:\n```json\n" + planPayload + "\n```\nthanks", StatusSuccess, nil},
		{"prose around", KindStage, pipeline.StagePlan, "Answer: " + planPayload + " done.", StatusSuccess, nil},
		{"empty", KindStage, pipeline.StagePlan, "   \n", StatusEmpty, pipeline.ErrAgentEmptyResult},
		{"too short", KindStage, pipeline.StagePlan, "ok", StatusEmpty, pipeline.ErrAgentEmptyResult},
		{"no json", KindStage, pipeline.StagePlan, "I could not decide on a plan today.", StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"missing stage key", KindStage, pipeline.StageTasks, planPayload, StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"content wrong type", KindStage, pipeline.StagePlan, `{"role":"r","content":5,"work_breakdown":"x"}`, StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"missing role", KindStage, pipeline.StagePlan, `{"content":"some content","work_breakdown":"x"}`, StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"quality ok", KindQuality, "", `{"role":"review","issues":[{"id":"Q1","question":"log?","answer":"yes","confidence":"high"}]}`, StatusSuccess, nil},
		{"quality no issues", KindQuality, "", `{"role":"review","issues":[]}`, StatusSuccess, nil},
		{"quality missing answer", KindQuality, "", `{"role":"review","issues":[{"id":"Q1","question":"log?"}]}`, StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"quality bad confidence type", KindQuality, "", `{"role":"review","issues":[{"id":"Q1","question":"q","answer":"a","confidence":0.9}]}`, StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"arbiter ok", KindArbiter, "", `{"role":"arbiter","answer":"use JWT","reasoning":"stateless"}`, StatusSuccess, nil},
		{"arbiter missing answer", KindArbiter, "", `{"role":"arbiter","reasoning":"stateless"}`, StatusMalformed, pipeline.ErrAgentMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, status, err := ValidateResponse(tt.kind, tt.stage, []byte(tt.raw), 16)
			if status != tt.want {
				t.Fatalf("status = %s, want %s (err=%v)", status, tt.want, err)
			}
			if tt.wantIs == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(payload) == 0 || payload[0] != '{' {
					t.Errorf("payload = %q, want JSON object", payload)
				}
				return
			}
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestSchemaExamplesValidate(t *testing.T) {
	for _, st := range pipeline.Stages {
		if _, status, err := ValidateResponse(KindStage, st, []byte(SchemaExample(KindStage, st)), 16); status != StatusSuccess {
			t.Errorf("%s example: status %s, err %v", st, status, err)
		}
	}
	for _, k := range []Kind{KindQuality, KindArbiter} {
		if _, status, err := ValidateResponse(k, "", []byte(SchemaExample(k, "")), 16); status != StatusSuccess {
			t.Errorf("%s example: status %s, err %v", k, status, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&fakeRole{name: "research"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&fakeRole{name: "research"}); err == nil {
		t.Error("expected duplicate registration error")
	}
	if _, err := reg.Get("research"); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := reg.Get("nobody"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "research" {
		t.Errorf("Names = %v", names)
	}
}

func TestDispatch_Classification(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(context.Context, Request) ([]byte, error)
		want   Status
		wantIs error
	}{
		{"success", answer(planPayload), StatusSuccess, nil},
		{"empty", answer(""), StatusEmpty, pipeline.ErrAgentEmptyResult},
		{"malformed", answer("this is not what we asked for at all"), StatusMalformed, pipeline.ErrAgentMalformedResponse},
		{"invoke error", func(context.Context, Request) ([]byte, error) { return nil, fmt.Errorf("exit 1") }, StatusEmpty, pipeline.ErrAgentEmptyResult},
		{"timeout", blockUntilDone, StatusTimeout, pipeline.ErrAgentTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := &fakeRole{name: "research", fn: tt.fn}
			d := newTestDispatcher(t, Options{
				MinContentChars: 16,
				CallTimeout:     func(string) time.Duration { return 20 * time.Millisecond },
			}, role)

			out := d.Dispatch(context.Background(), "research", planReq)
			if out.Status != tt.want {
				t.Fatalf("status = %s, want %s (err=%v)", out.Status, tt.want, out.Err)
			}
			if tt.wantIs != nil && !errors.Is(out.Err, tt.wantIs) {
				t.Errorf("err = %v, want %v", out.Err, tt.wantIs)
			}
			if out.Cancelled {
				t.Error("outcome should not be marked cancelled")
			}
			if tt.want == StatusSuccess && len(out.Payload) == 0 {
				t.Error("expected payload")
			}
		})
	}
}

func TestDispatch_UnknownRole(t *testing.T) {
	d := newTestDispatcher(t, Options{})
	out := d.Dispatch(context.Background(), "ghost", planReq)
	if out.Succeeded() {
		t.Fatal("unknown role should not succeed")
	}
	if !errors.Is(out.Err, pipeline.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", out.Err)
	}
}

func TestDispatchAll_OrderAndCallback(t *testing.T) {
	a := &fakeRole{name: "a", fn: answer(planPayload)}
	b := &fakeRole{name: "b", fn: answer("")}
	c := &fakeRole{name: "c", fn: answer(planPayload)}
	d := newTestDispatcher(t, Options{MinContentChars: 16}, a, b, c)

	var seen []string
	outs := d.DispatchAll(context.Background(), []string{"a", "b", "c"}, planReq, DispatchOptions{
		OnOutcome: func(o Outcome) { seen = append(seen, o.Role) },
	})
	if len(outs) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if outs[i].Role != want {
			t.Errorf("outs[%d].Role = %s, want %s", i, outs[i].Role, want)
		}
	}
	if outs[1].Status != StatusEmpty {
		t.Errorf("b status = %s, want empty", outs[1].Status)
	}
	if len(seen) != 3 {
		t.Errorf("OnOutcome called %d times, want 3", len(seen))
	}
}

func TestDispatchAll_SkipsRecordedRoles(t *testing.T) {
	a := &fakeRole{name: "a", fn: answer(planPayload)}
	b := &fakeRole{name: "b", fn: answer(planPayload)}
	d := newTestDispatcher(t, Options{MinContentChars: 16}, a, b)

	recorded := map[string]Outcome{"a": {Role: "a", Status: StatusSuccess, Payload: []byte(planPayload)}}
	var seen []string
	outs := d.DispatchAll(context.Background(), []string{"a", "b"}, planReq, DispatchOptions{
		Recorded:  recorded,
		OnOutcome: func(o Outcome) { seen = append(seen, o.Role) },
	})
	if a.calls != 0 {
		t.Errorf("recorded role called %d times, want 0", a.calls)
	}
	if b.calls != 1 {
		t.Errorf("missing role called %d times, want 1", b.calls)
	}
	if !outs[0].Succeeded() || !outs[1].Succeeded() {
		t.Errorf("outcomes = %+v", outs)
	}
	if len(seen) != 1 || seen[0] != "b" {
		t.Errorf("OnOutcome saw %v, want [b]", seen)
	}

	// Everything recorded: nothing is dispatched.
	recorded["b"] = outs[1]
	d.DispatchAll(context.Background(), []string{"a", "b"}, planReq, DispatchOptions{Recorded: recorded})
	if a.calls != 0 || b.calls != 1 {
		t.Errorf("calls = %d/%d after full replay, want 0/1", a.calls, b.calls)
	}
}

func TestDispatchAll_QuorumCancelsStragglers(t *testing.T) {
	fast1 := &fakeRole{name: "fast1", fn: answer(planPayload)}
	fast2 := &fakeRole{name: "fast2", fn: answer(planPayload)}
	slow := &fakeRole{name: "slow", fn: blockUntilDone}
	d := newTestDispatcher(t, Options{MinContentChars: 16, StageTimeout: 5 * time.Second}, fast1, fast2, slow)

	start := time.Now()
	outs := d.DispatchAll(context.Background(), []string{"fast1", "slow", "fast2"}, planReq, DispatchOptions{Quorum: 2})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("DispatchAll took %s, quorum should have cancelled the straggler", elapsed)
	}
	if !outs[0].Succeeded() || !outs[2].Succeeded() {
		t.Errorf("fast roles should succeed: %+v", outs)
	}
	if !outs[1].Cancelled {
		t.Errorf("slow role should be cancelled: %+v", outs[1])
	}
}

func TestDispatchAll_StageTimeout(t *testing.T) {
	ok := &fakeRole{name: "ok", fn: answer(planPayload)}
	slow := &fakeRole{name: "slow", fn: blockUntilDone}
	d := newTestDispatcher(t, Options{MinContentChars: 16, StageTimeout: 30 * time.Millisecond}, ok, slow)

	outs := d.DispatchAll(context.Background(), []string{"ok", "slow"}, planReq, DispatchOptions{})
	if !outs[0].Succeeded() {
		t.Errorf("ok role: %+v", outs[0])
	}
	if outs[1].Status != StatusTimeout || outs[1].Cancelled {
		t.Errorf("slow role = %s cancelled=%v, want timeout", outs[1].Status, outs[1].Cancelled)
	}
	if !errors.Is(outs[1].Err, pipeline.ErrAgentTimeout) {
		t.Errorf("err = %v, want ErrAgentTimeout", outs[1].Err)
	}
}

func TestDispatchAll_ParentCancel(t *testing.T) {
	slow := &fakeRole{name: "slow", fn: blockUntilDone}
	d := newTestDispatcher(t, Options{}, slow)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	outs := d.DispatchAll(ctx, []string{"slow"}, planReq, DispatchOptions{})
	if !outs[0].Cancelled {
		t.Errorf("outcome = %+v, want cancelled", outs[0])
	}
}

func TestDispatch_RateLimit(t *testing.T) {
	role := &fakeRole{name: "research", fn: answer(planPayload)}
	d := newTestDispatcher(t, Options{
		MinContentChars: 16,
		Limits:          map[string]Limit{"research": {PerMinute: 1, Burst: 1}},
	}, role)

	if out := d.Dispatch(context.Background(), "research", planReq); !out.Succeeded() {
		t.Fatalf("first call: %+v", out)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := d.Dispatch(ctx, "research", planReq)
	if out.Succeeded() {
		t.Fatal("second call should be held by the rate limiter")
	}
	if atomic.LoadInt32(&role.calls) != 1 {
		t.Errorf("role invoked %d times, want 1", role.calls)
	}
}

type mockRunner struct {
	argv  []string
	env   []string
	stdin string

	stdout string
	stderr string
	code   int
}

func (m *mockRunner) Run(_ context.Context, argv []string, env []string, stdin string) (string, string, int, error) {
	m.argv, m.env, m.stdin = argv, env, stdin
	return m.stdout, m.stderr, m.code, nil
}

func TestCommandRole(t *testing.T) {
	m := &mockRunner{stdout: planPayload}
	role, err := NewCommandRole("research", `claude -p --append-system-prompt "be brief"`, "opus", m)
	if err != nil {
		t.Fatalf("NewCommandRole: %v", err)
	}
	got, err := role.Invoke(context.Background(), planReq)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(got) != planPayload {
		t.Errorf("output = %q", got)
	}
	wantArgv := []string{"claude", "-p", "--append-system-prompt", "be brief"}
	if fmt.Sprint(m.argv) != fmt.Sprint(wantArgv) {
		t.Errorf("argv = %q, want %q", m.argv, wantArgv)
	}
	if m.stdin != "plan it" {
		t.Errorf("stdin = %q, want prompt", m.stdin)
	}
	foundModel := false
	for _, e := range m.env {
		if e == "SPECFACTORY_MODEL=opus" {
			foundModel = true
		}
	}
	if !foundModel {
		t.Errorf("env %v missing model", m.env)
	}

	m.code, m.stderr = 2, "rate limited"
	if _, err := role.Invoke(context.Background(), planReq); err == nil {
		t.Error("expected error on non-zero exit")
	}
}

func TestNewCommandRole_Invalid(t *testing.T) {
	if _, err := NewCommandRole("r", "", "", nil); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := NewCommandRole("r", `claude "unterminated`, "", nil); err == nil {
		t.Error("expected error for bad quoting")
	}
}

func TestExecRunner_Stdin(t *testing.T) {
	r := &ExecRunner{}
	stdout, _, code, err := r.Run(context.Background(), []string{"cat"}, []string{"X=1"}, "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 || stdout != "hello" {
		t.Errorf("got (%q, %d), want (hello, 0)", stdout, code)
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := config.Default()
	reg, err := NewRegistryFromConfig(&cfg.Automation, &mockRunner{})
	if err != nil {
		t.Fatalf("NewRegistryFromConfig: %v", err)
	}
	for _, name := range []string{config.RoleResearch, config.RoleSynthesis, config.RoleReview, config.RoleArbiter} {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("Get(%s): %v", name, err)
		}
	}

	cfg.Automation.Agents[config.RoleResearch] = config.Agent{Command: "claude", RatePerMinute: 30, Burst: 2}
	limits := LimitsFromConfig(&cfg.Automation)
	if l := limits[config.RoleResearch]; l.PerMinute != 30 || l.Burst != 2 {
		t.Errorf("limit = %+v", l)
	}
}
