package web

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/specfactory/internal/db"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/orchestrator"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

type fakeStatus struct {
	infos []orchestrator.StatusInfo
}

func (f *fakeStatus) Status(specID string) (*orchestrator.StatusInfo, error) {
	for i := range f.infos {
		if f.infos[i].SpecID == specID {
			return &f.infos[i], nil
		}
	}
	return nil, fmt.Errorf("get run: %w", fmt.Errorf("spec %s: %w", specID, pipeline.ErrRunNotFound))
}

func (f *fakeStatus) StatusAll() ([]orchestrator.StatusInfo, error) {
	return f.infos, nil
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func newTestServer(t *testing.T, database *db.DB, bus *events.Bus) *Server {
	t.Helper()
	status := &fakeStatus{infos: []orchestrator.StatusInfo{
		{SpecID: "SPEC-1", Status: pipeline.StateAgentExecution, Step: "stage:plan", Attempt: 1, MaxRetries: 3},
		{SpecID: "SPEC-2", Status: pipeline.StateAwaitingHuman, Step: "checkpoint:post-plan", Attempt: 2,
			OpenQuestions: []pipeline.EscalatedQuestion{{ID: "post-plan.Q1", Description: "Which store?"}}},
	}}
	var sub Subscriber
	if bus != nil {
		sub = bus
	}
	return NewServer(status, sub, database, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAll(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := get(t, s.Handler(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var infos []orchestrator.StatusInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("got %d runs, want 2", len(infos))
	}
	if infos[1].OpenQuestions[0].ID != "post-plan.Q1" {
		t.Errorf("question = %q, want post-plan.Q1", infos[1].OpenQuestions[0].ID)
	}
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.Handler()

	rec := get(t, h, "/status/SPEC-2")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	var info orchestrator.StatusInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Status != pipeline.StateAwaitingHuman {
		t.Errorf("status = %s, want %s", info.Status, pipeline.StateAwaitingHuman)
	}

	if rec := get(t, h, "/status/SPEC-9"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown spec: code = %d, want 404", rec.Code)
	}
	if rec := get(t, h, "/status/..bad"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid spec: code = %d, want 400", rec.Code)
	}
}

func TestHistoryAndActivity(t *testing.T) {
	d := testDB(t)
	d.LogPipelineEvent("SPEC-1", "sess-1", "created", "stage:plan", 1, "")
	d.LogPipelineEvent("SPEC-1", "sess-1", "step_advanced", "stage:plan", 1, "passed")
	d.LogPipelineEvent("SPEC-2", "sess-2", "created", "stage:plan", 1, "")

	s := newTestServer(t, d, nil)
	h := s.Handler()

	rec := get(t, h, "/status/SPEC-1/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("history code = %d, want 200", rec.Code)
	}
	var evs []db.PipelineEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 2 || evs[1].Event != "step_advanced" {
		t.Errorf("history = %+v, want created then step_advanced", evs)
	}

	if rec := get(t, h, "/status/SPEC-3/events"); rec.Code != http.StatusNotFound {
		t.Errorf("no events: code = %d, want 404", rec.Code)
	}

	rec = get(t, h, "/activity?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("activity code = %d, want 200", rec.Code)
	}
	evs = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 2 || evs[0].SpecID != "SPEC-2" {
		t.Errorf("activity = %+v, want 2 events newest first", evs)
	}

	if rec := get(t, h, "/activity?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: code = %d, want 400", rec.Code)
	}
}

func TestAnalytics(t *testing.T) {
	d := testDB(t)
	d.LogAgentCall(db.AgentCall{SpecID: "SPEC-1", Step: "stage:plan", Attempt: 1, Role: "research", Kind: "stage", Status: "success"})
	d.LogAgentCall(db.AgentCall{SpecID: "SPEC-1", Step: "stage:plan", Attempt: 1, Role: "review", Kind: "stage", Status: "timeout"})

	s := newTestServer(t, d, nil)
	rec := get(t, s.Handler(), "/analytics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var sum Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sum.Roles) != 2 {
		t.Errorf("got %d roles, want 2", len(sum.Roles))
	}
}

func TestEndpointsWithoutDB(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.Handler()
	for _, path := range []string{"/activity", "/analytics", "/status/SPEC-1/events", "/stream"} {
		if rec := get(t, h, path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: code = %d, want 503", path, rec.Code)
		}
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rec := get(t, s.Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing default collectors")
	}
}

func TestStreamFiltersBySpec(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	s := newTestServer(t, nil, bus)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream?spec=SPEC-1")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	bus.Publish(events.Event{Type: events.TypeTransition, SpecID: "SPEC-2"})
	bus.Publish(events.Event{Type: events.TypeComplete, SpecID: "SPEC-1", Message: "pipeline complete"})

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed early after %v", got)
			}
			if l == "" || strings.HasPrefix(l, ":") {
				continue
			}
			got = append(got, l)
		case <-timeout:
			t.Fatalf("timed out; got %v", got)
		}
	}
	if got[0] != "event: complete" {
		t.Errorf("first event line = %q, want event: complete", got[0])
	}
	if !strings.Contains(got[1], `"spec_id":"SPEC-1"`) {
		t.Errorf("data line = %q, want SPEC-1 event", got[1])
	}
}
