// Package consensus aggregates the outcomes of one stage decision into a verdict.
package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/metrics"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// Status of a verdict.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusConflict Status = "conflict"
)

// Conflict is one statement the responding roles contradict each other on.
type Conflict struct {
	Subject    string            `json:"subject"`
	Statements map[string]string `json:"statements"` // role -> statement as written
}

// Verdict is the immutable result of one stage attempt.
type Verdict struct {
	SpecID         string            `json:"spec_id"`
	Stage          pipeline.Stage    `json:"stage"`
	Attempt        int               `json:"attempt"`
	Status         Status            `json:"status"`
	Quorum         int               `json:"quorum"`
	NoQuorum       bool              `json:"no_quorum,omitempty"`
	Agreements     []string          `json:"agreements"`
	Conflicts      []Conflict        `json:"conflicts"`
	MissingRoles   []string          `json:"missing_roles"`
	RespondedRoles []string          `json:"responded_roles"`
	ArbiterNote    string            `json:"arbiter_note,omitempty"`
	Contents       map[string]string `json:"contents"`
	CreatedAt      string            `json:"created_at"`
}

// Err returns the taxonomy error for a conflict verdict, or nil.
func (v Verdict) Err() error {
	switch {
	case v.NoQuorum:
		return fmt.Errorf("%d of %d roles responded: %w", len(v.RespondedRoles), v.Quorum, pipeline.ErrConsensusNoQuorum)
	case v.Status == StatusConflict:
		return fmt.Errorf("%d conflicting statements: %w", len(v.Conflicts), pipeline.ErrConsensusConflictUnresolved)
	}
	return nil
}

// Summary is a one-line description for status output.
func (v Verdict) Summary() string {
	s := fmt.Sprintf("%s (%d agreed, %d conflicts", v.Status, len(v.Agreements), len(v.Conflicts))
	if len(v.MissingRoles) > 0 {
		s += ", missing " + strings.Join(v.MissingRoles, ",")
	}
	return s + ")"
}

// Input is one stage decision to evaluate.
type Input struct {
	SpecID   string
	Stage    pipeline.Stage
	Attempt  int
	Outcomes []agent.Outcome
	// Quorum is the number of successful roles needed. Zero means every role.
	Quorum int
}

// Engine evaluates stage decisions. It is stateless apart from its logger.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger}
}

type stagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Evaluate classifies the outcomes. Conflicts are never resolved here; the
// caller decides whether to retry.
func (e *Engine) Evaluate(in Input) Verdict {
	v := Verdict{
		SpecID:         in.SpecID,
		Stage:          in.Stage,
		Attempt:        in.Attempt,
		Quorum:         in.Quorum,
		Agreements:     []string{},
		Conflicts:      []Conflict{},
		MissingRoles:   []string{},
		RespondedRoles: []string{},
		Contents:       make(map[string]string),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	if v.Quorum <= 0 || v.Quorum > len(in.Outcomes) {
		v.Quorum = len(in.Outcomes)
	}

	statements := make(map[string][]Statement)
	for _, o := range in.Outcomes {
		if !o.Succeeded() {
			v.MissingRoles = append(v.MissingRoles, o.Role)
			continue
		}
		var p stagePayload
		if err := json.Unmarshal(o.Payload, &p); err != nil {
			// Payloads are validated by the dispatcher; treat a decode failure as missing.
			v.MissingRoles = append(v.MissingRoles, o.Role)
			continue
		}
		v.RespondedRoles = append(v.RespondedRoles, o.Role)
		v.Contents[o.Role] = p.Content
		statements[o.Role] = Extract(p.Content)
	}

	if len(v.RespondedRoles) < v.Quorum || len(v.RespondedRoles) == 0 {
		v.Status = StatusConflict
		v.NoQuorum = true
		v.MissingRoles = v.MissingRoles[:0]
		for _, o := range in.Outcomes {
			v.MissingRoles = append(v.MissingRoles, o.Role)
		}
		e.record(v)
		return v
	}

	v.Agreements = agreements(v.RespondedRoles, statements)
	v.Conflicts = conflicts(v.RespondedRoles, statements)
	switch {
	case len(v.Conflicts) > 0:
		v.Status = StatusConflict
	case len(v.MissingRoles) > 0:
		v.Status = StatusDegraded
	default:
		v.Status = StatusOK
	}
	e.record(v)
	return v
}

func (e *Engine) record(v Verdict) {
	metrics.Verdicts.WithLabelValues(string(v.Status)).Inc()
	e.logger.Info("consensus verdict",
		logging.SpecID(v.SpecID),
		logging.Step("stage:"+string(v.Stage)),
		logging.Attempt(v.Attempt),
		zap.String("status", string(v.Status)),
		zap.Int("agreements", len(v.Agreements)),
		zap.Int("conflicts", len(v.Conflicts)),
		zap.Strings("missing", v.MissingRoles))
}

// agreements returns the statements every responding role made, in the order
// the first role made them.
func agreements(roles []string, statements map[string][]Statement) []string {
	out := []string{}
	first := statements[roles[0]]
	for _, st := range first {
		all := true
		for _, r := range roles[1:] {
			if !containsNormalized(statements[r], st.Normalized) {
				all = false
				break
			}
		}
		if all {
			out = append(out, st.Text)
		}
	}
	return out
}

func containsNormalized(sts []Statement, n string) bool {
	for _, s := range sts {
		if s.Normalized == n {
			return true
		}
	}
	return false
}

type claim struct {
	role string
	st   Statement
	neg  bool
}

// conflicts finds keyed statements ("auth: jwt" vs "auth: cookies") with
// different values, and statements one role negates ("cache sessions" vs
// "do not cache sessions").
func conflicts(roles []string, statements map[string][]Statement) []Conflict {
	keyed := make(map[string][]claim)
	cores := make(map[string][]claim)
	for _, r := range roles {
		for _, st := range statements[r] {
			if st.Key != "" {
				keyed[st.Key] = append(keyed[st.Key], claim{role: r, st: st})
				continue
			}
			core, neg := polarity(st.Normalized)
			if core != "" {
				cores[core] = append(cores[core], claim{role: r, st: st, neg: neg})
			}
		}
	}

	found := make(map[string]Conflict)
	for key, claims := range keyed {
		if crossRole(claims, func(a, b claim) bool { return a.st.Value != b.st.Value }) {
			found[key] = toConflict(key, claims)
		}
	}
	for core, claims := range cores {
		if crossRole(claims, func(a, b claim) bool { return a.neg != b.neg }) {
			found[core] = toConflict(core, claims)
		}
	}

	subjects := make([]string, 0, len(found))
	for s := range found {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	out := make([]Conflict, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, found[s])
	}
	return out
}

// crossRole reports whether two claims from different roles differ.
func crossRole(claims []claim, differ func(a, b claim) bool) bool {
	for i := range claims {
		for j := i + 1; j < len(claims); j++ {
			if claims[i].role != claims[j].role && differ(claims[i], claims[j]) {
				return true
			}
		}
	}
	return false
}

func toConflict(subject string, claims []claim) Conflict {
	c := Conflict{Subject: subject, Statements: make(map[string]string)}
	for _, cl := range claims {
		text := cl.st.Text
		if prev, ok := c.Statements[cl.role]; ok {
			text = prev + "; " + text
		}
		c.Statements[cl.role] = text
	}
	return c
}
