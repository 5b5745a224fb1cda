package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// QuestionID names the escalated question for an issue.
func QuestionID(cp pipeline.Checkpoint, issueID string) string {
	return string(cp) + "." + issueID
}

// BatchEscalations turns every escalated issue of a checkpoint into one set of
// open questions, presented to the human as a single interruption.
func BatchEscalations(cp pipeline.Checkpoint, issues []Issue) []pipeline.EscalatedQuestion {
	var out []pipeline.EscalatedQuestion
	for _, is := range issues {
		if is.Resolution != ResolutionEscalate {
			continue
		}
		out = append(out, pipeline.EscalatedQuestion{
			ID:               QuestionID(cp, is.ID),
			Kind:             "quality",
			IssueID:          is.ID,
			Checkpoint:       cp,
			Description:      is.Question,
			AnswersByRole:    is.AnswersByRole,
			ArbiterAnswer:    is.ArbiterAnswer,
			ArbiterReasoning: is.ArbiterReasoning,
			Reason:           is.Reason,
			Section:          is.Section,
			Find:             is.Find,
		})
	}
	return out
}

// RenderBatch formats open questions as one prompt listing every answer.
func RenderBatch(questions []pipeline.EscalatedQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d question(s) need a human decision:\n", len(questions))
	for _, q := range questions {
		fmt.Fprintf(&b, "\n[%s] %s\n", q.ID, q.Description)
		if q.Reason != "" {
			fmt.Fprintf(&b, "  reason: %s\n", q.Reason)
		}
		for _, role := range sortedKeys(q.AnswersByRole) {
			fmt.Fprintf(&b, "  %s: %s\n", role, q.AnswersByRole[role])
		}
		if q.ArbiterAnswer != "" {
			fmt.Fprintf(&b, "  arbiter recommends: %s\n", q.ArbiterAnswer)
			if q.ArbiterReasoning != "" {
				fmt.Fprintf(&b, "  arbiter reasoning: %s\n", q.ArbiterReasoning)
			}
		}
		if q.Answered() {
			fmt.Fprintf(&b, "  answered: %s\n", q.Answer)
		}
	}
	return b.String()
}

// AgentArbiter asks the arbiter role through the dispatcher.
type AgentArbiter struct {
	dispatcher *agent.Dispatcher
	role       string
	render     func(ArbiterRequest) (string, error)
	// OnOutcome, if set, receives the raw arbiter outcome for evidence.
	OnOutcome func(ArbiterRequest, agent.Outcome)
	// Recorded, if set, returns an outcome already recorded for the request.
	// A recorded outcome is used as is and the arbiter is not called again.
	Recorded func(context.Context, ArbiterRequest) (agent.Outcome, bool)
}

// NewAgentArbiter creates an Arbiter backed by role. render builds the prompt.
func NewAgentArbiter(d *agent.Dispatcher, role string, render func(ArbiterRequest) (string, error)) *AgentArbiter {
	return &AgentArbiter{dispatcher: d, role: role, render: render}
}

type arbiterPayload struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
}

// Arbitrate dispatches one arbiter call, unless its outcome is already
// recorded. Any non-success outcome is an error.
func (a *AgentArbiter) Arbitrate(ctx context.Context, req ArbiterRequest) (ArbiterResult, error) {
	out, ok := agent.Outcome{}, false
	if a.Recorded != nil {
		out, ok = a.Recorded(ctx, req)
	}
	if !ok {
		prompt, err := a.render(req)
		if err != nil {
			return ArbiterResult{}, fmt.Errorf("render arbiter prompt: %w", err)
		}
		out = a.dispatcher.Dispatch(ctx, a.role, agent.Request{
			SpecID:  req.SpecID,
			Step:    pipeline.Step{Checkpoint: req.Issue.Checkpoint},
			Attempt: req.Attempt,
			Kind:    agent.KindArbiter,
			Prompt:  prompt,
		})
		if a.OnOutcome != nil {
			a.OnOutcome(req, out)
		}
	}
	if !out.Succeeded() {
		return ArbiterResult{}, fmt.Errorf("arbiter %s: %s: %w", a.role, out.Status, out.Err)
	}
	var p arbiterPayload
	if err := json.Unmarshal(out.Payload, &p); err != nil {
		return ArbiterResult{}, fmt.Errorf("decode arbiter answer: %w", err)
	}
	return ArbiterResult{Answer: p.Answer, Reasoning: p.Reasoning}, nil
}
