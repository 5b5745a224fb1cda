package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/consensus"
	"github.com/lucasnoah/specfactory/internal/db"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/evidence"
	"github.com/lucasnoah/specfactory/internal/guardrail"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/metrics"
	"github.com/lucasnoah/specfactory/internal/modify"
	"github.com/lucasnoah/specfactory/internal/pipeline"
	"github.com/lucasnoah/specfactory/internal/prompt"
	"github.com/lucasnoah/specfactory/internal/quality"
)

// Retry reasons, used as metric labels.
const (
	retryAgentFailure = "agent_failure"
	retryConflict     = "conflict"
)

// runStep runs one attempt of step while holding the spec's lock. On return
// the run is Idle (advanced or retrying), AwaitingHuman, or terminal.
func (o *Orchestrator) runStep(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step) (*pipeline.PipelineRun, error) {
	if err := o.evidence.Lock(ctx, run.SpecID); err != nil {
		if ctx.Err() != nil {
			return o.abortRun(run, "cancelled while waiting for lock")
		}
		return run, fmt.Errorf("lock %s: %w", run.SpecID, err)
	}
	defer func() {
		if err := o.evidence.Unlock(context.Background(), run.SpecID); err != nil {
			o.logger.Warn("unlock spec", logging.SpecID(run.SpecID), zap.Error(err))
		}
	}()

	run, err := o.beginAttempt(ctx, run, step)
	if err != nil {
		return run, err
	}
	if step.IsCheckpoint() {
		return o.runCheckpoint(ctx, run, step)
	}
	return o.runStage(ctx, run, step)
}

// beginAttempt opens a new attempt, or reopens the one an abort or crash
// interrupted. New attempts are numbered after every attempt already in the
// evidence repository, so an earlier run of the same spec is never mistaken
// for this one.
func (o *Orchestrator) beginAttempt(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step) (*pipeline.PipelineRun, error) {
	resumed := run.Phase != "" && run.Attempt > 0
	next := run.Attempt + 1
	if !resumed {
		latest, err := o.evidence.LatestAttempt(context.WithoutCancel(ctx), run.SpecID, step)
		if err != nil {
			return run, fmt.Errorf("latest attempt of %s: %w", step, err)
		}
		if latest >= next {
			next = latest + 1
		}
	}
	phase := pipeline.StateAgentExecution
	if !step.IsCheckpoint() && !run.GuardrailPassed && o.guardrail != nil {
		phase = pipeline.StateGuardrailCheck
	}
	run, err := o.transition(run, phase, func(r *pipeline.PipelineRun) {
		if !resumed {
			r.Attempt = next
		}
		if r.StepStartedAt == "" {
			r.StepStartedAt = now()
		}
		r.Phase = phase
		r.BlockedReason = ""
		r.Error = ""
	})
	if err != nil {
		return nil, err
	}
	if resumed {
		o.logf("%s: %s attempt %d (resumed)", run.SpecID, step, run.Attempt)
	} else {
		o.logf("%s: %s attempt %d", run.SpecID, step, run.Attempt)
	}
	return run, nil
}

// --- stages ---

func (o *Orchestrator) runStage(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step) (*pipeline.PipelineRun, error) {
	if run.Phase == pipeline.StateGuardrailCheck {
		res, err := o.checkGuardrail(ctx, run, step.Stage)
		if err != nil {
			if ctx.Err() != nil {
				return o.abortRun(run, "cancelled during guardrail")
			}
			return o.fail(run, err)
		}
		if !res.Passed() {
			return o.failGuardrail(run, step, res)
		}
		run, err = o.transition(run, pipeline.StateAgentExecution, func(r *pipeline.PipelineRun) {
			r.GuardrailPassed = true
			r.Phase = pipeline.StateAgentExecution
		})
		if err != nil {
			return run, err
		}
	}

	path := o.documentPath(run.SpecID, step)
	p, err := o.prompts.Stage(prompt.StageInput{
		SpecID:         run.SpecID,
		Stage:          step.Stage,
		Attempt:        run.Attempt,
		Document:       readDocument(path),
		RetryContext:   run.RetryContext,
		HumanDecisions: run.HumanDecisions,
	})
	if err != nil {
		return o.fail(run, err)
	}

	outcomes, keys, err := o.dispatch(ctx, run, step, agent.KindStage, p)
	if err != nil {
		return o.fail(run, err)
	}
	if ctx.Err() != nil {
		return o.abortRun(run, "cancelled during agent execution")
	}

	run, err = o.transition(run, pipeline.StateConsensusCheck, func(r *pipeline.PipelineRun) {
		r.Phase = pipeline.StateConsensusCheck
	})
	if err != nil {
		return run, err
	}

	roles := o.cfg.Roles(step)
	verdict := o.consensus.Evaluate(consensus.Input{
		SpecID:   run.SpecID,
		Stage:    step.Stage,
		Attempt:  run.Attempt,
		Outcomes: outcomes,
		Quorum:   o.cfg.QuorumFor(len(roles)),
	})
	verdictKey, err := o.storeRecord(ctx, run, step, "verdict", evidence.KindVerdict, verdict)
	if err != nil {
		return o.fail(run, err)
	}
	keys = append(keys, verdictKey)
	if _, err := o.storeRecord(ctx, run, step, "telemetry", evidence.KindTelemetry,
		guardrail.NewTelemetry(step.Stage.Command(), run.SpecID, run.SessionID, keys)); err != nil {
		return o.fail(run, err)
	}
	o.publish(run, events.Event{Type: events.TypeVerdict, Message: verdict.Summary(), Data: map[string]string{"status": string(verdict.Status)}})

	entry := o.historyEntry(run, step, len(keys))
	entry.Verdict = verdict.Summary()

	if verr := verdict.Err(); verr != nil {
		reason := retryConflict
		if verdict.NoQuorum {
			reason = retryAgentFailure
		}
		o.logf("%s: %s: %v", run.SpecID, step, verr)
		return o.retry(run, step, reason, stageRetryContext(step, outcomes, verdict), entry, func() []pipeline.EscalatedQuestion {
			if verdict.NoQuorum {
				return []pipeline.EscalatedQuestion{agentFailureQuestion(step, run.Attempt, outcomes)}
			}
			return conflictQuestions(step, verdict.Conflicts)
		})
	}

	if err := o.recordStageOutput(ctx, run, step, verdict); err != nil {
		return o.fail(run, err)
	}
	entry.Outcome = "passed"
	if verdict.Status == consensus.StatusDegraded {
		entry.Outcome = "degraded"
	}
	return o.advanceStep(run, step, entry)
}

func (o *Orchestrator) checkGuardrail(ctx context.Context, run *pipeline.PipelineRun, stage pipeline.Stage) (*guardrail.Result, error) {
	res, err := o.guardrail.Run(ctx, run.SpecID, run.SessionID, stage)
	if err != nil {
		return nil, err
	}
	step := pipeline.Step{Stage: stage}
	if _, err := o.storeRecord(ctx, run, step, "guardrail", evidence.KindGuardrail, res); err != nil {
		return nil, err
	}
	if o.db != nil {
		if err := o.db.LogGuardrailRun(db.GuardrailRun{
			SpecID:     run.SpecID,
			Stage:      string(stage),
			Passed:     res.Passed(),
			ExitCode:   res.ExitCode,
			DurationMs: res.DurationMs,
			Summary:    res.Summary,
			Errors:     strings.Join(res.Errors, "; "),
		}); err != nil {
			o.logger.Warn("log guardrail run", logging.SpecID(run.SpecID), zap.Error(err))
		}
	}
	return res, nil
}

// failGuardrail halts the run. Guardrails are never retried.
func (o *Orchestrator) failGuardrail(run *pipeline.PipelineRun, step pipeline.Step, res *guardrail.Result) (*pipeline.PipelineRun, error) {
	cause := res.Err()
	o.logEvent(run, "guardrail_failed", step.String(), strings.Join(res.Errors, "; "))
	o.logf("%s: guardrail failed for %s: %s", run.SpecID, step.Stage, strings.Join(res.Errors, "; "))
	entry := o.historyEntry(run, step, 1)
	entry.Outcome = "guardrail_failed"
	failed, err := o.finish(run, pipeline.StateFailed, "failed", func(r *pipeline.PipelineRun) {
		r.BlockedReason = pipeline.ReasonGuardrailFailed
		r.Error = cause.Error()
		r.Phase = ""
		r.StageHistory = append(r.StageHistory, entry)
	})
	if err != nil {
		return run, errors.CombineErrors(cause, err)
	}
	o.publish(failed, events.Event{Type: events.TypeFailed, Message: cause.Error()})
	return failed, cause
}

// recordStageOutput writes the agreed statements of a stage into its document.
func (o *Orchestrator) recordStageOutput(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step, v consensus.Verdict) error {
	if len(v.Agreements) == 0 {
		return nil
	}
	lines := make([]string, len(v.Agreements))
	for i, a := range v.Agreements {
		lines[i] = "- " + a
	}
	path := o.documentPath(run.SpecID, step)
	if err := ensureDocument(path, run.SpecID); err != nil {
		return err
	}
	section := stageSections[step.Stage]
	m := modify.Modification{Kind: modify.AddSection, Section: section, Level: 2, Content: strings.Join(lines, "\n"), Source: step.String()}
	if modify.HasSection(readDocument(path), section) {
		m.Kind = modify.UpdateSection
	}
	_, err := o.applyModification(ctx, run, step, run.Attempt, path, m)
	if errors.Is(err, pipeline.ErrFileModificationConflict) {
		o.logger.Warn("stage output not written", logging.SpecID(run.SpecID), logging.Step(step.String()), zap.Error(err))
		return nil
	}
	return err
}

var stageSections = map[pipeline.Stage]string{
	pipeline.StagePlan:      "Plan",
	pipeline.StageTasks:     "Tasks",
	pipeline.StageImplement: "Implementation",
	pipeline.StageValidate:  "Validation",
	pipeline.StageAudit:     "Audit",
	pipeline.StageUnlock:    "Unlock",
}

// --- checkpoints ---

func (o *Orchestrator) runCheckpoint(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step) (*pipeline.PipelineRun, error) {
	cp := step.Checkpoint
	path := o.documentPath(run.SpecID, step)
	doc := readDocument(path)
	p, err := o.prompts.Checkpoint(prompt.CheckpointInput{
		SpecID:       run.SpecID,
		Checkpoint:   cp,
		Attempt:      run.Attempt,
		Document:     doc,
		RetryContext: run.RetryContext,
	})
	if err != nil {
		return o.fail(run, err)
	}

	outcomes, keys, err := o.dispatch(ctx, run, step, agent.KindQuality, p)
	if err != nil {
		return o.fail(run, err)
	}
	if ctx.Err() != nil {
		return o.abortRun(run, "cancelled during agent execution")
	}
	run, err = o.transition(run, pipeline.StateConsensusCheck, func(r *pipeline.PipelineRun) {
		r.Phase = pipeline.StateConsensusCheck
	})
	if err != nil {
		return run, err
	}

	entry := o.historyEntry(run, step, len(keys))
	roles := o.cfg.Roles(step)
	succeeded := 0
	for _, out := range outcomes {
		if out.Succeeded() {
			succeeded++
		}
	}
	if quorum := o.cfg.QuorumFor(len(roles)); succeeded < quorum || succeeded == 0 {
		o.logf("%s: %s: %d of %d roles answered", run.SpecID, step, succeeded, quorum)
		return o.retry(run, step, retryAgentFailure, failureRetryContext(agent.KindQuality, "", outcomes), entry, func() []pipeline.EscalatedQuestion {
			return []pipeline.EscalatedQuestion{agentFailureQuestion(step, run.Attempt, outcomes)}
		})
	}

	issues, _, err := quality.IssuesFromOutcomes(cp, outcomes)
	if err != nil {
		return o.retry(run, step, retryAgentFailure, err.Error(), entry, func() []pipeline.EscalatedQuestion {
			return []pipeline.EscalatedQuestion{agentFailureQuestion(step, run.Attempt, outcomes)}
		})
	}

	for i := range issues {
		issues[i] = o.classifier.Resolve(ctx, run.SpecID, run.Attempt, issues[i], doc)
	}
	if ctx.Err() != nil {
		return o.abortRun(run, "cancelled during arbitration")
	}

	for i, is := range issues {
		if is.Resolution != quality.ResolutionAutoApply {
			continue
		}
		if err := ensureDocument(path, run.SpecID); err != nil {
			return o.fail(run, err)
		}
		a := modify.Answer{
			Source:   quality.QuestionID(cp, is.ID),
			Question: is.Question,
			Answer:   is.Fix(),
			Section:  is.Section,
			Find:     is.Find,
		}
		_, err := o.applyModification(ctx, run, step, run.Attempt, path, modify.ForAnswer(readDocument(path), a))
		if errors.Is(err, pipeline.ErrFileModificationConflict) {
			issues[i].Resolution = quality.ResolutionEscalate
			issues[i].Reason = "could not apply the answer: " + err.Error()
			continue
		}
		if err != nil {
			return o.fail(run, err)
		}
	}
	o.logDecisions(run, cp, issues)

	counts := quality.Tally(issues)
	entry.AutoApplied, entry.Escalated = counts.AutoApplied, counts.Escalated
	qualityKey, err := o.storeRecord(ctx, run, step, "quality", evidence.KindQuality, issues)
	if err != nil {
		return o.fail(run, err)
	}
	keys = append(keys, qualityKey)
	if _, err := o.storeRecord(ctx, run, step, "telemetry", evidence.KindTelemetry,
		guardrail.CheckpointTelemetry(cp, run.SpecID, run.SessionID, keys, counts.AutoApplied, counts.Escalated)); err != nil {
		return o.fail(run, err)
	}
	o.logf("%s: %s: %d issue(s), %d auto-applied, %d escalated", run.SpecID, step, len(issues), counts.AutoApplied, counts.Escalated)

	if questions := quality.BatchEscalations(cp, issues); len(questions) > 0 {
		entry.Outcome = "escalated"
		return o.escalate(run, step, pipeline.ReasonQualityGateEscalation, questions, entry, false)
	}
	entry.Outcome = "passed"
	return o.advanceStep(run, step, entry)
}

func (o *Orchestrator) logDecisions(run *pipeline.PipelineRun, cp pipeline.Checkpoint, issues []quality.Issue) {
	if o.db == nil {
		return
	}
	for _, is := range issues {
		if err := o.db.LogQualityDecision(db.QualityDecision{
			SpecID:     run.SpecID,
			Checkpoint: string(cp),
			Attempt:    run.Attempt,
			IssueID:    is.ID,
			Resolution: string(is.Resolution),
			Confidence: string(is.Confidence),
			Magnitude:  string(is.Magnitude),
			Agreement:  is.AgreementCount,
			TotalRoles: is.TotalRoles,
			Reason:     is.Reason,
		}); err != nil {
			o.logger.Warn("log quality decision", logging.SpecID(run.SpecID), zap.Error(err))
		}
	}
}

// --- dispatch and evidence ---

// dispatch calls every role of step for the current attempt. Successful
// answers are stored as they arrive; roles with an answer already stored for
// this attempt are not called again. It returns the outcomes in role order
// and the keys of the stored answers.
func (o *Orchestrator) dispatch(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step, kind agent.Kind, p string) ([]agent.Outcome, []string, error) {
	roles := o.cfg.Roles(step)
	stored, err := evidence.FetchAttempt(ctx, o.evidence, run.SpecID, step, run.Attempt)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch recorded answers: %w", err)
	}
	recorded := make(map[string]agent.Outcome)
	var keys []string
	for _, a := range stored {
		if a.Kind != evidence.KindAgent {
			continue
		}
		recorded[a.Role] = agent.Outcome{Role: a.Role, Status: agent.StatusSuccess, Payload: a.Content}
		keys = append(keys, a.Key().String())
	}

	// Evidence that lands while an abort is in progress must still be written.
	storeCtx := context.WithoutCancel(ctx)
	var storeErr error
	outcomes := o.dispatcher.DispatchAll(ctx, roles, agent.Request{
		SpecID:  run.SpecID,
		Step:    step,
		Attempt: run.Attempt,
		Kind:    kind,
		Prompt:  p,
	}, agent.DispatchOptions{
		Quorum:   o.cfg.QuorumFor(len(roles)),
		Recorded: recorded,
		OnOutcome: func(out agent.Outcome) {
			o.logAgentCall(run, step, string(kind), out)
			o.publish(run, events.Event{Type: events.TypeAgentOutcome, Data: map[string]string{"role": out.Role, "status": string(out.Status)}})
			if !out.Succeeded() || storeErr != nil {
				return
			}
			a, err := o.evidence.Store(storeCtx, evidence.Artifact{
				SpecID:     run.SpecID,
				Stage:      step.Stage,
				Checkpoint: step.Checkpoint,
				Attempt:    run.Attempt,
				Role:       out.Role,
				Kind:       evidence.KindAgent,
				Content:    out.Payload,
			})
			if err != nil {
				storeErr = fmt.Errorf("store answer of %s: %w", out.Role, err)
				return
			}
			keys = append(keys, a.Key().String())
		},
	})
	if storeErr != nil {
		return nil, nil, storeErr
	}
	return outcomes, keys, nil
}

func (o *Orchestrator) logAgentCall(run *pipeline.PipelineRun, step pipeline.Step, kind string, out agent.Outcome) {
	if o.db == nil {
		return
	}
	status := string(out.Status)
	if out.Cancelled {
		status = "cancelled"
	}
	if err := o.db.LogAgentCall(db.AgentCall{
		SpecID:    run.SpecID,
		Step:      step.String(),
		Attempt:   run.Attempt,
		Role:      out.Role,
		Kind:      kind,
		Status:    status,
		LatencyMs: int(out.Latency.Milliseconds()),
		Error:     out.Error,
	}); err != nil {
		o.logger.Warn("log agent call", logging.SpecID(run.SpecID), zap.Error(err))
	}
}

// storeRecord stores v as JSON under role for the current attempt and
// returns its key. A record already stored by an interrupted run of the same
// attempt is kept.
func (o *Orchestrator) storeRecord(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step, role, kind string, v interface{}) (string, error) {
	return o.storeRecordAt(ctx, run.SpecID, step, run.Attempt, role, kind, v)
}

func (o *Orchestrator) storeRecordAt(ctx context.Context, specID string, step pipeline.Step, attempt int, role, kind string, v interface{}) (string, error) {
	ctx = context.WithoutCancel(ctx)
	role = artifactRole(role)
	key := evidence.Key{SpecID: specID, Partition: evidence.Partition(step), Attempt: attempt, Role: role}
	exists, err := o.evidence.Has(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return key.String(), nil
	}
	content, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s record: %w", kind, err)
	}
	a, err := o.evidence.Store(ctx, evidence.Artifact{
		SpecID:     specID,
		Stage:      step.Stage,
		Checkpoint: step.Checkpoint,
		Attempt:    attempt,
		Role:       role,
		Kind:       kind,
		Content:    content,
	})
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	return a.Key().String(), nil
}

// applyModification applies m to the document at path and records it as
// evidence. A modification already recorded for this attempt is not applied
// again.
func (o *Orchestrator) applyModification(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step, attempt int, path string, m modify.Modification) (*modify.Result, error) {
	role := artifactRole("modification." + m.Source)
	key := evidence.Key{SpecID: run.SpecID, Partition: evidence.Partition(step), Attempt: attempt, Role: role}
	done, err := o.evidence.Has(context.WithoutCancel(ctx), key)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", key, err)
	}
	if done {
		return nil, nil
	}

	res, err := o.modifier.Apply(path, m)
	if err != nil {
		return nil, err
	}
	if _, err := o.storeRecordAt(ctx, run.SpecID, step, attempt, role, evidence.KindModification, res); err != nil {
		return nil, err
	}
	if _, err := o.store.Update(run.SpecID, func(r *pipeline.PipelineRun) { r.AddModified(path) }); err != nil {
		return nil, fmt.Errorf("record modified document: %w", err)
	}
	run.AddModified(path)
	o.publish(run, events.Event{Type: events.TypeModification, Message: string(m.Kind) + " " + path, Data: map[string]string{"source": m.Source}})
	return res, nil
}

// artifactRole maps an id onto the characters evidence roles allow.
func artifactRole(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			b[i] = '-'
		}
	}
	if len(b) == 0 || b[0] == '.' || b[0] == '_' || b[0] == '-' {
		return "x" + string(b)
	}
	return string(b)
}

// --- arbiter ---

func (o *Orchestrator) renderArbiter(req quality.ArbiterRequest) (string, error) {
	return o.prompts.Arbiter(prompt.ArbiterInput{
		SpecID:   req.SpecID,
		IssueID:  req.Issue.ID,
		Question: req.Issue.Question,
		Context:  req.Issue.Context,
		Answers:   req.Issue.AnswersByRole,
		Reasoning: req.Issue.ReasoningByRole,
		Majority:  req.Majority,
		Document:  req.Document,
	})
}

// arbiterRecord is the evidence stored for one arbiter call.
type arbiterRecord struct {
	Issue    string          `json:"issue"`
	Majority string          `json:"majority"`
	Status   agent.Status    `json:"status"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (o *Orchestrator) recordArbiter(req quality.ArbiterRequest, out agent.Outcome) {
	step := pipeline.Step{Checkpoint: req.Issue.Checkpoint}
	run := &pipeline.PipelineRun{SpecID: req.SpecID, Attempt: req.Attempt}
	o.logAgentCall(run, step, string(agent.KindArbiter), out)
	record := arbiterRecord{
		Issue:    req.Issue.ID,
		Majority: req.Majority,
		Status:   out.Status,
		Payload:  out.Payload,
		Error:    out.Error,
	}
	if _, err := o.storeRecordAt(context.Background(), req.SpecID, step, req.Attempt, arbiterRole(req.Issue.ID), evidence.KindArbiter, record); err != nil {
		o.logger.Warn("store arbiter record", logging.SpecID(req.SpecID), zap.String("issue", req.Issue.ID), zap.Error(err))
	}
}

// recordedArbiter returns the arbiter outcome an interrupted run of the same
// attempt already stored.
func (o *Orchestrator) recordedArbiter(ctx context.Context, req quality.ArbiterRequest) (agent.Outcome, bool) {
	step := pipeline.Step{Checkpoint: req.Issue.Checkpoint}
	arts, err := evidence.FetchAttempt(context.WithoutCancel(ctx), o.evidence, req.SpecID, step, req.Attempt)
	if err != nil {
		o.logger.Warn("fetch arbiter record", logging.SpecID(req.SpecID), zap.String("issue", req.Issue.ID), zap.Error(err))
		return agent.Outcome{}, false
	}
	a, ok := evidence.ByRole(arts)[arbiterRole(req.Issue.ID)]
	if !ok {
		return agent.Outcome{}, false
	}
	var rec arbiterRecord
	if err := json.Unmarshal(a.Content, &rec); err != nil || rec.Status == "" {
		o.logger.Warn("unreadable arbiter record", logging.SpecID(req.SpecID), zap.String("issue", req.Issue.ID), zap.Error(err))
		return agent.Outcome{}, false
	}
	out := agent.Outcome{Role: o.cfg.Arbiter, Status: rec.Status, Payload: rec.Payload, Error: rec.Error}
	if !out.Succeeded() {
		msg := rec.Error
		if msg == "" {
			msg = string(rec.Status)
		}
		out.Err = errors.New(msg)
	}
	o.logger.Info("reusing recorded arbiter outcome",
		logging.SpecID(req.SpecID), logging.Attempt(req.Attempt), zap.String("issue", req.Issue.ID), zap.String("status", string(rec.Status)))
	return out, true
}

func arbiterRole(issueID string) string {
	return artifactRole("arbiter." + issueID)
}

// --- outcomes ---

// retry records a failed attempt. Once the retries are used up the run waits
// for a human; questions builds what the human is asked.
func (o *Orchestrator) retry(run *pipeline.PipelineRun, step pipeline.Step, reason, retryCtx string, entry pipeline.StageHistoryEntry, questions func() []pipeline.EscalatedQuestion) (*pipeline.PipelineRun, error) {
	metrics.Retries.WithLabelValues(reason).Inc()
	if run.RetryCount+1 >= run.MaxRetries {
		blocked := pipeline.ReasonAgentFailureExhausted
		if reason == retryConflict {
			blocked = pipeline.ReasonConsensusExhausted
		}
		entry.Outcome = "exhausted"
		o.logger.Warn("retries exhausted",
			logging.SpecID(run.SpecID), logging.Step(step.String()), logging.Attempt(run.Attempt), zap.String("reason", blocked))
		return o.escalate(run, step, blocked, questions(), entry, true)
	}

	entry.Outcome = "retry"
	run, err := o.transition(run, pipeline.StateIdle, func(r *pipeline.PipelineRun) {
		r.RetryCount++
		r.RetryContext = retryCtx
		r.Phase = ""
		r.StageHistory = append(r.StageHistory, entry)
	})
	if err != nil {
		return run, err
	}
	o.logEvent(run, "retry", step.String(), reason)
	o.logger.Info("retrying step",
		logging.SpecID(run.SpecID), logging.Step(step.String()),
		zap.Int("retry_count", run.RetryCount), zap.Int("max_retries", run.MaxRetries), zap.String("reason", reason))
	o.logf("%s: %s retry %d of %d", run.SpecID, step, run.RetryCount, run.MaxRetries)
	return run, nil
}

// escalate blocks the run on questions. countRetry is set when the escalation
// consumes the last retry.
func (o *Orchestrator) escalate(run *pipeline.PipelineRun, step pipeline.Step, reason string, questions []pipeline.EscalatedQuestion, entry pipeline.StageHistoryEntry, countRetry bool) (*pipeline.PipelineRun, error) {
	run, err := o.transition(run, pipeline.StateAwaitingHuman, func(r *pipeline.PipelineRun) {
		if countRetry {
			r.RetryCount++
		}
		r.BlockedReason = reason
		r.OpenQuestions = questions
		r.Phase = ""
		r.StageHistory = append(r.StageHistory, entry)
	})
	if err != nil {
		return run, err
	}
	batch := quality.RenderBatch(questions)
	o.logEvent(run, "escalated", step.String(), reason)
	o.publish(run, events.Event{Type: events.TypeEscalation, Message: batch, Data: map[string]string{"reason": reason}})
	o.logger.Info("waiting for human input",
		logging.SpecID(run.SpecID), logging.Step(step.String()), zap.String("reason", reason), zap.Int("questions", len(questions)))
	o.logf("%s: %s needs a human (%s)\n%s", run.SpecID, step, reason, batch)
	return run, nil
}

// advanceStep moves the run to the next step, resetting the retry counter.
func (o *Orchestrator) advanceStep(run *pipeline.PipelineRun, step pipeline.Step, entry pipeline.StageHistoryEntry) (*pipeline.PipelineRun, error) {
	run, err := o.transition(run, pipeline.StateIdle, func(r *pipeline.PipelineRun) {
		r.StageHistory = append(r.StageHistory, entry)
		r.OpenQuestions = nil
		r.BlockedReason = ""
		r.SetStep(o.steps, r.StepIndex+1)
	})
	if err != nil {
		return run, err
	}
	o.logEvent(run, "step_advanced", step.String(), entry.Outcome)
	o.logger.Info("step complete", logging.SpecID(run.SpecID), logging.Step(step.String()), zap.String("outcome", entry.Outcome))
	o.logf("%s: %s %s", run.SpecID, step, entry.Outcome)
	return run, nil
}

func (o *Orchestrator) historyEntry(run *pipeline.PipelineRun, step pipeline.Step, evidenceCount int) pipeline.StageHistoryEntry {
	e := pipeline.StageHistoryEntry{
		Step:          step.String(),
		Attempt:       run.Attempt,
		EvidenceCount: evidenceCount,
	}
	if start, err := time.Parse(time.RFC3339, run.StepStartedAt); err == nil {
		e.Duration = time.Since(start).Round(time.Second).String()
	}
	return e
}

// --- retry context and questions ---

func stageRetryContext(step pipeline.Step, outcomes []agent.Outcome, v consensus.Verdict) string {
	if v.NoQuorum {
		return failureRetryContext(agent.KindStage, step.Stage, outcomes)
	}
	var b strings.Builder
	b.WriteString("The previous attempt did not agree on:\n")
	for _, c := range v.Conflicts {
		fmt.Fprintf(&b, "- %s\n", c.Subject)
		for _, role := range sortedRoles(c.Statements) {
			fmt.Fprintf(&b, "  %s: %s\n", role, c.Statements[role])
		}
	}
	b.WriteString("Take an explicit position on each point.")
	return b.String()
}

// failureRetryContext explains which roles failed. Empty and malformed
// answers get the expected structure; timeouts get no extra guidance.
func failureRetryContext(kind agent.Kind, stage pipeline.Stage, outcomes []agent.Outcome) string {
	var b strings.Builder
	schema := false
	for _, out := range outcomes {
		if out.Succeeded() {
			continue
		}
		switch {
		case out.Cancelled:
			fmt.Fprintf(&b, "- %s was cancelled\n", out.Role)
		case out.Status == agent.StatusTimeout:
			fmt.Fprintf(&b, "- %s timed out\n", out.Role)
		case out.Status == agent.StatusEmpty:
			fmt.Fprintf(&b, "- %s returned no result\n", out.Role)
			schema = true
		case out.Status == agent.StatusMalformed:
			fmt.Fprintf(&b, "- %s returned a malformed response: %s\n", out.Role, out.Error)
			schema = true
		}
	}
	if b.Len() == 0 {
		return ""
	}
	msg := "The previous attempt failed:\n" + b.String()
	if schema {
		msg += "\nAnswer with a single JSON object shaped like this:\n" + agent.SchemaExample(kind, stage)
	}
	return strings.TrimRight(msg, "\n")
}

func stepName(step pipeline.Step) string {
	if step.IsCheckpoint() {
		return string(step.Checkpoint)
	}
	return string(step.Stage)
}

func agentFailureQuestion(step pipeline.Step, attempts int, outcomes []agent.Outcome) pipeline.EscalatedQuestion {
	statuses := make(map[string]string, len(outcomes))
	var failed []string
	for _, out := range outcomes {
		status := string(out.Status)
		if out.Cancelled {
			status = "cancelled"
		}
		statuses[out.Role] = status
		if !out.Succeeded() {
			failed = append(failed, out.Role)
		}
	}
	return pipeline.EscalatedQuestion{
		ID:         stepName(step) + ".agents",
		Kind:       "stage",
		Stage:      step.Stage,
		Checkpoint: step.Checkpoint,
		Description: fmt.Sprintf("%s did not get enough answers after %d attempt(s) (failed: %s). Give the decision to record, or answer \"retry\" to try again.",
			step, attempts, strings.Join(failed, ", ")),
		AnswersByRole: statuses,
		Reason:        pipeline.ReasonAgentFailureExhausted,
	}
}

func conflictQuestions(step pipeline.Step, conflicts []consensus.Conflict) []pipeline.EscalatedQuestion {
	out := make([]pipeline.EscalatedQuestion, 0, len(conflicts))
	for i, c := range conflicts {
		out = append(out, pipeline.EscalatedQuestion{
			ID:            fmt.Sprintf("%s.conflict-%d", stepName(step), i+1),
			Kind:          "stage",
			Stage:         step.Stage,
			Description:   "Agents disagree: " + c.Subject,
			AnswersByRole: c.Statements,
			Reason:        pipeline.ReasonConsensusExhausted,
		})
	}
	return out
}

func sortedRoles(m map[string]string) []string {
	roles := make([]string, 0, len(m))
	for r := range m {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
