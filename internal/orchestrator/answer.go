package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/events"
	"github.com/lucasnoah/specfactory/internal/evidence"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/modify"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// RetryAnswer answers an exhausted stage question without recording a
// decision: the step simply runs again.
const RetryAnswer = "retry"

// Answer records a human answer to an open question and writes it into the
// spec document. Once every open question is answered the run continues.
func (o *Orchestrator) Answer(ctx context.Context, specID, questionID, text string) (*pipeline.PipelineRun, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.WithHint(errors.New("empty answer"), "pass the answer text after the question id")
	}
	run, err := o.answer(ctx, specID, questionID, text)
	if err != nil {
		return run, err
	}
	if open := run.Unanswered(); len(open) > 0 {
		o.logf("%s: %d question(s) still open", specID, len(open))
		return run, nil
	}
	return o.Advance(ctx, specID)
}

// answer holds the spec lock while it records one answer. Advance takes the
// lock itself, so it must be released first.
func (o *Orchestrator) answer(ctx context.Context, specID, questionID, text string) (*pipeline.PipelineRun, error) {
	if err := o.evidence.Lock(ctx, specID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", specID, err)
	}
	defer func() {
		if err := o.evidence.Unlock(context.Background(), specID); err != nil {
			o.logger.Warn("unlock spec", logging.SpecID(specID), zap.Error(err))
		}
	}()

	run, err := o.store.Get(specID)
	if err != nil {
		return nil, err
	}
	if run.Status != pipeline.StateAwaitingHuman {
		return run, fmt.Errorf("spec %s is %s, not waiting for answers", specID, run.Status)
	}
	idx := -1
	for i, q := range run.OpenQuestions {
		if q.ID == questionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return run, errors.WithHint(
			fmt.Errorf("question %s on spec %s: %w", questionID, specID, pipeline.ErrNotFound),
			"list the open questions with `specfactory status "+specID+"`")
	}
	q := run.OpenQuestions[idx]
	if q.Answered() {
		return run, fmt.Errorf("question %s was already answered: %q", questionID, q.Answer)
	}
	q.Answer = text
	step, ok := run.CurrentStep(o.steps)
	if !ok {
		return run, fmt.Errorf("spec %s has no current step", specID)
	}

	if err := o.applyAnswer(ctx, run, step, q); err != nil {
		if errors.Is(err, pipeline.ErrFileModificationConflict) {
			err = errors.WithHint(err, "edit the document by hand, then answer again with the text as it should appear")
		}
		return run, err
	}
	if _, err := o.storeRecord(ctx, run, step, "human."+q.ID, evidence.KindHuman, q); err != nil {
		return run, err
	}

	run, err = o.store.Update(specID, func(r *pipeline.PipelineRun) {
		r.OpenQuestions[idx].Answer = text
		r.OpenQuestions[idx].AnsweredAt = now()
	})
	if err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	o.logEvent(run, "answered", step.String(), q.ID)
	o.publish(run, events.Event{Type: events.TypeAnswer, Message: q.ID + ": " + text})
	o.logger.Info("question answered", logging.SpecID(specID), logging.Step(step.String()), zap.String("question", q.ID))

	if len(run.Unanswered()) > 0 {
		return run, nil
	}
	return o.resolveAnswers(run, step)
}

// settleAnswers finishes an answered escalation under the spec lock. It is
// a no-op when the run is no longer waiting on answers.
func (o *Orchestrator) settleAnswers(ctx context.Context, specID string) (*pipeline.PipelineRun, error) {
	if err := o.evidence.Lock(ctx, specID); err != nil {
		return nil, fmt.Errorf("lock %s: %w", specID, err)
	}
	defer func() {
		if err := o.evidence.Unlock(context.Background(), specID); err != nil {
			o.logger.Warn("unlock spec", logging.SpecID(specID), zap.Error(err))
		}
	}()

	run, err := o.store.Get(specID)
	if err != nil {
		return nil, err
	}
	if run.Status != pipeline.StateAwaitingHuman || len(run.Unanswered()) > 0 {
		return run, nil
	}
	step, ok := run.CurrentStep(o.steps)
	if !ok {
		return run, fmt.Errorf("spec %s has no current step", specID)
	}
	o.logger.Info("settling answered questions", logging.SpecID(specID), logging.Step(step.String()))
	return o.resolveAnswers(run, step)
}

// applyAnswer writes an answered question into the step's document. Stage
// questions answered with RetryAnswer change nothing.
func (o *Orchestrator) applyAnswer(ctx context.Context, run *pipeline.PipelineRun, step pipeline.Step, q pipeline.EscalatedQuestion) error {
	if q.Kind == "stage" && strings.EqualFold(q.Answer, RetryAnswer) {
		return nil
	}
	path := o.documentPath(run.SpecID, step)
	if err := ensureDocument(path, run.SpecID); err != nil {
		return err
	}
	m := modify.ForAnswer(readDocument(path), modify.AnswerFromQuestion(q))
	_, err := o.applyModification(ctx, run, step, run.Attempt, path, m)
	return err
}

// resolveAnswers moves a run whose questions are all answered out of
// AwaitingHuman. Answered quality escalations complete the checkpoint;
// answered exhaustion questions run the step again with the decisions in the
// prompt and a fresh retry budget.
func (o *Orchestrator) resolveAnswers(run *pipeline.PipelineRun, step pipeline.Step) (*pipeline.PipelineRun, error) {
	entry := pipeline.StageHistoryEntry{Step: step.String(), Attempt: run.Attempt, Outcome: "answered"}
	if run.BlockedReason == pipeline.ReasonQualityGateEscalation {
		entry.Escalated = len(run.OpenQuestions)
		return o.advanceStep(run, step, entry)
	}

	decisions := humanDecisions(run.OpenQuestions)
	run, err := o.transition(run, pipeline.StateIdle, func(r *pipeline.PipelineRun) {
		r.OpenQuestions = nil
		r.BlockedReason = ""
		r.RetryCount = 0
		r.RetryContext = ""
		r.HumanDecisions = decisions
		r.StageHistory = append(r.StageHistory, entry)
	})
	if err != nil {
		return run, err
	}
	o.logf("%s: %s runs again with human decisions", run.SpecID, step)
	return run, nil
}

func humanDecisions(questions []pipeline.EscalatedQuestion) string {
	var b strings.Builder
	for _, q := range questions {
		if q.Kind == "stage" && strings.EqualFold(q.Answer, RetryAnswer) {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", q.Description, q.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

// complete commits the modified documents, when enabled, and finishes the run.
func (o *Orchestrator) complete(run *pipeline.PipelineRun) (*pipeline.PipelineRun, error) {
	hash := run.CommitHash
	if hash == "" && o.cfg.Commit.IsEnabled() && o.committer != nil && len(run.Modified) > 0 {
		msg := modify.CommitMessage(run.SpecID, run.SessionID, run.StageHistory, run.Modified)
		h, err := o.committer.CommitAll(run.Modified, msg)
		switch {
		case errors.Is(err, modify.ErrNoRepository):
			o.logger.Debug("documents are not in a repository; skipping commit", logging.SpecID(run.SpecID))
		case err != nil:
			o.logger.Warn("commit spec changes", logging.SpecID(run.SpecID), zap.Error(err))
		default:
			hash = h
		}
	}
	done, err := o.finish(run, pipeline.StateComplete, "completed", func(r *pipeline.PipelineRun) {
		r.CommitHash = hash
		r.Phase = ""
	})
	if err != nil {
		return run, err
	}
	msg := "pipeline complete"
	if hash != "" {
		msg += " (commit " + hash + ")"
	}
	o.publish(done, events.Event{Type: events.TypeComplete, Message: msg})
	o.logger.Info("pipeline run complete", logging.SpecID(run.SpecID), logging.Session(run.SessionID), zap.String("commit", hash))
	o.logf("%s: %s", run.SpecID, msg)
	return done, nil
}

// --- documents ---

// documentPath returns the document a step reads and writes.
func (o *Orchestrator) documentPath(specID string, step pipeline.Step) string {
	p := config.ExpandSpec(o.cfg.DocumentTemplate(step), specID)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.cfg.Documents.Root, p)
}

// readDocument returns the document at path, or "" if it does not exist yet.
func readDocument(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func ensureDocument(path, specID string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return pipeline.WriteAtomic(path, []byte("# "+specID+"\n"))
}
