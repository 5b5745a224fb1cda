// Package orchestrator drives specs through the pipeline: it sequences stages
// and quality checkpoints, runs guardrails, dispatches agents, applies
// verdicts, and blocks on human answers when automation is not allowed to decide.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/agent"
	"github.com/lucasnoah/specfactory/internal/config"
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

// Guardrail runs the guardrail of a stage. *guardrail.Runner implements it.
type Guardrail interface {
	Run(ctx context.Context, specID, sessionID string, stage pipeline.Stage) (*guardrail.Result, error)
}

// EventLog records pipeline history for status and analytics. *db.DB implements it.
type EventLog interface {
	LogPipelineEvent(specID, sessionID, event, step string, attempt int, detail string) error
	LogAgentCall(c db.AgentCall) error
	LogQualityDecision(q db.QualityDecision) error
	LogGuardrailRun(g db.GuardrailRun) error
}

// Deps are the collaborators of an Orchestrator. Store, Evidence and
// Dispatcher are required; the rest fall back to defaults or are skipped.
type Deps struct {
	Store      *pipeline.Store
	Evidence   evidence.Repository
	Dispatcher *agent.Dispatcher
	Guardrail  Guardrail
	Modifier   *modify.Engine
	Committer  *modify.Committer
	Prompts    *prompt.Builder
	DB         EventLog
	Bus        *events.Bus
	Logger     *zap.Logger
}

// Orchestrator owns every PipelineRun state transition.
type Orchestrator struct {
	cfg        *config.Automation
	steps      []pipeline.Step
	store      *pipeline.Store
	evidence   evidence.Repository
	dispatcher *agent.Dispatcher
	guardrail  Guardrail
	consensus  *consensus.Engine
	classifier *quality.Classifier
	modifier   *modify.Engine
	committer  *modify.Committer
	prompts    *prompt.Builder
	db         EventLog
	bus        *events.Bus
	logger     *zap.Logger
	progress   io.Writer

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Orchestrator for cfg.
func New(cfg *config.Automation, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:        cfg,
		steps:      pipeline.Sequence(cfg.EnabledCheckpoints()),
		store:      deps.Store,
		evidence:   deps.Evidence,
		dispatcher: deps.Dispatcher,
		guardrail:  deps.Guardrail,
		consensus:  consensus.NewEngine(logger),
		modifier:   deps.Modifier,
		committer:  deps.Committer,
		prompts:    deps.Prompts,
		db:         deps.DB,
		bus:        deps.Bus,
		logger:     logger,
		active:     make(map[string]*activeRun),
	}
	if o.modifier == nil {
		o.modifier = modify.NewEngine(filepath.Join(deps.Store.BaseDir(), "backups"), logger)
	}
	if o.prompts == nil {
		o.prompts = prompt.NewBuilder(cfg.TemplateDir)
	}
	if o.bus == nil {
		o.bus = events.NewBus(logger)
	}

	var arb quality.Arbiter
	if cfg.Arbiter != "" {
		a := quality.NewAgentArbiter(deps.Dispatcher, cfg.Arbiter, o.renderArbiter)
		a.OnOutcome = o.recordArbiter
		a.Recorded = o.recordedArbiter
		arb = a
	}
	o.classifier = quality.NewClassifier(arb, logger)
	return o
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// Steps returns the step sequence runs follow.
func (o *Orchestrator) Steps() []pipeline.Step {
	return o.steps
}

// Subscribe returns a channel of phase-transition events and a function that
// ends the subscription.
func (o *Orchestrator) Subscribe(buffer int) (<-chan events.Event, func()) {
	return o.bus.Subscribe(buffer)
}

// Start creates a run for specID and drives it until it completes, blocks
// on a human, or fails. A finished run for the same spec is archived first.
func (o *Orchestrator) Start(ctx context.Context, specID string) (*pipeline.PipelineRun, error) {
	if err := pipeline.ValidateSpecID(specID); err != nil {
		return nil, err
	}
	if len(o.steps) == 0 {
		return nil, errors.New("pipeline has no steps")
	}
	if existing, err := o.store.Get(specID); err == nil {
		if !existing.Status.Terminal() {
			return existing, fmt.Errorf("spec %s is %s: %w", specID, existing.Status, pipeline.ErrAlreadyRunning)
		}
		if err := o.store.Archive(specID); err != nil {
			return nil, fmt.Errorf("archive previous run: %w", err)
		}
	}

	run, err := o.store.Create(pipeline.CreateOpts{
		SpecID:     specID,
		MaxRetries: o.cfg.MaxRetries,
		FirstStep:  o.steps[0],
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	o.logEvent(run, "created", "", "")
	o.publish(run, events.Event{Type: events.TypeTransition, To: pipeline.StateIdle, Message: "run created"})
	o.logger.Info("pipeline run created", logging.SpecID(specID), logging.Session(run.SessionID))
	o.logf("%s: started (session %s)", specID, run.SessionID)

	return o.Advance(ctx, specID)
}

// Resume continues a run from its last persisted phase. Roles whose answers
// for the current attempt are already in the evidence repository are not
// called again. Runs that were aborted or stopped by a guardrail are restored
// from the archive.
func (o *Orchestrator) Resume(ctx context.Context, specID string) (*pipeline.PipelineRun, error) {
	run, err := o.store.Get(specID)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		run, err = o.restore(specID)
	}
	if err != nil {
		return run, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if run.Status == pipeline.StateAwaitingHuman && len(run.Unanswered()) > 0 {
		return run, o.blocked(run)
	}
	o.logEvent(run, "resumed", run.StepName(o.steps), "")
	o.logf("%s: resuming at %s", specID, run.StepName(o.steps))
	return o.Advance(ctx, specID)
}

// restore brings a resumable archived run back into the active set.
func (o *Orchestrator) restore(specID string) (*pipeline.PipelineRun, error) {
	latest, err := o.store.GetLatest(specID)
	if err != nil {
		return nil, err
	}
	switch {
	case latest.Status == pipeline.StateAborted,
		latest.Status == pipeline.StateFailed && latest.BlockedReason == pipeline.ReasonGuardrailFailed:
	case latest.Status == pipeline.StateComplete:
		return latest, nil
	default:
		return latest, errors.WithHint(
			fmt.Errorf("spec %s ended %s: %s", specID, latest.Status, latest.Error),
			"start a new run with `specfactory start`")
	}
	latest.Status = pipeline.StateIdle
	latest.BlockedReason = ""
	latest.Error = ""
	if err := o.store.Save(latest); err != nil {
		return nil, fmt.Errorf("restore run: %w", err)
	}
	o.logger.Info("run restored from archive", logging.SpecID(specID), logging.Step(latest.StepName(o.steps)))
	return latest, nil
}

// Advance drives the run for specID until it completes, blocks on a human,
// fails, or ctx is cancelled. Cancellation aborts the run after persisting
// the evidence that already landed.
func (o *Orchestrator) Advance(ctx context.Context, specID string) (*pipeline.PipelineRun, error) {
	ctx, done, err := o.track(ctx, specID)
	if err != nil {
		return nil, err
	}
	defer done()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	for {
		run, err := o.store.Get(specID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if run.Status == pipeline.StateAwaitingHuman {
			if len(run.Unanswered()) > 0 {
				return run, o.blocked(run)
			}
			// Every answer landed but the run never left AwaitingHuman.
			if run, err = o.settleAnswers(ctx, specID); err != nil {
				return run, err
			}
			continue
		}
		if ctx.Err() != nil {
			return o.abortRun(run, "cancelled")
		}
		step, ok := run.CurrentStep(o.steps)
		if !ok {
			return o.complete(run)
		}
		run, err = o.runStep(ctx, run, step)
		if err != nil || run.Status != pipeline.StateIdle {
			if err == nil && run.Status == pipeline.StateAwaitingHuman {
				err = o.blocked(run)
			}
			return run, err
		}
	}
}

// track registers specID as driven by this process.
func (o *Orchestrator) track(ctx context.Context, specID string) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[specID]; ok {
		return nil, nil, fmt.Errorf("spec %s: %w", specID, pipeline.ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(ctx)
	a := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.active[specID] = a
	return ctx, func() {
		cancel()
		o.mu.Lock()
		delete(o.active, specID)
		o.mu.Unlock()
		close(a.done)
	}, nil
}

func (o *Orchestrator) blocked(run *pipeline.PipelineRun) error {
	return fmt.Errorf("spec %s: %d open question(s): %w", run.SpecID, len(run.Unanswered()), pipeline.ErrBlockedOnHuman)
}

// Abort stops a run. If this process is driving it, in-flight agent calls are
// cancelled and Abort waits for the partial evidence to be persisted.
func (o *Orchestrator) Abort(ctx context.Context, specID string) (*pipeline.PipelineRun, error) {
	o.mu.Lock()
	a := o.active[specID]
	o.mu.Unlock()
	if a != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return o.store.GetLatest(specID)
	}

	run, err := o.store.Get(specID)
	if err != nil {
		return nil, err
	}
	return o.abortRun(run, "aborted by operator")
}

// StatusInfo is the status of one run.
type StatusInfo struct {
	SpecID        string                       `json:"spec_id"`
	SessionID     string                       `json:"session_id"`
	Status        pipeline.RunState            `json:"status"`
	Phase         pipeline.RunState            `json:"phase,omitempty"`
	Step          string                       `json:"step,omitempty"`
	Attempt       int                          `json:"attempt"`
	RetryCount    int                          `json:"retry_count"`
	MaxRetries    int                          `json:"max_retries"`
	BlockedReason string                       `json:"blocked_reason,omitempty"`
	Error         string                       `json:"error,omitempty"`
	OpenQuestions []pipeline.EscalatedQuestion `json:"open_questions,omitempty"`
	StageHistory  []pipeline.StageHistoryEntry `json:"stage_history,omitempty"`
	Modified      []string                     `json:"modified,omitempty"`
	CommitHash    string                       `json:"commit_hash,omitempty"`
	UpdatedAt     string                       `json:"updated_at"`
	Active        bool                         `json:"active"`
}

func (o *Orchestrator) statusInfo(run *pipeline.PipelineRun) StatusInfo {
	o.mu.Lock()
	_, active := o.active[run.SpecID]
	o.mu.Unlock()
	return StatusInfo{
		SpecID:        run.SpecID,
		SessionID:     run.SessionID,
		Status:        run.Status,
		Phase:         run.Phase,
		Step:          run.StepName(o.steps),
		Attempt:       run.Attempt,
		RetryCount:    run.RetryCount,
		MaxRetries:    run.MaxRetries,
		BlockedReason: run.BlockedReason,
		Error:         run.Error,
		OpenQuestions: run.OpenQuestions,
		StageHistory:  run.StageHistory,
		Modified:      run.Modified,
		CommitHash:    run.CommitHash,
		UpdatedAt:     run.UpdatedAt,
		Active:        active,
	}
}

// Status returns the status of the active run for specID, or of its most
// recently archived run.
func (o *Orchestrator) Status(specID string) (*StatusInfo, error) {
	run, err := o.store.GetLatest(specID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	info := o.statusInfo(run)
	return &info, nil
}

// StatusAll returns the status of every active run.
func (o *Orchestrator) StatusAll() ([]StatusInfo, error) {
	runs, err := o.store.List("")
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	result := make([]StatusInfo, 0, len(runs))
	for i := range runs {
		result = append(result, o.statusInfo(&runs[i]))
	}
	return result, nil
}

// --- state helpers ---

// transition persists fn's changes and moves the run to state to.
func (o *Orchestrator) transition(run *pipeline.PipelineRun, to pipeline.RunState, fn func(r *pipeline.PipelineRun)) (*pipeline.PipelineRun, error) {
	from := run.Status
	updated, err := o.store.Update(run.SpecID, func(r *pipeline.PipelineRun) {
		if fn != nil {
			fn(r)
		}
		r.Status = to
	})
	if err != nil {
		return nil, fmt.Errorf("update run %s: %w", run.SpecID, err)
	}
	if from != to {
		metrics.Transitions.WithLabelValues(string(to)).Inc()
		o.logger.Debug("run transition",
			logging.SpecID(run.SpecID),
			logging.Step(updated.StepName(o.steps)),
			logging.Attempt(updated.Attempt),
			zap.String("from", string(from)),
			logging.State(string(to)))
		o.publish(updated, events.Event{Type: events.TypeTransition, From: from, To: to})
	}
	return updated, nil
}

// finish moves a run to a terminal state and archives it.
func (o *Orchestrator) finish(run *pipeline.PipelineRun, to pipeline.RunState, event string, fn func(r *pipeline.PipelineRun)) (*pipeline.PipelineRun, error) {
	step := run.StepName(o.steps)
	run, err := o.transition(run, to, fn)
	if err != nil {
		return nil, err
	}
	o.logEvent(run, event, step, run.Error)
	if err := o.store.Archive(run.SpecID); err != nil {
		o.logger.Warn("archive run", logging.SpecID(run.SpecID), zap.Error(err))
	}
	return run, nil
}

// fail ends the run on an error no retry can fix.
func (o *Orchestrator) fail(run *pipeline.PipelineRun, cause error) (*pipeline.PipelineRun, error) {
	o.logger.Error("pipeline run failed", logging.SpecID(run.SpecID), logging.Step(run.StepName(o.steps)), zap.Error(cause))
	o.logf("%s: failed: %v", run.SpecID, cause)
	failed, err := o.finish(run, pipeline.StateFailed, "failed", func(r *pipeline.PipelineRun) {
		r.Error = cause.Error()
	})
	if err != nil {
		return run, errors.CombineErrors(cause, err)
	}
	o.publish(failed, events.Event{Type: events.TypeFailed, Message: cause.Error()})
	return failed, cause
}

// abortRun marks the run aborted. The in-step phase is kept so a resume
// continues the interrupted attempt.
func (o *Orchestrator) abortRun(run *pipeline.PipelineRun, why string) (*pipeline.PipelineRun, error) {
	o.logger.Info("pipeline run aborted", logging.SpecID(run.SpecID), logging.Step(run.StepName(o.steps)), zap.String("reason", why))
	o.logf("%s: aborted (%s)", run.SpecID, why)
	aborted, err := o.finish(run, pipeline.StateAborted, "aborted", func(r *pipeline.PipelineRun) {
		r.BlockedReason = pipeline.ReasonAborted
	})
	if err != nil {
		return run, err
	}
	o.publish(aborted, events.Event{Type: events.TypeFailed, Message: "aborted: " + why})
	return aborted, nil
}

func (o *Orchestrator) publish(run *pipeline.PipelineRun, e events.Event) {
	e.SpecID = run.SpecID
	e.SessionID = run.SessionID
	if e.Step == "" {
		e.Step = run.StepName(o.steps)
	}
	if e.Attempt == 0 {
		e.Attempt = run.Attempt
	}
	o.bus.Publish(e)
}

func (o *Orchestrator) logEvent(run *pipeline.PipelineRun, event, step, detail string) {
	if o.db == nil {
		return
	}
	if err := o.db.LogPipelineEvent(run.SpecID, run.SessionID, event, step, run.Attempt, detail); err != nil {
		o.logger.Warn("log pipeline event", logging.SpecID(run.SpecID), zap.String("event", event), zap.Error(err))
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
