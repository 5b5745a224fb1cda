package pipeline

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", err) or errors.Wrap and
// match with errors.Is.
var (
	ErrAgentTimeout                  = errors.New("agent timeout")
	ErrAgentEmptyResult              = errors.New("agent returned empty result")
	ErrAgentMalformedResponse        = errors.New("agent response malformed")
	ErrConsensusNoQuorum             = errors.New("consensus quorum not reached")
	ErrConsensusConflictUnresolved   = errors.New("consensus conflict unresolved")
	ErrQualityGateEscalationRequired = errors.New("quality gate escalation required")
	ErrGuardrailFailed               = errors.New("guardrail failed")
	ErrEvidenceStoreUnavailable      = errors.New("evidence store unavailable")
	ErrFileModificationConflict      = errors.New("file modification conflict")
	ErrDuplicateArtifact             = errors.New("duplicate evidence artifact")
	ErrAlreadyRunning                = errors.New("pipeline already running")
	ErrRunNotFound                   = errors.New("pipeline run not found")
	ErrBlockedOnHuman                = errors.New("pipeline blocked on human input")
	ErrNotFound                      = errors.New("not found")
)

// Process exit codes used by the CLI.
const (
	ExitOK            = 0
	ExitBlocked       = 1
	ExitGuardrail     = 2
	ExitUnrecoverable = 3
)

// ExitCode maps a run's final state (and any error) to a process exit code:
// 0 complete, 1 waiting on a human, 2 guardrail failure, 3 exhausted retries
// or any other unrecoverable outcome.
func ExitCode(run *PipelineRun, err error) int {
	if errors.Is(err, ErrGuardrailFailed) || (run != nil && run.BlockedReason == ReasonGuardrailFailed) {
		return ExitGuardrail
	}
	if run != nil {
		switch run.Status {
		case StateComplete:
			return ExitOK
		case StateAwaitingHuman:
			if run.BlockedReason == ReasonAgentFailureExhausted || run.BlockedReason == ReasonConsensusExhausted {
				return ExitUnrecoverable
			}
			return ExitBlocked
		case StateFailed, StateAborted:
			return ExitUnrecoverable
		}
	}
	if errors.Is(err, ErrBlockedOnHuman) {
		return ExitBlocked
	}
	if err != nil {
		return ExitUnrecoverable
	}
	return ExitOK
}

// Unavailable marks err as an evidence-store outage while keeping its message.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrEvidenceStoreUnavailable)
}
