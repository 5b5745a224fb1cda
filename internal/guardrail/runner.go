// Package guardrail runs the per-stage guardrail scripts that gate agent
// dispatch and validates the telemetry they print.
package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/config"
	"github.com/lucasnoah/specfactory/internal/logging"
	"github.com/lucasnoah/specfactory/internal/pipeline"
	"github.com/lucasnoah/specfactory/internal/prompt"
)

// Result is the outcome of one guardrail run.
type Result struct {
	Stage      pipeline.Stage  `json:"stage"`
	Command    string          `json:"command,omitempty"`
	ExitCode   int             `json:"exit_code"`
	Errors     []string        `json:"errors,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Telemetry  json.RawMessage `json:"telemetry,omitempty"`
	DurationMs int             `json:"duration_ms"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
}

// Passed reports whether the stage may proceed: exit code 0 and no telemetry errors.
func (r *Result) Passed() bool {
	return r.ExitCode == 0 && len(r.Errors) == 0
}

// Err returns nil for a passing result, otherwise an error marked
// pipeline.ErrGuardrailFailed.
func (r *Result) Err() error {
	if r.Passed() {
		return nil
	}
	msg := fmt.Sprintf("exit %d", r.ExitCode)
	if len(r.Errors) > 0 {
		msg += ": " + strings.Join(r.Errors, "; ")
	}
	err := errors.Wrapf(pipeline.ErrGuardrailFailed, "guardrail %s %s", r.Stage, msg)
	return errors.WithHint(err, "fix the failing guardrail check, then run `specfactory resume`")
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes guardrail commands. Commands are templates rendered with
// spec_id, session_id, stage and command.
type Runner struct {
	cmd      CommandRunner
	commands map[pipeline.Stage]string
	dir      string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRunner creates a Runner. A stage with no command always passes.
func NewRunner(cmd CommandRunner, commands map[pipeline.Stage]string, dir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cmd: cmd, commands: commands, dir: dir, timeout: 10 * time.Minute, logger: logger}
}

// NewRunnerFromConfig builds a Runner from the stage guardrail commands,
// running them in the documents root.
func NewRunnerFromConfig(a *config.Automation, cmd CommandRunner, logger *zap.Logger) *Runner {
	commands := make(map[pipeline.Stage]string)
	for _, st := range pipeline.Stages {
		if g := strings.TrimSpace(a.Stages[string(st)].Guardrail); g != "" {
			commands[st] = g
		}
	}
	r := NewRunner(cmd, commands, a.Documents.Root, logger)
	if d := a.StageTimeoutDuration(); d > 0 {
		r.timeout = d
	}
	return r
}

// Run executes the guardrail for stage. A nonzero exit, a timeout, or
// telemetry that fails validation all produce a failing Result; err is
// reserved for commands that could not be started.
func (r *Runner) Run(ctx context.Context, specID, sessionID string, stage pipeline.Stage) (*Result, error) {
	res := &Result{Stage: stage}
	tmpl := r.commands[stage]
	if tmpl == "" {
		res.Summary = "no guardrail configured"
		return res, nil
	}
	// Values are quoted so the command stays one word per value under sh -c.
	command, err := prompt.Render(tmpl, prompt.Vars{
		"spec_id":    shellquote.Join(specID),
		"session_id": shellquote.Join(sessionID),
		"stage":      string(stage),
		"command":    stage.Command(),
	})
	if err != nil {
		return nil, fmt.Errorf("render guardrail command for %s: %w", stage, err)
	}
	res.Command = command

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(ctx, r.dir, command)
	res.DurationMs = int(time.Since(start).Milliseconds())
	res.Stdout, res.Stderr = stdout, stderr

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.ExitCode = -1
			res.Errors = []string{fmt.Sprintf("timeout after %s", r.timeout)}
			r.log(specID, res)
			return res, nil
		}
		return nil, fmt.Errorf("run guardrail for %s: %w", stage, err)
	}
	res.ExitCode = exitCode

	if raw, ok := telemetryJSON(stdout); ok {
		res.Telemetry = raw
		problems := ValidateTelemetry(stage, raw)
		if len(problems) == 0 {
			var failures []string
			res.Summary, failures = Evaluate(stage, raw)
			problems = failures
		}
		res.Errors = append(res.Errors, problems...)
	}
	if exitCode != 0 && len(res.Errors) == 0 {
		res.Errors = []string{lastLine(stderr, fmt.Sprintf("exit status %d", exitCode))}
	}
	r.log(specID, res)
	return res, nil
}

func (r *Runner) log(specID string, res *Result) {
	fields := []zap.Field{
		logging.SpecID(specID),
		zap.String("stage", string(res.Stage)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int("duration_ms", res.DurationMs),
	}
	if res.Passed() {
		r.logger.Info("guardrail passed", fields...)
		return
	}
	r.logger.Warn("guardrail failed", append(fields, zap.Strings("errors", res.Errors))...)
}

// telemetryJSON returns stdout as telemetry when it is a single JSON object.
func telemetryJSON(stdout string) (json.RawMessage, bool) {
	s := strings.TrimSpace(stdout)
	if !strings.HasPrefix(s, "{") || !json.Valid([]byte(s)) {
		return nil, false
	}
	return json.RawMessage(s), true
}

func lastLine(s, fallback string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if l := strings.TrimSpace(lines[len(lines)-1]); l != "" {
		return l
	}
	return fallback
}
