package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/specfactory/internal/orchestrator"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

// runResult is the outcome of driving one spec.
type runResult struct {
	SpecID string                   `json:"spec_id"`
	Run    *pipeline.PipelineRun    `json:"-"`
	Status *orchestrator.StatusInfo `json:"status,omitempty"`
	Error  string                   `json:"error,omitempty"`
	Exit   int                      `json:"exit_code"`

	err error
}

func newRunResult(o *orchestrator.Orchestrator, specID string, run *pipeline.PipelineRun, err error) runResult {
	r := runResult{SpecID: specID, Run: run, err: err, Exit: pipeline.ExitCode(run, err)}
	if err != nil {
		r.Error = err.Error()
	}
	if run != nil {
		if info, serr := o.Status(specID); serr == nil {
			r.Status = info
		}
	}
	return r
}

// report prints results and turns the worst exit code into an ExitError.
func report(cmd *cobra.Command, o *orchestrator.Orchestrator, results []runResult) error {
	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		if err := writeJSON(cmd, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printResult(cmd.OutOrStdout(), o, r)
		}
	}

	worst := 0
	var firstErr error
	for _, r := range results {
		if r.Exit > worst {
			worst = r.Exit
		}
		if firstErr == nil && r.err != nil {
			firstErr = r.err
		}
	}
	if worst == pipeline.ExitOK {
		return firstErr
	}
	return &ExitError{Code: worst, Err: firstErr}
}

func withProgress(cmd *cobra.Command, o *orchestrator.Orchestrator) {
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		o.SetProgress(cmd.ErrOrStderr())
	}
}

var startCmd = &cobra.Command{
	Use:   "start <spec-id>...",
	Short: "Start pipeline runs and drive them until they finish or need a human",
	Long: `Start creates a run for each spec and drives it through every stage and
enabled checkpoint. Up to automation.parallelism specs run at once.

The command returns when each run has completed, failed, or stopped to wait
for answers. The exit code is the worst of the runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		withProgress(cmd, a.orch)

		results := make([]runResult, len(args))
		var g errgroup.Group
		g.SetLimit(a.cfg.Parallelism)
		for i, specID := range args {
			g.Go(func() error {
				run, err := a.orch.Start(ctx, specID)
				results[i] = newRunResult(a.orch, specID, run, err)
				return nil
			})
		}
		_ = g.Wait()
		return report(cmd, a.orch, results)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <spec-id>",
	Short: "Continue an interrupted, aborted or guardrail-failed run",
	Long: `Resume picks a run up where it stopped. Answers already recorded as evidence
for the interrupted attempt are reused; only the missing roles are called.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return driveOne(cmd, args[0], func(ctx context.Context, o *orchestrator.Orchestrator) (*pipeline.PipelineRun, error) {
			return o.Resume(ctx, args[0])
		})
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <spec-id> <question-id> <text>...",
	Short: "Answer an open question; the run continues once all are answered",
	Long: `Answer records a human decision for an escalated question and writes it
into the spec document. Answer an exhausted stage question with "retry" to run
the stage again without recording a decision.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[2:], " ")
		return driveOne(cmd, args[0], func(ctx context.Context, o *orchestrator.Orchestrator) (*pipeline.PipelineRun, error) {
			return o.Answer(ctx, args[0], args[1], text)
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <spec-id>",
	Short: "Stop a run; in-flight agent calls are cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.orch.Abort(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", run.SpecID, run.Status)
		return nil
	},
}

func driveOne(cmd *cobra.Command, specID string, fn func(context.Context, *orchestrator.Orchestrator) (*pipeline.PipelineRun, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	withProgress(cmd, a.orch)

	run, err := fn(ctx, a.orch)
	return report(cmd, a.orch, []runResult{newRunResult(a.orch, specID, run, err)})
}

func init() {
	for _, c := range []*cobra.Command{startCmd, resumeCmd, answerCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
		c.Flags().BoolP("quiet", "q", false, "Do not print progress lines")
	}
}
