package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/specfactory/internal/pipeline"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// configPath is the --config flag shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "specfactory",
	Short: "specfactory: multi-agent consensus pipeline for spec documents",
	Long: `specfactory drives a spec through Plan, Tasks, Implement, Validate, Audit and
Unlock. Every stage is answered by several agent roles whose answers must agree;
quality checkpoints between stages resolve open issues automatically or ask a
human.

Run state lives in ~/.specfactory/ (JSON run files, SQLite event log, evidence).
Exit codes: 0 complete, 1 waiting on a human, 2 guardrail failure,
3 retries exhausted or unrecoverable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the command tree. SIGINT and SIGTERM cancel the command's
// context, which aborts in-flight runs.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return pipeline.ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return pipeline.ExitUnrecoverable
}

// PrintError writes err and any operator hints attached to it.
func PrintError(w io.Writer, err error) {
	var ee *ExitError
	if errors.As(err, &ee) {
		err = ee.Err
	}
	if err == nil {
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	if hint := errors.FlattenHints(err); hint != "" {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./specfactory.yaml or ~/.specfactory/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(templatesCmd)
}
