package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/specfactory/internal/orchestrator"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status [spec-id]",
	Short: "Show in-flight runs, or the detail of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			info, err := a.orch.Status(args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, info)
			}
			return printStatusDetail(cmd.OutOrStdout(), info)
		}

		infos, err := a.orch.StatusAll()
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SPEC\tSTATUS\tSTEP\tATTEMPT\tRETRIES\tQUESTIONS\tUPDATED")
		for _, info := range infos {
			status := string(info.Status)
			if info.BlockedReason != "" {
				status += "(" + info.BlockedReason + ")"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%d\t%s\n",
				info.SpecID, status, info.Step, info.Attempt, info.RetryCount, info.MaxRetries,
				openCount(info.OpenQuestions), info.UpdatedAt)
		}
		return w.Flush()
	},
}

func openCount(qs []pipeline.EscalatedQuestion) int {
	n := 0
	for _, q := range qs {
		if !q.Answered() {
			n++
		}
	}
	return n
}

func printStatusDetail(out io.Writer, info *orchestrator.StatusInfo) error {
	fmt.Fprintf(out, "Spec:      %s\n", info.SpecID)
	fmt.Fprintf(out, "Session:   %s\n", info.SessionID)
	fmt.Fprintf(out, "Status:    %s\n", info.Status)
	if info.Phase != "" {
		fmt.Fprintf(out, "Phase:     %s\n", info.Phase)
	}
	if info.Step != "" {
		fmt.Fprintf(out, "Step:      %s (attempt %d, retries %d/%d)\n", info.Step, info.Attempt, info.RetryCount, info.MaxRetries)
	}
	if info.BlockedReason != "" {
		fmt.Fprintf(out, "Blocked:   %s\n", info.BlockedReason)
	}
	if info.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", info.Error)
	}
	if info.CommitHash != "" {
		fmt.Fprintf(out, "Commit:    %s\n", info.CommitHash)
	}
	fmt.Fprintf(out, "Updated:   %s\n", info.UpdatedAt)

	if len(info.StageHistory) > 0 {
		fmt.Fprintln(out, "\nHistory:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  STEP\tATTEMPT\tOUTCOME\tVERDICT\tAUTO\tESCALATED\tDURATION")
		for _, h := range info.StageHistory {
			fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%d\t%d\t%s\n",
				h.Step, h.Attempt, h.Outcome, h.Verdict, h.AutoApplied, h.Escalated, h.Duration)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if len(info.Modified) > 0 {
		fmt.Fprintln(out, "\nModified:")
		for _, m := range info.Modified {
			fmt.Fprintf(out, "  %s\n", m)
		}
	}
	printQuestions(out, info.SpecID, info.OpenQuestions)
	return nil
}

// printQuestions lists the unanswered questions of a run.
func printQuestions(out io.Writer, specID string, qs []pipeline.EscalatedQuestion) {
	var open []pipeline.EscalatedQuestion
	for _, q := range qs {
		if !q.Answered() {
			open = append(open, q)
		}
	}
	if len(open) == 0 {
		return
	}
	fmt.Fprintf(out, "\nOpen questions (%d):\n", len(open))
	for _, q := range open {
		fmt.Fprintf(out, "  [%s] %s\n", q.ID, q.Description)
		if q.Reason != "" {
			fmt.Fprintf(out, "      reason: %s\n", q.Reason)
		}
		roles := make([]string, 0, len(q.AnswersByRole))
		for r := range q.AnswersByRole {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		for _, r := range roles {
			fmt.Fprintf(out, "      %s: %s\n", r, oneLine(q.AnswersByRole[r], 100))
		}
		if q.ArbiterAnswer != "" {
			fmt.Fprintf(out, "      arbiter: %s\n", oneLine(q.ArbiterAnswer, 100))
		}
	}
	fmt.Fprintf(out, "\nAnswer with: specfactory answer %s <question-id> <text>\n", specID)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// printResult prints the one-line outcome of a driven run.
func printResult(out io.Writer, o *orchestrator.Orchestrator, r runResult) {
	if r.Run == nil {
		fmt.Fprintf(out, "%s: error: %s\n", r.SpecID, r.Error)
		return
	}
	line := fmt.Sprintf("%s: %s", r.SpecID, r.Run.Status)
	if step := r.Run.StepName(o.Steps()); step != "" && r.Run.Status != pipeline.StateComplete {
		line += " at " + step
	}
	if r.Run.BlockedReason != "" {
		line += " (" + r.Run.BlockedReason + ")"
	}
	if r.Run.CommitHash != "" {
		line += " commit " + r.Run.CommitHash
	}
	fmt.Fprintln(out, line)
	if r.Run.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", r.Run.Error)
	}
	printQuestions(out, r.SpecID, r.Run.OpenQuestions)
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
