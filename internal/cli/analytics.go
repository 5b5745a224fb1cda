package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/specfactory/internal/analytics"
	"github.com/lucasnoah/specfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics",
}

// parseSince turns a --since value into the event log's timestamp format.
// It accepts a duration ("36h", "7d") or a date ("2026-01-31").
func parseSince(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid --since %q", s)
		}
		return now.UTC().AddDate(0, 0, -n).Format("2006-01-02 15:04:05"), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.UTC().Add(-d).Format("2006-01-02 15:04:05"), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Format("2006-01-02 15:04:05"), nil
	}
	return "", fmt.Errorf("invalid --since %q: want a duration like 7d or a date like 2026-01-31", s)
}

// analyticsRun opens the event log and hands it to fn with the --since bound.
func analyticsRun(fn func(cmd *cobra.Command, d *db.DB, since string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("since")
		since, err := parseSince(raw, time.Now())
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(&cfg.Automation)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer cleanup()
		return fn(cmd, d, since)
	}
}

func wantJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

var analyticsStepDurationCmd = &cobra.Command{
	Use:   "step-duration",
	Short: "Average and percentile durations per stage and checkpoint",
	RunE: analyticsRun(func(cmd *cobra.Command, d *db.DB, since string) error {
		rows, err := analytics.QueryStepDurations(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No completed steps.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tCOUNT\tAVG(min)\tP50(min)\tP95(min)")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Step, r.Count, r.Avg, r.P50, r.P95)
		}
		return w.Flush()
	}),
}

var analyticsRoleOutcomesCmd = &cobra.Command{
	Use:   "role-outcomes",
	Short: "Success, timeout, empty and malformed counts per agent role",
	RunE: analyticsRun(func(cmd *cobra.Command, d *db.DB, since string) error {
		rows, err := analytics.QueryRoleOutcomes(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No agent calls.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tTOTAL\tSUCCESS\tTIMEOUT\tEMPTY\tMALFORMED\tCANCELLED\tSUCCESS%\tAVG(ms)")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n",
				r.Role, r.Total, r.Success, r.Timeout, r.Empty, r.Malformed, r.Cancelled, r.SuccessPct, r.AvgLatencyMs)
		}
		return w.Flush()
	}),
}

var analyticsResolutionsCmd = &cobra.Command{
	Use:   "resolutions",
	Short: "Auto-apply versus escalate ratio of quality issues",
	RunE: analyticsRun(func(cmd *cobra.Command, d *db.DB, since string) error {
		s, err := analytics.QueryResolutions(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return writeJSON(cmd, s)
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHECKPOINT\tTOTAL\tAUTO\tESCALATED\tAUTO%")
		for _, c := range s.Checkpoints {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", c.Checkpoint, c.Total, c.AutoApplied, c.Escalated, c.AutoApplyPct)
		}
		fmt.Fprintf(w, "all\t%d\t%d\t%d\t%.1f\n", s.Total, s.AutoApplied, s.Escalated, s.AutoApplyPct)
		return w.Flush()
	}),
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Runs started, completed, failed and aborted",
	RunE: analyticsRun(func(cmd *cobra.Command, d *db.DB, since string) error {
		t, err := analytics.QueryThroughput(d, since)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return writeJSON(cmd, t)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Started:     %d\n", t.Started)
		fmt.Fprintf(out, "Completed:   %d\n", t.Completed)
		fmt.Fprintf(out, "Failed:      %d\n", t.Failed)
		fmt.Fprintf(out, "Aborted:     %d\n", t.Aborted)
		fmt.Fprintf(out, "Escalations: %d\n", t.Escalated)
		fmt.Fprintf(out, "Retries:     %d\n", t.Retries)
		return nil
	}),
}

func init() {
	analyticsCmd.PersistentFlags().String("since", "", "Only count events since a duration ago (7d, 36h) or a date (2026-01-31)")
	analyticsCmd.PersistentFlags().String("format", "text", "Output format: text or json")
	analyticsCmd.AddCommand(analyticsStepDurationCmd)
	analyticsCmd.AddCommand(analyticsRoleOutcomesCmd)
	analyticsCmd.AddCommand(analyticsResolutionsCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
}
