package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/specfactory/internal/evidence"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Inspect the evidence recorded for specs",
}

// evidenceQuery builds a query from the --step, --attempt and --all flags.
func evidenceQuery(cmd *cobra.Command, specID string) (evidence.Query, error) {
	q := evidence.Query{SpecID: specID}
	if s, _ := cmd.Flags().GetString("step"); s != "" {
		step, err := pipeline.ParseStep(s)
		if err != nil {
			return q, err
		}
		q.Step = step
	}
	q.Attempt, _ = cmd.Flags().GetInt("attempt")
	q.AllAttempts, _ = cmd.Flags().GetBool("all")
	if q.Attempt > 0 && q.Step == (pipeline.Step{}) {
		return q, fmt.Errorf("--attempt needs --step")
	}
	return q, nil
}

var evidenceListCmd = &cobra.Command{
	Use:   "list <spec-id>",
	Short: "List the artifacts of a spec",
	Long: `List the artifacts recorded for a spec. Without --step every stage and
checkpoint is listed; with --step only its latest attempt, unless --attempt or
--all is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := evidenceQuery(cmd, args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		arts, err := a.evidence.Fetch(cmd.Context(), q)
		if err != nil {
			return fmt.Errorf("fetch evidence: %w", err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, arts)
		}
		if len(arts) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No evidence for %s.\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tATTEMPT\tROLE\tKIND\tBYTES\tTIMESTAMP")
		for _, art := range arts {
			kind := art.Kind
			if art.Degraded {
				kind += "(degraded)"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
				art.Step(), art.Attempt, art.Role, kind, len(art.Content), art.Timestamp)
		}
		return w.Flush()
	},
}

var evidenceShowCmd = &cobra.Command{
	Use:   "show <spec-id> <step> <role>",
	Short: "Print the content of one artifact",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := pipeline.ParseStep(args[1])
		if err != nil {
			return err
		}
		attempt, _ := cmd.Flags().GetInt("attempt")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		arts, err := a.evidence.Fetch(cmd.Context(), evidence.Query{SpecID: args[0], Step: step, Attempt: attempt})
		if err != nil {
			return fmt.Errorf("fetch evidence: %w", err)
		}
		art, ok := evidence.ByRole(arts)[args[2]]
		if !ok {
			where := "latest attempt"
			if attempt > 0 {
				where = "attempt " + strconv.Itoa(attempt)
			}
			return fmt.Errorf("no %s artifact in the %s of %s %s: %w", args[2], where, args[0], step, pipeline.ErrNotFound)
		}

		var pretty bytes.Buffer
		if json.Indent(&pretty, art.Content, "", "  ") == nil {
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(art.Content))
		return nil
	},
}

var evidenceSpecsCmd = &cobra.Command{
	Use:   "specs",
	Short: "List the specs that have evidence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		specs, err := a.evidence.ListSpecs(cmd.Context())
		if err != nil {
			return fmt.Errorf("list specs: %w", err)
		}
		for _, s := range specs {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

func init() {
	evidenceListCmd.Flags().String("step", "", "Stage or checkpoint, e.g. plan or checkpoint:post-plan")
	evidenceListCmd.Flags().Int("attempt", 0, "Attempt number (default latest)")
	evidenceListCmd.Flags().Bool("all", false, "Include every attempt of --step")
	evidenceListCmd.Flags().String("format", "text", "Output format: text or json")
	evidenceShowCmd.Flags().Int("attempt", 0, "Attempt number (default latest)")

	evidenceCmd.AddCommand(evidenceListCmd)
	evidenceCmd.AddCommand(evidenceShowCmd)
	evidenceCmd.AddCommand(evidenceSpecsCmd)
}
