package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/specfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve [spec-id]...",
	Short: "Serve run status, the event log and metrics over HTTP",
	Long: `Start a read-only HTTP server:

  GET /status                 every active run
  GET /status/{spec}          one run (falls back to its latest archive)
  GET /status/{spec}/events   logged pipeline events of one spec
  GET /activity               most recent events across specs
  GET /analytics              step durations, role outcomes, resolutions
  GET /stream[?spec=ID]       live phase-transition events (Server-Sent Events)
  GET /metrics                Prometheus metrics

Spec ids given as arguments are resumed in this process while the server runs,
so their events appear on /stream and their calls on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := web.NewServer(a.orch, a.orch, a.db, a.logger)
		fmt.Fprintf(cmd.OutOrStdout(), "specfactory: http://localhost%s\n", addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(gctx, addr)
		})
		for _, specID := range args {
			g.Go(func() error {
				run, err := a.orch.Resume(gctx, specID)
				printResult(cmd.OutOrStdout(), a.orch, newRunResult(a.orch, specID, run, err))
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
}
