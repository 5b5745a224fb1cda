package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(&cfg.Automation)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer cleanup()
		fmt.Fprintf(cmd.OutOrStdout(), "Database is up to date: %s\n", d.Path())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every event log table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(&cfg.Automation)
		if err != nil {
			return err
		}
		defer cleanup()
		if err := d.Reset(); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Database reset: %s\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
