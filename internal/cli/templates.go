package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/specfactory/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage prompt templates",
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Write the built-in prompt templates to a directory for editing",
	Long: `Install copies the built-in stage, checkpoint and arbiter prompt templates to
dir (default ~/.specfactory/templates). Existing files are left alone. Templates
found there override the built-ins.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		}
		if err := prompt.InstallBuiltinTemplates(dir); err != nil {
			return err
		}
		if dir == "" {
			dir = prompt.DefaultTemplateDir()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Templates installed in %s\n", dir)
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesInstallCmd)
}
