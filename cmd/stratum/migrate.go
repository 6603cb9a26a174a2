package main

import (
	"github.com/spf13/cobra"

	"github.com/pthm/stratum/pkg/migrator"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate <message>",
	Short: "Generate a step, then apply it",
	Long: `Generate a step from the declared schema and apply every pending step.
Nothing is applied when generation fails. With --dry-run only the generated
step is printed.`,
	Example: `  # Capture and apply schema changes in one go
  stratum migrate "add orders"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := runGenerate(cmd.Context(), args[0], migrateDryRun); err != nil {
			return err
		}
		if migrateDryRun {
			return nil
		}
		return runApply(cmd.Context(), generateDB, generateMigrationsDir, migrator.TargetLatest, false)
	},
}

func init() {
	addGenerateFlags(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "print the step and its SQL without writing or applying it")
}
