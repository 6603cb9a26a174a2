package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
)

var (
	stampDB            string
	stampMigrationsDir string
)

var stampCmd = &cobra.Command{
	Use:   "stamp <target>",
	Short: "Set the ledger without running steps",
	Long: `Record target as the database's position without running any operations.
Use it to adopt a database whose structure already matches a step.`,
	Example: `  # Adopt an existing database at the latest step
  stratum stamp head`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := openTarget(ctx, stampDB)
		if err != nil {
			return err
		}
		defer func() { _ = t.Close() }()

		res, err := newMigrator(t, openStore(stampMigrationsDir)).Stamp(ctx, args[0])
		if err != nil {
			return cli.GeneralError("stamp failed", err)
		}
		printf("%s\n", okStyle.Render(fmt.Sprintf("Ledger stamped at %s (was %s).", stepLabel(res.To), stepLabel(res.From))))
		return nil
	},
}

func init() {
	f := stampCmd.Flags()
	f.StringVar(&stampDB, "db", "", "database URL")
	f.StringVar(&stampMigrationsDir, "migrations-dir", "", "migrations directory")
}
