package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/internal/doctor"
)

var (
	doctorDB            string
	doctorSchema        string
	doctorMigrationsDir string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long: `Check that the declared schema loads, that the migrations history is a single
valid chain, and that the database ledger and structure agree with it. Database
checks are skipped when no database is configured.`,
	Example: `  # Run health checks
  stratum doctor --db postgres://localhost/mydb

  # Show details for every check
  stratum doctor -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		schemaPath := resolveString(doctorSchema, cfg.Schema)
		store := openStore(doctorMigrationsDir)

		opts := []doctor.Option{}
		if dsn, _ := cfg.DSN(); doctorDB != "" || dsn != "" {
			t, err := openTarget(ctx, doctorDB)
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()
			opts = append(opts, doctor.WithDatabase(t.DB, t.Dialect, commonOptions()...))
		} else if d := dialectFor(""); d != nil {
			opts = append(opts, doctor.WithDialect(d))
		}

		printf("%s\n", titleStyle.Render("stratum doctor - Health Check"))

		report, err := doctor.New(store, schemaPath, opts...).Run(ctx)
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		if !quiet {
			report.Print(os.Stdout, verbose > 0)
		}

		if report.HasErrors() {
			return cli.GeneralError("health checks failed", nil)
		}

		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorDB, "db", "", "database URL")
	f.StringVar(&doctorSchema, "schema", "", "declared schema file or directory")
	f.StringVar(&doctorMigrationsDir, "migrations-dir", "", "migrations directory")
}
