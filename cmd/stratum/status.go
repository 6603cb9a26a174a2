package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
)

var (
	statusDB            string
	statusMigrationsDir string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the database position and drift",
	Long:  `Show the ledger position, the history head, pending steps, and differences between the database and history.`,
	Example: `  # Check status
  stratum status --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := openTarget(ctx, statusDB)
		if err != nil {
			return err
		}
		defer func() { _ = t.Close() }()

		st, err := newMigrator(t, openStore(statusMigrationsDir)).Status(ctx)
		if err != nil {
			return cli.GeneralError("getting status", err)
		}

		applied := ""
		if !st.AppliedAt.IsZero() {
			applied = faintStyle.Render(fmt.Sprintf(" (applied %s)", st.AppliedAt.Local().Format(time.DateTime)))
		}
		ledger := "present"
		if !st.HasLedger {
			ledger = warnStyle.Render("missing")
		}
		printf("%s\n", titleStyle.Render("Database"))
		printf("  Ledger:   %s\n", ledger)
		printf("  Current:  %s%s\n", stepLabel(st.Current), applied)
		printf("  Head:     %s\n", stepLabel(st.Head))

		if len(st.Pending) > 0 {
			printf("\n%s\n", titleStyle.Render(fmt.Sprintf("Pending (%d)", len(st.Pending))))
			for _, s := range st.Pending {
				printf("  %s %s\n", stepLabel(s.ID), s.Message)
			}
		}

		if st.Drifted() {
			printf("\n%s\n", warnStyle.Render("Drift: the database differs from history"))
			for _, op := range st.Drift.Operations {
				printf("  %s\n", op)
			}
		}

		switch {
		case st.UpToDate() && !st.Drifted():
			printf("\n%s\n", okStyle.Render("Up to date."))
		case !st.UpToDate():
			printf("\nRun 'stratum apply' to apply pending steps.\n")
		}
		return nil
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusDB, "db", "", "database URL")
	f.StringVar(&statusMigrationsDir, "migrations-dir", "", "migrations directory")
}
