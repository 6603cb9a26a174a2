package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/migrator"
)

var (
	applyDB            string
	applyMigrationsDir string
	applyForce         bool
	applyDryRun        bool
	applyPushgateway   string
)

var applyCmd = &cobra.Command{
	Use:   "apply [target]",
	Short: "Apply or roll back migration steps",
	Long: `Move the database to target: a step id, "latest" (the default), "head" or
"base". Steps run one transaction each; on failure the ledger stays at the last
committed step and running apply again resumes from there.`,
	Example: `  # Apply all pending steps
  stratum apply

  # Roll back to a step
  stratum apply 20260101120000

  # Preview the SQL without running it
  stratum apply --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := migrator.TargetLatest
		if len(args) == 1 {
			target = args[0]
		}
		return runApply(cmd.Context(), applyDB, applyMigrationsDir, target,
			resolveBool(applyDryRun, cfg.Apply.DryRun))
	},
}

func init() {
	f := applyCmd.Flags()
	f.StringVar(&applyDB, "db", "", "database URL")
	f.StringVar(&applyMigrationsDir, "migrations-dir", "", "migrations directory")
	f.BoolVar(&applyForce, "force", false, "roll back through steps whose downgrade is not supported")
	f.BoolVar(&applyDryRun, "dry-run", false, "output the planned SQL without applying")
	f.StringVar(&applyPushgateway, "pushgateway", "", "push apply metrics to this Prometheus Pushgateway URL")
}

func runApply(ctx context.Context, dsn, migrationsDir, target string, dryRun bool) error {
	t, err := openTarget(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	var opts []migrator.Option
	pushURL := resolveString(applyPushgateway, cfg.Metrics.Pushgateway)
	reg := prometheus.NewRegistry()
	if pushURL != "" && !dryRun {
		opts = append(opts, migrator.WithMetrics(reg))
	}
	m := newMigrator(t, openStore(migrationsDir), opts...)

	applyOpts := migrator.ApplyOptions{Force: resolveBool(applyForce, cfg.Apply.Force)}
	if dryRun {
		applyOpts.DryRun = os.Stdout
	}

	res, err := m.Apply(ctx, target, applyOpts)
	if pushURL != "" && !dryRun {
		if perr := migrator.Push(context.WithoutCancel(ctx), pushURL, "stratum", reg); perr != nil {
			logger.Warn("pushing metrics failed", "url", pushURL, "error", perr)
		}
	}
	if err != nil {
		if stratum.IsIrreversibleOperationErr(err) {
			return cli.GeneralError("apply refused (use --force to run the best-effort downgrade)", err)
		}
		return cli.GeneralError("apply failed", err)
	}
	if dryRun {
		return nil
	}

	printApplyResult(res)
	return nil
}

func printApplyResult(res *migrator.Result) {
	if res.NoOp() {
		printf("%s\n", okStyle.Render(fmt.Sprintf("Database is up to date at %s.", stepLabel(res.To))))
		return
	}
	arrow := "↑"
	if res.Path.Direction == history.Down {
		arrow = "↓"
	}
	for _, s := range res.Applied {
		printf("  %s %s %s\n", arrow, stepLabel(s.ID), s.Message)
	}
	printf("%s\n", okStyle.Render(fmt.Sprintf("Database is at %s (%d steps in %s).",
		stepLabel(res.To), len(res.Applied), res.Duration.Round(time.Millisecond))))
}
