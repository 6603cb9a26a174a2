package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/pkg/ledger"
)

var (
	historyDB    string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded ledger transitions",
	Long:  `List the applies, rollbacks and stamps recorded in the database, newest first.`,
	Example: `  # Show the last 20 transitions
  stratum history

  # Show everything
  stratum history --limit 0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		t, err := openTarget(ctx, historyDB)
		if err != nil {
			return err
		}
		defer func() { _ = t.Close() }()

		entries, err := newMigrator(t, openStore("")).History(ctx, historyLimit)
		if err != nil {
			return cli.GeneralError("reading history", err)
		}
		if len(entries) == 0 {
			printf("No transitions recorded.\n")
			return nil
		}
		printf("%s\n", historyTable(entries))
		return nil
	},
}

func init() {
	f := historyCmd.Flags()
	f.StringVar(&historyDB, "db", "", "database URL")
	f.IntVar(&historyLimit, "limit", 20, "maximum transitions to show (0 for all)")
}

func historyTable(entries []ledger.Entry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(faintStyle).
		Headers("APPLIED AT", "DIRECTION", "STEP", "POSITION", "DURATION", "RUN")
	for _, e := range entries {
		run := e.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		t.Row(
			e.AppliedAt.Local().Format(time.DateTime),
			e.Direction,
			e.StepID,
			positionLabel(e.Position),
			fmt.Sprint(e.Duration.Round(time.Millisecond)),
			run,
		)
	}
	return t.String()
}

func positionLabel(id string) string {
	if id == "" {
		return "base"
	}
	return id
}
