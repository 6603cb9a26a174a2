package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/internal/prompt"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/migrator"
)

var (
	generateDB            string
	generateSchema        string
	generateMigrationsDir string
	generateDetectRenames bool
	generateYes           bool
	generateAllowEmpty    bool
	generateOffline       bool
	generateDryRun        bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <message>",
	Short: "Generate a migration step",
	Long: `Compare the declared schema with the live database and write the difference
as a new step on top of the migrations history.

The database must be at the history head. With --offline the database is not
contacted; the schema obtained by replaying history is compared instead.`,
	Example: `  # Generate a step from the configured schema and database
  stratum generate "add orders"

  # Detect renamed columns and tables, asking before each
  stratum generate "rename email" --detect-renames

  # Preview the step without writing it
  stratum generate "add orders" --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := runGenerate(cmd.Context(), args[0], generateDryRun)
		return err
	},
}

func init() {
	addGenerateFlags(generateCmd)
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "print the step and its SQL without writing it")
}

// addGenerateFlags registers the flags shared by generate and migrate.
func addGenerateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&generateDB, "db", "", "database URL")
	f.StringVar(&generateSchema, "schema", "", "declared schema file or directory")
	f.StringVar(&generateMigrationsDir, "migrations-dir", "", "migrations directory")
	f.BoolVar(&generateDetectRenames, "detect-renames", false, "propose renames for similar dropped and added objects")
	f.BoolVar(&generateYes, "yes", false, "accept proposed renames without asking")
	f.BoolVar(&generateAllowEmpty, "allow-empty", false, "write a step even when nothing changed")
	f.BoolVar(&generateOffline, "offline", false, "diff against replayed history instead of the database")
}

func generateOptions(dryRun bool) migrator.GenerateOptions {
	opts := migrator.GenerateOptions{
		AllowEmpty: resolveBool(generateAllowEmpty, cfg.Generate.AllowEmpty),
		Offline:    resolveBool(generateOffline, cfg.Generate.Offline),
	}
	if dryRun {
		opts.DryRun = os.Stdout
	}
	if resolveBool(generateDetectRenames, cfg.Generate.DetectRenames) {
		opts.RenamePolicy = diff.SimilarityPolicy
		if generateYes {
			opts.Confirm = prompt.Always
		} else {
			opts.Confirm = prompt.Renames(prompt.Huh, logger)
		}
	}
	return opts
}

func runGenerate(ctx context.Context, message string, dryRun bool) (*migrator.Generated, error) {
	opts := generateOptions(dryRun)
	store := openStore(generateMigrationsDir)
	schemaPath := resolveString(generateSchema, cfg.Schema)

	var (
		gen *migrator.Generated
		err error
	)
	if opts.Offline {
		d := dialectFor(generateDB)
		if d == nil {
			return nil, cli.ConfigError("offline generation needs database.driver or a database URL to pick a dialect", nil)
		}
		declared, lerr := loadDeclared(schemaPath, d)
		if lerr != nil {
			return nil, lerr
		}
		gen, err = migrator.GenerateOffline(ctx, store, d, declared, message, opts)
	} else {
		t, terr := openTarget(ctx, generateDB)
		if terr != nil {
			return nil, terr
		}
		defer func() { _ = t.Close() }()

		declared, lerr := loadDeclared(schemaPath, t.Dialect)
		if lerr != nil {
			return nil, lerr
		}
		gen, err = newMigrator(t, store).Generate(ctx, declared, message, opts)
	}
	if err != nil {
		return nil, cli.GeneralError("generate failed", err)
	}

	switch {
	case dryRun:
	case gen.Step == nil:
		printf("%s\n", okStyle.Render("No changes detected; the declared schema matches."))
	default:
		printf("Created step %s: %s\n", stepLabel(gen.Step.ID), gen.Step.Message)
		printf("  %s\n", faintStyle.Render(gen.Path))
		for _, op := range gen.Step.Upgrade {
			printf("  + %s\n", op)
		}
		if !gen.Step.Reversible() {
			printf("%s\n", warnStyle.Render(fmt.Sprintf(
				"Warning: this step cannot be rolled back safely (%d operations); rollback needs --force.",
				len(gen.Step.Downgrade.Reasons))))
		}
	}
	return gen, nil
}
