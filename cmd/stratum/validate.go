package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/schema"
)

var (
	validateSchema        string
	validateMigrationsDir string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the declared schema and migrations",
	Long: `Load the declared schema and every migration step without contacting the
database. Column types are checked against the configured database dialect.`,
	Example: `  # Validate a specific schema
  stratum validate --schema db/schema.yaml

  # Validate using config file settings
  stratum validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Resolve schema path: flag > config > default
		schemaPath := resolveString(validateSchema, cfg.Schema)

		s, err := loadDeclared(schemaPath, dialectFor(""))
		if err != nil {
			return err
		}

		g, err := history.Load(openStore(validateMigrationsDir))
		if err != nil {
			return cli.GeneralError("loading migrations", err)
		}
		head, err := g.Head()
		if err != nil {
			return cli.GeneralError("loading migrations", err)
		}

		printf("Schema is valid. Found %d tables:\n", len(s.Tables))
		for _, name := range s.TableNames() {
			t := s.Tables[name]
			printf("  - %s (%d columns)\n", name, len(t.Columns))
		}
		if cycle := schema.ForeignKeyCycle(s); cycle != nil {
			printf("%s\n", warnStyle.Render("Warning: foreign keys form a cycle: "+schema.FormatCycle(cycle)))
		}
		printf("\nMigrations are valid. %s\n", fmt.Sprintf("%d steps, head %s.", g.Len(), stepLabel(head)))
		return nil
	},
}

func init() {
	f := validateCmd.Flags()
	f.StringVar(&validateSchema, "schema", "", "declared schema file or directory")
	f.StringVar(&validateMigrationsDir, "migrations-dir", "", "migrations directory")
}
