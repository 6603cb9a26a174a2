package doctor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum/internal/testutil"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/migrator"
	"github.com/pthm/stratum/pkg/parser"
)

const shop = `
tables:
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: email, type: text, unique: true}
  orders:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: user_id, type: integer, references: users.id}
`

const cyclic = `
tables:
  teams:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: owner_id, type: integer, nullable: true, references: users.id}
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: team_id, type: integer, nullable: true, references: teams.id}
`

type project struct {
	schemaPath string
	store      *artifact.Store
}

func newProject(t *testing.T, declared string) project {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(declared), 0o644))
	return project{
		schemaPath: path,
		store:      artifact.NewStore(filepath.Join(dir, "migrations")),
	}
}

func (p project) generateAndApply(t *testing.T, m *migrator.Migrator) {
	t.Helper()
	ctx := context.Background()
	declared, err := parser.ParseSchema(p.schemaPath)
	require.NoError(t, err)
	_, err = m.Generate(ctx, declared, "create shop", migrator.GenerateOptions{})
	require.NoError(t, err)
	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
	require.NoError(t, err)
}

func requireStatus(t *testing.T, report *Report, name string, want Status) {
	t.Helper()
	check := report.Check(name)
	require.NotNil(t, check, "check %s not run", name)
	assert.Equal(t, want, check.Status, "%s: %s\n%s", name, check.Message, check.Details)
}

func TestRun_WithoutDatabase(t *testing.T) {
	p := newProject(t, shop)

	report, err := New(p.store, p.schemaPath, WithDialect(dialect.SQLite())).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "schema_valid", StatusPass)
	requireStatus(t, report, "fk_cycles", StatusPass)
	requireStatus(t, report, "history_valid", StatusPass)
	requireStatus(t, report, "schema_sync", StatusWarn)
	requireStatus(t, report, "configured", StatusWarn)
	assert.False(t, report.HasErrors())
	assert.Nil(t, report.Check("ledger_present"))
}

func TestRun_Healthy(t *testing.T) {
	db, _ := testutil.SQLiteDB(t)
	p := newProject(t, shop)
	d := dialect.SQLite()
	p.generateAndApply(t, migrator.New(db, d, p.store))

	report, err := New(p.store, p.schemaPath, WithDatabase(db, d)).Run(context.Background())
	require.NoError(t, err)

	for _, check := range report.Checks {
		assert.Equal(t, StatusPass, check.Status, "%s: %s\n%s", check.Name, check.Message, check.Details)
	}
	assert.Zero(t, report.Warnings)
	assert.Zero(t, report.Errors)
}

func TestRun_PendingAndMissingLedger(t *testing.T) {
	db, _ := testutil.SQLiteDB(t)
	p := newProject(t, shop)
	d := dialect.SQLite()

	declared, err := parser.ParseSchema(p.schemaPath)
	require.NoError(t, err)
	_, err = migrator.GenerateOffline(context.Background(), p.store, d, declared, "create shop", migrator.GenerateOptions{})
	require.NoError(t, err)

	report, err := New(p.store, p.schemaPath, WithDatabase(db, d)).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "schema_sync", StatusPass)
	requireStatus(t, report, "ledger_present", StatusWarn)
	requireStatus(t, report, "ledger_known", StatusPass)
	requireStatus(t, report, "pending_steps", StatusWarn)
	requireStatus(t, report, "drift", StatusPass)
	assert.Contains(t, report.Check("pending_steps").Details, "create shop")
}

func TestRun_Drift(t *testing.T) {
	db, _ := testutil.SQLiteDB(t)
	p := newProject(t, shop)
	d := dialect.SQLite()
	p.generateAndApply(t, migrator.New(db, d, p.store))

	testutil.MustExec(t, db, `ALTER TABLE users ADD COLUMN rogue text`)

	report, err := New(p.store, p.schemaPath, WithDatabase(db, d)).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "drift", StatusWarn)
	assert.Contains(t, report.Check("drift").Details, "rogue")
	assert.False(t, report.HasErrors())
}

func TestRun_UnknownLedgerStep(t *testing.T) {
	db, _ := testutil.SQLiteDB(t)
	p := newProject(t, shop)
	d := dialect.SQLite()
	p.generateAndApply(t, migrator.New(db, d, p.store))

	// Artifacts removed after the database was migrated.
	steps, err := p.store.List()
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NoError(t, os.Remove(p.store.Path(steps[0])))

	report, err := New(p.store, p.schemaPath, WithDatabase(db, d)).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "ledger_known", StatusFail)
	assert.True(t, report.HasErrors())
	assert.Nil(t, report.Check("drift"))
}

func TestRun_MissingSchema(t *testing.T) {
	p := newProject(t, shop)

	report, err := New(p.store, filepath.Join(t.TempDir(), "nope")).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "schema_exists", StatusFail)
	assert.True(t, report.HasErrors())
	assert.Nil(t, report.Check("schema_sync"), "sync needs a loaded schema")
}

func TestRun_InvalidSchema(t *testing.T) {
	p := newProject(t, `
tables:
  users:
    columns:
      - {name: id, type: geography, primary_key: true}
`)

	report, err := New(p.store, p.schemaPath, WithDialect(dialect.Postgres())).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "schema_valid", StatusFail)
	assert.Contains(t, report.Check("schema_valid").Details, "geography")
}

func TestRun_ForeignKeyCycle(t *testing.T) {
	p := newProject(t, cyclic)

	report, err := New(p.store, p.schemaPath).Run(context.Background())
	require.NoError(t, err)

	requireStatus(t, report, "fk_cycles", StatusWarn)
	assert.Contains(t, report.Check("fk_cycles").Details, "teams")
}

func TestReportPrint(t *testing.T) {
	report := &Report{}
	report.AddCheck(CheckResult{Category: "Declared Schema", Name: "a", Status: StatusPass, Message: "Schema ok"})
	report.AddCheck(CheckResult{Category: "Database", Name: "b", Status: StatusWarn, Message: "2 steps pending", Details: "x\ny", FixHint: "Run 'stratum apply'"})
	report.AddCheck(CheckResult{Category: "Database", Name: "c", Status: StatusFail, Message: "Broken", FixHint: "Fix it"})

	var quiet, verbose bytes.Buffer
	report.Print(&quiet, false)
	report.Print(&verbose, true)

	out := quiet.String()
	assert.Contains(t, out, "Declared Schema")
	assert.Contains(t, out, "Schema ok")
	assert.Contains(t, out, "Fix: Run 'stratum apply'")
	assert.Contains(t, out, "Summary: 1 passed, 1 warnings, 1 errors")
	assert.NotContains(t, out, "      x")
	assert.Contains(t, verbose.String(), "      x")
	assert.Less(t, bytes.Index(quiet.Bytes(), []byte("Declared Schema")), bytes.Index(quiet.Bytes(), []byte("Database")))
}

func TestStatusSymbol(t *testing.T) {
	assert.Equal(t, "✓", StatusPass.Symbol())
	assert.Equal(t, "⚠", StatusWarn.Symbol())
	assert.Equal(t, "✗", StatusFail.Symbol())
	assert.Equal(t, "warn", StatusWarn.String())
}
