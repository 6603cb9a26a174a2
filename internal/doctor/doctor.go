// Package doctor provides health checks for a stratum project.
//
// The doctor command validates that the declared schema loads, that the
// migration history is a single valid chain, and that the database ledger
// and structure agree with it.
//
// Example usage:
//
//	d := doctor.New(store, "schema", doctor.WithDatabase(db, dialect.Postgres()))
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/migrator"
	"github.com/pthm/stratum/pkg/parser"
	"github.com/pthm/stratum/pkg/schema"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

var (
	categoryStyle = lipgloss.NewStyle().Bold(true)
	hintStyle     = lipgloss.NewStyle().Faint(true)
	statusStyles  = map[Status]lipgloss.Style{
		StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Declared Schema", "Database").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Check returns the result named name, or nil.
func (r *Report) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", categoryStyle.Render(cat))
		for _, check := range categories[cat] {
			symbol := statusStyles[check.Status].Render(check.Status.Symbol())
			_, _ = fmt.Fprintf(w, "  %s %s\n", symbol, check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      %s\n", hintStyle.Render("Fix: "+check.FixHint))
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks on a stratum project.
type Doctor struct {
	store      *artifact.Store
	schemaPath string
	db         *sql.DB
	dialect    dialect.Dialect
	migrOpts   []migrator.Option

	// Cached data from checks (populated during Run)
	declared *schema.Schema
	graph    *history.Graph
	head     string
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithDatabase enables the database checks.
func WithDatabase(db *sql.DB, d dialect.Dialect, opts ...migrator.Option) Option {
	return func(doc *Doctor) {
		doc.db = db
		doc.dialect = d
		doc.migrOpts = opts
	}
}

// WithDialect sets the dialect used to check column types when no database
// is configured.
func WithDialect(d dialect.Dialect) Option {
	return func(doc *Doctor) {
		if doc.dialect == nil {
			doc.dialect = d
		}
	}
}

// New creates a new Doctor instance.
func New(store *artifact.Store, schemaPath string, opts ...Option) *Doctor {
	d := &Doctor{store: store, schemaPath: schemaPath}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes all health checks and returns a report. Problems found are
// reported as checks; an error means a check could not run at all.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	d.checkDeclaredSchema(report)
	d.checkHistory(report)
	if err := d.checkDatabase(ctx, report); err != nil {
		return nil, fmt.Errorf("checking database: %w", err)
	}

	return report, nil
}

// checkDeclaredSchema validates the declared schema loads and reports
// foreign key cycles.
func (d *Doctor) checkDeclaredSchema(report *Report) {
	const category = "Declared Schema"

	if _, err := os.Stat(d.schemaPath); err != nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_exists",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Schema not found at %s", d.schemaPath),
			FixHint:  "Set schema in stratum.yaml or pass --schema",
		})
		return
	}

	var opts []parser.Option
	if d.dialect != nil {
		opts = append(opts, parser.WithTypeChecker(d.dialect.KnownType))
	}
	s, err := parser.ParseSchema(d.schemaPath, opts...)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_valid",
			Status:   StatusFail,
			Message:  "Declared schema does not load",
			Details:  err.Error(),
			FixHint:  "Run 'stratum validate' to see detailed errors",
		})
		return
	}
	d.declared = s

	columns := 0
	for _, t := range s.Tables {
		columns += len(t.Columns)
	}
	report.AddCheck(CheckResult{
		Category: category,
		Name:     "schema_valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Declared schema is valid (%d tables, %d columns)", len(s.Tables), columns),
	})

	if cycle := schema.ForeignKeyCycle(s); cycle != nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "fk_cycles",
			Status:   StatusWarn,
			Message:  "Foreign keys form a cycle",
			Details:  schema.FormatCycle(cycle),
			FixHint:  "Tables in the cycle are created in name order; dropping one of them requires dropping the others",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: category,
		Name:     "fk_cycles",
		Status:   StatusPass,
		Message:  "No foreign key cycles",
	})
}

// checkHistory validates the artifacts and the shape of the history graph.
func (d *Doctor) checkHistory(report *Report) {
	const category = "Migration History"

	g, err := history.Load(d.store)
	if err != nil {
		fix := "Restore the artifact from version control"
		if stratum.IsDivergentHistoryErr(err) {
			fix = "Re-parent one of the branches by regenerating its steps"
		}
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "history_valid",
			Status:   StatusFail,
			Message:  "Migration history is invalid",
			Details:  err.Error(),
			FixHint:  fix,
		})
		return
	}

	head, err := g.Head()
	if err != nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "history_valid",
			Status:   StatusFail,
			Message:  "Migration history has diverged",
			Details:  err.Error(),
			FixHint:  "Regenerate the steps of one branch on top of the other",
		})
		return
	}
	d.graph, d.head = g, head

	report.AddCheck(CheckResult{
		Category: category,
		Name:     "history_valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("History is a single chain (%d steps, head %s)", g.Len(), displayStep(head)),
	})

	var irreversible []string
	for _, s := range g.Steps() {
		if !s.Reversible() {
			irreversible = append(irreversible, fmt.Sprintf("%s: %s", s.ID, strings.Join(s.Downgrade.Reasons, "; ")))
		}
	}
	if len(irreversible) > 0 {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "irreversible_steps",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d steps cannot be rolled back safely", len(irreversible)),
			Details:  strings.Join(irreversible, "\n"),
			FixHint:  "Rolling back through them requires 'stratum apply --force'",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "irreversible_steps",
			Status:   StatusPass,
			Message:  "Every step can be rolled back",
		})
	}

	if d.declared == nil {
		return
	}
	replayed, err := migrator.Replay(g, head)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_sync",
			Status:   StatusFail,
			Message:  "History cannot be replayed",
			Details:  err.Error(),
		})
		return
	}
	var diffOpts []diff.Option
	if d.dialect != nil {
		diffOpts = append(diffOpts, diff.WithDialect(d.dialect))
	}
	delta, err := diff.Diff(d.declared, replayed, diffOpts...)
	switch {
	case err != nil:
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_sync",
			Status:   StatusFail,
			Message:  "Declared schema cannot be compared with history",
			Details:  err.Error(),
		})
	case !delta.IsEmpty():
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_sync",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Declared schema has %d changes not captured in a step", len(delta.Operations)),
			Details:  describe(delta),
			FixHint:  "Run 'stratum generate <message>'",
		})
	default:
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "schema_sync",
			Status:   StatusPass,
			Message:  "Declared schema matches the history head",
		})
	}
}

// checkDatabase validates the ledger, pending steps and drift.
func (d *Doctor) checkDatabase(ctx context.Context, report *Report) error {
	const category = "Database"

	if d.db == nil {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "configured",
			Status:   StatusWarn,
			Message:  "No database configured; database checks skipped",
			FixHint:  "Set database.url in stratum.yaml or pass --db",
		})
		return nil
	}
	if d.graph == nil {
		return nil
	}

	m := migrator.New(d.db, d.dialect, d.store, d.migrOpts...)
	st, err := m.Status(ctx)
	if st == nil {
		return err
	}

	if !st.HasLedger {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "ledger_present",
			Status:   StatusWarn,
			Message:  "Ledger table does not exist (database at base)",
			FixHint:  "Run 'stratum apply', or 'stratum stamp <step>' to adopt an existing database",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "ledger_present",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Ledger at %s", displayStep(st.Current)),
		})
	}

	if errors.Is(err, stratum.ErrUnknownStep) {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "ledger_known",
			Status:   StatusFail,
			Message:  "Ledger position is not part of the migration history",
			Details:  err.Error(),
			FixHint:  "Restore the missing artifacts, or stamp the database to a known step",
		})
		return nil
	}
	if err != nil {
		return err
	}
	report.AddCheck(CheckResult{
		Category: category,
		Name:     "ledger_known",
		Status:   StatusPass,
		Message:  "Ledger position is part of the migration history",
	})

	switch {
	case len(st.Pending) > 0:
		ids := make([]string, len(st.Pending))
		for i, s := range st.Pending {
			ids[i] = fmt.Sprintf("%s %s", s.ID, s.Message)
		}
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "pending_steps",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d steps pending", len(st.Pending)),
			Details:  strings.Join(ids, "\n"),
			FixHint:  "Run 'stratum apply'",
		})
	case !st.UpToDate():
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "pending_steps",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Ledger is at %s, head is %s", displayStep(st.Current), displayStep(st.Head)),
			FixHint:  "Run 'stratum apply'",
		})
	default:
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "pending_steps",
			Status:   StatusPass,
			Message:  "Database is at the history head",
		})
	}

	if st.Drifted() {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "drift",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("Database structure differs from history (%d differences)", len(st.Drift.Operations)),
			Details:  describe(st.Drift),
			FixHint:  "Changes were made outside stratum; capture them with 'stratum generate' or revert them",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     "drift",
			Status:   StatusPass,
			Message:  "Database structure matches history",
		})
	}
	return nil
}

func describe(delta diff.Delta) string {
	lines := make([]string, len(delta.Operations))
	for i, op := range delta.Operations {
		lines[i] = op.String()
	}
	return strings.Join(lines, "\n")
}

func displayStep(id string) string {
	if id == history.Base {
		return "base"
	}
	return id
}
