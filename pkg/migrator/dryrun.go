package migrator

import (
	"fmt"
	"io"

	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/ops"
)

const rule = "-- ============================================================\n"

func section(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprint(w, rule)
	_, _ = fmt.Fprintf(w, "-- "+format+"\n", args...)
	_, _ = fmt.Fprint(w, rule)
	_, _ = fmt.Fprint(w, "\n")
}

// writeOperations renders operations, each preceded by its description.
func writeOperations(w io.Writer, d dialect.Dialect, operations []ops.Operation) error {
	for _, op := range operations {
		stmts, err := d.Render(op)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		_, _ = fmt.Fprintf(w, "-- %s\n", op)
		for _, stmt := range stmts {
			_, _ = fmt.Fprintf(w, "%s;\n", stmt)
		}
		_, _ = fmt.Fprint(w, "\n")
	}
	return nil
}

// outputDryRun writes the SQL an apply along path would run.
func (m *Migrator) outputDryRun(w io.Writer, path history.Path, hasLedger bool) error {
	_, _ = fmt.Fprintf(w, "-- stratum apply (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Dialect: %s\n", m.dialect.Name())
	_, _ = fmt.Fprintf(w, "-- From: %s\n", display(path.From))
	_, _ = fmt.Fprintf(w, "-- To: %s\n", display(path.To))
	_, _ = fmt.Fprintf(w, "\n")

	if path.Empty() {
		_, _ = fmt.Fprintf(w, "-- Nothing to apply.\n")
		return nil
	}

	if !hasLedger {
		section(w, "Ledger Tables")
		for _, stmt := range m.ledger.DDL() {
			_, _ = fmt.Fprintf(w, "%s;\n\n", stmt)
		}
	}

	up := path.Direction == history.Up
	for _, s := range path.Steps {
		next := s.ID
		if !up {
			next = s.Parent
		}
		section(w, "Step %s (%s): %s", s.ID, path.Direction, s.Message)
		if err := writeOperations(w, m.dialect, s.Operations(up)); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
		_, _ = fmt.Fprintf(w, "%s;\n\n", m.ledger.WriteSQL(next))
	}
	return nil
}

// outputStepPreview writes a generated step that was not committed.
func outputStepPreview(w io.Writer, d dialect.Dialect, s *artifact.Step) error {
	data, err := artifact.Marshal(s)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "-- stratum generate (dry-run)\n")
	_, _ = fmt.Fprintf(w, "-- Artifact: %s\n", s.Filename())
	_, _ = fmt.Fprintf(w, "-- Parent: %s\n", display(s.Parent))
	_, _ = fmt.Fprintf(w, "\n")

	section(w, "Upgrade (%d operations)", len(s.Upgrade))
	if err := writeOperations(w, d, s.Upgrade); err != nil {
		return err
	}

	section(w, "Downgrade (%d operations)", len(s.Downgrade.Operations))
	for _, reason := range s.Downgrade.Reasons {
		_, _ = fmt.Fprintf(w, "-- irreversible: %s\n", reason)
	}
	if err := writeOperations(w, d, s.Downgrade.Operations); err != nil {
		_, _ = fmt.Fprintf(w, "-- downgrade cannot be rendered: %v\n\n", err)
	}

	section(w, "Artifact")
	_, _ = w.Write(data)
	return nil
}
