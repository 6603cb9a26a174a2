package migrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/ledger"
)

// Status reports where a database stands relative to history.
type Status struct {
	// Current is the ledger position; empty at base.
	Current   string
	HasLedger bool
	AppliedAt time.Time
	// Head is the newest step in the migrations directory.
	Head string
	// Pending lists the steps apply latest would run, oldest first.
	Pending []*artifact.Step
	// Drift holds the operations that would turn the database back into
	// the structure history records at Current. Empty when they match.
	Drift diff.Delta
}

// UpToDate reports whether the ledger is at the head.
func (s *Status) UpToDate() bool { return s.Current == s.Head }

// Drifted reports whether the database structure differs from history.
func (s *Status) Drifted() bool { return !s.Drift.IsEmpty() }

// Status reads the ledger and the live structure and compares them with
// history. It takes no lock.
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	g, err := history.Load(m.store)
	if err != nil {
		return nil, err
	}
	head, err := g.Head()
	if err != nil {
		return nil, err
	}

	snap, err := m.introspector().Snapshot(ctx, m.ledger)
	if err != nil {
		return nil, fmt.Errorf("inspecting database: %w", err)
	}
	st := &Status{
		Current:   snap.Position(),
		HasLedger: snap.HasLedger,
		AppliedAt: snap.Ledger.AppliedAt,
		Head:      head,
	}
	if err := loadPosition(g, st.Current); err != nil {
		return st, err
	}

	path, err := g.ResolvePath(st.Current, head)
	if err != nil {
		return st, err
	}
	if path.Direction == history.Up {
		st.Pending = path.Steps
	}

	expected, err := Replay(g, st.Current)
	if err != nil {
		return st, err
	}
	if st.Drift, err = diff.Diff(expected, snap.Schema, diff.WithDialect(m.dialect)); err != nil {
		return st, fmt.Errorf("computing drift: %w", err)
	}
	return st, nil
}

// History returns the most recent ledger transitions, newest first.
func (m *Migrator) History(ctx context.Context, limit int) ([]ledger.Entry, error) {
	exists, err := m.ledger.Exists(ctx, m.db)
	if err != nil || !exists {
		return nil, err
	}
	return m.ledger.History(ctx, m.db, limit)
}
