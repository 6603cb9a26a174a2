package migrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/lock"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

// GenerateOptions controls step generation.
type GenerateOptions struct {
	// AllowEmpty writes a step even when the delta is empty.
	AllowEmpty bool

	// Offline diffs against the schema obtained by replaying history instead
	// of introspecting the database.
	Offline bool

	// DryRun outputs the step and its SQL to the provided writer instead of
	// committing it to the migrations directory.
	DryRun io.Writer

	// RenamePolicy and Confirm are passed to the diff engine. A nil policy
	// only honours renamed_from hints.
	RenamePolicy diff.RenamePolicy
	Confirm      diff.Confirm
}

// Generated is the outcome of a generate run.
type Generated struct {
	// Step is nil when the schemas did not differ and AllowEmpty was unset.
	Step   *artifact.Step
	Delta  diff.Delta
	Parent string
	// Path is where the step was written; empty for dry runs.
	Path string
}

type generator struct {
	store       *artifact.Store
	dialect     dialect.Dialect
	logger      *slog.Logger
	lockTimeout time.Duration
	writer      *artifact.Writer
}

func (m *Migrator) generator() generator {
	return generator{
		store:       m.store,
		dialect:     m.dialect,
		logger:      m.logger,
		lockTimeout: m.lockTimeout,
		writer:      &artifact.Writer{Now: m.now},
	}
}

// Generate writes a new step taking the database from its current structure
// to declared. It holds the exclusive lock, and requires the ledger to be at
// the history head; otherwise it fails with an error matching both
// stratum.ErrNotAtHead and *stratum.DivergentHistoryError. Of two runs racing
// on the same head, the one that takes the lock second fails this way.
func (m *Migrator) Generate(ctx context.Context, declared *schema.Schema, message string, opts GenerateOptions) (*Generated, error) {
	gen := m.generator()
	if opts.Offline {
		return gen.offline(ctx, declared, message, opts)
	}

	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

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
	if pos := snap.Position(); pos != head {
		return nil, fmt.Errorf("%w: %w", stratum.ErrNotAtHead, &stratum.DivergentHistoryError{
			Expected: pos,
			Actual:   head,
			Reason:   fmt.Sprintf("ledger is at %s, history head is %s", display(pos), display(head)),
		})
	}
	return gen.generate(ctx, declared, snap.Schema, head, message, opts)
}

// GenerateOffline writes a new step without a database: the current
// structure is the replay of every step in store.
func GenerateOffline(ctx context.Context, store *artifact.Store, d dialect.Dialect, declared *schema.Schema, message string, opts GenerateOptions) (*Generated, error) {
	gen := generator{
		store:       store,
		dialect:     d,
		logger:      slog.Default(),
		lockTimeout: lock.DefaultTimeout,
		writer:      artifact.NewWriter(),
	}
	return gen.offline(ctx, declared, message, opts)
}

func (gen generator) offline(ctx context.Context, declared *schema.Schema, message string, opts GenerateOptions) (*Generated, error) {
	g, err := history.Load(gen.store)
	if err != nil {
		return nil, err
	}
	head, err := g.Head()
	if err != nil {
		return nil, err
	}
	live, err := Replay(g, head)
	if err != nil {
		return nil, err
	}
	return gen.generate(ctx, declared, live, head, message, opts)
}

func (gen generator) generate(ctx context.Context, declared, live *schema.Schema, head, message string, opts GenerateOptions) (*Generated, error) {
	diffOpts := []diff.Option{diff.WithDialect(gen.dialect)}
	if opts.RenamePolicy != nil {
		diffOpts = append(diffOpts, diff.WithRenamePolicy(opts.RenamePolicy))
	}
	if opts.Confirm != nil {
		diffOpts = append(diffOpts, diff.WithConfirm(opts.Confirm))
	}
	delta, err := diff.Diff(declared, live, diffOpts...)
	if err != nil {
		return nil, fmt.Errorf("computing delta: %w", err)
	}

	out := &Generated{Delta: delta, Parent: head}
	if delta.IsEmpty() && !opts.AllowEmpty {
		gen.logger.Info("no schema changes", "head", display(head))
		return out, nil
	}

	step, err := gen.writer.Write(delta, message, head)
	if err != nil {
		return nil, err
	}
	if _, err := dialect.RenderAll(gen.dialect, step.Upgrade); err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}
	if !step.Reversible() {
		gen.logger.Warn("step has no safe downgrade", "step", step.ID, "reasons", step.Downgrade.Reasons)
	}
	out.Step = step

	if opts.DryRun != nil {
		return out, outputStepPreview(opts.DryRun, gen.dialect, step)
	}
	if err := history.Commit(ctx, gen.store, step, gen.lockTimeout, gen.logger); err != nil {
		return nil, err
	}
	out.Path = gen.store.Path(step)
	return out, nil
}

// Replay returns the structure history records at position id, built by
// applying the upgrades of its ancestry to an empty schema.
func Replay(g *history.Graph, id string) (*schema.Schema, error) {
	chain, err := g.Ancestry(id)
	if err != nil {
		return nil, err
	}
	s := schema.New()
	for _, step := range chain {
		if s, err = ops.ApplyAll(s, step.Upgrade); err != nil {
			return nil, fmt.Errorf("replaying step %s: %w", step.ID, err)
		}
	}
	return s, nil
}
