// Package migrator applies migration steps to a database and generates new
// steps from the difference between a declared schema and the database.
//
// Apply walks the history from the ledger position to a target, one
// transaction per step:
//
//	m := migrator.New(db, dialect.Postgres(), artifact.NewStore("migrations"))
//	res, err := m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
//
// Each step transaction re-reads the ledger row under a row lock and checks
// it against the expected position, so a step is never applied twice even
// when two runs race past the advisory lock.
package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/db"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/introspect"
	"github.com/pthm/stratum/pkg/ledger"
	"github.com/pthm/stratum/pkg/lock"
)

// Apply targets besides step ids.
const (
	TargetLatest = "latest"
	TargetHead   = "head"
	TargetBase   = "base"
)

// DefaultLockKey names the PostgreSQL advisory lock.
const DefaultLockKey = "stratum"

// State is a phase of an apply run.
type State int

const (
	Idle State = iota
	ReadingLedger
	Planning
	Executing
	Committing
	Done
	Failed
)

var stateNames = [...]string{"idle", "reading_ledger", "planning", "executing", "committing", "done", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ApplyOptions controls apply behavior.
type ApplyOptions struct {
	// DryRun outputs the planned SQL to the provided writer without touching
	// the database. If nil, the steps are applied.
	DryRun io.Writer

	// Force allows walking down through steps whose downgrade is not
	// supported. Their best-effort structural inverse is run.
	Force bool
}

// Result describes an apply or stamp run.
type Result struct {
	RunID string
	// From and To are ledger positions; empty means base.
	From, To string
	// Path is the planned walk.
	Path history.Path
	// Applied lists the steps committed, in execution order.
	Applied  []*artifact.Step
	Duration time.Duration
}

// NoOp reports whether nothing was applied.
func (r *Result) NoOp() bool { return len(r.Applied) == 0 }

// Migrator applies and generates steps for one database.
type Migrator struct {
	db          *sql.DB
	dialect     dialect.Dialect
	store       *artifact.Store
	ledger      *ledger.Ledger
	locker      lock.Locker
	logger      *slog.Logger
	metrics     *metrics
	exclude     []string
	toolVersion string
	lockTimeout time.Duration
	now         func() time.Time

	onTransition func(from, to State)
	state        State
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLocker replaces the default exclusive lock: an advisory lock on
// PostgreSQL, a lock file beside the database file on SQLite.
func WithLocker(l lock.Locker) Option {
	return func(m *Migrator) { m.locker = l }
}

// WithLockTimeout bounds the wait for the default locker and for the
// migrations directory lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Migrator) { m.lockTimeout = d }
}

// WithLedger overrides the ledger tables.
func WithLedger(l *ledger.Ledger) Option {
	return func(m *Migrator) { m.ledger = l }
}

// WithExclude hides tables from introspection, in addition to the ledger
// tables.
func WithExclude(tables ...string) Option {
	return func(m *Migrator) { m.exclude = append(m.exclude, tables...) }
}

// WithToolVersion sets the version recorded in the ledger history.
func WithToolVersion(v string) Option {
	return func(m *Migrator) { m.toolVersion = v }
}

// WithClock overrides time.Now for step ids and ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

// OnTransition registers a hook called on every state change.
func OnTransition(fn func(from, to State)) Option {
	return func(m *Migrator) { m.onTransition = fn }
}

// New returns a Migrator for db using the steps in store.
func New(conn *sql.DB, d dialect.Dialect, store *artifact.Store, opts ...Option) *Migrator {
	m := &Migrator{
		db:          conn,
		dialect:     d,
		store:       store,
		ledger:      ledger.New(d),
		logger:      slog.Default(),
		toolVersion: "dev",
		lockTimeout: lock.DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.locker == nil {
		if d.Name() == "postgres" {
			m.locker = lock.NewPostgres(conn, DefaultLockKey, m.lockTimeout, m.logger)
		} else {
			m.locker = lock.NewSQLiteFile(conn, m.lockTimeout, m.logger)
		}
	}
	return m
}

// State returns the state of the last run.
func (m *Migrator) State() State { return m.state }

// Ledger returns the ledger the migrator reads and writes.
func (m *Migrator) Ledger() *ledger.Ledger { return m.ledger }

func (m *Migrator) transition(to State, attrs ...any) {
	from := m.state
	m.state = to
	m.logger.Debug("apply state", append([]any{"from", from.String(), "to", to.String()}, attrs...)...)
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Migrator) finish(err error) {
	if err != nil {
		m.transition(Failed, "error", err)
		return
	}
	m.transition(Done)
}

// acquire takes the exclusive lock and returns its release function.
func (m *Migrator) acquire(ctx context.Context) (func(), error) {
	release, err := m.locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(); err != nil {
			m.logger.Warn("releasing migration lock", "error", err)
		}
	}, nil
}

func (m *Migrator) introspector() *introspect.Introspector {
	return introspect.New(m.db, m.dialect, introspect.WithExclude(m.exclude...))
}

// position reads the ledger. A missing ledger is base.
func (m *Migrator) position(ctx context.Context) (ledger.Record, bool, error) {
	rec, err := m.ledger.Read(ctx, m.db)
	switch {
	case stratum.IsLedgerMissingErr(err):
		return ledger.Record{}, false, nil
	case err != nil:
		return ledger.Record{}, false, db.Classify(m.dialect.DriverName(), err)
	}
	return rec, true, nil
}

// resolveTarget maps latest/head/base to a position and checks step ids.
func resolveTarget(g *history.Graph, target string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", TargetLatest, TargetHead:
		return g.Head()
	case TargetBase:
		return history.Base, nil
	}
	if !g.Has(target) {
		return "", fmt.Errorf("%w: %s", stratum.ErrUnknownStep, target)
	}
	return target, nil
}

func loadPosition(g *history.Graph, position string) error {
	if !g.Has(position) {
		return fmt.Errorf("%w: ledger is at %s, which is not in the migrations directory", stratum.ErrUnknownStep, position)
	}
	return nil
}

// Apply moves the database to target: a step id, TargetLatest, TargetHead
// or TargetBase. Steps run one transaction each; on failure the failing
// step is rolled back, the ledger stays at the last committed step and a
// *stratum.MigrationFailedError is returned. Calling Apply again resumes
// from there. A target equal to the current position is a no-op.
func (m *Migrator) Apply(ctx context.Context, target string, opts ApplyOptions) (*Result, error) {
	start := m.now()
	res := &Result{RunID: uuid.NewString()}
	m.state = Idle

	if opts.DryRun == nil {
		release, err := m.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	err := m.apply(ctx, target, opts, res)
	res.Duration = m.now().Sub(start)
	m.finish(err)
	return res, err
}

func (m *Migrator) apply(ctx context.Context, target string, opts ApplyOptions, res *Result) error {
	m.transition(ReadingLedger)
	rec, hasLedger, err := m.position(ctx)
	if err != nil {
		return err
	}
	res.From = rec.StepID

	m.transition(Planning)
	g, err := history.Load(m.store)
	if err != nil {
		return err
	}
	if err := loadPosition(g, rec.StepID); err != nil {
		return err
	}
	to, err := resolveTarget(g, target)
	if err != nil {
		return err
	}
	res.To = to

	path, err := g.ResolvePath(rec.StepID, to)
	if err != nil {
		return err
	}
	res.Path = path

	if path.Direction == history.Down {
		for _, s := range path.Steps {
			if s.Reversible() {
				continue
			}
			if !opts.Force {
				return s.Downgrade.Err(s.ID)
			}
			m.logger.Warn("rolling back irreversible step", "step", s.ID, "reasons", s.Downgrade.Reasons)
		}
	}

	if opts.DryRun != nil {
		return m.outputDryRun(opts.DryRun, path, hasLedger)
	}
	if path.Empty() {
		m.logger.Info("database is up to date", "position", display(rec.StepID))
		return nil
	}

	if !hasLedger {
		if err := m.ledger.Ensure(ctx, m.db); err != nil {
			return db.Classify(m.dialect.DriverName(), err)
		}
	}

	m.logger.Info("applying steps",
		"from", display(path.From), "to", display(path.To),
		"direction", path.Direction.String(), "steps", len(path.Steps), "run_id", res.RunID)

	position := rec.StepID
	for _, s := range path.Steps {
		m.transition(Executing, "step", s.ID)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply interrupted with ledger at %s: %w", display(position), err)
		}
		next := s.ID
		if path.Direction == history.Down {
			next = s.Parent
		}
		if err := m.applyStep(ctx, s, path.Direction, position, next, res.RunID); err != nil {
			m.metrics.stepFailed()
			return err
		}
		position = next
		res.Applied = append(res.Applied, s)
	}
	return nil
}

// applyStep runs one step in its own transaction and moves the ledger from
// from to to.
func (m *Migrator) applyStep(ctx context.Context, s *artifact.Step, dir history.Direction, from, to, runID string) error {
	started := m.now()
	last := from
	fail := func(op string, err error) error {
		return &stratum.MigrationFailedError{
			Step:        s.ID,
			Operation:   op,
			LastApplied: last,
			SQLState:    db.SQLState(err),
			Err:         err,
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fail("", db.Classify(m.dialect.DriverName(), err))
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := m.ledger.ReadForUpdate(ctx, tx)
	if err != nil && !stratum.IsLedgerMissingErr(err) {
		return fail("", err)
	}
	if rec.StepID != from {
		last = rec.StepID
		return fail("", fmt.Errorf("ledger moved to %s, expected %s", display(rec.StepID), display(from)))
	}

	for _, op := range s.Operations(dir == history.Up) {
		stmts, err := m.dialect.Render(op)
		if err != nil {
			return fail(op.String(), err)
		}
		if i, err := execAll(ctx, tx, stmts); err != nil {
			m.logger.Error("statement failed", "step", s.ID, "operation", op.String(), "statement", stmts[i], "error", err)
			return fail(op.String(), err)
		}
		m.logger.Debug("applied operation", "step", s.ID, "operation", op.String())
	}

	m.transition(Committing, "step", s.ID)
	now := m.now().UTC()
	if err := m.ledger.Write(ctx, tx, ledger.Record{StepID: to, AppliedAt: now, RunID: runID}); err != nil {
		return fail("", err)
	}
	direction := ledger.DirectionUp
	if dir == history.Down {
		direction = ledger.DirectionDown
	}
	elapsed := now.Sub(started)
	err = m.ledger.Append(ctx, tx, ledger.Entry{
		StepID:      s.ID,
		Direction:   direction,
		Position:    to,
		Checksum:    s.Checksum,
		RunID:       runID,
		ToolVersion: m.toolVersion,
		Duration:    elapsed,
		AppliedAt:   now,
	})
	if err != nil {
		return fail("", err)
	}
	if err := tx.Commit(); err != nil {
		return fail("", err)
	}

	m.metrics.stepApplied(direction, elapsed, to)
	m.logger.Info("applied step",
		"step", s.ID, "message", s.Message, "direction", direction,
		"position", display(to), "duration", elapsed)
	return nil
}

// Stamp sets the ledger to target without running any operation. It adopts
// a database whose structure already matches a step.
func (m *Migrator) Stamp(ctx context.Context, target string) (*Result, error) {
	start := m.now()
	res := &Result{RunID: uuid.NewString()}
	m.state = Idle

	release, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	err = m.stamp(ctx, target, res)
	res.Duration = m.now().Sub(start)
	m.finish(err)
	return res, err
}

func (m *Migrator) stamp(ctx context.Context, target string, res *Result) error {
	m.transition(ReadingLedger)
	rec, _, err := m.position(ctx)
	if err != nil {
		return err
	}
	res.From = rec.StepID

	m.transition(Planning)
	g, err := history.Load(m.store)
	if err != nil {
		return err
	}
	to, err := resolveTarget(g, target)
	if err != nil {
		return err
	}
	res.To = to
	var checksum string
	if to != history.Base {
		s, err := g.Step(to)
		if err != nil {
			return err
		}
		checksum = s.Checksum
	}

	if err := m.ledger.Ensure(ctx, m.db); err != nil {
		return db.Classify(m.dialect.DriverName(), err)
	}

	m.transition(Committing, "step", to)
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return db.Classify(m.dialect.DriverName(), err)
	}
	defer func() { _ = tx.Rollback() }()

	now := m.now().UTC()
	if err := m.ledger.Write(ctx, tx, ledger.Record{StepID: to, AppliedAt: now, RunID: res.RunID}); err != nil {
		return err
	}
	err = m.ledger.Append(ctx, tx, ledger.Entry{
		StepID:      to,
		Direction:   ledger.DirectionStamp,
		Position:    to,
		Checksum:    checksum,
		RunID:       res.RunID,
		ToolVersion: m.toolVersion,
		AppliedAt:   now,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing stamp: %w", err)
	}

	m.metrics.setPosition(to)
	m.logger.Info("stamped ledger", "from", display(rec.StepID), "to", display(to))
	return nil
}

// display renders a position for logs and messages.
func display(id string) string {
	if id == history.Base {
		return "base"
	}
	return id
}
