// Package diff computes the ordered operations that transform a live schema
// into a declared one.
//
// # Algorithm
//
// Both schemas are canonicalized by the dialect first, so spellings that the
// database reports differently (type aliases, casts on defaults) compare
// equal. Objects present only in the declared schema are created, objects
// present only in the live schema are dropped, and objects present in both
// with different attributes are altered (columns) or dropped and re-added
// (keys, constraints, indexes).
//
// Renames are decided by a RenamePolicy before anything else. By default
// only explicit renamed_from hints are honoured; without a hint a rename is
// indistinguishable from a drop and a create, and the engine chooses the
// latter.
//
// # Ordering
//
// Operations are emitted in phases so that every statement only depends on
// objects that exist when it runs:
//
//	 1. drop foreign keys
//	 2. drop unique constraints and indexes
//	 3. drop changed primary keys
//	 4. rename tables, then columns
//	 5. create tables (referenced tables first)
//	 6. add columns
//	 7. alter columns
//	 8. drop columns
//	 9. drop tables (referencing tables first)
//	10. add primary keys
//	11. add unique constraints and indexes
//	12. add foreign keys
//
// Created tables carry only their columns and primary key; their other
// constraints follow in phases 11 and 12, which lets tables with mutual
// foreign keys be created in any order. Dialects that cannot add foreign keys
// to an existing table (dialect.InlineForeignKeys) get them inside the
// create_table definition instead.
package diff

import (
	"fmt"
	"slices"

	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

// Delta is the ordered list of operations produced by Diff.
type Delta struct {
	Operations []ops.Operation
}

// IsEmpty reports whether the schemas were already equivalent.
func (d Delta) IsEmpty() bool {
	return len(d.Operations) == 0
}

type config struct {
	dialect dialect.Dialect
	policy  RenamePolicy
	confirm Confirm
}

// Option configures Diff.
type Option func(*config)

// WithDialect canonicalizes both schemas with d before comparing them.
func WithDialect(d dialect.Dialect) Option {
	return func(c *config) { c.dialect = d }
}

// WithRenamePolicy replaces the default HintPolicy.
func WithRenamePolicy(p RenamePolicy) Option {
	return func(c *config) { c.policy = p }
}

// WithConfirm sets the callback asked about unhinted renames. Without one,
// unhinted renames are rejected.
func WithConfirm(fn Confirm) Option {
	return func(c *config) { c.confirm = fn }
}

// Diff returns the operations that turn live into declared. Neither input is
// modified.
func Diff(declared, live *schema.Schema, opts ...Option) (Delta, error) {
	cfg := config{policy: HintPolicy}
	for _, opt := range opts {
		opt(&cfg)
	}

	decl, cur := canonical(declared, cfg.dialect), canonical(live, cfg.dialect)
	e := &engine{cfg: cfg, decl: decl, inline: cfg.dialect != nil && dialect.InlineForeignKeys(cfg.dialect)}

	renames, err := e.renames(cur)
	if err != nil {
		return Delta{}, err
	}
	// e.live is the live schema after renames; every later phase compares by
	// declared names. Drops emitted before the renames run are taken from
	// e.cur under the original names.
	e.cur, e.live = cur, cur
	if len(renames) > 0 {
		if e.live, err = ops.ApplyAll(cur, renames); err != nil {
			return Delta{}, fmt.Errorf("applying renames: %w", err)
		}
	}
	e.classify()

	var out []ops.Operation
	out = append(out, e.dropForeignKeys()...)
	out = append(out, e.dropUniquesAndIndexes()...)
	out = append(out, e.dropPrimaryKeys()...)
	out = append(out, renames...)
	out = append(out, e.createTables()...)
	out = append(out, e.addColumns()...)
	out = append(out, e.alterColumns()...)
	out = append(out, e.dropColumns()...)
	out = append(out, e.dropTables()...)
	out = append(out, e.addPrimaryKeys()...)
	out = append(out, e.addUniquesAndIndexes()...)
	out = append(out, e.addForeignKeys()...)
	return Delta{Operations: out}, nil
}

func canonical(s *schema.Schema, d dialect.Dialect) *schema.Schema {
	if s == nil {
		s = schema.New()
	}
	if d != nil {
		return d.Canonicalize(s)
	}
	return schema.Normalize(s.Clone())
}

type engine struct {
	cfg    config
	decl   *schema.Schema
	cur    *schema.Schema
	live   *schema.Schema
	inline bool
	orig   map[string]string // renamed table -> name before the rename

	created   []string // declared only, sorted
	dropped   []string // live only, sorted
	common    []string // in both, sorted
	pkChanged map[string]bool
}

func (e *engine) classify() {
	e.created, e.dropped, e.common = nil, nil, nil
	for _, name := range e.decl.TableNames() {
		if e.live.Tables[name] == nil {
			e.created = append(e.created, name)
		} else {
			e.common = append(e.common, name)
		}
	}
	for _, name := range e.live.TableNames() {
		if e.decl.Tables[name] == nil {
			e.dropped = append(e.dropped, name)
		}
	}
	e.pkChanged = make(map[string]bool)
	for _, name := range e.common {
		if !e.live.Tables[name].PrimaryKey.Equal(e.decl.Tables[name].PrimaryKey) {
			e.pkChanged[name] = true
		}
	}
}

// before returns the name and definition a live table had before renames.
func (e *engine) before(table string) (string, *schema.Table) {
	if name, ok := e.orig[table]; ok {
		return name, e.cur.Tables[name]
	}
	return table, e.cur.Tables[table]
}

func (e *engine) isDropped(table string) bool {
	_, found := slices.BinarySearch(e.dropped, table)
	return found
}

// renames matches tables, then columns of surviving tables, through the
// rename policy. The returned operations are expressed against cur.
func (e *engine) renames(cur *schema.Schema) ([]ops.Operation, error) {
	var dropped, created []Candidate
	for _, name := range cur.TableNames() {
		if e.decl.Tables[name] == nil {
			dropped = append(dropped, Candidate{Table: name, Def: cur.Tables[name]})
		}
	}
	for _, name := range e.decl.TableNames() {
		if cur.Tables[name] == nil {
			created = append(created, Candidate{Table: name, Def: e.decl.Tables[name]})
		}
	}
	tableOps := e.match(dropped, created)
	e.orig = make(map[string]string, len(tableOps))
	for _, op := range tableOps {
		e.orig[op.NewName] = op.Table
	}

	renamed, err := ops.ApplyAll(cur, tableOps)
	if err != nil {
		return nil, fmt.Errorf("applying table renames: %w", err)
	}

	var columnOps []ops.Operation
	for _, name := range e.decl.TableNames() {
		lt, dt := renamed.Tables[name], e.decl.Tables[name]
		if lt == nil {
			continue
		}
		var dropped, created []Candidate
		for _, c := range lt.Columns {
			if dt.Column(c.Name) == nil {
				dropped = append(dropped, Candidate{Table: name, Def: lt, Column: c})
			}
		}
		for _, c := range dt.Columns {
			if lt.Column(c.Name) == nil {
				created = append(created, Candidate{Table: name, Def: dt, Column: c})
			}
		}
		columnOps = append(columnOps, e.match(dropped, created)...)
	}
	return append(tableOps, columnOps...), nil
}

type proposal struct {
	d, c int
	r    *Rename
}

// match pairs dropped and created candidates. Hinted renames always win.
// An unhinted proposal is only considered when neither side has another
// proposal; ambiguous matches stay as drop and create.
func (e *engine) match(dropped, created []Candidate) []ops.Operation {
	if len(dropped) == 0 || len(created) == 0 {
		return nil
	}

	var proposals []proposal
	for ci, c := range created {
		for di, d := range dropped {
			if r := e.cfg.policy(d, c); r != nil {
				proposals = append(proposals, proposal{d: di, c: ci, r: r})
			}
		}
	}

	usedD := make(map[int]bool)
	usedC := make(map[int]bool)
	accepted := make(map[int]ops.Operation)
	for _, p := range proposals {
		if p.r.Hinted && !usedD[p.d] && !usedC[p.c] {
			usedD[p.d], usedC[p.c] = true, true
			accepted[p.c] = p.r.Op
		}
	}

	countD := make(map[int]int)
	countC := make(map[int]int)
	for _, p := range proposals {
		if !p.r.Hinted && !usedD[p.d] && !usedC[p.c] {
			countD[p.d]++
			countC[p.c]++
		}
	}
	for _, p := range proposals {
		if p.r.Hinted || usedD[p.d] || usedC[p.c] || countD[p.d] != 1 || countC[p.c] != 1 {
			continue
		}
		if e.cfg.confirm == nil || !e.cfg.confirm(p.r.Op) {
			continue
		}
		usedD[p.d], usedC[p.c] = true, true
		accepted[p.c] = p.r.Op
	}

	var out []ops.Operation
	for ci := range created {
		if op, ok := accepted[ci]; ok {
			out = append(out, op)
		}
	}
	return out
}

// fkStale reports whether a live foreign key must be dropped: its table is
// going away, the declared schema no longer has it or has it differently, or
// the key it points at is being replaced.
func (e *engine) fkStale(table string, fk *schema.ForeignKey) bool {
	if e.isDropped(table) {
		return true
	}
	want := e.decl.Tables[table].ForeignKey(fk.Name)
	return want == nil || !want.Equal(fk) || e.refKeyReplaced(fk)
}

// refKeyReplaced reports whether the primary key, unique constraint or
// unique index a live foreign key depends on is dropped by this delta.
func (e *engine) refKeyReplaced(fk *schema.ForeignKey) bool {
	if e.pkChanged[fk.RefTable] {
		return true
	}
	lt := e.live.Tables[fk.RefTable]
	if lt == nil {
		return false
	}
	dt := e.decl.Tables[fk.RefTable]
	for _, u := range lt.Uniques {
		if slices.Equal(u.Columns, fk.RefColumns) && uniqueDropped(dt, u) {
			return true
		}
	}
	for _, ix := range lt.Indexes {
		if ix.Unique && slices.Equal(ix.Columns, fk.RefColumns) && indexDropped(dt, ix) {
			return true
		}
	}
	return false
}

func uniqueDropped(dt *schema.Table, u *schema.Unique) bool {
	return dt == nil || dt.Unique(u.Name) == nil || !dt.Unique(u.Name).Equal(u)
}

func indexDropped(dt *schema.Table, ix *schema.Index) bool {
	return dt == nil || dt.Index(ix.Name) == nil || !dt.Index(ix.Name).Equal(ix)
}

func (e *engine) dropForeignKeys() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.live.TableNames() {
		if e.inline && e.isDropped(name) {
			// Dropped together with the table.
			continue
		}
		orig, t := e.before(name)
		for _, fk := range e.live.Tables[name].ForeignKeys {
			if e.fkStale(name, fk) {
				out = append(out, ops.Operation{Kind: ops.DropForeignKey, Table: orig, ForeignKey: t.ForeignKey(fk.Name).Clone()})
			}
		}
	}
	return out
}

func (e *engine) dropUniquesAndIndexes() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.live.TableNames() {
		lt := e.live.Tables[name]
		dt := e.decl.Tables[name]
		orig, t := e.before(name)
		for _, u := range lt.Uniques {
			if uniqueDropped(dt, u) {
				out = append(out, ops.Operation{Kind: ops.DropUnique, Table: orig, Unique: t.Unique(u.Name).Clone()})
			}
		}
		for _, ix := range lt.Indexes {
			if indexDropped(dt, ix) {
				out = append(out, ops.Operation{Kind: ops.DropIndex, Table: orig, Index: t.Index(ix.Name).Clone()})
			}
		}
	}
	return out
}

func (e *engine) dropPrimaryKeys() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.common {
		if e.live.Tables[name].PrimaryKey != nil && e.pkChanged[name] {
			orig, t := e.before(name)
			out = append(out, ops.Operation{Kind: ops.DropPrimaryKey, Table: orig, PrimaryKey: t.PrimaryKey.Clone()})
		}
	}
	return out
}

func (e *engine) createTables() []ops.Operation {
	var out []ops.Operation
	for _, name := range schema.DependencyOrder(e.decl, e.created) {
		def := e.decl.Tables[name].Shell()
		if e.inline {
			for _, fk := range e.decl.Tables[name].ForeignKeys {
				def.ForeignKeys = append(def.ForeignKeys, fk.Clone())
			}
		}
		out = append(out, ops.Operation{Kind: ops.CreateTable, Table: name, Def: def})
	}
	return out
}

func (e *engine) addColumns() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.common {
		lt := e.live.Tables[name]
		for _, c := range e.decl.Tables[name].Columns {
			if lt.Column(c.Name) == nil {
				col := c.Clone()
				col.RenamedFrom = ""
				out = append(out, ops.Operation{Kind: ops.AddColumn, Table: name, Column: col})
			}
		}
	}
	return out
}

func (e *engine) alterColumns() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.common {
		lt := e.live.Tables[name]
		for _, c := range e.decl.Tables[name].Columns {
			prior := lt.Column(c.Name)
			if prior == nil || prior.SameAttributes(c) {
				continue
			}
			col := c.Clone()
			col.RenamedFrom = ""
			out = append(out, ops.Operation{Kind: ops.AlterColumn, Table: name, Column: col, Prior: prior.Clone()})
		}
	}
	return out
}

func (e *engine) dropColumns() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.common {
		dt := e.decl.Tables[name]
		for _, c := range e.live.Tables[name].Columns {
			if dt.Column(c.Name) == nil {
				out = append(out, ops.Operation{Kind: ops.DropColumn, Table: name, Column: c.Clone()})
			}
		}
	}
	return out
}

func (e *engine) dropTables() []ops.Operation {
	order := schema.DependencyOrder(e.live, e.dropped)
	slices.Reverse(order)

	var out []ops.Operation
	for _, name := range order {
		lt := e.live.Tables[name]
		def := lt.Shell()
		if e.inline {
			for _, fk := range lt.ForeignKeys {
				def.ForeignKeys = append(def.ForeignKeys, fk.Clone())
			}
		}
		out = append(out, ops.Operation{Kind: ops.DropTable, Table: name, Def: def})
	}
	return out
}

func (e *engine) addPrimaryKeys() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.common {
		if pk := e.decl.Tables[name].PrimaryKey; pk != nil && e.pkChanged[name] {
			out = append(out, ops.Operation{Kind: ops.AddPrimaryKey, Table: name, PrimaryKey: pk.Clone()})
		}
	}
	return out
}

func (e *engine) addUniquesAndIndexes() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.decl.TableNames() {
		dt := e.decl.Tables[name]
		lt := e.live.Tables[name]
		for _, u := range dt.Uniques {
			if lt == nil || lt.Unique(u.Name) == nil || !lt.Unique(u.Name).Equal(u) {
				out = append(out, ops.Operation{Kind: ops.AddUnique, Table: name, Unique: u.Clone()})
			}
		}
		for _, ix := range dt.Indexes {
			if lt == nil || lt.Index(ix.Name) == nil || !lt.Index(ix.Name).Equal(ix) {
				out = append(out, ops.Operation{Kind: ops.CreateIndex, Table: name, Index: ix.Clone()})
			}
		}
	}
	return out
}

func (e *engine) addForeignKeys() []ops.Operation {
	var out []ops.Operation
	for _, name := range e.decl.TableNames() {
		lt := e.live.Tables[name]
		if lt == nil && e.inline {
			// Declared inside create_table.
			continue
		}
		for _, fk := range e.decl.Tables[name].ForeignKeys {
			if lt != nil {
				have := lt.ForeignKey(fk.Name)
				if have != nil && have.Equal(fk) && !e.refKeyReplaced(have) {
					continue
				}
			}
			out = append(out, ops.Operation{Kind: ops.AddForeignKey, Table: name, ForeignKey: fk.Clone()})
		}
	}
	return out
}
