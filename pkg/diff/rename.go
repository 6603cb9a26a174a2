package diff

import (
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

// Candidate is one side of a possible rename: a table, or a column of a
// table. Column is nil for table candidates.
type Candidate struct {
	Table  string
	Def    *schema.Table
	Column *schema.Column
}

// IsColumn reports whether c is a column candidate.
func (c Candidate) IsColumn() bool { return c.Column != nil }

// Name returns the table or column name.
func (c Candidate) Name() string {
	if c.Column != nil {
		return c.Column.Name
	}
	return c.Table
}

// Rename is a rename proposed by a RenamePolicy.
type Rename struct {
	Op ops.Operation
	// Hinted is true when the declared schema asked for the rename with
	// renamed_from. Unhinted renames are only applied after confirmation.
	Hinted bool
}

// RenamePolicy decides whether a dropped object (present only in the live
// schema) and a created object (present only in the declared schema) are the
// same object under a new name. It returns nil when they are not.
type RenamePolicy func(dropped, created Candidate) *Rename

// Confirm is asked about each unhinted rename. Returning false turns the
// proposal back into a drop and a create.
type Confirm func(op ops.Operation) bool

// HintPolicy only honours explicit renamed_from hints.
func HintPolicy(dropped, created Candidate) *Rename {
	if dropped.IsColumn() != created.IsColumn() {
		return nil
	}
	if created.IsColumn() {
		if created.Column.RenamedFrom == "" || created.Column.RenamedFrom != dropped.Column.Name {
			return nil
		}
		return &Rename{Op: renameColumn(created.Table, dropped.Column, created.Column.Name), Hinted: true}
	}
	if created.Def.RenamedFrom == "" || created.Def.RenamedFrom != dropped.Table {
		return nil
	}
	return &Rename{Op: ops.Operation{Kind: ops.RenameTable, Table: dropped.Table, NewName: created.Table}, Hinted: true}
}

// SimilarityPolicy honours hints and additionally proposes a rename when the
// two candidates are structurally identical: columns with the same type,
// nullability and default, or tables with the same columns and primary key.
func SimilarityPolicy(dropped, created Candidate) *Rename {
	if r := HintPolicy(dropped, created); r != nil {
		return r
	}
	if dropped.IsColumn() != created.IsColumn() {
		return nil
	}
	if created.IsColumn() {
		if !dropped.Column.SameAttributes(created.Column) {
			return nil
		}
		return &Rename{Op: renameColumn(created.Table, dropped.Column, created.Column.Name)}
	}
	if !sameShape(dropped.Def, created.Def) {
		return nil
	}
	return &Rename{Op: ops.Operation{Kind: ops.RenameTable, Table: dropped.Table, NewName: created.Table}}
}

func renameColumn(table string, from *schema.Column, to string) ops.Operation {
	col := from.Clone()
	col.RenamedFrom = ""
	return ops.Operation{Kind: ops.RenameColumn, Table: table, Column: col, NewName: to}
}

func sameShape(a, b *schema.Table) bool {
	if len(a.Columns) != len(b.Columns) || !a.PrimaryKey.Equal(b.PrimaryKey) {
		return false
	}
	for i, c := range a.Columns {
		if c.Name != b.Columns[i].Name || !c.SameAttributes(b.Columns[i]) {
			return false
		}
	}
	return true
}
