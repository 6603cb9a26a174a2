// Package ops defines the structural schema operations that make up a
// migration step.
//
// Operations are dialect independent. They record enough of the prior state
// (dropped definitions, previous column attributes) to derive their inverse,
// and can be replayed against an in-memory schema.Schema with Apply, which is
// how offline generation and downgrade round trips are checked without a
// database.
package ops

import (
	"fmt"
	"strings"

	"github.com/pthm/stratum/pkg/schema"
)

// Kind identifies an operation.
type Kind string

const (
	CreateTable    Kind = "create_table"
	DropTable      Kind = "drop_table"
	RenameTable    Kind = "rename_table"
	AddColumn      Kind = "add_column"
	DropColumn     Kind = "drop_column"
	AlterColumn    Kind = "alter_column"
	RenameColumn   Kind = "rename_column"
	AddPrimaryKey  Kind = "add_primary_key"
	DropPrimaryKey Kind = "drop_primary_key"
	AddForeignKey  Kind = "add_foreign_key"
	DropForeignKey Kind = "drop_foreign_key"
	AddUnique      Kind = "add_unique"
	DropUnique     Kind = "drop_unique"
	CreateIndex    Kind = "create_index"
	DropIndex      Kind = "drop_index"
	RawSQL         Kind = "sql"
)

// Operation is a single schema change. Which fields are set depends on Kind:
//
//	create_table, drop_table       Table, Def (columns and primary key)
//	rename_table                   Table, NewName
//	add_column, drop_column        Table, Column
//	alter_column                   Table, Column, Prior
//	rename_column                  Table, Column.Name, NewName
//	add/drop_primary_key           Table, PrimaryKey
//	add/drop_foreign_key           Table, ForeignKey
//	add/drop_unique                Table, Unique
//	create/drop_index              Table, Index
//	sql                            SQL, ReverseSQL
type Operation struct {
	Kind       Kind               `json:"kind"`
	Table      string             `json:"table,omitempty"`
	NewName    string             `json:"new_name,omitempty"`
	Def        *schema.Table      `json:"definition,omitempty"`
	Column     *schema.Column     `json:"column,omitempty"`
	Prior      *schema.Column     `json:"prior,omitempty"`
	PrimaryKey *schema.PrimaryKey `json:"primary_key,omitempty"`
	ForeignKey *schema.ForeignKey `json:"foreign_key,omitempty"`
	Unique     *schema.Unique     `json:"unique,omitempty"`
	Index      *schema.Index      `json:"index,omitempty"`
	SQL        string             `json:"sql,omitempty"`
	ReverseSQL string             `json:"reverse_sql,omitempty"`
}

// String returns a short human-readable description, e.g.
// "add foreign key orders_user_id_fkey on orders".
func (o Operation) String() string {
	switch o.Kind {
	case CreateTable:
		return "create table " + o.Table
	case DropTable:
		return "drop table " + o.Table
	case RenameTable:
		return fmt.Sprintf("rename table %s to %s", o.Table, o.NewName)
	case AddColumn:
		return fmt.Sprintf("add column %s.%s", o.Table, columnName(o.Column))
	case DropColumn:
		return fmt.Sprintf("drop column %s.%s", o.Table, columnName(o.Column))
	case AlterColumn:
		return fmt.Sprintf("alter column %s.%s", o.Table, columnName(o.Column))
	case RenameColumn:
		return fmt.Sprintf("rename column %s.%s to %s", o.Table, columnName(o.Column), o.NewName)
	case AddPrimaryKey:
		return "add primary key on " + o.Table
	case DropPrimaryKey:
		return "drop primary key on " + o.Table
	case AddForeignKey:
		return fmt.Sprintf("add foreign key %s on %s", o.ForeignKey.Name, o.Table)
	case DropForeignKey:
		return fmt.Sprintf("drop foreign key %s on %s", o.ForeignKey.Name, o.Table)
	case AddUnique:
		return fmt.Sprintf("add unique %s on %s", o.Unique.Name, o.Table)
	case DropUnique:
		return fmt.Sprintf("drop unique %s on %s", o.Unique.Name, o.Table)
	case CreateIndex:
		return fmt.Sprintf("create index %s on %s", o.Index.Name, o.Table)
	case DropIndex:
		return fmt.Sprintf("drop index %s on %s", o.Index.Name, o.Table)
	case RawSQL:
		return "sql: " + firstLine(o.SQL)
	}
	return string(o.Kind)
}

func columnName(c *schema.Column) string {
	if c == nil {
		return "?"
	}
	return c.Name
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// Lossy reports whether applying the operation discards data that its
// inverse cannot bring back.
func (o Operation) Lossy() bool {
	switch o.Kind {
	case DropTable, DropColumn:
		return true
	}
	return false
}

// Reversible reports whether the operation has a safe inverse.
func (o Operation) Reversible() bool {
	if o.Kind == RawSQL {
		return strings.TrimSpace(o.ReverseSQL) != ""
	}
	return !o.Lossy()
}

// Inverse returns the structural inverse of o. For lossy operations the
// inverse restores structure but not data; callers decide whether that is
// acceptable (see Reversible). ok is false when no inverse can be expressed.
func (o Operation) Inverse() (inv Operation, ok bool) {
	switch o.Kind {
	case CreateTable:
		return Operation{Kind: DropTable, Table: o.Table, Def: o.Def.Clone()}, true
	case DropTable:
		return Operation{Kind: CreateTable, Table: o.Table, Def: o.Def.Clone()}, true
	case RenameTable:
		return Operation{Kind: RenameTable, Table: o.NewName, NewName: o.Table}, true
	case AddColumn:
		return Operation{Kind: DropColumn, Table: o.Table, Column: o.Column.Clone()}, true
	case DropColumn:
		return Operation{Kind: AddColumn, Table: o.Table, Column: o.Column.Clone()}, true
	case AlterColumn:
		return Operation{Kind: AlterColumn, Table: o.Table, Column: o.Prior.Clone(), Prior: o.Column.Clone()}, true
	case RenameColumn:
		col := o.Column.Clone()
		col.Name = o.NewName
		return Operation{Kind: RenameColumn, Table: o.Table, Column: col, NewName: o.Column.Name}, true
	case AddPrimaryKey:
		return Operation{Kind: DropPrimaryKey, Table: o.Table, PrimaryKey: o.PrimaryKey.Clone()}, true
	case DropPrimaryKey:
		return Operation{Kind: AddPrimaryKey, Table: o.Table, PrimaryKey: o.PrimaryKey.Clone()}, true
	case AddForeignKey:
		return Operation{Kind: DropForeignKey, Table: o.Table, ForeignKey: o.ForeignKey.Clone()}, true
	case DropForeignKey:
		return Operation{Kind: AddForeignKey, Table: o.Table, ForeignKey: o.ForeignKey.Clone()}, true
	case AddUnique:
		return Operation{Kind: DropUnique, Table: o.Table, Unique: o.Unique.Clone()}, true
	case DropUnique:
		return Operation{Kind: AddUnique, Table: o.Table, Unique: o.Unique.Clone()}, true
	case CreateIndex:
		return Operation{Kind: DropIndex, Table: o.Table, Index: o.Index.Clone()}, true
	case DropIndex:
		return Operation{Kind: CreateIndex, Table: o.Table, Index: o.Index.Clone()}, true
	case RawSQL:
		if strings.TrimSpace(o.ReverseSQL) == "" {
			return Operation{}, false
		}
		return Operation{Kind: RawSQL, SQL: o.ReverseSQL, ReverseSQL: o.SQL}, true
	}
	return Operation{}, false
}

// Validate checks that the fields required by Kind are present.
func (o Operation) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%s operation missing %s", o.Kind, field)
	}
	if o.Kind != RawSQL && o.Table == "" {
		return missing("table")
	}
	switch o.Kind {
	case CreateTable, DropTable:
		if o.Def == nil {
			return missing("definition")
		}
	case RenameTable:
		if o.NewName == "" {
			return missing("new_name")
		}
	case AddColumn, DropColumn:
		if o.Column == nil {
			return missing("column")
		}
	case AlterColumn:
		if o.Column == nil || o.Prior == nil {
			return missing("column or prior")
		}
	case RenameColumn:
		if o.Column == nil || o.NewName == "" {
			return missing("column or new_name")
		}
	case AddPrimaryKey, DropPrimaryKey:
		if o.PrimaryKey == nil {
			return missing("primary_key")
		}
	case AddForeignKey, DropForeignKey:
		if o.ForeignKey == nil {
			return missing("foreign_key")
		}
	case AddUnique, DropUnique:
		if o.Unique == nil {
			return missing("unique")
		}
	case CreateIndex, DropIndex:
		if o.Index == nil {
			return missing("index")
		}
	case RawSQL:
		if strings.TrimSpace(o.SQL) == "" {
			return missing("sql")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}
