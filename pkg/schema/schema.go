// Package schema provides the relational schema model shared by stratum's
// loader, introspector, diff engine and migration artifacts.
//
// # Key Types
//
// Schema is a set of tables keyed by name. A Table holds ordered columns, an
// optional primary key, foreign keys, unique constraints and plain indexes.
// The same types describe both the declared model (loaded from schema files)
// and the live model (read from the database), so the diff engine compares
// like with like.
//
// # Naming
//
// Constraints and indexes are compared by name. Normalize fills missing names
// using PostgreSQL's own conventions:
//
//	primary key   <table>_pkey
//	foreign key   <table>_<col>[_<col>...]_fkey
//	unique        <table>_<col>[_<col>...]_key
//	index         <table>_<col>[_<col>...]_idx
//
// so an unnamed declared constraint matches the constraint the database
// created for it.
//
// # Validation
//
// Validate rejects models the database could not represent: empty names or
// types, duplicate columns, keys referencing unknown columns and foreign keys
// referencing unknown tables. Errors wrap stratum.ErrModelLoad.
package schema

import (
	"sort"
	"strings"
)

// Schema is a relational schema: a set of tables keyed by name.
type Schema struct {
	Tables map[string]*Table `json:"tables"`
}

// Table describes one table.
type Table struct {
	Name        string        `json:"name,omitempty"`
	Columns     []*Column     `json:"columns"`
	PrimaryKey  *PrimaryKey   `json:"primary_key,omitempty"`
	ForeignKeys []*ForeignKey `json:"foreign_keys,omitempty"`
	Uniques     []*Unique     `json:"unique,omitempty"`
	Indexes     []*Index      `json:"indexes,omitempty"`

	// RenamedFrom is a hint that this table was previously named RenamedFrom.
	// Only meaningful on declared schemas.
	RenamedFrom string `json:"renamed_from,omitempty"`
}

// Column describes one column of a table.
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable,omitempty"`
	Default  *string `json:"default,omitempty"`

	RenamedFrom string `json:"renamed_from,omitempty"`
}

// PrimaryKey is a table's primary key constraint.
type PrimaryKey struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

// ForeignKey is a foreign key constraint.
type ForeignKey struct {
	Name       string   `json:"name,omitempty"`
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
	OnDelete   string   `json:"on_delete,omitempty"`
	OnUpdate   string   `json:"on_update,omitempty"`
}

// Unique is a unique constraint.
type Unique struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
}

// Index is an index that does not back a constraint.
type Index struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// Referential actions, as stored after Normalize.
const (
	ActionNoAction   = "no action"
	ActionRestrict   = "restrict"
	ActionCascade    = "cascade"
	ActionSetNull    = "set null"
	ActionSetDefault = "set default"
)

// New returns an empty schema.
func New() *Schema {
	return &Schema{Tables: make(map[string]*Table)}
}

// TableNames returns the table names in sorted order.
func (s *Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	if s == nil || s.Tables == nil {
		return nil
	}
	return s.Tables[name]
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// ForeignKey returns the named foreign key, or nil.
func (t *Table) ForeignKey(name string) *ForeignKey {
	for _, fk := range t.ForeignKeys {
		if fk.Name == name {
			return fk
		}
	}
	return nil
}

// Unique returns the named unique constraint, or nil.
func (t *Table) Unique(name string) *Unique {
	for _, u := range t.Uniques {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// Index returns the named index, or nil.
func (t *Table) Index(name string) *Index {
	for _, ix := range t.Indexes {
		if ix.Name == name {
			return ix
		}
	}
	return nil
}

// References reports whether any column of t is used by one of its keys,
// constraints or indexes.
func (t *Table) References(column string) bool {
	if t.PrimaryKey != nil && contains(t.PrimaryKey.Columns, column) {
		return true
	}
	for _, fk := range t.ForeignKeys {
		if contains(fk.Columns, column) {
			return true
		}
	}
	for _, u := range t.Uniques {
		if contains(u.Columns, column) {
			return true
		}
	}
	for _, ix := range t.Indexes {
		if contains(ix.Columns, column) {
			return true
		}
	}
	return false
}

// Normalize fills default constraint names, forces primary key columns to
// NOT NULL and canonicalizes referential actions. It mutates s and returns
// it for chaining.
func Normalize(s *Schema) *Schema {
	if s.Tables == nil {
		s.Tables = make(map[string]*Table)
	}
	for name, t := range s.Tables {
		if t.Name == "" {
			t.Name = name
		}
		if t.PrimaryKey != nil {
			if len(t.PrimaryKey.Columns) == 0 {
				t.PrimaryKey = nil
			} else {
				if t.PrimaryKey.Name == "" {
					t.PrimaryKey.Name = PrimaryKeyName(t.Name)
				}
				for _, col := range t.PrimaryKey.Columns {
					if c := t.Column(col); c != nil {
						c.Nullable = false
					}
				}
			}
		}
		for _, fk := range t.ForeignKeys {
			if fk.Name == "" {
				fk.Name = ForeignKeyName(t.Name, fk.Columns)
			}
			fk.OnDelete = normalizeAction(fk.OnDelete)
			fk.OnUpdate = normalizeAction(fk.OnUpdate)
		}
		for _, u := range t.Uniques {
			if u.Name == "" {
				u.Name = UniqueName(t.Name, u.Columns)
			}
		}
		for _, ix := range t.Indexes {
			if ix.Name == "" {
				ix.Name = IndexName(t.Name, ix.Columns)
			}
		}
		for _, c := range t.Columns {
			c.Type = strings.TrimSpace(c.Type)
		}
		sortByName(t)
	}
	return s
}

func sortByName(t *Table) {
	sort.Slice(t.ForeignKeys, func(i, j int) bool { return t.ForeignKeys[i].Name < t.ForeignKeys[j].Name })
	sort.Slice(t.Uniques, func(i, j int) bool { return t.Uniques[i].Name < t.Uniques[j].Name })
	sort.Slice(t.Indexes, func(i, j int) bool { return t.Indexes[i].Name < t.Indexes[j].Name })
}

func normalizeAction(action string) string {
	a := strings.ToLower(strings.Join(strings.Fields(action), " "))
	switch a {
	case "", ActionNoAction:
		return ""
	case "setnull", "set_null":
		return ActionSetNull
	case "setdefault", "set_default":
		return ActionSetDefault
	}
	return a
}

// PrimaryKeyName is the default primary key constraint name for a table.
func PrimaryKeyName(table string) string {
	return table + "_pkey"
}

// ForeignKeyName is the default foreign key constraint name.
func ForeignKeyName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_fkey"
}

// UniqueName is the default unique constraint name.
func UniqueName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_key"
}

// IndexName is the default index name.
func IndexName(table string, columns []string) string {
	return table + "_" + strings.Join(columns, "_") + "_idx"
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
