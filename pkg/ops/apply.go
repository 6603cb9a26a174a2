package ops

import (
	"fmt"

	"github.com/pthm/stratum/pkg/schema"
)

// Apply replays o against s in memory. Raw SQL operations are opaque and
// leave s unchanged.
func (o Operation) Apply(s *schema.Schema) error {
	if s.Tables == nil {
		s.Tables = make(map[string]*schema.Table)
	}
	if o.Kind == RawSQL {
		return nil
	}
	if o.Kind == CreateTable {
		if s.Tables[o.Table] != nil {
			return fmt.Errorf("%s: table already exists", o)
		}
		t := o.Def.Clone()
		t.Name = o.Table
		s.Tables[o.Table] = t
		return nil
	}

	t := s.Tables[o.Table]
	if t == nil {
		return fmt.Errorf("%s: table %s does not exist", o, o.Table)
	}

	switch o.Kind {
	case DropTable:
		delete(s.Tables, o.Table)

	case RenameTable:
		if s.Tables[o.NewName] != nil {
			return fmt.Errorf("%s: table %s already exists", o, o.NewName)
		}
		delete(s.Tables, o.Table)
		t.Name = o.NewName
		s.Tables[o.NewName] = t
		for _, other := range s.Tables {
			for _, fk := range other.ForeignKeys {
				if fk.RefTable == o.Table {
					fk.RefTable = o.NewName
				}
			}
		}

	case AddColumn:
		if t.Column(o.Column.Name) != nil {
			return fmt.Errorf("%s: column already exists", o)
		}
		t.Columns = append(t.Columns, o.Column.Clone())

	case DropColumn:
		i := t.ColumnIndex(o.Column.Name)
		if i < 0 {
			return fmt.Errorf("%s: column does not exist", o)
		}
		if t.References(o.Column.Name) {
			return fmt.Errorf("%s: column is still referenced by a constraint or index", o)
		}
		t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)

	case AlterColumn:
		i := t.ColumnIndex(o.Column.Name)
		if i < 0 {
			return fmt.Errorf("%s: column does not exist", o)
		}
		t.Columns[i] = o.Column.Clone()

	case RenameColumn:
		c := t.Column(o.Column.Name)
		if c == nil {
			return fmt.Errorf("%s: column does not exist", o)
		}
		if t.Column(o.NewName) != nil {
			return fmt.Errorf("%s: column %s already exists", o, o.NewName)
		}
		c.Name = o.NewName
		renameColumnRefs(s, t, o.Column.Name, o.NewName)

	case AddPrimaryKey:
		if t.PrimaryKey != nil {
			return fmt.Errorf("%s: table already has a primary key", o)
		}
		t.PrimaryKey = o.PrimaryKey.Clone()

	case DropPrimaryKey:
		if t.PrimaryKey == nil {
			return fmt.Errorf("%s: table has no primary key", o)
		}
		t.PrimaryKey = nil

	case AddForeignKey:
		if t.ForeignKey(o.ForeignKey.Name) != nil {
			return fmt.Errorf("%s: constraint already exists", o)
		}
		if s.Tables[o.ForeignKey.RefTable] == nil {
			return fmt.Errorf("%s: referenced table %s does not exist", o, o.ForeignKey.RefTable)
		}
		t.ForeignKeys = append(t.ForeignKeys, o.ForeignKey.Clone())

	case DropForeignKey:
		n := len(t.ForeignKeys)
		t.ForeignKeys = removeWhere(t.ForeignKeys, func(fk *schema.ForeignKey) bool { return fk.Name == o.ForeignKey.Name })
		if len(t.ForeignKeys) == n {
			return fmt.Errorf("%s: constraint does not exist", o)
		}

	case AddUnique:
		if t.Unique(o.Unique.Name) != nil {
			return fmt.Errorf("%s: constraint already exists", o)
		}
		t.Uniques = append(t.Uniques, o.Unique.Clone())

	case DropUnique:
		n := len(t.Uniques)
		t.Uniques = removeWhere(t.Uniques, func(u *schema.Unique) bool { return u.Name == o.Unique.Name })
		if len(t.Uniques) == n {
			return fmt.Errorf("%s: constraint does not exist", o)
		}

	case CreateIndex:
		if t.Index(o.Index.Name) != nil {
			return fmt.Errorf("%s: index already exists", o)
		}
		t.Indexes = append(t.Indexes, o.Index.Clone())

	case DropIndex:
		n := len(t.Indexes)
		t.Indexes = removeWhere(t.Indexes, func(ix *schema.Index) bool { return ix.Name == o.Index.Name })
		if len(t.Indexes) == n {
			return fmt.Errorf("%s: index does not exist", o)
		}

	default:
		return fmt.Errorf("unknown operation kind %q", o.Kind)
	}
	return nil
}

// ApplyAll replays operations in order against a copy of s and returns it.
func ApplyAll(s *schema.Schema, operations []Operation) (*schema.Schema, error) {
	out := s.Clone()
	if out == nil {
		out = schema.New()
	}
	for i, o := range operations {
		if err := o.Apply(out); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i+1, err)
		}
	}
	return out, nil
}

func renameColumnRefs(s *schema.Schema, t *schema.Table, from, to string) {
	rename := func(cols []string) {
		for i, c := range cols {
			if c == from {
				cols[i] = to
			}
		}
	}
	if t.PrimaryKey != nil {
		rename(t.PrimaryKey.Columns)
	}
	for _, fk := range t.ForeignKeys {
		rename(fk.Columns)
	}
	for _, u := range t.Uniques {
		rename(u.Columns)
	}
	for _, ix := range t.Indexes {
		rename(ix.Columns)
	}
	for _, other := range s.Tables {
		for _, fk := range other.ForeignKeys {
			if fk.RefTable == t.Name {
				rename(fk.RefColumns)
			}
		}
	}
}

func removeWhere[T any](list []T, match func(T) bool) []T {
	out := list[:0]
	for _, v := range list {
		if !match(v) {
			out = append(out, v)
		}
	}
	return out
}
