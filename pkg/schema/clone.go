package schema

import "slices"

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Tables: make(map[string]*Table, len(s.Tables))}
	for name, t := range s.Tables {
		out.Tables[name] = t.Clone()
	}
	return out
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{Name: t.Name, RenamedFrom: t.RenamedFrom}
	for _, c := range t.Columns {
		out.Columns = append(out.Columns, c.Clone())
	}
	out.PrimaryKey = t.PrimaryKey.Clone()
	for _, fk := range t.ForeignKeys {
		out.ForeignKeys = append(out.ForeignKeys, fk.Clone())
	}
	for _, u := range t.Uniques {
		out.Uniques = append(out.Uniques, u.Clone())
	}
	for _, ix := range t.Indexes {
		out.Indexes = append(out.Indexes, ix.Clone())
	}
	return out
}

// Clone returns a deep copy of c.
func (c *Column) Clone() *Column {
	if c == nil {
		return nil
	}
	out := *c
	if c.Default != nil {
		d := *c.Default
		out.Default = &d
	}
	return &out
}

// Clone returns a deep copy of pk.
func (pk *PrimaryKey) Clone() *PrimaryKey {
	if pk == nil {
		return nil
	}
	return &PrimaryKey{Name: pk.Name, Columns: slices.Clone(pk.Columns)}
}

// Clone returns a deep copy of fk.
func (fk *ForeignKey) Clone() *ForeignKey {
	if fk == nil {
		return nil
	}
	out := *fk
	out.Columns = slices.Clone(fk.Columns)
	out.RefColumns = slices.Clone(fk.RefColumns)
	return &out
}

// Clone returns a deep copy of u.
func (u *Unique) Clone() *Unique {
	if u == nil {
		return nil
	}
	return &Unique{Name: u.Name, Columns: slices.Clone(u.Columns)}
}

// Clone returns a deep copy of ix.
func (ix *Index) Clone() *Index {
	if ix == nil {
		return nil
	}
	return &Index{Name: ix.Name, Columns: slices.Clone(ix.Columns), Unique: ix.Unique}
}

// Shell returns a copy of t holding only its columns and primary key.
// Creating a table emits constraints and indexes as separate operations.
func (t *Table) Shell() *Table {
	out := &Table{Name: t.Name}
	for _, c := range t.Columns {
		col := c.Clone()
		col.RenamedFrom = ""
		out.Columns = append(out.Columns, col)
	}
	out.PrimaryKey = t.PrimaryKey.Clone()
	return out
}

// SameAttributes reports whether two columns have the same type, nullability
// and default. Names are not compared.
func (c *Column) SameAttributes(other *Column) bool {
	if c.Type != other.Type || c.Nullable != other.Nullable {
		return false
	}
	switch {
	case c.Default == nil && other.Default == nil:
		return true
	case c.Default == nil || other.Default == nil:
		return false
	}
	return *c.Default == *other.Default
}

// Equal reports whether two primary keys cover the same columns.
// Constraint names are ignored, since renaming a table keeps the old name.
func (pk *PrimaryKey) Equal(other *PrimaryKey) bool {
	if pk == nil || other == nil {
		return pk == nil && other == nil
	}
	return slices.Equal(pk.Columns, other.Columns)
}

// Equal reports whether two foreign keys are identical.
func (fk *ForeignKey) Equal(other *ForeignKey) bool {
	return fk.Name == other.Name &&
		fk.RefTable == other.RefTable &&
		fk.OnDelete == other.OnDelete &&
		fk.OnUpdate == other.OnUpdate &&
		slices.Equal(fk.Columns, other.Columns) &&
		slices.Equal(fk.RefColumns, other.RefColumns)
}

// Equal reports whether two unique constraints are identical.
func (u *Unique) Equal(other *Unique) bool {
	return u.Name == other.Name && slices.Equal(u.Columns, other.Columns)
}

// Equal reports whether two indexes are identical.
func (ix *Index) Equal(other *Index) bool {
	return ix.Name == other.Name && ix.Unique == other.Unique && slices.Equal(ix.Columns, other.Columns)
}
