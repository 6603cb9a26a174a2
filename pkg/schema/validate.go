package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pthm/stratum"
)

// TypeChecker reports whether a column type is known to a database dialect.
type TypeChecker func(typ string) bool

// Validate checks that s is representable. It reports every problem found,
// joined into a single error wrapping stratum.ErrModelLoad. knownType may be
// nil to skip type checks.
func Validate(s *Schema, knownType TypeChecker) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, name := range s.TableNames() {
		t := s.Tables[name]
		if name == "" {
			add("table with empty name")
			continue
		}
		if t.Name != name {
			add("table %q: name %q does not match its key", name, t.Name)
		}
		if len(t.Columns) == 0 {
			add("table %q: no columns", name)
		}

		seen := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			switch {
			case c.Name == "":
				add("table %q: column with empty name", name)
				continue
			case seen[c.Name]:
				add("table %q: duplicate column %q", name, c.Name)
			}
			seen[c.Name] = true
			if c.Type == "" {
				add("table %q: column %q has no type", name, c.Name)
			} else if knownType != nil && !knownType(c.Type) {
				add("table %q: column %q has unknown type %q", name, c.Name, c.Type)
			}
		}

		checkColumns := func(kind, constraint string, cols []string) {
			if len(cols) == 0 {
				add("table %q: %s %q has no columns", name, kind, constraint)
			}
			for _, col := range cols {
				if !seen[col] {
					add("table %q: %s %q references unknown column %q", name, kind, constraint, col)
				}
			}
		}

		if t.PrimaryKey != nil {
			checkColumns("primary key", t.PrimaryKey.Name, t.PrimaryKey.Columns)
		}

		names := make(map[string]bool)
		unique := func(kind, constraint string) {
			if names[constraint] {
				add("table %q: duplicate %s name %q", name, kind, constraint)
			}
			names[constraint] = true
		}

		for _, fk := range t.ForeignKeys {
			unique("foreign key", fk.Name)
			checkColumns("foreign key", fk.Name, fk.Columns)
			ref := s.Tables[fk.RefTable]
			if ref == nil {
				add("table %q: foreign key %q references undefined table %q", name, fk.Name, fk.RefTable)
				continue
			}
			if len(fk.RefColumns) != len(fk.Columns) {
				add("table %q: foreign key %q has %d columns but references %d",
					name, fk.Name, len(fk.Columns), len(fk.RefColumns))
			}
			for _, col := range fk.RefColumns {
				if ref.Column(col) == nil {
					add("table %q: foreign key %q references undefined column %s.%s", name, fk.Name, fk.RefTable, col)
				}
			}
			for _, action := range []string{fk.OnDelete, fk.OnUpdate} {
				if !validAction(action) {
					add("table %q: foreign key %q has unknown referential action %q", name, fk.Name, action)
				}
			}
		}
		for _, u := range t.Uniques {
			unique("unique constraint", u.Name)
			checkColumns("unique constraint", u.Name, u.Columns)
		}
		for _, ix := range t.Indexes {
			unique("index", ix.Name)
			checkColumns("index", ix.Name, ix.Columns)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &stratum.ModelLoadError{Err: errors.New(strings.Join(problems, "; "))}
}

func validAction(action string) bool {
	switch action {
	case "", ActionNoAction, ActionRestrict, ActionCascade, ActionSetNull, ActionSetDefault:
		return true
	}
	return false
}
