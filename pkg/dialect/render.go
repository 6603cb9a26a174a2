package dialect

import (
	"fmt"
	"strings"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

// renderer holds the statement builders shared by both dialects.
// Dialect-specific rendering overrides individual kinds before falling back
// to render.
type renderer struct {
	name  string
	quote func(string) string
}

func (r renderer) unsupported(op ops.Operation) error {
	return fmt.Errorf("%w: %s on %s", stratum.ErrUnsupportedOperation, op, r.name)
}

func (r renderer) idents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = r.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (r renderer) columnDef(c *schema.Column) string {
	var b strings.Builder
	b.WriteString(r.quote(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*c.Default)
	}
	return b.String()
}

func (r renderer) createTable(op ops.Operation) string {
	lines := make([]string, 0, len(op.Def.Columns)+1)
	for _, c := range op.Def.Columns {
		lines = append(lines, "    "+r.columnDef(c))
	}
	if pk := op.Def.PrimaryKey; pk != nil {
		lines = append(lines, fmt.Sprintf("    CONSTRAINT %s PRIMARY KEY (%s)", r.quote(pk.Name), r.idents(pk.Columns)))
	}
	// Only set for dialects that cannot add foreign keys to existing tables.
	for _, fk := range op.Def.ForeignKeys {
		lines = append(lines, "    "+r.foreignKey(fk))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n%s\n)", r.quote(op.Table), strings.Join(lines, ",\n"))
}

func (r renderer) foreignKey(fk *schema.ForeignKey) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		r.quote(fk.Name), r.idents(fk.Columns), r.quote(fk.RefTable), r.idents(fk.RefColumns))
	if fk.OnDelete != "" {
		b.WriteString(" ON DELETE " + strings.ToUpper(fk.OnDelete))
	}
	if fk.OnUpdate != "" {
		b.WriteString(" ON UPDATE " + strings.ToUpper(fk.OnUpdate))
	}
	return b.String()
}

func (r renderer) createIndex(table string, ix *schema.Index) string {
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		Optf(ix.Unique, "UNIQUE "), r.quote(ix.Name), r.quote(table), r.idents(ix.Columns))
}

// render handles the operations whose SQL is common to both dialects.
func (r renderer) render(op ops.Operation) ([]string, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	t := r.quote(op.Table)
	switch op.Kind {
	case ops.CreateTable:
		return []string{r.createTable(op)}, nil
	case ops.DropTable:
		return []string{"DROP TABLE " + t}, nil
	case ops.RenameTable:
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", t, r.quote(op.NewName))}, nil
	case ops.AddColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", t, r.columnDef(op.Column))}, nil
	case ops.DropColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", t, r.quote(op.Column.Name))}, nil
	case ops.RenameColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", t, r.quote(op.Column.Name), r.quote(op.NewName))}, nil
	case ops.CreateIndex:
		return []string{r.createIndex(op.Table, op.Index)}, nil
	case ops.DropIndex:
		return []string{"DROP INDEX " + r.quote(op.Index.Name)}, nil
	case ops.RawSQL:
		return []string{strings.TrimSpace(op.SQL)}, nil
	}
	return nil, r.unsupported(op)
}
