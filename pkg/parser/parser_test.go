package parser_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/parser"
	"github.com/pthm/stratum/pkg/schema"
)

func TestParseSchemaDir(t *testing.T) {
	s, err := parser.ParseSchema("testdata/mealkit", parser.WithTypeChecker(dialect.Postgres().KnownType))
	require.NoError(t, err)

	assert.Equal(t, []string{"orders", "subscriptions", "users"}, s.TableNames())

	users := s.Table("users")
	assert.Equal(t, &schema.PrimaryKey{Name: "users_pkey", Columns: []string{"id"}}, users.PrimaryKey)
	require.Len(t, users.Uniques, 1)
	assert.Equal(t, "users_email_key", users.Uniques[0].Name)
	assert.True(t, users.Column("deleted_at").Nullable)
	require.NotNil(t, users.Column("created_at").Default)
	assert.Equal(t, "now()", *users.Column("created_at").Default)

	subs := s.Table("subscriptions")
	require.Len(t, subs.ForeignKeys, 1)
	assert.Equal(t, &schema.ForeignKey{
		Name:       "subscriptions_user_id_fkey",
		Columns:    []string{"user_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
		OnDelete:   schema.ActionCascade,
	}, subs.ForeignKeys[0])
	assert.Equal(t, "'active'", *subs.Column("status").Default)
	assert.Len(t, subs.Indexes, 2)

	orders := s.Table("orders")
	assert.Equal(t, "0", *orders.Column("total_amount").Default)
	require.Len(t, orders.Indexes, 1)
	assert.Equal(t, "orders_subscription_id_delivery_date_idx", orders.Indexes[0].Name)
}

func TestParseSchemaString(t *testing.T) {
	s, err := parser.ParseSchemaString(`
tables:
  teams:
    renamed_from: groups
    columns:
      - {name: id, type: integer}
      - {name: name, type: text, renamed_from: title}
      - {name: active, type: boolean, default: false}
    primary_key: [id]
    unique:
      - {name: teams_name_uniq, columns: [name]}
`)
	require.NoError(t, err)

	teams := s.Table("teams")
	require.NotNil(t, teams)
	assert.Equal(t, "groups", teams.RenamedFrom)
	assert.Equal(t, "title", teams.Column("name").RenamedFrom)
	assert.Equal(t, "false", *teams.Column("active").Default)
	assert.Equal(t, "teams_name_uniq", teams.Uniques[0].Name)
	assert.False(t, teams.Column("id").Nullable)
}

func TestParseSchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"malformed yaml", "tables: [", "parsing schema"},
		{"unknown field", "tables:\n  t:\n    columns: [{name: id, type: int, nulable: true}]", "unknown field"},
		{"no tables", "tables: {}", "no tables"},
		{"undefined reference", `
tables:
  orders:
    columns:
      - {name: user_id, type: uuid, references: users.id}
`, `undefined table "users"`},
		{"bad reference syntax", `
tables:
  orders:
    columns:
      - {name: user_id, type: uuid, references: users}
`, "references must be <table>.<column>"},
		{"double primary key", `
tables:
  t:
    columns:
      - {name: id, type: int, primary_key: true}
    primary_key: [id]
`, "primary key declared on both"},
		{"unknown type", `
tables:
  t:
    columns:
      - {name: id, type: strng}
`, `unknown type "strng"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseSchemaString(tt.content, parser.WithTypeChecker(dialect.Postgres().KnownType))
			require.Error(t, err)
			assert.True(t, stratum.IsModelLoadErr(err), "expected ErrModelLoad, got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseSchemaDuplicateTableAcrossFiles(t *testing.T) {
	_, err := parser.ParseSchema("testdata/invalid")
	require.Error(t, err)
	assert.True(t, stratum.IsModelLoadErr(err))
	assert.Contains(t, err.Error(), `table "users" already defined in a.yaml`)
}

func TestParseSchemaMissingPath(t *testing.T) {
	_, err := parser.ParseSchema(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, stratum.IsModelLoadErr(err))
}

func TestParseSchemaEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# schema"), 0o600))

	_, err := parser.ParseSchema(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema files found")
}
