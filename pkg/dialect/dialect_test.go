package dialect_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

func ptr(s string) *string { return &s }

func TestPostgresRender(t *testing.T) {
	d := dialect.Postgres()

	tests := []struct {
		name string
		op   ops.Operation
		want []string
	}{
		{
			name: "create table",
			op: ops.Operation{Kind: ops.CreateTable, Table: "orders", Def: &schema.Table{
				Columns: []*schema.Column{
					{Name: "id", Type: "uuid", Default: ptr("gen_random_uuid()")},
					{Name: "total", Type: "numeric(10,2)"},
					{Name: "note", Type: "text", Nullable: true},
				},
				PrimaryKey: &schema.PrimaryKey{Name: "orders_pkey", Columns: []string{"id"}},
			}},
			want: []string{`CREATE TABLE "orders" (
    "id" uuid NOT NULL DEFAULT gen_random_uuid(),
    "total" numeric(10,2) NOT NULL,
    "note" text,
    CONSTRAINT "orders_pkey" PRIMARY KEY ("id")
)`},
		},
		{
			name: "add foreign key",
			op: ops.Operation{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: &schema.ForeignKey{
				Name: "orders_user_id_fkey", Columns: []string{"user_id"},
				RefTable: "users", RefColumns: []string{"id"}, OnDelete: schema.ActionCascade,
			}},
			want: []string{`ALTER TABLE "orders" ADD CONSTRAINT "orders_user_id_fkey" FOREIGN KEY ("user_id") REFERENCES "users" ("id") ON DELETE CASCADE`},
		},
		{
			name: "drop foreign key",
			op:   ops.Operation{Kind: ops.DropForeignKey, Table: "orders", ForeignKey: &schema.ForeignKey{Name: "orders_user_id_fkey"}},
			want: []string{`ALTER TABLE "orders" DROP CONSTRAINT "orders_user_id_fkey"`},
		},
		{
			name: "alter column type and default",
			op: ops.Operation{Kind: ops.AlterColumn, Table: "users",
				Column: &schema.Column{Name: "status", Type: "text", Default: ptr("'active'")},
				Prior:  &schema.Column{Name: "status", Type: "character varying(20)", Nullable: true, Default: ptr("'new'")}},
			want: []string{
				`ALTER TABLE "users" ALTER COLUMN "status" DROP DEFAULT`,
				`ALTER TABLE "users" ALTER COLUMN "status" TYPE text USING "status"::text`,
				`ALTER TABLE "users" ALTER COLUMN "status" SET DEFAULT 'active'`,
				`ALTER TABLE "users" ALTER COLUMN "status" SET NOT NULL`,
			},
		},
		{
			name: "unique",
			op:   ops.Operation{Kind: ops.AddUnique, Table: "users", Unique: &schema.Unique{Name: "users_email_key", Columns: []string{"email"}}},
			want: []string{`ALTER TABLE "users" ADD CONSTRAINT "users_email_key" UNIQUE ("email")`},
		},
		{
			name: "unique index",
			op:   ops.Operation{Kind: ops.CreateIndex, Table: "users", Index: &schema.Index{Name: "users_lower_idx", Columns: []string{"a", "b"}, Unique: true}},
			want: []string{`CREATE UNIQUE INDEX "users_lower_idx" ON "users" ("a", "b")`},
		},
		{
			name: "rename column",
			op:   ops.Operation{Kind: ops.RenameColumn, Table: "users", Column: &schema.Column{Name: "nick"}, NewName: "nickname"},
			want: []string{`ALTER TABLE "users" RENAME COLUMN "nick" TO "nickname"`},
		},
		{
			name: "raw sql",
			op:   ops.Operation{Kind: ops.RawSQL, SQL: "  UPDATE users SET email = lower(email)\n"},
			want: []string{"UPDATE users SET email = lower(email)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Render(tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteRender(t *testing.T) {
	d := dialect.SQLite()

	got, err := d.Render(ops.Operation{Kind: ops.AddUnique, Table: "users", Unique: &schema.Unique{Name: "users_email_key", Columns: []string{"email"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{`CREATE UNIQUE INDEX "users_email_key" ON "users" ("email")`}, got)

	_, err = d.Render(ops.Operation{Kind: ops.AlterColumn, Table: "users",
		Column: &schema.Column{Name: "email", Type: "text"}, Prior: &schema.Column{Name: "email", Type: "varchar"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, stratum.ErrUnsupportedOperation)

	_, err = d.Render(ops.Operation{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: &schema.ForeignKey{Name: "fk"}})
	assert.ErrorIs(t, err, stratum.ErrUnsupportedOperation)
}

func TestRenderRejectsInvalidOperation(t *testing.T) {
	_, err := dialect.Postgres().Render(ops.Operation{Kind: ops.AddColumn, Table: "users"})
	assert.Error(t, err)
}

func TestNormalizePostgresType(t *testing.T) {
	tests := map[string]string{
		"varchar(255)":                "character varying(255)",
		"VARCHAR (255)":               "character varying(255)",
		"int":                         "integer",
		"int8":                        "bigint",
		"bool":                        "boolean",
		"timestamptz":                 "timestamp with time zone",
		"timestamp":                   "timestamp without time zone",
		"timestamptz(3)":              "timestamp(3) with time zone",
		"timestamp(3) with time zone": "timestamp(3) with time zone",
		"decimal(10, 2)":              "numeric(10,2)",
		"text[]":                      "text[]",
		"char":                        "character(1)",
		"float8":                      "double precision",
		"my_enum":                     "my_enum",
	}
	for in, want := range tests {
		assert.Equal(t, want, dialect.NormalizePostgresType(in), in)
	}
}

func TestNormalizePostgresDefault(t *testing.T) {
	tests := map[string]string{
		"'active'::character varying": "'active'",
		"'{}'::jsonb":                 "'{}'",
		"'-1'::integer":               "-1",
		"now()":                       "now()",
		"CURRENT_TIMESTAMP":           "now()",
		"gen_random_uuid()":           "gen_random_uuid()",
		"TRUE":                        "true",
	}
	for in, want := range tests {
		assert.Equal(t, want, dialect.NormalizePostgresDefault(in), in)
	}
}

func TestPostgresKnownType(t *testing.T) {
	d := dialect.Postgres()
	assert.True(t, d.KnownType("varchar(10)"))
	assert.True(t, d.KnownType("uuid[]"))
	assert.True(t, d.KnownType("serial"))
	assert.True(t, d.KnownType("BIGSERIAL"))
	assert.False(t, d.KnownType("serial[]"))
	assert.False(t, d.KnownType("strng"))
}

func TestPostgresSerialColumns(t *testing.T) {
	d := dialect.Postgres()
	s := schema.Normalize(&schema.Schema{Tables: map[string]*schema.Table{
		"users": {
			Columns: []*schema.Column{{Name: "id", Type: "serial"}, {Name: "n", Type: "bigserial"}},
		},
	}})

	users := d.Canonicalize(s).Table("users")
	id, n := users.Column("id"), users.Column("n")
	assert.Equal(t, "integer", id.Type)
	require.NotNil(t, id.Default)
	assert.Equal(t, "nextval('users_id_seq'::regclass)", *id.Default)
	assert.Equal(t, dialect.SerialDefault("users", "id"), *id.Default)
	assert.Equal(t, "bigint", n.Type)

	stmts, err := d.Render(ops.Operation{Kind: ops.CreateTable, Table: "users", Def: users})
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], `"id" serial NOT NULL`)
	assert.Contains(t, stmts[0], `"n" bigserial NOT NULL`)
	assert.NotContains(t, stmts[0], "nextval")
	assert.Equal(t, "integer", users.Column("id").Type, "rendering leaves the operation alone")

	stmts, err = d.Render(ops.Operation{Kind: ops.AddColumn, Table: "users", Column: id})
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "users" ADD COLUMN "id" serial NOT NULL`}, stmts)

	stmts, err = d.Render(ops.Operation{Kind: ops.AlterColumn, Table: "users", Column: id,
		Prior: &schema.Column{Name: "id", Type: "integer"}})
	require.NoError(t, err)
	assert.Equal(t, []string{
		`CREATE SEQUENCE IF NOT EXISTS "users_id_seq" AS integer OWNED BY "users"."id"`,
		`ALTER TABLE "users" ALTER COLUMN "id" SET DEFAULT nextval('users_id_seq'::regclass)`,
	}, stmts)

	assert.Equal(t, `nextval('"Users_id_seq"'::regclass)`, dialect.SerialDefault("Users", "id"))
}

func TestCanonicalizeSQLite(t *testing.T) {
	s := schema.Normalize(&schema.Schema{Tables: map[string]*schema.Table{
		"users": {
			Columns: []*schema.Column{{Name: "id", Type: "INTEGER"}, {Name: "email", Type: "TEXT"}},
			Uniques: []*schema.Unique{{Columns: []string{"email"}}},
		},
	}})

	out := dialect.SQLite().Canonicalize(s)
	users := out.Table("users")
	assert.Empty(t, users.Uniques)
	require.Len(t, users.Indexes, 1)
	assert.Equal(t, &schema.Index{Name: "users_email_key", Columns: []string{"email"}, Unique: true}, users.Indexes[0])
	assert.Equal(t, "integer", users.Column("id").Type)

	// The input is not modified.
	assert.Len(t, s.Table("users").Uniques, 1)
}

func TestByName(t *testing.T) {
	d, err := dialect.ByName("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	d, err = dialect.ByName("sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	_, err = dialect.ByName("oracle")
	assert.Error(t, err)
}

func TestSqlf(t *testing.T) {
	got := dialect.Sqlf(`
		SELECT 1
		  FROM t

		WHERE x = %d`, 5)
	assert.Equal(t, "SELECT 1\n  FROM t\nWHERE x = 5", got)
}
