package ops_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

func ptr(s string) *string { return &s }

func usersTable() *schema.Table {
	return &schema.Table{
		Name: "users",
		Columns: []*schema.Column{
			{Name: "id", Type: "uuid"},
			{Name: "email", Type: "text"},
		},
		PrimaryKey: &schema.PrimaryKey{Name: "users_pkey", Columns: []string{"id"}},
	}
}

func TestInverseIsInvolution(t *testing.T) {
	fk := &schema.ForeignKey{Name: "orders_user_id_fkey", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"}}
	operations := []ops.Operation{
		{Kind: ops.CreateTable, Table: "users", Def: usersTable()},
		{Kind: ops.DropTable, Table: "users", Def: usersTable()},
		{Kind: ops.RenameTable, Table: "users", NewName: "accounts"},
		{Kind: ops.AddColumn, Table: "users", Column: &schema.Column{Name: "age", Type: "integer", Nullable: true}},
		{Kind: ops.DropColumn, Table: "users", Column: &schema.Column{Name: "age", Type: "integer", Nullable: true}},
		{Kind: ops.AlterColumn, Table: "users",
			Column: &schema.Column{Name: "email", Type: "varchar(320)"},
			Prior:  &schema.Column{Name: "email", Type: "text", Nullable: true, Default: ptr("''")}},
		{Kind: ops.RenameColumn, Table: "users", Column: &schema.Column{Name: "email", Type: "text"}, NewName: "mail"},
		{Kind: ops.AddPrimaryKey, Table: "users", PrimaryKey: &schema.PrimaryKey{Name: "users_pkey", Columns: []string{"id"}}},
		{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: fk},
		{Kind: ops.AddUnique, Table: "users", Unique: &schema.Unique{Name: "users_email_key", Columns: []string{"email"}}},
		{Kind: ops.CreateIndex, Table: "users", Index: &schema.Index{Name: "users_email_idx", Columns: []string{"email"}}},
		{Kind: ops.RawSQL, SQL: "UPDATE users SET email = lower(email)", ReverseSQL: "SELECT 1"},
	}

	for _, o := range operations {
		t.Run(o.String(), func(t *testing.T) {
			inv, ok := o.Inverse()
			require.True(t, ok)
			back, ok := inv.Inverse()
			require.True(t, ok)
			assert.Equal(t, o, back)
		})
	}
}

func TestReversible(t *testing.T) {
	assert.True(t, ops.Operation{Kind: ops.CreateTable}.Reversible())
	assert.True(t, ops.Operation{Kind: ops.AddColumn}.Reversible())
	assert.False(t, ops.Operation{Kind: ops.DropTable}.Reversible())
	assert.False(t, ops.Operation{Kind: ops.DropColumn}.Reversible())
	assert.False(t, ops.Operation{Kind: ops.RawSQL, SQL: "DELETE FROM users"}.Reversible())

	_, ok := ops.Operation{Kind: ops.RawSQL, SQL: "DELETE FROM users"}.Inverse()
	assert.False(t, ok)
}

func TestApplyRoundTrip(t *testing.T) {
	base := schema.New()
	base.Tables["users"] = usersTable()

	upgrade := []ops.Operation{
		{Kind: ops.CreateTable, Table: "orders", Def: &schema.Table{
			Columns:    []*schema.Column{{Name: "id", Type: "uuid"}, {Name: "user_id", Type: "uuid"}},
			PrimaryKey: &schema.PrimaryKey{Name: "orders_pkey", Columns: []string{"id"}},
		}},
		{Kind: ops.AddColumn, Table: "users", Column: &schema.Column{Name: "nickname", Type: "text", Nullable: true}},
		{Kind: ops.RenameColumn, Table: "users", Column: &schema.Column{Name: "email", Type: "text"}, NewName: "mail"},
		{Kind: ops.CreateIndex, Table: "users", Index: &schema.Index{Name: "users_mail_idx", Columns: []string{"mail"}}},
		{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: &schema.ForeignKey{
			Name: "orders_user_id_fkey", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"},
		}},
	}

	upgraded, err := ops.ApplyAll(base, upgrade)
	require.NoError(t, err)
	require.NotNil(t, upgraded.Table("orders"))
	assert.NotNil(t, upgraded.Table("users").Column("mail"))
	assert.Nil(t, upgraded.Table("users").Column("email"))
	assert.Len(t, upgraded.Table("orders").ForeignKeys, 1)

	var downgrade []ops.Operation
	for i := len(upgrade) - 1; i >= 0; i-- {
		inv, ok := upgrade[i].Inverse()
		require.True(t, ok)
		downgrade = append(downgrade, inv)
	}

	restored, err := ops.ApplyAll(upgraded, downgrade)
	require.NoError(t, err)
	assert.Equal(t, base.TableNames(), restored.TableNames())
	assert.Equal(t, base.Table("users").Columns, restored.Table("users").Columns)
	assert.Empty(t, restored.Table("users").Indexes)

	// The input schema is never mutated.
	assert.Nil(t, base.Table("orders"))
}

func TestApplyErrors(t *testing.T) {
	s := schema.New()
	s.Tables["users"] = usersTable()

	tests := []struct {
		name string
		op   ops.Operation
	}{
		{"create existing table", ops.Operation{Kind: ops.CreateTable, Table: "users", Def: usersTable()}},
		{"drop missing table", ops.Operation{Kind: ops.DropTable, Table: "orders", Def: &schema.Table{}}},
		{"add existing column", ops.Operation{Kind: ops.AddColumn, Table: "users", Column: &schema.Column{Name: "email", Type: "text"}}},
		{"drop referenced column", ops.Operation{Kind: ops.DropColumn, Table: "users", Column: &schema.Column{Name: "id", Type: "uuid"}}},
		{"fk to missing table", ops.Operation{Kind: ops.AddForeignKey, Table: "users", ForeignKey: &schema.ForeignKey{
			Name: "users_org_id_fkey", Columns: []string{"id"}, RefTable: "orgs", RefColumns: []string{"id"},
		}}},
		{"drop missing index", ops.Operation{Kind: ops.DropIndex, Table: "users", Index: &schema.Index{Name: "nope"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.op.Apply(s.Clone()))
		})
	}
}

func TestValidateOperation(t *testing.T) {
	assert.NoError(t, ops.Operation{Kind: ops.RawSQL, SQL: "SELECT 1"}.Validate())
	assert.Error(t, ops.Operation{Kind: ops.AddColumn, Table: "users"}.Validate())
	assert.Error(t, ops.Operation{Kind: "truncate", Table: "users"}.Validate())
	assert.Error(t, ops.Operation{Kind: ops.CreateTable}.Validate())
}

func TestString(t *testing.T) {
	o := ops.Operation{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: &schema.ForeignKey{Name: "orders_user_id_fkey"}}
	assert.Equal(t, "add foreign key orders_user_id_fkey on orders", o.String())
	assert.Equal(t, "sql: UPDATE users ...", ops.Operation{Kind: ops.RawSQL, SQL: "UPDATE users\nSET x = 1"}.String())
}
