package artifact_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/schema"
)

func fixedClock(t time.Time) *artifact.Writer {
	return &artifact.Writer{Now: func() time.Time { return t }}
}

var (
	usersTable = &schema.Table{
		Name:       "users",
		Columns:    []*schema.Column{{Name: "id", Type: "uuid"}, {Name: "email", Type: "text"}},
		PrimaryKey: &schema.PrimaryKey{Name: "users_pkey", Columns: []string{"id"}},
	}
	ordersTable = &schema.Table{
		Name:       "orders",
		Columns:    []*schema.Column{{Name: "id", Type: "bigint"}, {Name: "user_id", Type: "uuid"}},
		PrimaryKey: &schema.PrimaryKey{Name: "orders_pkey", Columns: []string{"id"}},
	}
	ordersFK = &schema.ForeignKey{
		Name: "orders_user_id_fkey", Columns: []string{"user_id"},
		RefTable: "users", RefColumns: []string{"id"}, OnDelete: schema.ActionCascade,
	}
)

func createDelta() diff.Delta {
	return diff.Delta{Operations: []ops.Operation{
		{Kind: ops.CreateTable, Table: "users", Def: usersTable},
		{Kind: ops.CreateTable, Table: "orders", Def: ordersTable},
		{Kind: ops.AddForeignKey, Table: "orders", ForeignKey: ordersFK},
	}}
}

func TestWriteDerivesDowngrade(t *testing.T) {
	w := fixedClock(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	step, err := w.Write(createDelta(), "Add users & orders", "")
	require.NoError(t, err)

	assert.Equal(t, "20260304050607", step.ID)
	assert.Empty(t, step.Parent)
	assert.Equal(t, "20260304050607_add_users_orders.yaml", step.Filename())
	assert.True(t, step.Reversible())
	assert.NoError(t, step.Downgrade.Err(step.ID))

	down := step.Downgrade.Operations
	require.Len(t, down, 3)
	assert.Equal(t, ops.DropForeignKey, down[0].Kind, "foreign key dropped before its tables")
	assert.Equal(t, ops.DropTable, down[1].Kind)
	assert.Equal(t, "orders", down[1].Table)
	assert.Equal(t, "users", down[2].Table)

	require.NoError(t, step.Verify())
}

func TestWriteIrreversible(t *testing.T) {
	delta := diff.Delta{Operations: []ops.Operation{
		{Kind: ops.DropColumn, Table: "users", Column: &schema.Column{Name: "nickname", Type: "text", Nullable: true}},
		{Kind: ops.RawSQL, SQL: "UPDATE users SET email = lower(email)"},
	}}
	step, err := artifact.NewWriter().Write(delta, "drop nickname", "")
	require.NoError(t, err)

	assert.False(t, step.Reversible())
	assert.Equal(t, []string{
		"drop column users.nickname discards data",
		"sql: UPDATE users SET email = lower(email) has no reverse",
	}, step.Downgrade.Reasons)
	require.Len(t, step.Downgrade.Operations, 1, "structural inverse kept for forced rollback")
	assert.Equal(t, ops.AddColumn, step.Downgrade.Operations[0].Kind)

	err = step.Downgrade.Err(step.ID)
	require.Error(t, err)
	assert.True(t, stratum.IsIrreversibleOperationErr(err))
	assert.Contains(t, err.Error(), step.ID)
}

func TestWriteRequiresMessage(t *testing.T) {
	_, err := artifact.NewWriter().Write(createDelta(), "  ", "")
	assert.Error(t, err)
}

func TestWriteIDAfterParent(t *testing.T) {
	w := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	step, err := w.Write(createDelta(), "clock skew", "20260101000000")
	require.NoError(t, err)
	assert.Equal(t, "20260101000001", step.ID)
	assert.Equal(t, "20260101000000", step.Parent)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "add_orders", artifact.Slug("Add orders!"))
	assert.Equal(t, "step", artifact.Slug("!!!"))
	assert.LessOrEqual(t, len(artifact.Slug(strings.Repeat("long message ", 20))), 48)
}

func TestStoreRoundTrip(t *testing.T) {
	store := artifact.NewStore(filepath.Join(t.TempDir(), "migrations"))

	steps, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, steps, "missing directory is empty history")

	first, err := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).Write(createDelta(), "initial", "")
	require.NoError(t, err)
	require.NoError(t, store.Put(first))

	second, err := fixedClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)).Write(diff.Delta{Operations: []ops.Operation{
		{Kind: ops.AddColumn, Table: "users", Column: &schema.Column{Name: "timezone", Type: "text", Default: strPtr("'UTC'")}},
	}}, "add timezone", first.ID)
	require.NoError(t, err)
	require.NoError(t, store.Put(second))

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "README.md"), []byte("notes"), 0o644))

	steps, err = store.List()
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, first.ID, steps[0].ID)
	assert.Equal(t, second.ID, steps[1].ID)
	assert.Equal(t, "'UTC'", *steps[1].Upgrade[0].Column.Default)
	assert.Equal(t, first.Checksum, steps[0].Checksum)

	got, err := store.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, second.Message, got.Message)
	assert.True(t, got.CreatedAt.Equal(second.CreatedAt))

	_, err = store.Get("20990101000000")
	assert.ErrorIs(t, err, stratum.ErrUnknownStep)

	assert.Error(t, store.Put(first), "artifacts are never overwritten")
}

func TestStoreRejectsTamperedArtifact(t *testing.T) {
	store := artifact.NewStore(t.TempDir())
	step, err := artifact.NewWriter().Write(createDelta(), "initial", "")
	require.NoError(t, err)
	require.NoError(t, store.Put(step))

	path := store.Path(step)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "bigint", "integer", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = store.List()
	require.Error(t, err)
	assert.ErrorIs(t, err, stratum.ErrCorruptArtifact)
}

func TestStoreLock(t *testing.T) {
	store := artifact.NewStore(filepath.Join(t.TempDir(), "migrations"))
	ctx := context.Background()

	release, err := store.Lock(ctx, time.Second, nil)
	require.NoError(t, err)

	_, err = store.Lock(ctx, 100*time.Millisecond, nil)
	assert.True(t, stratum.IsLockContentionErr(err))

	require.NoError(t, release())
	_, err = os.Stat(filepath.Join(store.Dir(), artifact.LockFile))
	assert.NoError(t, err)
}

func strPtr(s string) *string { return &s }
