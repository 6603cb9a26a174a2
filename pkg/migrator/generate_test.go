package migrator_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/testutil"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/diff"
	"github.com/pthm/stratum/pkg/history"
	"github.com/pthm/stratum/pkg/migrator"
	"github.com/pthm/stratum/pkg/ops"
	"github.com/pthm/stratum/pkg/parser"
	"github.com/pthm/stratum/pkg/schema"
)

const shopV1 = `
tables:
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: email, type: text, unique: true}
`

const shopV2 = `
tables:
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: email, type: text, unique: true}
      - {name: nickname, type: text, nullable: true}
  orders:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: user_id, type: integer, references: users.id, on_delete: cascade}
      - {name: status, type: text, default: "'pending'"}
`

func parse(t *testing.T, content string) *schema.Schema {
	t.Helper()
	s, err := parser.ParseSchemaString(content)
	require.NoError(t, err)
	return s
}

func TestGenerateAndApply(t *testing.T) {
	f := newFixture(t)
	m := f.migrator()
	ctx := context.Background()

	first, err := m.Generate(ctx, parse(t, shopV1), "create users", migrator.GenerateOptions{})
	require.NoError(t, err)
	require.NotNil(t, first.Step)
	assert.Equal(t, history.Base, first.Step.Parent)
	assert.FileExists(t, first.Path)

	_, err = m.Generate(ctx, parse(t, shopV2), "add orders", migrator.GenerateOptions{})
	assert.ErrorIs(t, err, stratum.ErrNotAtHead, "pending steps must be applied first")
	assert.True(t, stratum.IsDivergentHistoryErr(err))

	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
	require.NoError(t, err)

	again, err := m.Generate(ctx, parse(t, shopV1), "nothing", migrator.GenerateOptions{})
	require.NoError(t, err)
	assert.Nil(t, again.Step, "applied schema matches the declared one")
	assert.True(t, again.Delta.IsEmpty())

	second, err := m.Generate(ctx, parse(t, shopV2), "add orders", migrator.GenerateOptions{})
	require.NoError(t, err)
	require.NotNil(t, second.Step)
	assert.Equal(t, first.Step.ID, second.Step.Parent)
	assert.True(t, second.Step.Reversible())

	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, f.tables())

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.UpToDate())
	assert.Empty(t, st.Pending)
	assert.False(t, st.Drifted(), "drift: %v", st.Drift.Operations)

	// Rolling back the second step restores the first structure.
	_, err = m.Apply(ctx, first.Step.ID, migrator.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, f.tables())

	st, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Step.ID, st.Current)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, second.Step.ID, st.Pending[0].ID)
	assert.False(t, st.Drifted())
}

func TestStatusReportsDrift(t *testing.T) {
	f := newFixture(t)
	m := f.migrator()
	ctx := context.Background()

	_, err := m.Generate(ctx, parse(t, shopV1), "create users", migrator.GenerateOptions{})
	require.NoError(t, err)
	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
	require.NoError(t, err)

	testutil.MustExec(t, f.db, `ALTER TABLE users ADD COLUMN rogue TEXT`)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	require.True(t, st.Drifted())
	require.Len(t, st.Drift.Operations, 1)
	assert.Equal(t, ops.DropColumn, st.Drift.Operations[0].Kind)
	assert.Equal(t, "rogue", st.Drift.Operations[0].Column.Name)
}

func TestGenerateAllowEmpty(t *testing.T) {
	f := newFixture(t)
	m := f.migrator()
	ctx := context.Background()

	out, err := m.Generate(ctx, schema.New(), "placeholder", migrator.GenerateOptions{AllowEmpty: true})
	require.NoError(t, err)
	require.NotNil(t, out.Step)
	assert.Empty(t, out.Step.Upgrade)
	assert.FileExists(t, out.Path)
}

func TestGenerateDryRun(t *testing.T) {
	f := newFixture(t)
	m := f.migrator()

	var buf bytes.Buffer
	out, err := m.Generate(context.Background(), parse(t, shopV2), "add shop", migrator.GenerateOptions{DryRun: &buf})
	require.NoError(t, err)
	require.NotNil(t, out.Step)
	assert.Empty(t, out.Path)

	text := buf.String()
	assert.Contains(t, text, "-- Artifact: "+out.Step.Filename())
	assert.Contains(t, text, `CREATE TABLE "orders"`)
	assert.Contains(t, text, "FOREIGN KEY")
	assert.Contains(t, text, `DROP TABLE "users"`)

	_, err = os.Stat(f.store.Dir())
	assert.True(t, os.IsNotExist(err), "nothing committed")
}

func TestGenerateRenameConfirmation(t *testing.T) {
	f := newFixture(t)
	m := f.migrator()
	ctx := context.Background()

	_, err := m.Generate(ctx, parse(t, `
tables:
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: nick, type: text, nullable: true}
`), "create users", migrator.GenerateOptions{})
	require.NoError(t, err)
	_, err = m.Apply(ctx, migrator.TargetLatest, migrator.ApplyOptions{})
	require.NoError(t, err)

	renamed := parse(t, `
tables:
  users:
    columns:
      - {name: id, type: integer, primary_key: true}
      - {name: nickname, type: text, nullable: true}
`)

	var asked []string
	out, err := m.Generate(ctx, renamed, "rename nick", migrator.GenerateOptions{
		DryRun:       &bytes.Buffer{},
		RenamePolicy: diff.SimilarityPolicy,
		Confirm: func(op ops.Operation) bool {
			asked = append(asked, op.String())
			return true
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rename column users.nick to nickname"}, asked)
	require.Len(t, out.Step.Upgrade, 1)
	assert.Equal(t, ops.RenameColumn, out.Step.Upgrade[0].Kind)

	out, err = m.Generate(ctx, renamed, "replace nick", migrator.GenerateOptions{DryRun: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, []ops.Kind{ops.AddColumn, ops.DropColumn}, []ops.Kind{out.Step.Upgrade[0].Kind, out.Step.Upgrade[1].Kind},
		"without a policy the rename is a drop and an add")
}

func TestGenerateOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := migrator.GenerateOffline(ctx, f.store, f.d, parse(t, shopV1), "create users", migrator.GenerateOptions{})
	require.NoError(t, err)
	require.NotNil(t, first.Step)

	same, err := migrator.GenerateOffline(ctx, f.store, f.d, parse(t, shopV1), "again", migrator.GenerateOptions{})
	require.NoError(t, err)
	assert.Nil(t, same.Step, "history already describes the declared schema")

	second, err := f.migrator().Generate(ctx, parse(t, shopV2), "add orders", migrator.GenerateOptions{Offline: true})
	require.NoError(t, err)
	require.NotNil(t, second.Step)
	assert.Equal(t, first.Step.ID, second.Step.Parent)

	g, err := history.Load(f.store)
	require.NoError(t, err)
	replayed, err := migrator.Replay(g, second.Step.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, replayed.TableNames())
}

func TestGenerateRejectsDivergentHistory(t *testing.T) {
	f := newFixture(t)
	root := f.commit("root", createTable("users"))
	f.commit("left", createTable("left_side"))

	// A second child of root, as if merged in from another branch.
	branch, err := (&artifact.Writer{Now: f.tick}).Write(diff.Delta{Operations: []ops.Operation{createTable("right_side")}}, "right", root.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(branch))

	_, err = migrator.GenerateOffline(context.Background(), f.store, f.d, parse(t, shopV1), "next", migrator.GenerateOptions{})
	var div *stratum.DivergentHistoryError
	require.True(t, errors.As(err, &div), "got %v", err)
	assert.Len(t, div.Heads, 2)
}

func TestConcurrentGenerateOnSameHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	declared := parse(t, shopV1)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		at := time.Date(2026, 1, 1, 0, 0, i+1, 0, time.UTC)
		m := migrator.New(f.db, f.d, f.store, migrator.WithClock(func() time.Time { return at }))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Generate(ctx, declared, "create users", migrator.GenerateOptions{})
		}()
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		lost++
		var div *stratum.DivergentHistoryError
		require.True(t, errors.As(err, &div), "got %v", err)
		assert.Equal(t, history.Base, div.Expected)
		assert.NotEmpty(t, div.Actual)
		assert.ErrorIs(t, err, stratum.ErrNotAtHead)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	steps, err := f.store.List()
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}
