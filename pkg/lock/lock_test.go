package lock_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/testutil"
	"github.com/pthm/stratum/pkg/lock"

	_ "modernc.org/sqlite"
)

func TestFileLockContention(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db.lock")

	first := lock.NewFile(path, time.Second, nil)
	release, err := first.Acquire(ctx)
	require.NoError(t, err)

	second := lock.NewFile(path, 150*time.Millisecond, nil)
	_, err = second.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, stratum.IsLockContentionErr(err))

	var contention *stratum.LockContentionError
	require.True(t, errors.As(err, &contention))
	assert.Equal(t, path, contention.Key)
	assert.GreaterOrEqual(t, contention.Waited, 100*time.Millisecond)

	require.NoError(t, release())

	release, err = second.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestFileLockZeroTimeoutTriesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dir.lock")

	release, err := lock.NewFile(path, 0, nil).Acquire(ctx)
	require.NoError(t, err)
	defer func() { _ = release() }()

	start := time.Now()
	_, err = lock.NewFile(path, 0, nil).Acquire(ctx)
	assert.True(t, stratum.IsLockContentionErr(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestFileLockCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dir.lock")
	release, err := lock.NewFile(path, 0, nil).Acquire(context.Background())
	require.NoError(t, err)
	defer func() { _ = release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = lock.NewFile(path, time.Minute, nil).Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKey(t *testing.T) {
	assert.Equal(t, lock.Key("stratum"), lock.Key("stratum"))
	assert.NotEqual(t, lock.Key("stratum"), lock.Key("stratum-test"))
	assert.GreaterOrEqual(t, lock.Key("anything"), int64(0))
}

func TestPostgresLockContention(t *testing.T) {
	ctx := context.Background()
	db, _ := testutil.PostgresDB(t)

	release, err := lock.NewPostgres(db, "stratum-test", time.Second, nil).Acquire(ctx)
	require.NoError(t, err)

	_, err = lock.NewPostgres(db, "stratum-test", 200*time.Millisecond, nil).Acquire(ctx)
	assert.True(t, stratum.IsLockContentionErr(err), "got %v", err)

	other, err := lock.NewPostgres(db, "another-key", 0, nil).Acquire(ctx)
	require.NoError(t, err, "different keys do not conflict")
	require.NoError(t, other())

	require.NoError(t, release())
	release, err = lock.NewPostgres(db, "stratum-test", 0, nil).Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestSQLiteFileLock(t *testing.T) {
	ctx := context.Background()
	db, path := testutil.SQLiteDB(t)

	resolved, err := lock.SQLitePath(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(path), filepath.Base(resolved))

	release, err := lock.NewSQLiteFile(db, time.Second, nil).Acquire(ctx)
	require.NoError(t, err)
	assert.FileExists(t, resolved+".lock")

	_, err = lock.NewFile(resolved+".lock", 0, nil).Acquire(ctx)
	assert.True(t, stratum.IsLockContentionErr(err), "got %v", err)

	require.NoError(t, release())
}

func TestSQLiteFileLockInMemory(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	path, err := lock.SQLitePath(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, path)

	release, err := lock.NewSQLiteFile(db, 0, nil).Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release())
}
