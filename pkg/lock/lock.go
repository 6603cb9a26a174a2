// Package lock provides the exclusive lock held while migrations are planned
// and executed.
//
// PostgreSQL targets use a session advisory lock on a dedicated connection.
// SQLite targets and the migrations directory use an flock(2) file lock.
// Both poll with exponential backoff until the configured timeout and then
// fail with a *stratum.LockContentionError.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/pthm/stratum"
)

// DefaultTimeout bounds how long Acquire waits for a held lock.
const DefaultTimeout = 30 * time.Second

// Locker acquires an exclusive lock. The returned release function must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context) (release func() error, err error)
}

var errBusy = errors.New("lock held")

// retry polls try until it succeeds, fails permanently, or timeout elapses.
// A zero timeout tries once.
func retry(ctx context.Context, key string, timeout time.Duration, logger *slog.Logger, try func() (bool, error)) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if timeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		eb.MaxInterval = time.Second
		eb.MaxElapsedTime = timeout
		b = eb
	}

	start := time.Now()
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ok, err := try()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			if attempt == 1 {
				logger.Info("waiting for migration lock", "key", key, "timeout", timeout)
			}
			return errBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))

	if errors.Is(err, errBusy) {
		return &stratum.LockContentionError{Key: key, Waited: time.Since(start).Round(time.Millisecond)}
	}
	return err
}

// Postgres is a session-level advisory lock.
type Postgres struct {
	db      *sql.DB
	key     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPostgres returns an advisory lock on key. A nil logger uses
// slog.Default().
func NewPostgres(db *sql.DB, key string, timeout time.Duration, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, key: key, timeout: timeout, logger: logger}
}

// Acquire takes the lock on a connection reserved until release. Session
// advisory locks belong to the connection, so it is never returned to the
// pool while held.
func (l *Postgres) Acquire(ctx context.Context) (func() error, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving lock connection: %w", err)
	}

	id := Key(l.key)
	err = retry(ctx, l.key, l.timeout, l.logger, func() (bool, error) {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
			return false, fmt.Errorf("advisory lock: %w", err)
		}
		return acquired, nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	l.logger.Debug("acquired advisory lock", "key", l.key, "id", id)

	return func() error {
		defer func() { _ = conn.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, id); err != nil {
			return fmt.Errorf("advisory unlock: %w", err)
		}
		return nil
	}, nil
}

// Key maps a lock name to an advisory lock id (FNV-1a, sign bit cleared).
func Key(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // advisory lock ids are bigint
}

// File is an flock(2) lock on a path. The file is created if missing and
// left in place after release.
type File struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFile returns a file lock on path. A nil logger uses slog.Default().
func NewFile(path string, timeout time.Duration, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, timeout: timeout, logger: logger}
}

// Acquire takes the file lock.
func (l *File) Acquire(ctx context.Context) (func() error, error) {
	fl := flock.New(l.path)
	err := retry(ctx, l.path, l.timeout, l.logger, func() (bool, error) {
		ok, err := fl.TryLock()
		if err != nil {
			return false, fmt.Errorf("locking %s: %w", l.path, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("acquired file lock", "path", l.path)
	return fl.Unlock, nil
}

// SQLiteFile is a File lock on "<database file>.lock", where the database
// file is resolved from the connection with PRAGMA database_list. In-memory
// databases have no file and are not locked.
type SQLiteFile struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

// NewSQLiteFile returns a lock beside the main database file of db. A nil
// logger uses slog.Default().
func NewSQLiteFile(db *sql.DB, timeout time.Duration, logger *slog.Logger) *SQLiteFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteFile{db: db, timeout: timeout, logger: logger}
}

// Acquire resolves the database file and takes its file lock.
func (l *SQLiteFile) Acquire(ctx context.Context) (func() error, error) {
	path, err := SQLitePath(ctx, l.db)
	if err != nil {
		return nil, err
	}
	if path == "" {
		l.logger.Debug("in-memory database, not locking")
		return None{}.Acquire(ctx)
	}
	return NewFile(path+".lock", l.timeout, l.logger).Acquire(ctx)
}

// SQLitePath returns the file backing the main database of db, or "" for an
// in-memory database.
func SQLitePath(ctx context.Context, db *sql.DB) (string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list`)
	if err != nil {
		return "", fmt.Errorf("listing databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			seq        int
			name, file string
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "", fmt.Errorf("listing databases: %w", err)
		}
		if name == "main" {
			return file, nil
		}
	}
	return "", rows.Err()
}

// None is a Locker that never blocks.
type None struct{}

// Acquire returns immediately with a no-op release.
func (None) Acquire(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}
