// Package db opens the target database for a DSN and classifies driver
// errors.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/pkg/dialect"
)

// PingTimeout bounds the initial connectivity check.
const PingTimeout = 10 * time.Second

// Target is an open database together with its dialect.
type Target struct {
	DB      *sql.DB
	Dialect dialect.Dialect
	// Path is the database file for SQLite targets, empty otherwise.
	Path string
}

// Close closes the underlying pool.
func (t *Target) Close() error {
	return t.DB.Close()
}

// Resolve determines the dialect and driver DSN for a connection string.
// driverName may force a dialect ("postgres" or "sqlite"); otherwise it is
// inferred from the DSN:
//
//	postgres://..., postgresql://...       postgres
//	sqlite://path, sqlite:path, file:path  sqlite
//	*.db, *.sqlite, *.sqlite3              sqlite
func Resolve(dsn, driverName string) (dialect.Dialect, string, error) {
	if dsn == "" {
		return nil, "", errors.New("database URL is empty")
	}
	if driverName != "" {
		d, err := dialect.ByName(driverName)
		if err != nil {
			return nil, "", err
		}
		if d.Name() == "sqlite" {
			return d, sqlitePath(dsn), nil
		}
		return d, dsn, nil
	}

	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return dialect.Postgres(), dsn, nil
	case strings.HasPrefix(lower, "sqlite:"), strings.HasPrefix(lower, "file:"):
		return dialect.SQLite(), sqlitePath(dsn), nil
	}
	switch strings.ToLower(filepath.Ext(strings.SplitN(dsn, "?", 2)[0])) {
	case ".db", ".sqlite", ".sqlite3":
		return dialect.SQLite(), dsn, nil
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return dialect.Postgres(), dsn, nil
	}
	return nil, "", fmt.Errorf("cannot infer database type from %q; set database.driver", redact(dsn))
}

func sqlitePath(dsn string) string {
	for _, prefix := range []string{"sqlite://", "sqlite:", "file:"} {
		if len(dsn) >= len(prefix) && strings.EqualFold(dsn[:len(prefix)], prefix) {
			return dsn[len(prefix):]
		}
	}
	return dsn
}

// Open connects to dsn and verifies the connection. Connection failures are
// returned as *stratum.ConnectionError.
func Open(ctx context.Context, dsn, driverName string) (*Target, error) {
	d, driverDSN, err := Resolve(dsn, driverName)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.DriverName(), driverDSN)
	if err != nil {
		return nil, &stratum.ConnectionError{Driver: d.DriverName(), Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, &stratum.ConnectionError{Driver: d.DriverName(), Err: err}
	}

	t := &Target{DB: conn, Dialect: d}
	if d.Name() == "sqlite" {
		t.Path = strings.SplitN(driverDSN, "?", 2)[0]
	}
	return t, nil
}

// Classify returns err as a *stratum.ConnectionError when it indicates the
// database could not be reached, and unchanged otherwise.
func Classify(driverName string, err error) error {
	if err == nil || errors.Is(err, stratum.ErrConnection) {
		return err
	}
	if IsConnectionFailure(err) {
		return &stratum.ConnectionError{Driver: driverName, Err: err}
	}
	return err
}

// IsConnectionFailure reports whether err comes from a lost or refused
// connection rather than from a statement.
func IsConnectionFailure(err error) bool {
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// SQLState returns the PostgreSQL error code carried by err, if any.
func SQLState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func redact(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
}
