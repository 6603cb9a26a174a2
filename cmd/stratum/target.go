package main

import (
	"context"
	"fmt"

	"github.com/pthm/stratum"
	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/internal/db"
	"github.com/pthm/stratum/internal/version"
	"github.com/pthm/stratum/pkg/artifact"
	"github.com/pthm/stratum/pkg/dialect"
	"github.com/pthm/stratum/pkg/lock"
	"github.com/pthm/stratum/pkg/migrator"
	"github.com/pthm/stratum/pkg/parser"
	"github.com/pthm/stratum/pkg/schema"
)

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	return dsn, nil
}

// openTarget connects to the database named by flag or config.
func openTarget(ctx context.Context, flagDSN string) (*db.Target, error) {
	dsn, err := resolveDSN(flagDSN)
	if err != nil {
		return nil, err
	}
	t, err := db.Open(ctx, dsn, cfg.Database.Driver)
	if err != nil {
		if stratum.IsConnectionErr(err) {
			return nil, cli.GeneralError("connecting to database", err)
		}
		return nil, cli.ConfigError("database configuration", err)
	}
	logger.Debug("connected", "dialect", t.Dialect.Name())
	return t, nil
}

func openStore(flagDir string) *artifact.Store {
	return artifact.NewStore(resolveString(flagDir, cfg.MigrationsDir))
}

// newMigrator builds a migrator whose lock suits the target: a session
// advisory lock on PostgreSQL, a lock file beside the database on SQLite.
func newMigrator(t *db.Target, store *artifact.Store, opts ...migrator.Option) *migrator.Migrator {
	var locker lock.Locker
	if t.Path != "" {
		locker = lock.NewFile(t.Path+".lock", cfg.Lock.Timeout, logger)
	} else {
		locker = lock.NewPostgres(t.DB, cfg.Lock.Key, cfg.Lock.Timeout, logger)
	}
	base := append(commonOptions(),
		migrator.WithLocker(locker),
		migrator.WithLockTimeout(cfg.Lock.Timeout),
	)
	return migrator.New(t.DB, t.Dialect, store, append(base, opts...)...)
}

// commonOptions are the migrator options every command shares.
func commonOptions() []migrator.Option {
	return []migrator.Option{
		migrator.WithLogger(logger),
		migrator.WithExclude(cfg.IgnoreTables...),
		migrator.WithToolVersion(version.Version),
	}
}

// loadDeclared reads the declared schema, checking column types against d
// when one is given.
func loadDeclared(path string, d dialect.Dialect) (*schema.Schema, error) {
	var opts []parser.Option
	if d != nil {
		opts = append(opts, parser.WithTypeChecker(d.KnownType))
	}
	s, err := parser.ParseSchema(path, opts...)
	if err != nil {
		return nil, cli.GeneralError(fmt.Sprintf("loading schema %s", path), err)
	}
	return s, nil
}

// dialectFor returns the dialect of the configured database without
// connecting, or nil when none is configured.
func dialectFor(flagDSN string) dialect.Dialect {
	dsn := flagDSN
	if dsn == "" {
		dsn, _ = cfg.DSN()
	}
	if dsn == "" {
		d, err := dialect.ByName(cfg.Database.Driver)
		if err != nil {
			return nil
		}
		return d
	}
	d, _, err := db.Resolve(dsn, cfg.Database.Driver)
	if err != nil {
		return nil
	}
	return d
}
