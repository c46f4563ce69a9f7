package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DAO is the persistence surface for agents, requests, domains, and the two
// hash-chained ledgers.
type DAO interface {
	AgentDAO
	RequestDAO
	DomainDAO
	AuditDAO
	ReceiptDAO

	Close() error
}

type dao struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type options struct {
	dbFile         string
	logger         *slog.Logger
	migrationsFS   fs.FS
	migrationsPath string
}

type Option func(o *options) error

func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}

func WithMigrations(filesystem fs.FS, path string) Option {
	return func(o *options) error {
		o.migrationsFS = filesystem
		o.migrationsPath = path
		return nil
	}
}

func New(opts ...Option) (DAO, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.dbFile == "" {
		dbFile, err := DefaultDatabaseFilename()
		if err != nil {
			return nil, fmt.Errorf("resolving default database filename: %w", err)
		}
		o.dbFile = dbFile
	}

	if err := os.MkdirAll(filepath.Dir(o.dbFile), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc sqlite is not safe for concurrent writers over one file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migrationsFS := o.migrationsFS
	if migrationsFS == nil {
		migrationsFS = &migrations
	}
	migrationsPath := o.migrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	if err := runMigrations(o.dbFile, db, migrationsFS, migrationsPath, o.logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &dao{db: sqlx.NewDb(db, "sqlite"), logger: o.logger}, nil
}

func (d *dao) Close() error {
	return d.db.Close()
}

func DefaultDatabaseFilename() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".wardgate", "wardgate.db"), nil
}

// runMigrations applies pending schema migrations under a file lock, so two
// processes starting against the same database cannot interleave migrations
// and leave it dirty.
func runMigrations(dbFile string, db *sql.DB, migrationsFS fs.FS, migrationsPath string, logger *slog.Logger) error {
	migDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	defer migDriver.Close()

	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}

	lockFile := filepath.Join(filepath.Dir(dbFile), ".wardgate-migration.lock")
	fileLock := flock.New(lockFile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	if !locked {
		return errors.New("timeout waiting for migration lock")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warn("failed to release migration lock", "error", err)
		}
	}()

	version, dirty, err := mig.Version()
	isFresh := errors.Is(err, migrate.ErrNilVersion)
	if err != nil && !isFresh {
		return fmt.Errorf("reading migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d, manual intervention required", version)
	}
	if !isFresh {
		if _, _, err := migDriver.ReadUp(version); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("database version %d (%s) is ahead of this build", version, dbFile)
		} else if err != nil {
			return fmt.Errorf("reading migration for version %d: %w", version, err)
		}
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
