package repository

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations
var migrations embed.FS

// NewDB opens a database. dbType is "postgres" or "sqlite"; for sqlite
// url is a file path or ":memory:".
func NewDB(dbType, url string, logger *zap.Logger) (*sqlx.DB, error) {
	switch dbType {
	case "postgres":
		db, err := sqlx.Connect("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		logger.Info("Successfully connected to the database", zap.String("type", dbType))
		return db, nil

	case "sqlite":
		if url != ":memory:" && !strings.HasPrefix(url, "file:") {
			if err := os.MkdirAll(filepath.Dir(url), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		db, err := sqlx.Connect("sqlite", url)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// SQLite allows one writer; an in-memory database also lives in a
		// single connection.
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}

		logger.Info("Successfully connected to the database",
			zap.String("type", dbType),
			zap.String("path", url))
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database type %q", dbType)
	}
}

// Migrate applies the embedded migrations for the database's dialect.
func Migrate(db *sqlx.DB, logger *zap.Logger) error {
	var (
		driver database.Driver
		dir    string
		err    error
	)

	switch db.DriverName() {
	case "postgres":
		dir = "migrations/postgres"
		driver, err = postgres.WithInstance(db.DB, &postgres.Config{})
	case "sqlite":
		dir = "migrations/sqlite"
		driver, err = sqlite.WithInstance(db.DB, &sqlite.Config{})
	default:
		return fmt.Errorf("no migrations for driver %q", db.DriverName())
	}
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}

	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("couldn't open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, db.DriverName(), driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	// m.Close would close db as well; the caller owns it.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Database migration was run successfully",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
