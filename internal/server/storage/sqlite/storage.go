package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/iudanet/campusmarket/internal/clock"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// pragmas выполняются на единственном соединении сразу после открытия.
// foreign_keys нужен для каскада users -> refresh_tokens.
var pragmas = []string{
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"foreign_keys = ON",
	"busy_timeout = 5000",
}

// Storage keeps users, refresh tokens and the versioned records of every
// table in one SQLite file. All record versions come from a single Lamport
// clock so that change events across tables are totally ordered.
type Storage struct {
	db         *sql.DB
	migrations *goose.Provider
	clock      *clock.Lamport
}

// New opens dbPath, applies pending migrations and resumes the version clock
// from the highest stored record version. ":memory:" gives a throwaway database.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	top, err := s.maxVersion(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.clock = clock.New(top)

	return s, nil
}

func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// один писатель; для :memory: второе соединение увидело бы пустую базу
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	return db, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.migrations = provider
	return nil
}

func (s *Storage) maxVersion(ctx context.Context) (int64, error) {
	var top int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM records`).Scan(&top); err != nil {
		return 0, fmt.Errorf("failed to read max version: %w", err)
	}
	return top, nil
}

// SchemaVersion returns the last applied migration.
func (s *Storage) SchemaVersion(ctx context.Context) (int64, error) {
	return s.migrations.GetDBVersion(ctx)
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for testing purposes
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Ping проверяет соединение с базой
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
