package database

import (
	"context"
	"database/sql"
	"fmt"

	"dwarf-go/internal/database/migrations"
	"dwarf-go/internal/dwarf"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements dwarf.Database on a single SQLite file.
type SQLiteDatabase struct {
	db     *sql.DB
	path   string
	tables map[dwarf.TableName]*SQLiteTable
	logger dwarf.Logger
}

// NewSQLiteDatabase opens the database at path. path can be a file path or
// ":memory:". Nil collaborators fall back to the real clock, UUIDs and a
// discarding logger.
func NewSQLiteDatabase(path string, clock dwarf.Clock, idgen dwarf.IDGenerator, logger dwarf.Logger) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	d := NewSQLiteDatabaseFromDB(db, clock, idgen, logger)
	d.path = path
	return d, nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection. The caller is
// responsible for configuring it with OpenConnection.
func NewSQLiteDatabaseFromDB(db *sql.DB, clock dwarf.Clock, idgen dwarf.IDGenerator, logger dwarf.Logger) *SQLiteDatabase {
	if clock == nil {
		clock = dwarf.RealClock{}
	}
	if idgen == nil {
		idgen = dwarf.UUIDGenerator{}
	}
	if logger == nil {
		logger = dwarf.NewNopLogger()
	}
	logger = logger.With("component", "database")

	tables := make(map[dwarf.TableName]*SQLiteTable, len(dwarf.Tables))
	for _, name := range dwarf.Tables {
		tables[name] = NewSQLiteTable(db, dwarf.Schemas[name], clock, idgen, logger)
	}
	return &SQLiteDatabase{db: db, tables: tables, logger: logger}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting into one database per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *SQLiteDatabase) Servers() dwarf.Table  { return s.tables[dwarf.TableServers] }
func (s *SQLiteDatabase) Keypairs() dwarf.Table { return s.tables[dwarf.TableKeypairs] }
func (s *SQLiteDatabase) Images() dwarf.Table   { return s.tables[dwarf.TableImages] }
func (s *SQLiteDatabase) Flavors() dwarf.Table  { return s.tables[dwarf.TableFlavors] }

func (s *SQLiteDatabase) Table(name dwarf.TableName) (dwarf.Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, dwarf.NotFound("table %s not found", name)
	}
	return t, nil
}

// Init migrates the schema to the latest version. The default flavors are
// seeded only when the schema is created, so deleted defaults stay deleted.
// It is safe to call repeatedly.
func (s *SQLiteDatabase) Init(ctx context.Context) error {
	s.logger.Info("initializing database", "path", s.path)
	created, err := migrations.MigrateUp(s.db)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	if !created {
		return nil
	}
	return dwarf.SeedDefaultFlavors(ctx, s.Flavors())
}

// Destroy migrates all the way down, dropping every resource table.
func (s *SQLiteDatabase) Destroy(ctx context.Context) error {
	s.logger.Warn("destroying database", "path", s.path)
	if err := migrations.MigrateDown(s.db); err != nil {
		return fmt.Errorf("destroying database: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ dwarf.Database = (*SQLiteDatabase)(nil)
