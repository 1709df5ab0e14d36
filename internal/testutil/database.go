package testutil

import (
	"context"
	"testing"

	"dwarf-go/internal/database"
	"dwarf-go/internal/dwarf"
)

// NewTestDatabase creates an in-memory SQLite database with the schema
// migrated and the default flavors seeded. IDs come from a StubIDGenerator
// and timestamps from FixedClock. The database is closed when the test
// completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", FixedClock(), NewStubIDGenerator(), dwarf.NewNopLogger())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("failed to initialize database: %v", err)
	}
	return db
}

// MustCreate inserts a row into table and fails the test on error.
func MustCreate(t *testing.T, db dwarf.Database, table dwarf.TableName, fields dwarf.Record) dwarf.Record {
	t.Helper()

	tbl, err := db.Table(table)
	if err != nil {
		t.Fatalf("table %s: %v", table, err)
	}
	row, err := tbl.Create(context.Background(), fields)
	if err != nil {
		t.Fatalf("creating %s row: %v", table.Kind(), err)
	}
	return row
}
