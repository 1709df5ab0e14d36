package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dwarf-go/internal/dwarf"
)

// stubClock is a settable clock. testutil cannot be imported here because
// it depends on this package.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

// newTestDB creates a migrated in-memory database. Flavors are not seeded.
func newTestDB(t *testing.T) (*SQLiteDatabase, *stubClock) {
	t.Helper()

	clock := &stubClock{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
	db, err := NewSQLiteDatabase(":memory:", clock, &seqIDs{}, nil)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db, clock
}

func (s *SQLiteDatabase) migrate() error {
	for _, name := range dwarf.Tables {
		if err := s.tables[name].Init(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func TestSQLiteTable_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns ids and bookkeeping columns", func(t *testing.T) {
		db, _ := newTestDB(t)

		row, err := db.Keypairs().Create(ctx, dwarf.Record{"name": "key", "public_key": "ssh-rsa AAA"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		want := map[string]string{
			"id":         "id-1",
			"int_id":     "1",
			"name":       "key",
			"deleted":    "False",
			"deleted_at": "",
			"created_at": "2024-01-15 10:30:00",
			"updated_at": "2024-01-15 10:30:00",
		}
		for k, v := range want {
			if row[k] != v {
				t.Errorf("row[%q] = %q, want %q", k, row[k], v)
			}
		}
	})

	t.Run("int_id counts tombstoned rows", func(t *testing.T) {
		db, _ := newTestDB(t)

		for _, name := range []string{"a", "b", "c"} {
			if _, err := db.Servers().Create(ctx, dwarf.Record{"name": name}); err != nil {
				t.Fatalf("Create(%s) error = %v", name, err)
			}
		}
		if err := db.Servers().Delete(ctx, dwarf.ByName("c")); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		row, err := db.Servers().Create(ctx, dwarf.Record{"name": "d"})
		if err != nil {
			t.Fatalf("Create(d) error = %v", err)
		}
		if row["int_id"] != "4" {
			t.Errorf("int_id = %q, want 4", row["int_id"])
		}
	})

	t.Run("keeps a caller chosen id", func(t *testing.T) {
		db, _ := newTestDB(t)

		row, err := db.Flavors().Create(ctx, dwarf.Record{"id": "100", "name": "tiny"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if row["id"] != "100" {
			t.Errorf("id = %q, want 100", row["id"])
		}
	})

	t.Run("duplicate live name conflicts", func(t *testing.T) {
		db, _ := newTestDB(t)

		if _, err := db.Servers().Create(ctx, dwarf.Record{"name": "web"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_, err := db.Servers().Create(ctx, dwarf.Record{"name": "web"})
		if !errors.Is(err, dwarf.ErrConflict) {
			t.Fatalf("Create() duplicate error = %v, want ErrConflict", err)
		}
		if got := dwarf.Reason(err); got != "server web already exists" {
			t.Errorf("Reason() = %q", got)
		}
	})

	t.Run("empty unique column is not checked", func(t *testing.T) {
		db, _ := newTestDB(t)

		for i := range 2 {
			if _, err := db.Keypairs().Create(ctx, dwarf.Record{"fingerprint": fmt.Sprintf("fp-%d", i)}); err != nil {
				t.Fatalf("Create(#%d) without name error = %v", i, err)
			}
		}
		rows, err := db.Keypairs().List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("got %d keypairs, want 2", len(rows))
		}
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		db, _ := newTestDB(t)

		if _, err := db.Flavors().Create(ctx, dwarf.Record{"id": "100", "name": "a"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		_, err := db.Flavors().Create(ctx, dwarf.Record{"id": "100", "name": "b"})
		if got := dwarf.Reason(err); got != "flavor 100 already exists" {
			t.Errorf("Reason() = %q, want flavor 100 already exists", got)
		}
	})

	t.Run("name is reusable after delete", func(t *testing.T) {
		db, _ := newTestDB(t)

		if _, err := db.Keypairs().Create(ctx, dwarf.Record{"name": "key"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := db.Keypairs().Delete(ctx, dwarf.ByName("key")); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := db.Keypairs().Create(ctx, dwarf.Record{"name": "key"}); err != nil {
			t.Errorf("Create() after delete error = %v", err)
		}
	})

	t.Run("normalizes booleans and drops unknown columns", func(t *testing.T) {
		db, _ := newTestDB(t)

		row, err := db.Images().Create(ctx, dwarf.Record{"name": "cirros", "protected": "yes", "bogus": "x", "deleted": "True"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if row["protected"] != "True" {
			t.Errorf("protected = %q, want True", row["protected"])
		}
		if _, ok := row["bogus"]; ok {
			t.Error("unknown column was stored")
		}
		if row["deleted"] != "False" {
			t.Errorf("deleted = %q, want False", row["deleted"])
		}

		row, err = db.Images().Create(ctx, dwarf.Record{"name": "other"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if row["protected"] != "False" {
			t.Errorf("protected default = %q, want False", row["protected"])
		}
	})

	t.Run("concurrent creates get distinct int_ids", func(t *testing.T) {
		db, _ := newTestDB(t)

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := db.Servers().Create(ctx, dwarf.Record{"name": fmt.Sprintf("vm-%d", i)})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
		}

		rows, err := db.Servers().List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		seen := map[string]bool{}
		for _, r := range rows {
			if seen[r["int_id"]] {
				t.Errorf("duplicate int_id %s", r["int_id"])
			}
			seen[r["int_id"]] = true
		}
		if len(seen) != 20 {
			t.Errorf("got %d distinct int_ids, want 20", len(seen))
		}
	})
}

func TestSQLiteTable_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("updates columns and updated_at", func(t *testing.T) {
		db, clock := newTestDB(t)

		created, err := db.Servers().Create(ctx, dwarf.Record{"name": "web", "status": "building"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		clock.advance(90 * time.Second)

		updated, err := db.Servers().Update(ctx, created["id"], dwarf.Record{"status": "active", "ip": "10.0.0.5", "int_id": "99"})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated["status"] != "active" || updated["ip"] != "10.0.0.5" {
			t.Errorf("Update() = %v", updated)
		}
		if updated["int_id"] != created["int_id"] {
			t.Errorf("int_id changed to %q", updated["int_id"])
		}
		if updated["updated_at"] != "2024-01-15 10:31:30" {
			t.Errorf("updated_at = %q", updated["updated_at"])
		}
		if updated["created_at"] != created["created_at"] {
			t.Errorf("created_at changed to %q", updated["created_at"])
		}
	})

	t.Run("leaves unnamed booleans alone", func(t *testing.T) {
		db, _ := newTestDB(t)

		created, err := db.Servers().Create(ctx, dwarf.Record{"name": "web", "config_drive": "true"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		updated, err := db.Servers().Update(ctx, created["id"], dwarf.Record{"status": "active"})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated["config_drive"] != "True" {
			t.Errorf("config_drive = %q, want True", updated["config_drive"])
		}
	})

	t.Run("missing row is not found", func(t *testing.T) {
		db, _ := newTestDB(t)

		_, err := db.Servers().Update(ctx, "nope", dwarf.Record{"status": "active"})
		if !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Update() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("tombstoned row is not found", func(t *testing.T) {
		db, _ := newTestDB(t)

		created, _ := db.Servers().Create(ctx, dwarf.Record{"name": "web"})
		if err := db.Servers().Delete(ctx, dwarf.ByID(created["id"])); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		_, err := db.Servers().Update(ctx, created["id"], dwarf.Record{"status": "active"})
		if !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Update() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteTable_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("tombstones the row", func(t *testing.T) {
		db, clock := newTestDB(t)

		created, _ := db.Servers().Create(ctx, dwarf.Record{"name": "web"})
		clock.advance(time.Minute)
		if err := db.Servers().Delete(ctx, dwarf.ByID(created["id"])); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}

		if _, err := db.Servers().Show(ctx, dwarf.ByID(created["id"])); !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Show() after delete error = %v, want ErrNotFound", err)
		}

		rows, err := db.Servers().Dump(ctx)
		if err != nil {
			t.Fatalf("Dump() error = %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("Dump() returned %d rows, want 1", len(rows))
		}
		if rows[0]["deleted"] != "True" || rows[0]["deleted_at"] != "2024-01-15 10:31:00" {
			t.Errorf("tombstone = %v", rows[0])
		}
	})

	t.Run("protected image is forbidden", func(t *testing.T) {
		db, _ := newTestDB(t)

		created, _ := db.Images().Create(ctx, dwarf.Record{"name": "base", "protected": "True"})
		err := db.Images().Delete(ctx, dwarf.ByID(created["id"]))
		if !errors.Is(err, dwarf.ErrForbidden) {
			t.Fatalf("Delete() error = %v, want ErrForbidden", err)
		}
		if _, err := db.Images().Show(ctx, dwarf.ByID(created["id"])); err != nil {
			t.Errorf("protected image no longer visible: %v", err)
		}
	})

	t.Run("missing row is not found", func(t *testing.T) {
		db, _ := newTestDB(t)

		err := db.Flavors().Delete(ctx, dwarf.ByID("42"))
		if !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Delete() error = %v, want ErrNotFound", err)
		}
		if got := dwarf.Reason(err); got != "flavor 42 not found" {
			t.Errorf("Reason() = %q", got)
		}
	})
}

func TestSQLiteTable_Show(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	created, err := db.Servers().Create(ctx, dwarf.Record{"name": "web", "ip": "10.0.0.7"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name    string
		lookup  dwarf.Lookup
		wantErr bool
	}{
		{"by id", dwarf.ByID(created["id"]), false},
		{"by name", dwarf.ByName("web"), false},
		{"by ip", dwarf.ByIP("10.0.0.7"), false},
		{"unknown name", dwarf.ByName("db"), true},
		{"empty lookup", dwarf.Lookup{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := db.Servers().Show(ctx, tt.lookup)
			if tt.wantErr {
				if !errors.Is(err, dwarf.ErrNotFound) {
					t.Errorf("Show() error = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Show() error = %v", err)
			}
			if row["id"] != created["id"] {
				t.Errorf("Show() id = %q, want %q", row["id"], created["id"])
			}
		})
	}

	t.Run("column missing from schema", func(t *testing.T) {
		_, err := db.Flavors().Show(ctx, dwarf.ByIP("10.0.0.7"))
		if !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Show() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteTable_List(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := db.Keypairs().Create(ctx, dwarf.Record{"name": name}); err != nil {
			t.Fatalf("Create(%s) error = %v", name, err)
		}
	}
	if err := db.Keypairs().Delete(ctx, dwarf.ByName("b")); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	rows, err := db.Keypairs().List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "a" || rows[1]["name"] != "c" {
		t.Errorf("List() = %v, want a and c", rows)
	}

	all, err := db.Keypairs().Dump(ctx)
	if err != nil {
		t.Fatalf("Dump() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Dump() returned %d rows, want 3", len(all))
	}
}

func TestSQLiteDatabase_Table(t *testing.T) {
	db, _ := newTestDB(t)

	for _, name := range dwarf.Tables {
		table, err := db.Table(name)
		if err != nil {
			t.Fatalf("Table(%s) error = %v", name, err)
		}
		if table.Schema().Name != name {
			t.Errorf("Table(%s).Schema().Name = %s", name, table.Schema().Name)
		}
	}

	if _, err := db.Table("volumes"); !errors.Is(err, dwarf.ErrNotFound) {
		t.Errorf("Table(volumes) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_Init(t *testing.T) {
	ctx := context.Background()

	t.Run("seeds default flavors once", func(t *testing.T) {
		db, err := NewSQLiteDatabase(":memory:", nil, nil, nil)
		if err != nil {
			t.Fatalf("NewSQLiteDatabase() error = %v", err)
		}
		defer db.Close()

		for range 2 {
			if err := db.Init(ctx); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
		}

		rows, err := db.Flavors().List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 3 {
			t.Fatalf("got %d flavors, want 3", len(rows))
		}
		for i, id := range []string{"100", "101", "102"} {
			if rows[i]["id"] != id {
				t.Errorf("flavor %d id = %q, want %q", i, rows[i]["id"], id)
			}
		}
	})

	t.Run("deleted default flavor stays deleted", func(t *testing.T) {
		db, err := NewSQLiteDatabase(":memory:", nil, nil, nil)
		if err != nil {
			t.Fatalf("NewSQLiteDatabase() error = %v", err)
		}
		defer db.Close()

		if err := db.Init(ctx); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := db.Flavors().Delete(ctx, dwarf.ByID("100")); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if err := db.Init(ctx); err != nil {
			t.Fatalf("second Init() error = %v", err)
		}
		if _, err := db.Flavors().Show(ctx, dwarf.ByID("100")); !errors.Is(err, dwarf.ErrNotFound) {
			t.Errorf("Show(100) error = %v, want ErrNotFound", err)
		}
		rows, err := db.Flavors().List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("got %d flavors, want 2", len(rows))
		}
	})

	t.Run("destroy then init starts over", func(t *testing.T) {
		db, err := NewSQLiteDatabase(":memory:", nil, nil, nil)
		if err != nil {
			t.Fatalf("NewSQLiteDatabase() error = %v", err)
		}
		defer db.Close()

		if err := db.Init(ctx); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := db.Servers().Create(ctx, dwarf.Record{"name": "web"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := db.Destroy(ctx); err != nil {
			t.Fatalf("Destroy() error = %v", err)
		}
		if _, err := db.Servers().List(ctx); err == nil {
			t.Error("List() after Destroy() succeeded, want error")
		}
		if err := db.Init(ctx); err != nil {
			t.Fatalf("Init() after Destroy() error = %v", err)
		}
		rows, err := db.Servers().List(ctx)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("List() = %v, want empty", rows)
		}
	})
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	ctx := context.Background()

	db, err := NewSQLiteDatabase(filepath.Join(t.TempDir(), "dwarf.db"), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := db.BackupTo(ctx, dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	restored, err := NewSQLiteDatabase(dest, nil, nil, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer restored.Close()

	if err := restored.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() on backup = %v", err)
	}
	if _, err := restored.Flavors().Show(ctx, dwarf.ByID("101")); err != nil {
		t.Errorf("flavor 101 missing from backup: %v", err)
	}
}
