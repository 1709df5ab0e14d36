package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"dwarf-go/internal/dwarf"
)

// SQLiteTable implements dwarf.Table on one SQLite table. Every column is
// TEXT. Uniqueness among live rows is enforced by partial unique indexes, so
// the check and the insert are a single statement.
type SQLiteTable struct {
	db     *sql.DB
	schema dwarf.TableSchema
	clock  dwarf.Clock
	idgen  dwarf.IDGenerator
	logger dwarf.Logger
}

// NewSQLiteTable binds schema to an open connection.
func NewSQLiteTable(db *sql.DB, schema dwarf.TableSchema, clock dwarf.Clock, idgen dwarf.IDGenerator, logger dwarf.Logger) *SQLiteTable {
	return &SQLiteTable{
		db:     db,
		schema: schema,
		clock:  clock,
		idgen:  idgen,
		logger: logger.With("table", string(schema.Name)),
	}
}

var _ dwarf.Table = (*SQLiteTable)(nil)

func (t *SQLiteTable) Schema() dwarf.TableSchema { return t.schema }

// CreateTableStatements returns the DDL for schema: the table itself plus
// one partial unique index per unique column. id is always unique; other
// unique columns only when non-empty.
func CreateTableStatements(schema dwarf.TableSchema) []string {
	cols := schema.AllColumns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		def := fmt.Sprintf("    %s TEXT NOT NULL DEFAULT ''", c)
		if c == dwarf.ColDeleted {
			def = fmt.Sprintf("    %s TEXT NOT NULL DEFAULT '%s'", c, dwarf.False)
		}
		defs[i] = def
	}

	name := string(schema.Name)
	stmts := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);", name, strings.Join(defs, ",\n")),
	}
	stmts = append(stmts, fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s_live_%s ON %s (%s) WHERE deleted = '%s';",
		name, dwarf.ColID, name, dwarf.ColID, dwarf.False))
	// Empty values are not checked for uniqueness.
	for _, c := range schema.Unique {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s_live_%s ON %s (%s) WHERE deleted = '%s' AND %s != '';",
			name, c, name, c, dwarf.False, c))
	}
	return stmts
}

// Init creates the table and its indexes if they do not exist.
func (t *SQLiteTable) Init(ctx context.Context) error {
	t.logger.Info("init table")
	for _, stmt := range CreateTableStatements(t.schema) {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating table %s: %w", t.schema.Name, err)
		}
	}
	return nil
}

func (t *SQLiteTable) Create(ctx context.Context, fields dwarf.Record) (dwarf.Record, error) {
	t.logger.Info("create", "fields", fields)

	row := t.normalize(fields)
	for _, c := range t.schema.Bools {
		if _, ok := row[c]; !ok {
			row[c] = dwarf.False
		}
	}
	if row[dwarf.ColID] == "" {
		row[dwarf.ColID] = t.idgen.New()
	}
	now := dwarf.FormatTime(t.clock.Now())
	row[dwarf.ColCreatedAt] = now
	row[dwarf.ColUpdatedAt] = now
	row[dwarf.ColDeletedAt] = ""
	row[dwarf.ColDeleted] = dwarf.False

	var cols []string
	var args []any
	for _, c := range t.schema.AllColumns() {
		if c == dwarf.ColIntID {
			continue
		}
		cols = append(cols, c)
		args = append(args, row[c])
	}

	name := string(t.schema.Name)
	query := fmt.Sprintf(
		"INSERT INTO %s (%s, int_id) SELECT %s, COALESCE(MAX(CAST(int_id AS INTEGER)), 0) + 1 FROM %s",
		name, strings.Join(cols, ", "), placeholders(len(cols)), name)
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return nil, t.translate(err, row)
	}

	return t.Show(ctx, dwarf.ByID(row[dwarf.ColID]))
}

func (t *SQLiteTable) Update(ctx context.Context, id string, fields dwarf.Record) (dwarf.Record, error) {
	t.logger.Info("update", "id", id, "fields", fields)

	row := t.normalize(fields)
	var sets []string
	var args []any
	for _, c := range t.schema.Columns {
		if v, ok := row[c]; ok {
			sets = append(sets, c+" = ?")
			args = append(args, v)
		}
	}
	sets = append(sets, dwarf.ColUpdatedAt+" = ?")
	args = append(args, dwarf.FormatTime(t.clock.Now()), id, dwarf.False)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND deleted = ?", t.schema.Name, strings.Join(sets, ", "))
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, t.translate(err, row)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("updating %s %s: %w", t.schema.Name.Kind(), id, err)
	} else if n == 0 {
		return nil, t.notFound(id)
	}

	return t.Show(ctx, dwarf.ByID(id))
}

// Delete tombstones a live row found by id or name. Rows with a true
// protected column are refused.
func (t *SQLiteTable) Delete(ctx context.Context, lookup dwarf.Lookup) error {
	t.logger.Info("delete", "lookup", lookup.String())

	lookup.IP = ""
	row, err := t.Show(ctx, lookup)
	if err != nil {
		return err
	}
	if t.schema.HasColumn("protected") && row.Bool("protected") {
		return dwarf.Forbidden("%s %s is protected", t.schema.Name.Kind(), lookup.String())
	}

	now := dwarf.FormatTime(t.clock.Now())
	query := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ?, deleted = ? WHERE id = ? AND deleted = ?", t.schema.Name)
	if _, err := t.db.ExecContext(ctx, query, now, now, dwarf.True, row[dwarf.ColID], dwarf.False); err != nil {
		return fmt.Errorf("deleting %s %s: %w", t.schema.Name.Kind(), lookup.String(), err)
	}
	return nil
}

// List returns live rows in int_id order.
func (t *SQLiteTable) List(ctx context.Context) ([]dwarf.Record, error) {
	t.logger.Debug("list")
	return t.query(ctx, "WHERE deleted = ? ORDER BY CAST(int_id AS INTEGER)", dwarf.False)
}

func (t *SQLiteTable) Show(ctx context.Context, lookup dwarf.Lookup) (dwarf.Record, error) {
	t.logger.Debug("show", "lookup", lookup.String())

	col, val, ok := lookup.Key()
	if !ok {
		return nil, t.notFound("")
	}
	if !t.schema.HasColumn(col) {
		return nil, t.notFound(val)
	}

	rows, err := t.query(ctx, fmt.Sprintf("WHERE %s = ? AND deleted = ? ORDER BY CAST(int_id AS INTEGER) LIMIT 1", col), val, dwarf.False)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, t.notFound(val)
	}
	return rows[0], nil
}

// Dump returns every row including tombstones.
func (t *SQLiteTable) Dump(ctx context.Context) ([]dwarf.Record, error) {
	t.logger.Debug("dump")
	return t.query(ctx, "ORDER BY CAST(int_id AS INTEGER)")
}

func (t *SQLiteTable) query(ctx context.Context, where string, args ...any) ([]dwarf.Record, error) {
	cols := t.schema.AllColumns()
	query := fmt.Sprintf("SELECT %s FROM %s %s", strings.Join(cols, ", "), t.schema.Name, where)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", t.schema.Name, err)
	}
	defer rows.Close()

	var out []dwarf.Record
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.schema.Name, err)
		}
		rec := make(dwarf.Record, len(cols))
		for i, c := range cols {
			rec[c] = vals[i].String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.schema.Name, err)
	}
	return out, nil
}

// normalize drops unknown and bookkeeping columns and canonicalizes
// booleans. id is kept so callers can choose it on create.
func (t *SQLiteTable) normalize(fields dwarf.Record) dwarf.Record {
	out := make(dwarf.Record, len(fields))
	for k, v := range fields {
		switch k {
		case dwarf.ColIntID, dwarf.ColCreatedAt, dwarf.ColUpdatedAt, dwarf.ColDeletedAt, dwarf.ColDeleted:
			continue
		}
		if !t.schema.HasColumn(k) {
			t.logger.Debug("ignoring unknown column", "column", k)
			continue
		}
		if t.schema.IsBool(k) {
			v = dwarf.FormatBool(dwarf.ParseBool(v))
		}
		out[k] = v
	}
	return out
}

// translate maps a unique index violation to a Conflict naming the
// offending value.
func (t *SQLiteTable) translate(err error, row dwarf.Record) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		col := dwarf.ColID
		if i := strings.LastIndex(se.Error(), "."); i >= 0 {
			col = strings.TrimSpace(se.Error()[i+1:])
		}
		return dwarf.Conflict("%s %s already exists", t.schema.Name.Kind(), row[col])
	}
	return fmt.Errorf("writing %s: %w", t.schema.Name, err)
}

func (t *SQLiteTable) notFound(val string) error {
	return dwarf.NotFound("%s %s not found", t.schema.Name.Kind(), val)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
