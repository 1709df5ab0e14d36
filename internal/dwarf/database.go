package dwarf

import (
	"context"
	"strings"
)

// TableName is the closed set of resource tables.
type TableName string

const (
	TableServers  TableName = "servers"
	TableKeypairs TableName = "keypairs"
	TableImages   TableName = "images"
	TableFlavors  TableName = "flavors"
)

// Tables lists every resource table.
var Tables = []TableName{TableServers, TableKeypairs, TableImages, TableFlavors}

// ParseTableName resolves a table name taken from user input.
func ParseTableName(s string) (TableName, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", NotFound("table %s not found", s)
}

// Kind is the singular resource name used in error reasons ("server",
// "image", ...).
func (t TableName) Kind() string {
	return strings.TrimSuffix(string(t), "s")
}

// TableSchema describes the type-specific columns of a table. Every table
// also carries ReservedColumns.
type TableSchema struct {
	Name    TableName
	Columns []string
	// Unique columns must be distinct among live rows.
	Unique []string
	// Bools are normalized to True/False on write.
	Bools []string
}

// AllColumns returns the reserved columns followed by the schema's own.
func (s TableSchema) AllColumns() []string {
	cols := make([]string, 0, len(ReservedColumns)+len(s.Columns))
	cols = append(cols, ReservedColumns...)
	return append(cols, s.Columns...)
}

// HasColumn reports whether col is a reserved or schema column.
func (s TableSchema) HasColumn(col string) bool {
	for _, c := range s.AllColumns() {
		if c == col {
			return true
		}
	}
	return false
}

// IsBool reports whether col is stored as a boolean.
func (s TableSchema) IsBool(col string) bool {
	if col == ColDeleted {
		return true
	}
	for _, c := range s.Bools {
		if c == col {
			return true
		}
	}
	return false
}

// Schemas maps each resource table to its column layout.
var Schemas = map[TableName]TableSchema{
	TableServers: {
		Name:    TableServers,
		Columns: []string{"name", "status", "image_id", "flavor_id", "key_name", "mac_address", "ip", "config_drive"},
		Unique:  []string{"name"},
		Bools:   []string{"config_drive"},
	},
	TableKeypairs: {
		Name:    TableKeypairs,
		Columns: []string{"name", "fingerprint", "public_key"},
		Unique:  []string{"name"},
	},
	TableImages: {
		Name: TableImages,
		Columns: []string{"name", "disk_format", "container_format", "size", "status", "file",
			"checksum", "min_disk", "min_ram", "owner", "protected", "visibility"},
		Bools: []string{"protected"},
	},
	TableFlavors: {
		Name:    TableFlavors,
		Columns: []string{"name", "disk", "ram", "vcpus"},
		Unique:  []string{"name"},
	},
}

// Table is the soft-delete aware store for one resource kind. Reads only
// ever see live rows, except Dump.
type Table interface {
	// Init creates the backing table if it does not exist.
	Init(ctx context.Context) error

	// Create inserts a row. id is generated when absent; int_id is always
	// assigned as one more than the largest int_id ever used in the table.
	Create(ctx context.Context, fields Record) (Record, error)

	// Update applies the given columns to the live row with the given id.
	Update(ctx context.Context, id string, fields Record) (Record, error)

	// Delete tombstones the live row matching the lookup (id or name).
	Delete(ctx context.Context, lookup Lookup) error

	List(ctx context.Context) ([]Record, error)

	// Show returns the live row matching the lookup (id, name or ip).
	Show(ctx context.Context, lookup Lookup) (Record, error)

	// Dump returns every row, tombstones included.
	Dump(ctx context.Context) ([]Record, error)

	Schema() TableSchema
}

// Database owns the resource tables.
type Database interface {
	Servers() Table
	Keypairs() Table
	Images() Table
	Flavors() Table

	// Table resolves one of the known resource tables.
	Table(name TableName) (Table, error)

	// Init brings the schema up to date and seeds the default flavors.
	Init(ctx context.Context) error

	// Destroy drops every resource table.
	Destroy(ctx context.Context) error

	// BackupTo writes a consistent snapshot of the database to path.
	BackupTo(ctx context.Context, path string) error

	Close() error
}
