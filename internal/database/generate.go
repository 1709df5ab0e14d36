package database

// The initial migration is rendered from dwarf.Schemas so that the migrated
// schema and CreateTableStatements never drift apart.
//
// To regenerate:
//   go generate ./internal/database

//go:generate sh -c "cd ../.. && go run internal/database/tools/generate_migration.go"
