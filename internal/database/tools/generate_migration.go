package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dwarf-go/internal/database"
	"dwarf-go/internal/dwarf"
)

func main() {
	var up, down strings.Builder
	for i, name := range dwarf.Tables {
		if i > 0 {
			up.WriteString("\n")
		}
		for _, stmt := range database.CreateTableStatements(dwarf.Schemas[name]) {
			up.WriteString(stmt + "\n")
		}
	}
	for i := len(dwarf.Tables) - 1; i >= 0; i-- {
		fmt.Fprintf(&down, "DROP TABLE IF EXISTS %s;\n", dwarf.Tables[i])
	}

	dir := filepath.Join("internal", "database", "migrations", "files")
	files := map[string]string{
		"000001_create_resource_tables.up.sql":   up.String(),
		"000001_create_resource_tables.down.sql": down.String(),
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("✓ Generated %s from table schemas\n", path)
	}
}
