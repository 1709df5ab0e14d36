package app

import (
	"os"
	"path/filepath"
	"testing"

	"dwarf-go/internal/config"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("DWARF_CONFIG_PATH", "/custom/dwarf.toml")
		t.Setenv("DWARF_HOME", "/custom/dwarf")

		defaults := GetDefaults()

		if defaults["config_path"] != "/custom/dwarf.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/dwarf.toml")
		}
		if defaults["home"] != "/custom/dwarf" {
			t.Errorf("home = %q, want %q", defaults["home"], "/custom/dwarf")
		}
	})

	t.Run("falls back to system defaults", func(t *testing.T) {
		t.Setenv("DWARF_CONFIG_PATH", "")
		t.Setenv("DWARF_HOME", "")

		defaults := GetDefaults()

		if defaults["config_path"] != DefaultConfigPath {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], DefaultConfigPath)
		}
		if defaults["home"] != config.DefaultHome {
			t.Errorf("home = %q, want %q", defaults["home"], config.DefaultHome)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("DWARF_CONFIG_PATH", filepath.Join(home, "absent.toml"))
		t.Setenv("DWARF_HOME", home)

		cfg, path, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if path != filepath.Join(home, "absent.toml") {
			t.Errorf("path = %q", path)
		}
		if want := filepath.Join(home, "dwarf.db"); cfg.Database.Path != want {
			t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, want)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		home := t.TempDir()
		path := filepath.Join(home, "dwarf.yaml")
		if err := os.WriteFile(path, []byte("compute_api_port: 18774\ndebug: true\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("DWARF_CONFIG_PATH", path)
		t.Setenv("DWARF_HOME", home)

		cfg, _, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.ComputeAPIPort != 18774 || !cfg.Debug {
			t.Errorf("overrides not applied: port=%d debug=%v", cfg.ComputeAPIPort, cfg.Debug)
		}
		if cfg.ImageAPIPort != 9292 {
			t.Errorf("ImageAPIPort = %d, want default 9292", cfg.ImageAPIPort)
		}
	})

	t.Run("invalid file", func(t *testing.T) {
		home := t.TempDir()
		path := filepath.Join(home, "dwarf.toml")
		if err := os.WriteFile(path, []byte("compute_api_port = [\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Setenv("DWARF_CONFIG_PATH", path)
		t.Setenv("DWARF_HOME", home)

		if _, _, err := LoadConfig(); err == nil {
			t.Fatal("LoadConfig() expected error for malformed toml")
		}
	})
}
