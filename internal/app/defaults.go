package app

import (
	"os"

	"dwarf-go/internal/config"
)

// DefaultConfigPath is used when DWARF_CONFIG_PATH is unset.
const DefaultConfigPath = "/etc/dwarf.toml"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DWARF_CONFIG_PATH: config file location (default: /etc/dwarf.toml)
//   - DWARF_HOME: base directory for dwarf data (default: /var/lib/dwarf)
func GetDefaults() map[string]string {
	return map[string]string{
		"config_path": getConfigPath(),
		"home":        getHome(),
	}
}

func getConfigPath() string {
	if path := os.Getenv("DWARF_CONFIG_PATH"); path != "" {
		return path
	}
	return DefaultConfigPath
}

func getHome() string {
	if path := os.Getenv("DWARF_HOME"); path != "" {
		return path
	}
	return config.DefaultHome
}

// LoadConfig reads the config file named by the defaults. A missing file
// yields the built-in defaults.
func LoadConfig() (*config.Config, string, error) {
	defaults := GetDefaults()
	path := defaults["config_path"]

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(defaults["home"]), path, nil
	}
	cfg, err := config.ReadFromFile(path, defaults["home"])
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
