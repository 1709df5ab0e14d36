package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dwarf-go/internal/app"
	"dwarf-go/internal/config"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a DwarfApp. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.DwarfApp, error) {
	cfg, _, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewDwarfApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:          "dwarf",
	Short:        "Single-host cloud control plane for libvirt",
	SilenceUsage: true,
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compute, image, identity, database and metadata APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults := app.GetDefaults()
		cfg := config.Default(defaults["home"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Home: %s\n", defaults["home"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := app.LoadConfig()
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("# Configuration from %s\n\n", path)
		m := &config.Manager{Format: config.FormatForPath(path)}
		return m.Write(os.Stdout, cfg)
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the resource database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the tables and seed the default flavors",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.InitDatabase(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Database initialized")
		return nil
	},
}

var dbDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Drop every resource table",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteDatabase(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Database deleted")
		return nil
	},
}

var dbDumpCmd = &cobra.Command{
	Use:   "dump TABLE",
	Short: "Print every row of a table as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.DumpTable(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{args[0]: rows})
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup OUTPUT",
	Short: "Snapshot the database to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		encrypt, _ := cmd.Flags().GetBool("encrypt")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Backup(cmd.Context(), args[0], encrypt); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Backed up to %s\n", args[0])
		return nil
	},
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore INPUT",
	Short: "Replace the database with a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := app.LoadConfig()
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		err = app.Restore(cfg, args[0], func() (string, error) {
			return readPassphrase("Passphrase: ")
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %s to %s\n", args[0], cfg.Database.Path)
		return nil
	},
}

var dbKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the key pair used for encrypted backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := app.LoadConfig()
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}
		if pass == "" {
			return fmt.Errorf("passphrase must not be empty")
		}

		if err := app.KeysInit(cfg, pass); err != nil {
			return err
		}
		fmt.Printf("Public key written to %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key written to %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// network command
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage the guest network",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Define and start the guest network",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CreateNetwork(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Network created")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	// db subcommands
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbDeleteCmd)
	dbCmd.AddCommand(dbDumpCmd)
	dbCmd.AddCommand(dbBackupCmd)
	dbBackupCmd.Flags().BoolP("encrypt", "e", false, "Encrypt the backup with the configured public key")
	dbCmd.AddCommand(dbRestoreCmd)
	dbCmd.AddCommand(dbKeysCmd)
	rootCmd.AddCommand(dbCmd)

	// network subcommands
	networkCmd.AddCommand(networkCreateCmd)
	rootCmd.AddCommand(networkCmd)
}
