package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultHome is the data directory used when DWARF_HOME is unset.
const DefaultHome = "/var/lib/dwarf"

// Config represents the main configuration for dwarf.
type Config struct {
	InstancesDir     string `toml:"instances_dir" yaml:"instances_dir"`
	InstancesBaseDir string `toml:"instances_base_dir" yaml:"instances_base_dir"`
	ImagesDir        string `toml:"images_dir" yaml:"images_dir"`
	LogFile          string `toml:"log_file" yaml:"log_file"`
	Debug            bool   `toml:"debug" yaml:"debug"`

	BindHost        string `toml:"bind_host" yaml:"bind_host"`
	ComputeAPIPort  int    `toml:"compute_api_port" yaml:"compute_api_port"`
	ImageAPIPort    int    `toml:"image_api_port" yaml:"image_api_port"`
	IdentityAPIPort int    `toml:"identity_api_port" yaml:"identity_api_port"`
	DatabaseAPIPort int    `toml:"database_api_port" yaml:"database_api_port"`
	EC2MetadataPort int    `toml:"ec2_metadata_port" yaml:"ec2_metadata_port"`

	// ServerSoftRebootTimeout is in seconds.
	ServerSoftRebootTimeout int  `toml:"server_soft_reboot_timeout" yaml:"server_soft_reboot_timeout"`
	ForceConfigDrive        bool `toml:"force_config_drive" yaml:"force_config_drive"`
	RunAsRoot               bool `toml:"run_as_root" yaml:"run_as_root"`

	Database   DatabaseConfig   `toml:"database" yaml:"database"`
	Libvirt    LibvirtConfig    `toml:"libvirt" yaml:"libvirt"`
	ImageStore ImageStoreConfig `toml:"image_store" yaml:"image_store"`
	Notify     NotifyConfig     `toml:"notify" yaml:"notify"`
	Tracing    TracingConfig    `toml:"tracing" yaml:"tracing"`
	Encryption EncryptionConfig `toml:"encryption" yaml:"encryption"`
}

// DatabaseConfig represents configuration for the resource store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type" yaml:"type"`                     // "sqlite" or "memory"
	Path string `toml:"path,omitempty" yaml:"path,omitempty"` // only used for type=sqlite
}

// LibvirtConfig describes the hypervisor connection and the guest network.
type LibvirtConfig struct {
	URI         string `toml:"uri" yaml:"uri"`
	DomainType  string `toml:"domain_type" yaml:"domain_type"`
	BridgeName  string `toml:"bridge_name" yaml:"bridge_name"`
	BridgeIP    string `toml:"bridge_ip" yaml:"bridge_ip"`
	NetworkName string `toml:"network_name" yaml:"network_name"`
}

// ImageStoreConfig represents configuration for image payload storage.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ImageStoreConfig struct {
	Type string `toml:"type" yaml:"type"` // "filesystem", "memory" or "s3"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty" yaml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty" yaml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty" yaml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty" yaml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty" yaml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty" yaml:"s3_secret_key,omitempty"`

	// CacheDir holds local copies of remote or in-memory payloads.
	CacheDir string `toml:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

// NotifyConfig selects the lifecycle event publisher.
type NotifyConfig struct {
	Type          string `toml:"type" yaml:"type"` // "none" or "nats"
	NATSURL       string `toml:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	SubjectPrefix string `toml:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
}

type TracingConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// EncryptionConfig holds paths to the age key pair used for database
// backups.
type EncryptionConfig struct {
	Type           string `toml:"type" yaml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path" yaml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path" yaml:"private_key_path"`
}

// Default returns the configuration used when no file overrides a key.
// Paths live under home.
func Default(home string) *Config {
	if home == "" {
		home = DefaultHome
	}
	cfg := &Config{
		InstancesDir: filepath.Join(home, "instances"),
		ImagesDir:    filepath.Join(home, "images"),
		LogFile:      filepath.Join(home, "dwarf.log"),

		BindHost:        "127.0.0.1",
		ComputeAPIPort:  8774,
		ImageAPIPort:    9292,
		IdentityAPIPort: 35357,
		DatabaseAPIPort: 5000,
		EC2MetadataPort: 8769,

		ServerSoftRebootTimeout: 30,
		ForceConfigDrive:        true,
		RunAsRoot:               true,

		Database: DatabaseConfig{Type: "sqlite", Path: filepath.Join(home, "dwarf.db")},
		Libvirt: LibvirtConfig{
			URI:         "qemu:///system",
			DomainType:  "kvm",
			BridgeName:  "dwbr0",
			BridgeIP:    "10.0.0.1",
			NetworkName: "dwarf",
		},
		ImageStore: ImageStoreConfig{Type: "filesystem"},
		Notify:     NotifyConfig{Type: "none", SubjectPrefix: "dwarf"},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(home, "keys", "dwarf.pub"),
			PrivateKeyPath: filepath.Join(home, "keys", "dwarf.key"),
		},
	}
	cfg.derive()
	return cfg
}

// derive fills the keys whose defaults follow other keys.
func (c *Config) derive() {
	if c.InstancesBaseDir == "" {
		c.InstancesBaseDir = filepath.Join(c.InstancesDir, "_base")
	}
	if c.ImageStore.CacheDir == "" {
		c.ImageStore.CacheDir = filepath.Join(c.ImagesDir, "_cache")
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.InstancesDir == "" {
		return fmt.Errorf("instances_dir must be set")
	}
	switch c.Database.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown database type: %q", c.Database.Type)
	}
	switch c.ImageStore.Type {
	case "filesystem", "memory":
	case "s3":
		if c.ImageStore.S3Bucket == "" {
			return fmt.Errorf("s3 image store requires s3_bucket to be set")
		}
	default:
		return fmt.Errorf("unknown image store type: %q", c.ImageStore.Type)
	}
	switch c.Notify.Type {
	case "", "none":
	case "nats":
		if c.Notify.NATSURL == "" {
			return fmt.Errorf("nats notifier requires nats_url to be set")
		}
	default:
		return fmt.Errorf("unknown notify type: %q", c.Notify.Type)
	}
	ports := map[string]int{
		"compute_api_port":  c.ComputeAPIPort,
		"image_api_port":    c.ImageAPIPort,
		"identity_api_port": c.IdentityAPIPort,
		"database_api_port": c.DatabaseAPIPort,
		"ec2_metadata_port": c.EC2MetadataPort,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.ServerSoftRebootTimeout < 0 {
		return fmt.Errorf("server_soft_reboot_timeout must not be negative")
	}
	return nil
}

// Format names a config file encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from the file extension. Anything that
// is not .yaml or .yml is TOML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// Manager handles reading and writing configuration. The zero value reads
// and writes TOML with defaults under DefaultHome.
type Manager struct {
	Format Format
	Home   string
}

// Read decodes a Config from r on top of the defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Default(m.Home)
	// Derived keys are recomputed after decoding so they follow overrides.
	cfg.InstancesBaseDir = ""
	cfg.ImageStore.CacheDir = ""

	switch m.Format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	default:
		if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	cfg.derive()
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	switch m.Format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	default:
		if err := toml.NewEncoder(w).Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path, home string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{Format: FormatForPath(path), Home: home}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{Format: FormatForPath(path)}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. An existing file is never
// overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
