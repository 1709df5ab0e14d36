package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default("")

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"instances_dir", cfg.InstancesDir, "/var/lib/dwarf/instances"},
		{"instances_base_dir", cfg.InstancesBaseDir, "/var/lib/dwarf/instances/_base"},
		{"images_dir", cfg.ImagesDir, "/var/lib/dwarf/images"},
		{"log_file", cfg.LogFile, "/var/lib/dwarf/dwarf.log"},
		{"debug", cfg.Debug, false},
		{"bind_host", cfg.BindHost, "127.0.0.1"},
		{"compute_api_port", cfg.ComputeAPIPort, 8774},
		{"image_api_port", cfg.ImageAPIPort, 9292},
		{"identity_api_port", cfg.IdentityAPIPort, 35357},
		{"database_api_port", cfg.DatabaseAPIPort, 5000},
		{"ec2_metadata_port", cfg.EC2MetadataPort, 8769},
		{"server_soft_reboot_timeout", cfg.ServerSoftRebootTimeout, 30},
		{"force_config_drive", cfg.ForceConfigDrive, true},
		{"run_as_root", cfg.RunAsRoot, true},
		{"database.type", cfg.Database.Type, "sqlite"},
		{"database.path", cfg.Database.Path, "/var/lib/dwarf/dwarf.db"},
		{"libvirt.uri", cfg.Libvirt.URI, "qemu:///system"},
		{"libvirt.bridge_name", cfg.Libvirt.BridgeName, "dwbr0"},
		{"libvirt.bridge_ip", cfg.Libvirt.BridgeIP, "10.0.0.1"},
		{"image_store.type", cfg.ImageStore.Type, "filesystem"},
		{"image_store.cache_dir", cfg.ImageStore.CacheDir, "/var/lib/dwarf/images/_cache"},
		{"notify.type", cfg.Notify.Type, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDefault_Home(t *testing.T) {
	cfg := Default("/srv/dwarf")
	if cfg.InstancesDir != "/srv/dwarf/instances" {
		t.Errorf("InstancesDir = %q, want %q", cfg.InstancesDir, "/srv/dwarf/instances")
	}
	if cfg.Encryption.PublicKeyPath != "/srv/dwarf/keys/dwarf.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
}

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	for _, format := range []Format{FormatTOML, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			original := Default("/data/dwarf")
			original.Debug = true
			original.ComputeAPIPort = 18774
			original.ForceConfigDrive = false
			original.ImageStore = ImageStoreConfig{
				Type:     "s3",
				S3Bucket: "images",
				S3Prefix: "dwarf/",
				CacheDir: "/data/dwarf/cache",
			}
			original.Notify = NotifyConfig{Type: "nats", NATSURL: "nats://127.0.0.1:4222", SubjectPrefix: "dw"}

			var buf bytes.Buffer
			m := &Manager{Format: format}
			if err := m.Write(&buf, original); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			got, err := m.Read(&buf)
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}

			if !got.Debug {
				t.Error("Debug = false, want true")
			}
			if got.ComputeAPIPort != 18774 {
				t.Errorf("ComputeAPIPort = %d, want 18774", got.ComputeAPIPort)
			}
			if got.ForceConfigDrive {
				t.Error("ForceConfigDrive = true, want false")
			}
			if got.InstancesBaseDir != "/data/dwarf/instances/_base" {
				t.Errorf("InstancesBaseDir = %q", got.InstancesBaseDir)
			}
			if got.ImageStore != original.ImageStore {
				t.Errorf("ImageStore = %+v, want %+v", got.ImageStore, original.ImageStore)
			}
			if got.Notify != original.Notify {
				t.Errorf("Notify = %+v, want %+v", got.Notify, original.Notify)
			}
		})
	}
}

func TestManager_Read_PartialKeepsDefaults(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"toml", FormatTOML, "instances_dir = \"/vms\"\n\n[libvirt]\nbridge_ip = \"192.168.50.1\"\n"},
		{"yaml", FormatYAML, "instances_dir: /vms\nlibvirt:\n  bridge_ip: 192.168.50.1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manager{Format: tt.format}
			cfg, err := m.Read(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if cfg.InstancesDir != "/vms" {
				t.Errorf("InstancesDir = %q, want /vms", cfg.InstancesDir)
			}
			if cfg.InstancesBaseDir != "/vms/_base" {
				t.Errorf("InstancesBaseDir = %q, want /vms/_base", cfg.InstancesBaseDir)
			}
			if cfg.Libvirt.BridgeIP != "192.168.50.1" {
				t.Errorf("Libvirt.BridgeIP = %q", cfg.Libvirt.BridgeIP)
			}
			if cfg.Libvirt.BridgeName != "dwbr0" {
				t.Errorf("Libvirt.BridgeName = %q, want default dwbr0", cfg.Libvirt.BridgeName)
			}
			if !cfg.ForceConfigDrive {
				t.Error("ForceConfigDrive lost its default")
			}
		})
	}
}

func TestManager_Read_Invalid(t *testing.T) {
	m := &Manager{}
	if _, err := m.Read(strings.NewReader("compute_api_port = \"many\"")); err == nil {
		t.Fatal("Read() expected error for mistyped key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown database", func(c *Config) { c.Database.Type = "postgres" }, "unknown database type"},
		{"s3 without bucket", func(c *Config) { c.ImageStore.Type = "s3" }, "s3_bucket"},
		{"unknown image store", func(c *Config) { c.ImageStore.Type = "ftp" }, "unknown image store type"},
		{"nats without url", func(c *Config) { c.Notify.Type = "nats" }, "nats_url"},
		{"port out of range", func(c *Config) { c.ImageAPIPort = 70000 }, "image_api_port"},
		{"negative reboot timeout", func(c *Config) { c.ServerSoftRebootTimeout = -1 }, "server_soft_reboot_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"/etc/dwarf.toml": FormatTOML,
		"/etc/dwarf.yaml": FormatYAML,
		"/etc/dwarf.YML":  FormatYAML,
		"/etc/dwarf":      FormatTOML,
	}
	for path, want := range tests {
		if got := FormatForPath(path); got != want {
			t.Errorf("FormatForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "etc", "dwarf.toml")

		if err := Init(path, Default(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "dwarf.toml")

		if err := Init(path, Default(dir)); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, Default(dir)); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads yaml by extension", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "dwarf.yaml")
		cfg := Default(dir)
		cfg.BindHost = "0.0.0.0"

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path, dir)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.BindHost != "0.0.0.0" {
			t.Errorf("BindHost = %q, want %q", got.BindHost, "0.0.0.0")
		}
		if got.Database.Path != filepath.Join(dir, "dwarf.db") {
			t.Errorf("Database.Path = %q", got.Database.Path)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/dwarf.toml", ""); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
