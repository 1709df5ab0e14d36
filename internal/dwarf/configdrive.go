package dwarf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// configDriveVersions are the OpenStack metadata versions written to the
// config drive.
var configDriveVersions = []string{"latest", "2013-10-17"}

type configDriveMetadata struct {
	AvailabilityZone string            `json:"availability_zone"`
	Hostname         string            `json:"hostname"`
	LaunchIndex      int               `json:"launch_index"`
	Name             string            `json:"name"`
	UUID             string            `json:"uuid"`
	PublicKeys       map[string]string `json:"public_keys,omitempty"`
}

// createConfigDrive renders the instance metadata into an ISO 9660 image
// labelled config-2 in the server's instance directory.
func (s *ServerService) createConfigDrive(ctx context.Context, server Server, keypair *Keypair) error {
	tmp, err := os.MkdirTemp("", "dwarf-config-drive-")
	if err != nil {
		return fmt.Errorf("creating config drive staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	md := configDriveMetadata{
		AvailabilityZone: "dwarf",
		Hostname:         server.Name + ".dwarflocal",
		Name:             server.Name,
		UUID:             server.ID,
	}
	if keypair != nil {
		md.PublicKeys = map[string]string{keypair.Name: keypair.PublicKey}
	}
	metaData, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encoding config drive metadata: %w", err)
	}

	for _, v := range configDriveVersions {
		dir := filepath.Join(tmp, "openstack", v)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config drive directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "meta_data.json"), metaData, 0o644); err != nil {
			return fmt.Errorf("writing meta_data.json: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "vendor_data.json"), []byte("{}"), 0o644); err != nil {
			return fmt.Errorf("writing vendor_data.json: %w", err)
		}
	}

	out := filepath.Join(s.instanceDir(server.ID), DiskConfig)
	_, err = s.runner.Run(ctx, false, "genisoimage", "-o", out,
		"-ldots", "-allow-lowercase", "-allow-multidot", "-l", "-quiet", "-J", "-r",
		"-V", "config-2", tmp)
	return err
}
