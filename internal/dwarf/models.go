package dwarf

import (
	"fmt"
	"strconv"
)

// Server statuses. The stored status only ever holds building, networking,
// active or error; the rest are observed on the hypervisor.
const (
	StatusBuilding   = "building"
	StatusNetworking = "networking"
	StatusActive     = "active"
	StatusPaused     = "paused"
	StatusStopped    = "stopped"
	StatusError      = "error"
	StatusSuspended  = "suspended"
)

// Image statuses.
const (
	ImageQueued = "queued"
	ImageSaving = "saving"
	ImageActive = "active"
	ImageError  = "error"
)

// Flavor is the typed view of a flavors row.
type Flavor struct {
	ID    string
	Name  string
	RAM   int // MiB
	Disk  int // GiB
	VCPUs int
}

// FlavorFromRecord parses a flavors row.
func FlavorFromRecord(r Record) (Flavor, error) {
	f := Flavor{ID: r[ColID], Name: r["name"]}
	var err error
	if f.RAM, err = atoiColumn(r, "ram"); err != nil {
		return Flavor{}, err
	}
	if f.Disk, err = atoiColumn(r, "disk"); err != nil {
		return Flavor{}, err
	}
	if f.VCPUs, err = atoiColumn(r, "vcpus"); err != nil {
		return Flavor{}, err
	}
	return f, nil
}

// Image is the typed view of an images row.
type Image struct {
	ID              string
	Name            string
	DiskFormat      string
	ContainerFormat string
	Status          string
	File            string
	Checksum        string
	Protected       bool
}

// ImageFromRecord parses an images row.
func ImageFromRecord(r Record) Image {
	return Image{
		ID:              r[ColID],
		Name:            r["name"],
		DiskFormat:      r["disk_format"],
		ContainerFormat: r["container_format"],
		Status:          r["status"],
		File:            r["file"],
		Checksum:        r["checksum"],
		Protected:       r.Bool("protected"),
	}
}

// Keypair is the typed view of a keypairs row.
type Keypair struct {
	ID          string
	Name        string
	Fingerprint string
	PublicKey   string
}

// KeypairFromRecord parses a keypairs row.
func KeypairFromRecord(r Record) Keypair {
	return Keypair{
		ID:          r[ColID],
		Name:        r["name"],
		Fingerprint: r["fingerprint"],
		PublicKey:   r["public_key"],
	}
}

// Server is the typed view of a servers row.
type Server struct {
	ID          string
	IntID       int
	Name        string
	Status      string
	ImageID     string
	FlavorID    string
	KeyName     string
	MACAddress  string
	IP          string
	ConfigDrive bool
}

// ServerFromRecord parses a servers row.
func ServerFromRecord(r Record) (Server, error) {
	intID, err := atoiColumn(r, ColIntID)
	if err != nil {
		return Server{}, err
	}
	return Server{
		ID:          r[ColID],
		IntID:       intID,
		Name:        r["name"],
		Status:      r["status"],
		ImageID:     r["image_id"],
		FlavorID:    r["flavor_id"],
		KeyName:     r["key_name"],
		MACAddress:  r["mac_address"],
		IP:          r["ip"],
		ConfigDrive: r.Bool("config_drive"),
	}, nil
}

// DomainName is the hypervisor-visible name of the server's domain.
func (s Server) DomainName() string {
	return fmt.Sprintf("dwarf-%08x", s.IntID)
}

// InstanceID is the EC2 style instance identifier.
func (s Server) InstanceID() string {
	return fmt.Sprintf("i-%08x", s.IntID)
}

func atoiColumn(r Record, col string) (int, error) {
	v, err := strconv.Atoi(r[col])
	if err != nil {
		return 0, fmt.Errorf("column %s: invalid integer %q", col, r[col])
	}
	return v, nil
}
