package dwarf

import (
	"context"
	"io"
	"time"
)

// DomainInfo is the live hypervisor view of a server.
type DomainInfo struct {
	// Status is the portable server status derived from the domain state.
	Status    string
	MaxMemory uint64 // KiB
	Memory    uint64 // KiB
	VCPUs     uint
	CPUTime   uint64 // ns
}

// Hypervisor drives the local virtualization host.
type Hypervisor interface {
	// CreateServer defines and starts the server's domain.
	CreateServer(ctx context.Context, server Server, flavor Flavor) error

	// DeleteServer destroys and undefines the domain. A missing domain is
	// not an error.
	DeleteServer(ctx context.Context, server Server) error

	StartServer(ctx context.Context, server Server) error
	StopServer(ctx context.Context, server Server, hard bool) error

	// InfoServer returns nil info when the server has no domain.
	InfoServer(ctx context.Context, server Server) (*DomainInfo, error)

	// CreateNetwork ensures the guest network exists, is active and starts
	// on host boot.
	CreateNetwork(ctx context.Context) error

	// DHCPLease returns the address leased to the server's mac, or "".
	DHCPLease(ctx context.Context, server Server) (string, error)
}

// Action is one attempt of a background task. Returning done ends the task.
type Action func(ctx context.Context) (done bool, err error)

// Scheduler runs named, cancellable polling tasks. Stop returns only once
// the task's action is no longer running.
type Scheduler interface {
	Start(id string, interval time.Duration, maxAttempts int, action Action)
	Stop(id string)
	StopAll(wait bool)
}

// MetadataRegistry makes a server visible to the guest metadata service,
// keyed by its assigned IP address.
type MetadataRegistry interface {
	AddServer(ctx context.Context, server Server) error
	DeleteServer(ctx context.Context, server Server) error
}

// ImageStore holds image payloads.
type ImageStore interface {
	// Put stores the payload for image id and returns its location.
	Put(ctx context.Context, id string, r io.Reader) (location string, err error)

	// LocalPath returns a local file holding the payload at location,
	// fetching it first if the store is remote.
	LocalPath(ctx context.Context, id, location string) (string, error)

	Delete(ctx context.Context, id, location string) error
}

// CommandRunner executes external tools. A non-zero exit is reported as a
// CommandExecutionFailure.
type CommandRunner interface {
	Run(ctx context.Context, asRoot bool, name string, args ...string) (stdout string, err error)
}

// Event is a server lifecycle notification.
type Event struct {
	Type     string    `json:"event"`
	ServerID string    `json:"server_id"`
	Name     string    `json:"name"`
	Status   string    `json:"status,omitempty"`
	IP       string    `json:"ip,omitempty"`
	Time     time.Time `json:"time"`
}

// Event types.
const (
	EventBoot   = "boot"
	EventActive = "active"
	EventDelete = "delete"
	EventStart  = "start"
	EventStop   = "stop"
	EventReboot = "reboot"
)

// Notifier publishes lifecycle events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
