package virt

import (
	"errors"

	"dwarf-go/internal/dwarf"
)

// Errors reported by Conn implementations. Callers match them with
// errors.Is.
var (
	ErrNoDomain         = errors.New("domain not found")
	ErrNoNetwork        = errors.New("network not found")
	ErrOperationInvalid = errors.New("operation invalid in current domain state")
	// ErrConnectionBroken marks failures after which the connection must be
	// reopened.
	ErrConnectionBroken = errors.New("hypervisor connection broken")
)

// DomainState is the hypervisor's domain state.
type DomainState int

const (
	StateNoState DomainState = iota
	StateRunning
	StateBlocked
	StatePaused
	StateShutdown
	StateShutoff
	StateCrashed
	StateSuspended
)

// Status maps a domain state onto the portable server status. It is the
// only place that knows the hypervisor's state enumeration.
func Status(s DomainState) string {
	switch s {
	case StateRunning, StateBlocked:
		return dwarf.StatusActive
	case StatePaused:
		return dwarf.StatusPaused
	case StateShutdown, StateShutoff:
		return dwarf.StatusStopped
	case StateCrashed:
		return dwarf.StatusError
	case StateSuspended:
		return dwarf.StatusSuspended
	default:
		return dwarf.StatusBuilding
	}
}

// DomainInfo is the raw info of a domain.
type DomainInfo struct {
	State     DomainState
	MaxMemory uint64
	Memory    uint64
	VCPUs     uint
	CPUTime   uint64
}

// Lease is one DHCP lease handed out on a network.
type Lease struct {
	IP  string
	MAC string
}

// Conn is an open hypervisor connection.
type Conn interface {
	// Ping reports ErrConnectionBroken when the connection needs reopening.
	Ping() error

	DefineDomain(xml string) (Domain, error)
	LookupDomain(name string) (Domain, error)

	DefineNetwork(xml string) (Network, error)
	LookupNetwork(name string) (Network, error)

	Close() error
}

// Domain is a defined guest.
type Domain interface {
	Create() error
	Destroy() error
	Undefine() error
	Shutdown() error
	Info() (DomainInfo, error)
	Free()
}

// Network is a defined virtual network.
type Network interface {
	Create() error
	IsActive() (bool, error)
	SetAutostart(autostart bool) error
	Leases() ([]Lease, error)
	Free()
}

// Dialer opens a connection to the hypervisor at uri.
type Dialer func(uri string) (Conn, error)
