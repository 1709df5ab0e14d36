package testutil

import (
	"context"
	"fmt"
	"sync"

	"dwarf-go/internal/dwarf"
)

// FakeHypervisor keeps domain states in memory. Errors set in Fail are
// returned by the method of the same name ("CreateServer", "StopServer",
// ...).
type FakeHypervisor struct {
	mu      sync.Mutex
	domains map[string]string // server id -> status
	leases  map[string]string // mac -> ip
	calls   []string

	Fail map[string]error

	// IgnoreShutdown leaves a domain running after a graceful stop, like a
	// guest that does not react to the ACPI event.
	IgnoreShutdown bool
	NetworkCreated bool
}

func NewFakeHypervisor() *FakeHypervisor {
	return &FakeHypervisor{
		domains: make(map[string]string),
		leases:  make(map[string]string),
		Fail:    make(map[string]error),
	}
}

var _ dwarf.Hypervisor = (*FakeHypervisor)(nil)

func (h *FakeHypervisor) enter(method string, server dwarf.Server) error {
	h.calls = append(h.calls, fmt.Sprintf("%s %s", method, server.ID))
	return h.Fail[method]
}

func (h *FakeHypervisor) CreateServer(_ context.Context, server dwarf.Server, _ dwarf.Flavor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("CreateServer", server); err != nil {
		return err
	}
	h.domains[server.ID] = dwarf.StatusActive
	return nil
}

func (h *FakeHypervisor) DeleteServer(_ context.Context, server dwarf.Server) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("DeleteServer", server); err != nil {
		return err
	}
	delete(h.domains, server.ID)
	return nil
}

func (h *FakeHypervisor) StartServer(_ context.Context, server dwarf.Server) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enter("StartServer", server); err != nil {
		return err
	}
	if _, ok := h.domains[server.ID]; ok {
		h.domains[server.ID] = dwarf.StatusActive
	}
	return nil
}

func (h *FakeHypervisor) StopServer(_ context.Context, server dwarf.Server, hard bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	method := "StopServer"
	if hard {
		method = "StopServer hard"
	}
	if err := h.enter(method, server); err != nil {
		return err
	}
	if _, ok := h.domains[server.ID]; ok && (hard || !h.IgnoreShutdown) {
		h.domains[server.ID] = dwarf.StatusStopped
	}
	return nil
}

func (h *FakeHypervisor) InfoServer(_ context.Context, server dwarf.Server) (*dwarf.DomainInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Fail["InfoServer"]; err != nil {
		return nil, err
	}
	status, ok := h.domains[server.ID]
	if !ok {
		return nil, nil
	}
	return &dwarf.DomainInfo{Status: status, MaxMemory: 524288, Memory: 524288, VCPUs: 1}, nil
}

func (h *FakeHypervisor) CreateNetwork(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "CreateNetwork")
	if err := h.Fail["CreateNetwork"]; err != nil {
		return err
	}
	h.NetworkCreated = true
	return nil
}

func (h *FakeHypervisor) DHCPLease(_ context.Context, server dwarf.Server) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Fail["DHCPLease"]; err != nil {
		return "", err
	}
	return h.leases[server.MACAddress], nil
}

// SetLease hands ip to mac.
func (h *FakeHypervisor) SetLease(mac, ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leases[mac] = ip
}

// SetStatus forces the status of a defined domain.
func (h *FakeHypervisor) SetStatus(id, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[id] = status
}

// Status returns the domain status and whether the domain exists.
func (h *FakeHypervisor) Status(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.domains[id]
	return s, ok
}

// Calls returns "<method> <server id>" for every call made.
func (h *FakeHypervisor) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}
