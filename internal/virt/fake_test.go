package virt_test

import (
	"fmt"
	"strings"
	"sync"

	"dwarf-go/internal/virt"
)

// fakeConn is an in-memory hypervisor.
type fakeConn struct {
	mu       sync.Mutex
	domains  map[string]*fakeDomain
	networks map[string]*fakeNetwork
	pingErr  error
	closed   bool
	defined  []string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		domains:  make(map[string]*fakeDomain),
		networks: make(map[string]*fakeNetwork),
	}
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) DefineDomain(xml string) (virt.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := between(xml, "<name>", "</name>")
	d, ok := c.domains[name]
	if !ok {
		d = &fakeDomain{name: name, state: virt.StateShutoff}
		c.domains[name] = d
	}
	d.xml = xml
	d.defined = true
	c.defined = append(c.defined, xml)
	return d, nil
}

func (c *fakeConn) LookupDomain(name string) (virt.Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.domains[name]
	if !ok || !d.defined {
		return nil, fmt.Errorf("%w: %s", virt.ErrNoDomain, name)
	}
	return d, nil
}

func (c *fakeConn) DefineNetwork(xml string) (virt.Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := between(xml, "<name>", "</name>")
	n := &fakeNetwork{xml: xml}
	c.networks[name] = n
	return n, nil
}

func (c *fakeConn) LookupNetwork(name string) (virt.Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", virt.ErrNoNetwork, name)
	}
	return n, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDomain struct {
	mu      sync.Mutex
	name    string
	xml     string
	state   virt.DomainState
	defined bool
	calls   []string
	// destroyErr is returned by the next Destroy call.
	destroyErr error
}

func (d *fakeDomain) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *fakeDomain) Create() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("create")
	d.state = virt.StateRunning
	return nil
}

func (d *fakeDomain) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("destroy")
	if err := d.destroyErr; err != nil {
		d.destroyErr = nil
		return err
	}
	if d.state != virt.StateRunning && d.state != virt.StateBlocked {
		return fmt.Errorf("%w: domain is not running", virt.ErrOperationInvalid)
	}
	d.state = virt.StateShutoff
	return nil
}

func (d *fakeDomain) Undefine() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("undefine")
	d.defined = false
	return nil
}

func (d *fakeDomain) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("shutdown")
	d.state = virt.StateShutdown
	return nil
}

func (d *fakeDomain) Info() (virt.DomainInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virt.DomainInfo{State: d.state, MaxMemory: 524288, Memory: 524288, VCPUs: 1}, nil
}

func (d *fakeDomain) Free() {}

func (d *fakeDomain) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeNetwork struct {
	mu        sync.Mutex
	xml       string
	active    bool
	autostart bool
	leases    []virt.Lease
}

func (n *fakeNetwork) Create() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active = true
	return nil
}

func (n *fakeNetwork) IsActive() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active, nil
}

func (n *fakeNetwork) SetAutostart(autostart bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autostart = autostart
	return nil
}

func (n *fakeNetwork) Leases() ([]virt.Lease, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]virt.Lease(nil), n.leases...), nil
}

func (n *fakeNetwork) Free() {}

func between(s, start, end string) string {
	_, rest, ok := strings.Cut(s, start)
	if !ok {
		return ""
	}
	v, _, _ := strings.Cut(rest, end)
	return v
}
