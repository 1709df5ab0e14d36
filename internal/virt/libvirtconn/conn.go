// Package libvirtconn adapts libvirt.org/go/libvirt to virt.Conn. It needs
// cgo and the libvirt client library; everything else in the module talks to
// the virt interfaces only.
package libvirtconn

import (
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"

	"dwarf-go/internal/virt"
)

// Dial opens a libvirt connection to uri. It satisfies virt.Dialer.
func Dial(uri string) (virt.Conn, error) {
	c, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, translate(err)
	}
	return &conn{c: c}, nil
}

var _ virt.Dialer = Dial

type conn struct {
	c *libvirt.Connect
}

func (c *conn) Ping() error {
	_, err := c.c.GetLibVersion()
	return translate(err)
}

func (c *conn) DefineDomain(xml string) (virt.Domain, error) {
	d, err := c.c.DomainDefineXML(xml)
	if err != nil {
		return nil, translate(err)
	}
	return &domain{d: d}, nil
}

func (c *conn) LookupDomain(name string) (virt.Domain, error) {
	d, err := c.c.LookupDomainByName(name)
	if err != nil {
		return nil, translate(err)
	}
	return &domain{d: d}, nil
}

func (c *conn) DefineNetwork(xml string) (virt.Network, error) {
	n, err := c.c.NetworkDefineXML(xml)
	if err != nil {
		return nil, translate(err)
	}
	return &network{n: n}, nil
}

func (c *conn) LookupNetwork(name string) (virt.Network, error) {
	n, err := c.c.LookupNetworkByName(name)
	if err != nil {
		return nil, translate(err)
	}
	return &network{n: n}, nil
}

func (c *conn) Close() error {
	_, err := c.c.Close()
	return translate(err)
}

type domain struct {
	d *libvirt.Domain
}

func (d *domain) Create() error   { return translate(d.d.Create()) }
func (d *domain) Destroy() error  { return translate(d.d.Destroy()) }
func (d *domain) Undefine() error { return translate(d.d.Undefine()) }
func (d *domain) Shutdown() error { return translate(d.d.Shutdown()) }
func (d *domain) Free()           { d.d.Free() }

func (d *domain) Info() (virt.DomainInfo, error) {
	info, err := d.d.GetInfo()
	if err != nil {
		return virt.DomainInfo{}, translate(err)
	}
	return virt.DomainInfo{
		State:     domainState(info.State),
		MaxMemory: info.MaxMem,
		Memory:    info.Memory,
		VCPUs:     info.NrVirtCpu,
		CPUTime:   info.CpuTime,
	}, nil
}

type network struct {
	n *libvirt.Network
}

func (n *network) Create() error { return translate(n.n.Create()) }
func (n *network) Free()         { n.n.Free() }

func (n *network) IsActive() (bool, error) {
	active, err := n.n.IsActive()
	return active, translate(err)
}

func (n *network) SetAutostart(autostart bool) error {
	return translate(n.n.SetAutostart(autostart))
}

func (n *network) Leases() ([]virt.Lease, error) {
	leases, err := n.n.GetDHCPLeases()
	if err != nil {
		return nil, translate(err)
	}
	out := make([]virt.Lease, len(leases))
	for i, l := range leases {
		out[i] = virt.Lease{IP: l.IPaddr, MAC: l.Mac}
	}
	return out, nil
}

func domainState(s libvirt.DomainState) virt.DomainState {
	switch s {
	case libvirt.DOMAIN_RUNNING:
		return virt.StateRunning
	case libvirt.DOMAIN_BLOCKED:
		return virt.StateBlocked
	case libvirt.DOMAIN_PAUSED:
		return virt.StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return virt.StateShutdown
	case libvirt.DOMAIN_SHUTOFF:
		return virt.StateShutoff
	case libvirt.DOMAIN_CRASHED:
		return virt.StateCrashed
	case libvirt.DOMAIN_PMSUSPENDED:
		return virt.StateSuspended
	default:
		return virt.StateNoState
	}
}

// translate tags libvirt errors with the virt sentinel the controller
// branches on.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return err
	}
	switch lerr.Code {
	case libvirt.ERR_NO_DOMAIN:
		return fmt.Errorf("%w: %s", virt.ErrNoDomain, lerr.Message)
	case libvirt.ERR_NO_NETWORK:
		return fmt.Errorf("%w: %s", virt.ErrNoNetwork, lerr.Message)
	case libvirt.ERR_OPERATION_INVALID:
		return fmt.Errorf("%w: %s", virt.ErrOperationInvalid, lerr.Message)
	case libvirt.ERR_SYSTEM_ERROR, libvirt.ERR_INTERNAL_ERROR:
		return fmt.Errorf("%w: %s", virt.ErrConnectionBroken, lerr.Message)
	}
	return err
}
