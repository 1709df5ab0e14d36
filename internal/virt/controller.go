// Package virt drives the local hypervisor: guest domains and the guest
// network.
package virt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dwarf-go/internal/dwarf"
)

// DomainXMLFile is the name of the cached domain definition inside an
// instance directory.
const DomainXMLFile = "libvirt.xml"

// Options configures a Controller.
type Options struct {
	URI          string
	DomainType   string
	BridgeName   string
	BridgeIP     string
	NetworkName  string
	InstancesDir string
	// ForceConfigDrive attaches the config drive to every domain.
	ForceConfigDrive bool
}

// Controller implements dwarf.Hypervisor on top of a single shared
// connection. The connection is opened on first use and reopened after it
// is found broken.
type Controller struct {
	opts   Options
	dial   Dialer
	logger dwarf.Logger

	mu   sync.Mutex
	conn Conn
}

func NewController(opts Options, dial Dialer, logger dwarf.Logger) *Controller {
	return &Controller{
		opts:   opts,
		dial:   dial,
		logger: logger.With("component", "virt"),
	}
}

var _ dwarf.Hypervisor = (*Controller)(nil)

// connect returns the shared connection, opening or reopening it when
// needed.
func (c *Controller) connect() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Ping()
		if err == nil {
			return c.conn, nil
		}
		if !errors.Is(err, ErrConnectionBroken) {
			return nil, fmt.Errorf("checking hypervisor connection: %w", err)
		}
		c.logger.Debug("hypervisor connection broke")
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Debug("connecting to hypervisor", "uri", c.opts.URI)
	conn, err := c.dial(c.opts.URI)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.opts.URI, err)
	}
	c.conn = conn
	return conn, nil
}

// Close releases the connection if one is open.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// DomainXML returns the domain definition for server. The rendered document
// is cached in the instance directory and read back on later calls unless
// force is set.
func (c *Controller) DomainXML(server dwarf.Server, flavor dwarf.Flavor, force bool) (string, error) {
	path := filepath.Join(c.instanceDir(server.ID), DomainXMLFile)

	if !force {
		data, err := os.ReadFile(path)
		if err == nil {
			c.logger.Info("read existing domain xml", "id", server.ID)
			return string(data), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
	}

	c.logger.Info("create domain xml", "id", server.ID)
	xml, err := c.renderDomain(server, flavor)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating instance directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(xml), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return xml, nil
}

// CreateServer defines the server's domain and starts it.
func (c *Controller) CreateServer(ctx context.Context, server dwarf.Server, flavor dwarf.Flavor) error {
	c.logger.Info("create server", "id", server.ID, "domain", server.DomainName(), "flavor", flavor.ID)

	conn, err := c.connect()
	if err != nil {
		return err
	}
	xml, err := c.DomainXML(server, flavor, false)
	if err != nil {
		return err
	}

	dom, err := conn.DefineDomain(xml)
	if err != nil {
		return fmt.Errorf("defining domain %s: %w", server.DomainName(), err)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return fmt.Errorf("starting domain %s: %w", server.DomainName(), err)
	}
	return nil
}

// DeleteServer destroys and undefines the server's domain.
func (c *Controller) DeleteServer(ctx context.Context, server dwarf.Server) error {
	c.logger.Info("delete server", "id", server.ID, "domain", server.DomainName())

	dom, err := c.lookup(server)
	if err != nil || dom == nil {
		return err
	}
	defer dom.Free()

	if err := c.destroy(server, dom); err != nil {
		return err
	}
	if err := dom.Undefine(); err != nil {
		return fmt.Errorf("undefining domain %s: %w", server.DomainName(), err)
	}
	return nil
}

// StartServer starts the domain unless it is already running.
func (c *Controller) StartServer(ctx context.Context, server dwarf.Server) error {
	c.logger.Info("start server", "id", server.ID)

	dom, err := c.lookup(server)
	if err != nil || dom == nil {
		return err
	}
	defer dom.Free()

	state, err := domainState(dom)
	if err != nil {
		return err
	}
	if Status(state) == dwarf.StatusActive {
		return nil
	}
	if err := dom.Create(); err != nil {
		return fmt.Errorf("starting domain %s: %w", server.DomainName(), err)
	}
	return nil
}

// StopServer shuts the running domain down, gracefully unless hard is set.
// Domains that are not running are left alone.
func (c *Controller) StopServer(ctx context.Context, server dwarf.Server, hard bool) error {
	c.logger.Info("stop server", "id", server.ID, "hard", hard)

	dom, err := c.lookup(server)
	if err != nil || dom == nil {
		return err
	}
	defer dom.Free()

	state, err := domainState(dom)
	if err != nil {
		return err
	}
	if Status(state) != dwarf.StatusActive {
		return nil
	}
	if hard {
		return c.destroy(server, dom)
	}
	if err := dom.Shutdown(); err != nil {
		return fmt.Errorf("shutting down domain %s: %w", server.DomainName(), err)
	}
	return nil
}

// InfoServer returns the domain's info with its state mapped to a server
// status, or nil when the server has no domain.
func (c *Controller) InfoServer(ctx context.Context, server dwarf.Server) (*dwarf.DomainInfo, error) {
	c.logger.Debug("info server", "id", server.ID)

	dom, err := c.lookup(server)
	if err != nil || dom == nil {
		return nil, err
	}
	defer dom.Free()

	info, err := dom.Info()
	if err != nil {
		return nil, fmt.Errorf("querying domain %s: %w", server.DomainName(), err)
	}
	return &dwarf.DomainInfo{
		Status:    Status(info.State),
		MaxMemory: info.MaxMemory,
		Memory:    info.Memory,
		VCPUs:     info.VCPUs,
		CPUTime:   info.CPUTime,
	}, nil
}

// CreateNetwork defines the guest network if it is missing, marks it to
// start on host boot and starts it if it is inactive.
func (c *Controller) CreateNetwork(ctx context.Context) error {
	c.logger.Info("create network", "name", c.opts.NetworkName, "bridge", c.opts.BridgeName)

	conn, err := c.connect()
	if err != nil {
		return err
	}

	net, err := conn.LookupNetwork(c.opts.NetworkName)
	if errors.Is(err, ErrNoNetwork) {
		xml, rerr := c.renderNetwork()
		if rerr != nil {
			return rerr
		}
		net, err = conn.DefineNetwork(xml)
		if err != nil {
			return fmt.Errorf("defining network %s: %w", c.opts.NetworkName, err)
		}
	} else if err != nil {
		return fmt.Errorf("looking up network %s: %w", c.opts.NetworkName, err)
	}
	defer net.Free()

	if err := net.SetAutostart(true); err != nil {
		return fmt.Errorf("setting autostart on network %s: %w", c.opts.NetworkName, err)
	}
	active, err := net.IsActive()
	if err != nil {
		return fmt.Errorf("checking network %s: %w", c.opts.NetworkName, err)
	}
	if !active {
		if err := net.Create(); err != nil {
			return fmt.Errorf("starting network %s: %w", c.opts.NetworkName, err)
		}
	}
	return nil
}

// DHCPLease returns the address leased to the server's mac. An empty string
// means there is no lease yet, or the mac holds more than one.
func (c *Controller) DHCPLease(ctx context.Context, server dwarf.Server) (string, error) {
	c.logger.Debug("get dhcp lease", "id", server.ID, "mac", server.MACAddress)

	conn, err := c.connect()
	if err != nil {
		return "", err
	}
	net, err := conn.LookupNetwork(c.opts.NetworkName)
	if err != nil {
		return "", fmt.Errorf("looking up network %s: %w", c.opts.NetworkName, err)
	}
	defer net.Free()

	leases, err := net.Leases()
	if err != nil {
		return "", fmt.Errorf("listing leases on %s: %w", c.opts.NetworkName, err)
	}
	var matched []Lease
	for _, l := range leases {
		if l.MAC == server.MACAddress {
			matched = append(matched, l)
		}
	}
	if len(matched) != 1 {
		return "", nil
	}
	return matched[0].IP, nil
}

// lookup returns the server's domain, or nil when it does not exist.
func (c *Controller) lookup(server dwarf.Server) (Domain, error) {
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	dom, err := conn.LookupDomain(server.DomainName())
	if errors.Is(err, ErrNoDomain) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up domain %s: %w", server.DomainName(), err)
	}
	return dom, nil
}

// destroy forces the domain off. A domain that is already shut down
// rejects the call as invalid, which counts as success.
func (c *Controller) destroy(server dwarf.Server, dom Domain) error {
	err := dom.Destroy()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrOperationInvalid) {
		if state, serr := domainState(dom); serr == nil && Status(state) == dwarf.StatusStopped {
			return nil
		}
	}
	return fmt.Errorf("destroying domain %s: %w", server.DomainName(), err)
}

func (c *Controller) instanceDir(id string) string {
	return filepath.Join(c.opts.InstancesDir, id)
}

func domainState(dom Domain) (DomainState, error) {
	info, err := dom.Info()
	if err != nil {
		return StateNoState, fmt.Errorf("querying domain state: %w", err)
	}
	return info.State, nil
}
