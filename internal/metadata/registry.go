// Package metadata serves EC2 style instance metadata to guests. Guests
// reach 169.254.169.254:80, which a NAT rule per guest address redirects
// to the local metadata listener.
package metadata

import (
	"context"
	"strconv"

	"dwarf-go/internal/dwarf"
)

// LinkLocalAddress is the well known metadata address guests query.
const LinkLocalAddress = "169.254.169.254/32"

// Registry installs and removes the per guest redirect rules.
type Registry struct {
	runner dwarf.CommandRunner
	port   int
	logger dwarf.Logger
}

// NewRegistry redirects guest metadata traffic to port on the host.
func NewRegistry(runner dwarf.CommandRunner, port int, logger dwarf.Logger) *Registry {
	return &Registry{runner: runner, port: port, logger: logger.With("component", "metadata")}
}

var _ dwarf.MetadataRegistry = (*Registry)(nil)

func (r *Registry) ruleArgs(op, ip string) []string {
	return []string{
		"-t", "nat",
		op, "PREROUTING",
		"-s", ip,
		"-d", LinkLocalAddress,
		"-p", "tcp",
		"-m", "tcp",
		"--dport", "80",
		"-j", "REDIRECT",
		"--to-port", strconv.Itoa(r.port),
	}
}

// AddServer routes the server's metadata requests to this host.
func (r *Registry) AddServer(ctx context.Context, server dwarf.Server) error {
	r.logger.Info("add metadata route", "id", server.ID, "ip", server.IP, "port", r.port)
	_, err := r.runner.Run(ctx, true, "iptables", r.ruleArgs("-A", server.IP)...)
	return err
}

// DeleteServer removes the route. A rule that is already gone is fine, so
// failures are only logged.
func (r *Registry) DeleteServer(ctx context.Context, server dwarf.Server) error {
	r.logger.Info("delete metadata route", "id", server.ID, "ip", server.IP, "port", r.port)
	if _, err := r.runner.Run(ctx, true, "iptables", r.ruleArgs("-D", server.IP)...); err != nil {
		r.logger.Warn("failed to delete metadata route", "ip", server.IP, "error", err)
	}
	return nil
}
