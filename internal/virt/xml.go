package virt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"dwarf-go/internal/dwarf"
)

//go:embed templates/*.xml
var templateFiles embed.FS

var templates = template.Must(template.ParseFS(templateFiles, "templates/*.xml"))

type domainParams struct {
	DomainType  string
	UUID        string
	Name        string
	Memory      int // KiB
	VCPUs       int
	BasePath    string
	MACAddress  string
	Bridge      string
	ConfigDrive bool
}

type networkParams struct {
	Name      string
	UUID      string
	Bridge    string
	IP        string
	DHCPStart string
	DHCPEnd   string
}

func (c *Controller) renderDomain(server dwarf.Server, flavor dwarf.Flavor) (string, error) {
	return render("domain.xml", domainParams{
		DomainType:  c.opts.DomainType,
		UUID:        server.ID,
		Name:        server.DomainName(),
		Memory:      flavor.RAM * 1024,
		VCPUs:       flavor.VCPUs,
		BasePath:    c.instanceDir(server.ID),
		MACAddress:  server.MACAddress,
		Bridge:      c.opts.BridgeName,
		ConfigDrive: c.opts.ForceConfigDrive || server.ConfigDrive,
	})
}

func (c *Controller) renderNetwork() (string, error) {
	prefix := c.opts.BridgeIP
	if i := strings.LastIndex(prefix, "."); i >= 0 {
		prefix = prefix[:i]
	}
	return render("network.xml", networkParams{
		Name:      c.opts.NetworkName,
		UUID:      uuid.NewString(),
		Bridge:    c.opts.BridgeName,
		IP:        c.opts.BridgeIP,
		DHCPStart: prefix + ".2",
		DHCPEnd:   prefix + ".254",
	})
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}
