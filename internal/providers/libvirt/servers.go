package libvirt

import (
	"context"
	"encoding/xml"
	"fmt"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/ptydriver"
)

// hypervisorConn is a loaded libvirt connection: a flat list of domains.
type hypervisorConn struct {
	provider *Provider
	l        *golibvirt.Libvirt
	cfg      *connection.Configuration
	uri      string
	host     string
}

var _ connection.Connection = (*hypervisorConn)(nil)

func (c *hypervisorConn) Metadata() connection.ConnectionMetadata {
	subtitle := c.host
	if subtitle == "" {
		subtitle = "local hypervisor"
	}
	return connection.ConnectionMetadata{Title: c.cfg.Title, Subtitle: subtitle}
}

func (c *hypervisorConn) Servers(ctx context.Context) ([]connection.Server, error) {
	doms, _, err := c.l.ConnectListAllDomains(1,
		golibvirt.ConnectListDomainsActive|golibvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, connection.NewUnreachable("listing libvirt domains failed", err)
	}
	out := make([]connection.Server, 0, len(doms))
	for _, d := range doms {
		out = append(out, &domainServer{conn: c, dom: d})
	}
	return out, nil
}

// domainServer is one libvirt domain.
type domainServer struct {
	conn *hypervisorConn
	dom  golibvirt.Domain
}

var _ connection.Server = (*domainServer)(nil)

func (s *domainServer) Metadata() connection.ServerMetadata {
	md := connection.ServerMetadata{ID: s.dom.Name, Title: s.dom.Name, Subtitle: "Domain"}
	state, _, err := s.conn.l.DomainGetState(s.dom, 0)
	if err == nil {
		online := golibvirt.DomainState(state) == golibvirt.DomainRunning
		md.Online = &online
	}
	return md
}

func (s *domainServer) Adapters() []connection.AdapterKind {
	kinds := []connection.AdapterKind{connection.AdapterConsole}
	for _, g := range s.graphics() {
		switch g.Type {
		case "vnc":
			kinds = append(kinds, connection.AdapterVNC)
		case "spice":
			kinds = append(kinds, connection.AdapterSPICE)
		}
	}
	return kinds
}

// domainGraphics is the slice of the domain XML we care about.
type domainGraphics struct {
	Type     string `xml:"type,attr"`
	Port     int    `xml:"port,attr"`
	TLSPort  int    `xml:"tlsPort,attr"`
	Listen   string `xml:"listen,attr"`
	AutoPort string `xml:"autoport,attr"`
}

func (s *domainServer) graphics() []domainGraphics {
	desc, err := s.conn.l.DomainGetXMLDesc(s.dom, 0)
	if err != nil {
		return nil
	}
	return parseGraphics(desc)
}

func parseGraphics(desc string) []domainGraphics {
	var doc struct {
		Devices struct {
			Graphics []domainGraphics `xml:"graphics"`
		} `xml:"devices"`
	}
	if err := xml.Unmarshal([]byte(desc), &doc); err != nil {
		return nil
	}
	return doc.Devices.Graphics
}

// graphicsHost picks the address a renderer should dial: the graphics
// listen address unless it is a wildcard or loopback on a remote host.
func (s *domainServer) graphicsHost(g domainGraphics) string {
	listen := g.Listen
	if s.conn.host != "" {
		if listen == "" || listen == "0.0.0.0" || listen == "::" || listen == "127.0.0.1" {
			return s.conn.host
		}
		return listen
	}
	if listen == "" || listen == "0.0.0.0" || listen == "::" {
		return "127.0.0.1"
	}
	return listen
}

func (s *domainServer) OpenAdapter(ctx context.Context, kind connection.AdapterKind) (connection.Session, error) {
	switch kind {
	case connection.AdapterConsole:
		h := &ptydriver.Handshake{
			Endpoint: s.conn.uri,
			Target:   s.dom.Name,
		}
		return ptydriver.Start(s.conn.provider.helperBin, h, s.conn.provider.killGrace)

	case connection.AdapterVNC:
		for _, g := range s.graphics() {
			if g.Type == "vnc" && g.Port > 0 {
				return adapter.OpenVNC(ctx, adapter.VNCOptions{Host: s.graphicsHost(g), Port: g.Port})
			}
		}
		return nil, connection.NewProtocolRejected("domain has no active vnc graphics", nil)

	case connection.AdapterSPICE:
		for _, g := range s.graphics() {
			if g.Type == "spice" && g.Port > 0 {
				return adapter.OpenSPICE(ctx, s.graphicsHost(g), g.Port)
			}
		}
		return nil, connection.NewProtocolRejected("domain has no active spice graphics", nil)
	}
	return nil, connection.NewValidation(fmt.Sprintf("adapter not supported: %s", kind), nil)
}

func (s *domainServer) PowerActions() []connection.PowerAction {
	return []connection.PowerAction{
		connection.PowerStart,
		connection.PowerShutdown,
		connection.PowerReboot,
		connection.PowerReset,
		connection.PowerOff,
	}
}

func (s *domainServer) Power(ctx context.Context, action connection.PowerAction) error {
	var err error
	switch action {
	case connection.PowerStart:
		err = s.conn.l.DomainCreate(s.dom)
	case connection.PowerShutdown:
		err = s.conn.l.DomainShutdown(s.dom)
	case connection.PowerReboot:
		err = s.conn.l.DomainReboot(s.dom, 0)
	case connection.PowerReset:
		err = s.conn.l.DomainReset(s.dom, 0)
	case connection.PowerOff:
		err = s.conn.l.DomainDestroy(s.dom)
	default:
		return connection.NewValidation(fmt.Sprintf("unknown power action: %s", action), nil)
	}
	if err != nil {
		return connection.NewProtocolRejected(fmt.Sprintf("libvirt refused %s for %s", action, s.dom.Name), err)
	}
	return nil
}

func (s *domainServer) Servers(ctx context.Context) ([]connection.Server, error) {
	return nil, nil
}
