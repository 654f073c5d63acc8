package proxmox

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/ptydriver"
	"github.com/vmgate/vmgate/internal/quickconnect"
)

// clusterConn is a loaded Proxmox connection. The tree is two levels: nodes,
// then the guests on each node.
type clusterConn struct {
	provider *Provider
	client   *Client
	cfg      *connection.Configuration
}

var _ connection.Connection = (*clusterConn)(nil)

func (c *clusterConn) Metadata() connection.ConnectionMetadata {
	return connection.ConnectionMetadata{
		Title:    c.cfg.Title,
		Subtitle: c.cfg.GetString(settingHost),
	}
}

func (c *clusterConn) Servers(ctx context.Context) ([]connection.Server, error) {
	nodes, err := c.client.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]connection.Server, 0, len(nodes))
	for _, n := range nodes {
		online := n.Status == "online"
		out = append(out, &nodeServer{conn: c, name: n.Node, online: online})
	}
	return out, nil
}

// wsEndpoint builds the vncwebsocket URL for a console attachment. The
// console ticket stays out of the URL; the helper appends it from its
// environment.
func (c *clusterConn) wsEndpoint(pathPrefix string, port string) string {
	port8006 := c.cfg.GetInt(settingPort)
	if port8006 == 0 {
		port8006 = 8006
	}
	return fmt.Sprintf("wss://%s:%d/api2/json%s/vncwebsocket?port=%s",
		c.cfg.GetString(settingHost), port8006, pathPrefix, url.QueryEscape(port))
}

// startConsole spawns the console helper for a termproxy grant.
func (c *clusterConn) startConsole(tp *TermProxy, pathPrefix, target string) (connection.Session, error) {
	h := &ptydriver.Handshake{
		Endpoint: c.wsEndpoint(pathPrefix, tp.Port.String()),
		Target:   target,
		User:     tp.User,
		// Auth cookie first, console ticket second.
		Token:       []byte(c.client.AuthCookie() + "\n" + tp.Ticket),
		Fingerprint: c.cfg.GetString(settingFingerprint),
		InsecureTLS: c.cfg.GetBool(settingInsecureTLS),
	}
	return ptydriver.Start(c.provider.helperBin, h, c.provider.killGrace)
}

// nodeServer is one cluster member. Its console is the node shell.
type nodeServer struct {
	conn   *clusterConn
	name   string
	online bool
}

var _ connection.Server = (*nodeServer)(nil)

func (n *nodeServer) Metadata() connection.ServerMetadata {
	online := n.online
	return connection.ServerMetadata{
		ID:       n.name,
		Title:    n.name,
		Subtitle: "Proxmox node",
		Online:   &online,
	}
}

func (n *nodeServer) Adapters() []connection.AdapterKind {
	return []connection.AdapterKind{connection.AdapterConsole}
}

func (n *nodeServer) OpenAdapter(ctx context.Context, kind connection.AdapterKind) (connection.Session, error) {
	if kind != connection.AdapterConsole {
		return nil, connection.NewValidation(fmt.Sprintf("adapter not supported on node: %s", kind), nil)
	}
	tp, err := n.conn.client.NodeTermProxy(ctx, n.name)
	if err != nil {
		return nil, err
	}
	return n.conn.startConsole(tp, "/nodes/"+url.PathEscape(n.name), n.name)
}

func (n *nodeServer) PowerActions() []connection.PowerAction {
	return []connection.PowerAction{connection.PowerShutdown, connection.PowerReboot}
}

func (n *nodeServer) Power(ctx context.Context, action connection.PowerAction) error {
	switch action {
	case connection.PowerShutdown:
		return n.conn.client.NodePower(ctx, n.name, "shutdown")
	case connection.PowerReboot:
		return n.conn.client.NodePower(ctx, n.name, "reboot")
	}
	return connection.NewValidation(fmt.Sprintf("power action not supported on node: %s", action), nil)
}

func (n *nodeServer) Servers(ctx context.Context) ([]connection.Server, error) {
	guests, err := n.conn.client.Guests(ctx, n.name)
	if err != nil {
		return nil, err
	}
	out := make([]connection.Server, 0, len(guests))
	for _, g := range guests {
		out = append(out, &guestServer{
			conn:      n.conn,
			node:      n.name,
			guestType: g.Type,
			vmid:      g.VMID.String(),
			name:      g.Name,
			running:   g.Status == "running",
		})
	}
	return out, nil
}

// guestServer is a QEMU VM or LXC container.
type guestServer struct {
	conn      *clusterConn
	node      string
	guestType string // "qemu" | "lxc"
	vmid      string
	name      string
	running   bool
}

var _ connection.Server = (*guestServer)(nil)

func (g *guestServer) Metadata() connection.ServerMetadata {
	online := g.running
	title := g.name
	if title == "" {
		title = g.vmid
	}
	subtitle := "VM " + g.vmid
	if g.guestType == "lxc" {
		subtitle = "Container " + g.vmid
	}
	return connection.ServerMetadata{
		ID:       g.vmid,
		Title:    title,
		Subtitle: subtitle,
		Online:   &online,
	}
}

func (g *guestServer) Adapters() []connection.AdapterKind {
	kinds := []connection.AdapterKind{connection.AdapterConsole, connection.AdapterVNC}
	if g.guestType == "qemu" {
		kinds = append(kinds, connection.AdapterSPICE)
	}
	return kinds
}

func (g *guestServer) apiPath() string {
	return fmt.Sprintf("/nodes/%s/%s/%s", url.PathEscape(g.node), g.guestType, url.PathEscape(g.vmid))
}

func (g *guestServer) OpenAdapter(ctx context.Context, kind connection.AdapterKind) (connection.Session, error) {
	switch kind {
	case connection.AdapterConsole:
		tp, err := g.conn.client.GuestTermProxy(ctx, g.node, g.guestType, g.vmid)
		if err != nil {
			return nil, err
		}
		return g.conn.startConsole(tp, g.apiPath(), strings.Join([]string{g.node, g.guestType, g.vmid}, "/"))

	case connection.AdapterVNC:
		// vncproxy opens a short-lived TCP listener on the node; the grant
		// ticket doubles as the VNC password.
		vp, err := g.conn.client.GuestVNCProxy(ctx, g.node, g.guestType, g.vmid)
		if err != nil {
			return nil, err
		}
		port, err := vp.Port.Int64()
		if err != nil {
			return nil, connection.NewProtocolRejected("invalid vnc port from proxmox", err)
		}
		return adapter.OpenVNC(ctx, adapter.VNCOptions{
			Host:     g.conn.cfg.GetString(settingHost),
			Port:     int(port),
			Password: []byte(vp.Ticket),
		})

	case connection.AdapterSPICE:
		sp, err := g.conn.client.GuestSpiceProxy(ctx, g.node, g.guestType, g.vmid)
		if err != nil {
			return nil, err
		}
		doc := quickconnect.BuildVVFile(&quickconnect.VVParams{
			Host:     sp.Host,
			Proxy:    sp.Proxy,
			Password: sp.Password,
			TLSPort:  sp.TLSPort.String(),
			CA:       sp.CA,
			Subject:  sp.Subject,
			Title:    g.name,
		})
		return &spiceDocument{name: fmt.Sprintf("vm-%s.vv", g.vmid), content: doc}, nil
	}
	return nil, connection.NewValidation(fmt.Sprintf("adapter not supported: %s", kind), nil)
}

func (g *guestServer) PowerActions() []connection.PowerAction {
	actions := []connection.PowerAction{
		connection.PowerStart,
		connection.PowerShutdown,
		connection.PowerReboot,
		connection.PowerOff,
	}
	if g.guestType == "qemu" {
		actions = append(actions, connection.PowerReset)
	}
	return actions
}

func (g *guestServer) Power(ctx context.Context, action connection.PowerAction) error {
	verb := ""
	switch action {
	case connection.PowerStart:
		verb = "start"
	case connection.PowerShutdown:
		verb = "shutdown"
	case connection.PowerReboot:
		verb = "reboot"
	case connection.PowerReset:
		if g.guestType != "qemu" {
			return connection.NewValidation("reset is not supported for containers", nil)
		}
		verb = "reset"
	case connection.PowerOff:
		verb = "stop"
	default:
		return connection.NewValidation(fmt.Sprintf("unknown power action: %s", action), nil)
	}
	return g.conn.client.GuestPower(ctx, g.node, g.guestType, g.vmid, verb)
}

func (g *guestServer) Servers(ctx context.Context) ([]connection.Server, error) {
	return nil, nil
}

// spiceDocument hands a generated .vv file to the caller.
type spiceDocument struct {
	name    string
	content []byte
}

var _ connection.DocumentSession = (*spiceDocument)(nil)

func (d *spiceDocument) Kind() connection.AdapterKind { return connection.AdapterSPICE }
func (d *spiceDocument) Document() (string, []byte)   { return d.name, d.content }
func (d *spiceDocument) Close() error                 { return nil }
