// Package generic implements the provider for directly addressed endpoints
// speaking RDP, VNC, SPICE or SSH. One configuration is either a single
// endpoint or a user-defined group of endpoints stored as a "servers" list.
package generic

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vmgate/vmgate/internal/adapter"
	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// Settings keys understood by this provider. The top-level keys describe a
// single endpoint; settingServers holds a list of objects with the same keys
// (plus an optional title) for a server group.
const (
	settingProtocol = "protocol"
	settingHost     = "host"
	settingPort     = "port"
	settingUsername = "username"
	settingTitle    = "title"
	settingServers  = "servers"
)

var protocols = map[string]connection.AdapterKind{
	"rdp":   connection.AdapterRDP,
	"vnc":   connection.AdapterVNC,
	"spice": connection.AdapterSPICE,
	"ssh":   connection.AdapterSSH,
}

// Provider serves directly addressed endpoints.
type Provider struct {
	creds *secrets.Manager
}

var _ connection.Provider = (*Provider)(nil)

func New(creds *secrets.Manager) *Provider {
	return &Provider{creds: creds}
}

func (p *Provider) Info() connection.ProviderInfo {
	return connection.ProviderInfo{
		Tag:         "generic",
		Title:       "Generic Endpoint",
		TitlePlural: "Generic Endpoints",
		AddTitle:    "Add Endpoint",
		Description: "One or more RDP, VNC, SPICE or SSH endpoints",
	}
}

func (p *Provider) ValidateSettings(settings map[string]any) error {
	raw, ok := settings[settingServers]
	if !ok {
		return validateEndpoint(settings)
	}
	entries, ok := raw.([]any)
	if !ok || len(entries) == 0 {
		return connection.NewValidation("servers must be a non-empty list", nil)
	}
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return connection.NewValidation(fmt.Sprintf("servers[%d] must be an object", i), nil)
		}
		if err := validateEndpoint(entry); err != nil {
			return connection.NewValidation(fmt.Sprintf("servers[%d] is invalid", i), err)
		}
	}
	return nil
}

func validateEndpoint(settings map[string]any) error {
	proto, _ := settings[settingProtocol].(string)
	if _, ok := protocols[proto]; !ok {
		return connection.NewValidation(fmt.Sprintf("unsupported protocol: %q", proto), nil)
	}
	host, _ := settings[settingHost].(string)
	if host == "" {
		return connection.NewValidation("host is required", nil)
	}
	if raw, ok := settings[settingPort]; ok {
		port := 0
		switch v := raw.(type) {
		case int:
			port = v
		case float64:
			port = int(v)
		default:
			return connection.NewValidation("port must be a number", nil)
		}
		if port < 1 || port > 65535 {
			return connection.NewValidation(fmt.Sprintf("port out of range: %d", port), nil)
		}
	}
	return nil
}

// endpointSpec is one resolved endpoint, from either the top-level settings
// or a servers list entry.
type endpointSpec struct {
	id       string
	title    string
	kind     connection.AdapterKind
	host     string
	port     int
	username string
}

func specFrom(id string, settings map[string]any) (endpointSpec, error) {
	proto, _ := settings[settingProtocol].(string)
	kind, ok := protocols[proto]
	if !ok {
		return endpointSpec{}, connection.NewValidation("unsupported protocol in stored settings", nil)
	}
	// Reuse the stored-settings accessors for the loosely typed values.
	s := connection.Configuration{Settings: settings}
	spec := endpointSpec{
		id:       id,
		kind:     kind,
		host:     s.GetString(settingHost),
		port:     s.GetInt(settingPort),
		username: s.GetString(settingUsername),
		title:    s.GetString(settingTitle),
	}
	if spec.host == "" {
		return endpointSpec{}, connection.NewValidation("host missing in stored settings", nil)
	}
	if spec.title == "" {
		spec.title = spec.host
	}
	return spec, nil
}

// endpointSpecs resolves the configuration into its server list. A missing
// servers key means the top-level settings describe a single endpoint.
func endpointSpecs(cfg *connection.Configuration) ([]endpointSpec, error) {
	raw, ok := cfg.Settings[settingServers]
	if !ok {
		spec, err := specFrom("endpoint", cfg.Settings)
		if err != nil {
			return nil, err
		}
		return []endpointSpec{spec}, nil
	}
	entries, ok := raw.([]any)
	if !ok || len(entries) == 0 {
		return nil, connection.NewValidation("servers missing in stored settings", nil)
	}
	specs := make([]endpointSpec, 0, len(entries))
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, connection.NewValidation(fmt.Sprintf("servers[%d] corrupt in stored settings", i), nil)
		}
		spec, err := specFrom(strconv.Itoa(i), entry)
		if err != nil {
			return nil, err
		}
		// Group entries fall back to the connection-level username.
		if spec.username == "" {
			spec.username = cfg.GetString(settingUsername)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Load is local only for this provider: endpoints are dialed when a session
// opens, not when the connection loads.
func (p *Provider) Load(ctx context.Context, cfg *connection.Configuration) (connection.Connection, error) {
	specs, err := endpointSpecs(cfg)
	if err != nil {
		return nil, err
	}
	return &endpointConn{provider: p, cfg: cfg, specs: specs}, nil
}

type endpointConn struct {
	provider *Provider
	cfg      *connection.Configuration
	specs    []endpointSpec
}

var _ connection.Connection = (*endpointConn)(nil)

func (c *endpointConn) Metadata() connection.ConnectionMetadata {
	subtitle := c.specs[0].host
	if len(c.specs) > 1 {
		subtitle = fmt.Sprintf("%d servers", len(c.specs))
	}
	return connection.ConnectionMetadata{
		Title:    c.cfg.Title,
		Subtitle: subtitle,
	}
}

func (c *endpointConn) Servers(ctx context.Context) ([]connection.Server, error) {
	out := make([]connection.Server, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, &endpointServer{conn: c, spec: spec})
	}
	return out, nil
}

// endpointServer is one node of a generic connection.
type endpointServer struct {
	conn *endpointConn
	spec endpointSpec
}

var _ connection.Server = (*endpointServer)(nil)

func (s *endpointServer) Metadata() connection.ServerMetadata {
	return connection.ServerMetadata{
		ID:       s.spec.id,
		Title:    s.spec.title,
		Subtitle: string(s.spec.kind),
	}
}

func (s *endpointServer) Adapters() []connection.AdapterKind {
	kinds := []connection.AdapterKind{s.spec.kind}
	if s.spec.kind == connection.AdapterSSH {
		kinds = append(kinds, connection.AdapterSFTP)
	}
	return kinds
}

func (s *endpointServer) OpenAdapter(ctx context.Context, kind connection.AdapterKind) (connection.Session, error) {
	host, port := s.spec.host, s.spec.port

	switch {
	case kind == s.spec.kind && kind == connection.AdapterRDP:
		return adapter.OpenRDP(ctx, host, port)
	case kind == s.spec.kind && kind == connection.AdapterSPICE:
		return adapter.OpenSPICE(ctx, host, port)
	case kind == s.spec.kind && kind == connection.AdapterVNC:
		password, err := s.conn.provider.creds.Get(ctx, s.conn.cfg.ID, "password")
		if err != nil {
			return nil, connection.NewInternal("reading stored credentials failed", err)
		}
		return adapter.OpenVNC(ctx, adapter.VNCOptions{Host: host, Port: port, Password: password})
	case s.spec.kind == connection.AdapterSSH && (kind == connection.AdapterSSH || kind == connection.AdapterSFTP):
		opts, err := s.sshOptions(ctx)
		if err != nil {
			return nil, err
		}
		if kind == connection.AdapterSFTP {
			return adapter.OpenSFTP(ctx, opts)
		}
		return adapter.OpenSSH(ctx, opts)
	}
	return nil, connection.NewValidation(fmt.Sprintf("adapter not supported: %s", kind), nil)
}

func (s *endpointServer) sshOptions(ctx context.Context) (adapter.SSHOptions, error) {
	creds := s.conn.provider.creds
	password, err := creds.Get(ctx, s.conn.cfg.ID, "password")
	if err != nil {
		return adapter.SSHOptions{}, connection.NewInternal("reading stored credentials failed", err)
	}
	key, err := creds.Get(ctx, s.conn.cfg.ID, "private_key")
	if err != nil {
		return adapter.SSHOptions{}, connection.NewInternal("reading stored credentials failed", err)
	}
	return adapter.SSHOptions{
		Host:       s.spec.host,
		Port:       s.spec.port,
		User:       s.spec.username,
		Password:   password,
		PrivateKey: key,
	}, nil
}

func (s *endpointServer) PowerActions() []connection.PowerAction { return nil }

func (s *endpointServer) Power(ctx context.Context, action connection.PowerAction) error {
	return connection.NewValidation("generic endpoints are not power capable", nil)
}

func (s *endpointServer) Servers(ctx context.Context) ([]connection.Server, error) {
	return nil, nil
}
