// Package debug implements a provider with scripted load behavior. It is
// registered only when VMGATE_DEBUG_PROVIDER is set and exists to
// exercise the load state machine end to end without real backends.
package debug

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

const (
	settingBehavior = "behavior"
	settingDelay    = "delay_ms"
)

const (
	behaviorReady       = "ready"
	behaviorAuth        = "auth"
	behaviorError       = "error"
	behaviorUnreachable = "unreachable"
	behaviorHang        = "hang"
)

// Provider loads according to its configured behavior.
type Provider struct {
	creds *secrets.Manager
}

var _ connection.Provider = (*Provider)(nil)

func New(creds *secrets.Manager) *Provider {
	return &Provider{creds: creds}
}

func (p *Provider) Info() connection.ProviderInfo {
	return connection.ProviderInfo{
		Tag:         "debug",
		Title:       "Debug",
		TitlePlural: "Debug",
		AddTitle:    "Add Debug Connection",
		Description: "Scripted connection for development",
	}
}

func (p *Provider) ValidateSettings(settings map[string]any) error {
	switch b, _ := settings[settingBehavior].(string); b {
	case behaviorReady, behaviorAuth, behaviorError, behaviorUnreachable, behaviorHang:
		return nil
	default:
		return connection.NewValidation(fmt.Sprintf("unknown behavior: %q", b), nil)
	}
}

func authRequirement() *connection.AuthRequirement {
	return &connection.AuthRequirement{
		Fields: []connection.CredentialField{
			{Key: "password", Kind: connection.CredentialPassword, Label: "Debug password"},
		},
		DefaultPolicy: secrets.SavePolicyAskEveryTime,
	}
}

func (p *Provider) Load(ctx context.Context, cfg *connection.Configuration) (connection.Connection, error) {
	if d := cfg.GetInt(settingDelay); d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch cfg.GetString(settingBehavior) {
	case behaviorReady:
		return &debugConn{cfg: cfg}, nil
	case behaviorAuth:
		// Accepts any password once one is stored.
		pw, err := p.creds.Get(ctx, cfg.ID, "password")
		if err != nil {
			return nil, connection.NewInternal("reading stored credentials failed", err)
		}
		if len(pw) == 0 {
			return nil, connection.NewAuthFailed(authRequirement(), "debug credentials required", nil)
		}
		return &debugConn{cfg: cfg}, nil
	case behaviorError:
		return nil, connection.NewProtocolRejected("debug backend refused", nil)
	case behaviorUnreachable:
		return nil, connection.NewUnreachable("debug backend unreachable", nil)
	case behaviorHang:
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, connection.NewValidation("unknown behavior in stored settings", nil)
}

type debugConn struct {
	cfg *connection.Configuration
}

var _ connection.Connection = (*debugConn)(nil)

func (c *debugConn) Metadata() connection.ConnectionMetadata {
	return connection.ConnectionMetadata{Title: c.cfg.Title, Subtitle: "debug"}
}

func (c *debugConn) Servers(ctx context.Context) ([]connection.Server, error) {
	return []connection.Server{
		&debugServer{id: "group", title: "Group", children: []connection.Server{
			&debugServer{id: "leaf-1", title: "Leaf 1", online: true, console: true},
			&debugServer{id: "leaf-2", title: "Leaf 2"},
		}},
		&debugServer{id: "vm-1", title: "VM 1", online: true, console: true, power: true},
	}, nil
}

type debugServer struct {
	id       string
	title    string
	online   bool
	console  bool
	power    bool
	children []connection.Server
}

var _ connection.Server = (*debugServer)(nil)

func (s *debugServer) Metadata() connection.ServerMetadata {
	online := s.online
	return connection.ServerMetadata{ID: s.id, Title: s.title, Online: &online}
}

func (s *debugServer) Adapters() []connection.AdapterKind {
	if !s.console {
		return nil
	}
	return []connection.AdapterKind{connection.AdapterConsole}
}

func (s *debugServer) OpenAdapter(ctx context.Context, kind connection.AdapterKind) (connection.Session, error) {
	if !s.console || kind != connection.AdapterConsole {
		return nil, connection.NewValidation(fmt.Sprintf("adapter not supported: %s", kind), nil)
	}
	return newEchoConsole(s.title), nil
}

func (s *debugServer) PowerActions() []connection.PowerAction {
	if !s.power {
		return nil
	}
	return []connection.PowerAction{connection.PowerStart, connection.PowerShutdown}
}

func (s *debugServer) Power(ctx context.Context, action connection.PowerAction) error {
	if !s.power {
		return connection.NewValidation("not power capable", nil)
	}
	switch action {
	case connection.PowerStart, connection.PowerShutdown:
		return nil
	}
	return connection.NewValidation(fmt.Sprintf("power action not supported: %s", action), nil)
}

func (s *debugServer) Servers(ctx context.Context) ([]connection.Server, error) {
	return s.children, nil
}

// echoConsole answers every write by echoing it back, prefixed by a banner
// on first read. Read blocks while the buffer is empty so the session stays
// open until Close, like a real console.
type echoConsole struct {
	mu     sync.Mutex
	more   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

var _ connection.ConsoleSession = (*echoConsole)(nil)

func newEchoConsole(title string) *echoConsole {
	c := &echoConsole{}
	c.more = sync.NewCond(&c.mu)
	fmt.Fprintf(&c.buf, "debug console: %s\r\n", title)
	return c
}

func (c *echoConsole) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.buf.Len() == 0 && !c.closed {
		c.more.Wait()
	}
	if c.buf.Len() == 0 {
		return 0, io.EOF
	}
	return c.buf.Read(p)
}

func (c *echoConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := c.buf.Write(p)
	c.more.Broadcast()
	return n, err
}

func (c *echoConsole) Resize(rows, cols uint16) error {
	return nil
}

func (c *echoConsole) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.more.Broadcast()
	return nil
}
