package connection

import (
	"context"
	"io"
	"net"

	"github.com/vmgate/vmgate/internal/secrets"
)

// AdapterKind identifies a way of attaching to a server's display or console.
type AdapterKind string

const (
	AdapterRDP     AdapterKind = "rdp"
	AdapterVNC     AdapterKind = "vnc"
	AdapterSPICE   AdapterKind = "spice"
	AdapterConsole AdapterKind = "console"
	AdapterSSH     AdapterKind = "ssh"
	AdapterSFTP    AdapterKind = "sftp"
)

// PowerAction is a lifecycle operation a server may support.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
	// PowerReset and PowerOff are forceful and skip guest cooperation.
	PowerReset PowerAction = "force-reset"
	PowerOff   PowerAction = "force-poweroff"
)

// CredentialKind hints the prompt widget for a credential field.
type CredentialKind string

const (
	CredentialUsername CredentialKind = "username"
	CredentialPassword CredentialKind = "password"
	CredentialToken    CredentialKind = "token"
)

// CredentialField is one input in an authentication prompt.
type CredentialField struct {
	Key   string         `json:"key"`
	Kind  CredentialKind `json:"kind"`
	Label string         `json:"label"`
}

// AuthRequirement describes the credentials a backend demands before it will
// talk to us, plus the persistence choice offered to the user.
type AuthRequirement struct {
	Fields []CredentialField `json:"fields"`
	// DefaultPolicy preselects the save choice in the prompt.
	DefaultPolicy secrets.SavePolicy `json:"default_policy"`
}

// ProviderInfo is the static description of a backend family.
type ProviderInfo struct {
	Tag         string `json:"tag"`
	Title       string `json:"title"`
	TitlePlural string `json:"title_plural"`
	AddTitle    string `json:"add_title"`
	Description string `json:"description"`
}

// Provider is a backend family (Proxmox, libvirt, generic endpoints). One
// provider serves any number of stored configurations.
type Provider interface {
	Info() ProviderInfo

	// ValidateSettings checks user-supplied settings before a configuration
	// is created or updated. Failures are KindValidation errors naming the
	// offending field.
	ValidateSettings(settings map[string]any) error

	// Load establishes a live connection from a stored configuration.
	// Credentials come from the secret manager, never from settings.
	Load(ctx context.Context, cfg *Configuration) (Connection, error)
}

// ConnectionMetadata names a loaded connection for display.
type ConnectionMetadata struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
}

// Connection is a successfully loaded configuration exposing its servers.
type Connection interface {
	Metadata() ConnectionMetadata

	// Servers returns the top level of the server tree. Deeper levels are
	// fetched lazily through Server.Servers.
	Servers(ctx context.Context) ([]Server, error)
}

// ServerMetadata names a server node. Online is nil when the backend cannot
// tell.
type ServerMetadata struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Online   *bool  `json:"online,omitempty"`
}

// Server is one node in a connection's tree: a VM, a host, or a grouping
// node. Group nodes may advertise no adapters and no power actions.
type Server interface {
	Metadata() ServerMetadata

	// Adapters lists the session kinds this server can open right now.
	Adapters() []AdapterKind

	// OpenAdapter opens a live session of the given kind. Callers own the
	// returned session and must Close it.
	OpenAdapter(ctx context.Context, kind AdapterKind) (Session, error)

	// PowerActions lists the supported lifecycle operations; empty means the
	// node is not power capable.
	PowerActions() []PowerAction
	Power(ctx context.Context, action PowerAction) error

	// Servers returns child nodes, if any.
	Servers(ctx context.Context) ([]Server, error)
}

// Session is a live attachment to a server. All session kinds are closable;
// Close is idempotent.
type Session interface {
	Close() error
}

// ConsoleSession is a byte-stream session (serial console, SSH shell, PTY
// bridge). Reads yield backend output, writes feed backend input.
type ConsoleSession interface {
	Session
	io.Reader
	io.Writer
	Resize(rows, cols uint16) error
}

// DisplaySession hands over a negotiated transport for a graphical protocol.
// The consumer speaks the protocol named by Kind over Conn.
type DisplaySession interface {
	Session
	Kind() AdapterKind
	Conn() net.Conn
}

// DocumentSession hands over a launch document (e.g. a SPICE .vv file)
// instead of a live transport. The consumer feeds the document to an
// external viewer; Close is a no-op beyond invalidating the handle.
type DocumentSession interface {
	Session
	Kind() AdapterKind
	Document() (filename string, content []byte)
}

// SessionTracker registers live sessions against the connection that opened
// them so an unload can force-close them.
type SessionTracker interface {
	Track(connectionID string, s Session) (sessionID string)
	CloseAll(connectionID string)
}
