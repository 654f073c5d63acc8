// Package quickconnect turns user-pasted artifacts (rdp://, vnc://, spice://
// and ssh:// URIs, .rdp files, virt-viewer .vv files) into connection
// settings for the generic provider.
package quickconnect

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/vmgate/vmgate/internal/connection"
)

// Target is the normalized result of parsing a quick-connect artifact.
// Password is carried separately from Settings so it can be routed into the
// secret store instead of the stored configuration.
type Target struct {
	Kind     connection.AdapterKind
	Host     string
	Port     int
	User     string
	Password string
}

func defaultPort(kind connection.AdapterKind) int {
	switch kind {
	case connection.AdapterRDP:
		return 3389
	case connection.AdapterVNC, connection.AdapterSPICE:
		return 5900
	case connection.AdapterSSH:
		return 22
	}
	return 0
}

// ParseURI parses rdp://, vnc://, spice:// and ssh:// URIs. Userinfo is
// honored; a password embedded in the URI is extracted, not stored.
func ParseURI(raw string) (*Target, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, connection.NewValidation("invalid URI", err)
	}
	var kind connection.AdapterKind
	switch strings.ToLower(u.Scheme) {
	case "rdp":
		kind = connection.AdapterRDP
	case "vnc":
		kind = connection.AdapterVNC
	case "spice":
		kind = connection.AdapterSPICE
	case "ssh":
		kind = connection.AdapterSSH
	default:
		return nil, connection.NewValidation(fmt.Sprintf("unsupported URI scheme: %q", u.Scheme), nil)
	}
	if u.Hostname() == "" {
		return nil, connection.NewValidation("URI has no host", nil)
	}
	t := &Target{Kind: kind, Host: u.Hostname(), Port: defaultPort(kind)}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, connection.NewValidation(fmt.Sprintf("invalid port: %q", p), nil)
		}
		t.Port = n
	}
	if u.User != nil {
		t.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.Password = pw
		}
	}
	return t, nil
}

// Title derives a display title for a configuration built from the target.
func (t *Target) Title() string {
	return fmt.Sprintf("%s (%s)", t.Host, strings.ToUpper(string(t.Kind)))
}

// Settings converts the target into generic-provider settings. The password
// is deliberately not included.
func (t *Target) Settings() map[string]any {
	s := map[string]any{
		"protocol": string(t.Kind),
		"host":     t.Host,
		"port":     t.Port,
	}
	if t.User != "" {
		s["username"] = t.User
	}
	return s
}
