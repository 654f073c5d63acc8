// Package libvirt implements the libvirt provider: domain discovery and
// power control over the libvirt RPC socket, serial consoles through the
// console helper, and graphics attachment from the domain XML.
package libvirt

import (
	"context"
	"fmt"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/vmgate/vmgate/internal/connection"
)

// Settings keys understood by this provider.
const (
	settingHost = "host"
	settingPort = "port"
	settingURI  = "uri"
)

// Provider connects to libvirt hosts. An empty host means the local
// hypervisor over the unix socket; otherwise the libvirtd TCP port.
type Provider struct {
	helperBin string
	killGrace time.Duration
}

var _ connection.Provider = (*Provider)(nil)

func New(helperBin string, killGrace time.Duration) *Provider {
	return &Provider{helperBin: helperBin, killGrace: killGrace}
}

func (p *Provider) Info() connection.ProviderInfo {
	return connection.ProviderInfo{
		Tag:         "libvirt",
		Title:       "Libvirt",
		TitlePlural: "Libvirt",
		AddTitle:    "Add Libvirt Hypervisor",
		Description: "QEMU/KVM hypervisor managed through libvirt",
	}
}

func (p *Provider) ValidateSettings(settings map[string]any) error {
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
	if uri, ok := settings[settingURI].(string); ok && uri != "" {
		if _, err := consoleURI(uri); err != nil {
			return err
		}
	}
	return nil
}

// consoleURI validates the libvirt URI handed to the console helper.
func consoleURI(uri string) (string, error) {
	switch {
	case uri == "":
		return "qemu:///system", nil
	case len(uri) >= 4 && uri[:4] == "qemu":
		return uri, nil
	default:
		return "", connection.NewValidation("unsupported libvirt uri: "+uri, nil)
	}
}

func (p *Provider) Load(ctx context.Context, cfg *connection.Configuration) (connection.Connection, error) {
	host := cfg.GetString(settingHost)
	var l *golibvirt.Libvirt
	if host == "" {
		l = golibvirt.NewWithDialer(dialers.NewLocal())
	} else {
		port := cfg.GetInt(settingPort)
		if port == 0 {
			port = 16509
		}
		l = golibvirt.NewWithDialer(dialers.NewRemote(host, dialers.UsePort(fmt.Sprintf("%d", port))))
	}

	done := make(chan error, 1)
	go func() { done <- l.Connect() }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, connection.NewUnreachable("connecting to libvirt failed", err)
		}
	}

	uri, err := consoleURI(cfg.GetString(settingURI))
	if err != nil {
		return nil, err
	}
	return &hypervisorConn{provider: p, l: l, cfg: cfg, uri: uri, host: host}, nil
}
