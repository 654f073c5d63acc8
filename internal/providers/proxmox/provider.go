package proxmox

import (
	"context"
	"fmt"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// Settings keys understood by this provider.
const (
	settingHost        = "host"
	settingPort        = "port"
	settingFingerprint = "fingerprint"
	settingInsecureTLS = "insecure_tls"
)

// Provider connects to Proxmox VE clusters.
type Provider struct {
	creds     *secrets.Manager
	helperBin string
	killGrace time.Duration
}

var _ connection.Provider = (*Provider)(nil)

func New(creds *secrets.Manager, helperBin string, killGrace time.Duration) *Provider {
	return &Provider{creds: creds, helperBin: helperBin, killGrace: killGrace}
}

func (p *Provider) Info() connection.ProviderInfo {
	return connection.ProviderInfo{
		Tag:         "proxmox",
		Title:       "Proxmox",
		TitlePlural: "Proxmox",
		AddTitle:    "Add Proxmox Connection",
		Description: "Proxmox VE hypervisor cluster",
	}
}

func authRequirement() *connection.AuthRequirement {
	return &connection.AuthRequirement{
		Fields: []connection.CredentialField{
			{Key: "username", Kind: connection.CredentialUsername, Label: "Username (user@realm)"},
			{Key: "password", Kind: connection.CredentialPassword, Label: "Password"},
		},
		DefaultPolicy: secrets.SavePolicyRemember,
	}
}

func (p *Provider) ValidateSettings(settings map[string]any) error {
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

// Load authenticates against the cluster. Missing or rejected credentials
// surface as an auth requirement so the caller can prompt.
func (p *Provider) Load(ctx context.Context, cfg *connection.Configuration) (connection.Connection, error) {
	user, err := p.creds.Get(ctx, cfg.ID, "username")
	if err != nil {
		return nil, connection.NewInternal("reading stored credentials failed", err)
	}
	password, err := p.creds.Get(ctx, cfg.ID, "password")
	if err != nil {
		return nil, connection.NewInternal("reading stored credentials failed", err)
	}
	if len(user) == 0 || len(password) == 0 {
		return nil, connection.NewAuthFailed(authRequirement(), "proxmox credentials required", nil)
	}

	client, err := NewClient(cfg.GetString(settingHost), cfg.GetInt(settingPort),
		cfg.GetString(settingFingerprint), cfg.GetBool(settingInsecureTLS))
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx, string(user), string(password)); err != nil {
		return nil, err
	}
	return &clusterConn{
		provider: p,
		client:   client,
		cfg:      cfg,
	}, nil
}
