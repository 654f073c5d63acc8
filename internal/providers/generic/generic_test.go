package generic

import (
	"context"
	"testing"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

func newTestProvider() *Provider {
	return New(secrets.NewManager(secrets.NewMemoryStore()))
}

func TestValidateSettings(t *testing.T) {
	p := newTestProvider()
	cases := []struct {
		name     string
		settings map[string]any
		ok       bool
	}{
		{"valid rdp", map[string]any{"protocol": "rdp", "host": "desk"}, true},
		{"valid ssh with port", map[string]any{"protocol": "ssh", "host": "gw", "port": float64(2222)}, true},
		{"missing protocol", map[string]any{"host": "desk"}, false},
		{"bad protocol", map[string]any{"protocol": "telnet", "host": "desk"}, false},
		{"missing host", map[string]any{"protocol": "vnc"}, false},
		{"bad port", map[string]any{"protocol": "vnc", "host": "h", "port": float64(-1)}, false},
		{"valid group", map[string]any{"servers": []any{
			map[string]any{"protocol": "vnc", "host": "vnc1"},
			map[string]any{"protocol": "ssh", "host": "gw", "port": float64(22)},
		}}, true},
		{"empty group", map[string]any{"servers": []any{}}, false},
		{"group entry not an object", map[string]any{"servers": []any{"vnc1"}}, false},
		{"group entry missing host", map[string]any{"servers": []any{
			map[string]any{"protocol": "vnc"},
		}}, false},
	}
	for _, tc := range cases {
		err := p.ValidateSettings(tc.settings)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && connection.KindOf(err) != connection.KindValidation {
			t.Errorf("%s: err = %v, want validation", tc.name, err)
		}
	}
}

func TestLoadBuildsSingleServerTree(t *testing.T) {
	p := newTestProvider()
	cfg := connection.NewConfiguration("generic", "bastion", map[string]any{
		"protocol": "ssh",
		"host":     "gw.example",
		"username": "ops",
	})

	conn, err := p.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	servers, err := conn.Servers(context.Background())
	if err != nil || len(servers) != 1 {
		t.Fatalf("Servers = %+v, %v", servers, err)
	}
	srv := servers[0]
	if srv.Metadata().Title != "gw.example" {
		t.Fatalf("metadata = %+v", srv.Metadata())
	}
	kinds := srv.Adapters()
	if len(kinds) != 2 || kinds[0] != connection.AdapterSSH || kinds[1] != connection.AdapterSFTP {
		t.Fatalf("adapters = %v", kinds)
	}
	if len(srv.PowerActions()) != 0 {
		t.Fatal("generic endpoint should not be power capable")
	}
	if err := srv.Power(context.Background(), connection.PowerStart); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("Power err = %v, want validation", err)
	}
}

func TestLoadServerGroup(t *testing.T) {
	p := newTestProvider()
	cfg := connection.NewConfiguration("generic", "lab", map[string]any{
		"username": "ops",
		"servers": []any{
			map[string]any{"protocol": "vnc", "host": "vnc1.example", "port": float64(5901), "title": "Rack 1"},
			map[string]any{"protocol": "ssh", "host": "gw.example"},
		},
	})

	conn, err := p.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sub := conn.Metadata().Subtitle; sub != "2 servers" {
		t.Fatalf("subtitle = %q", sub)
	}
	servers, err := conn.Servers(context.Background())
	if err != nil || len(servers) != 2 {
		t.Fatalf("Servers = %+v, %v", servers, err)
	}

	vnc := servers[0].Metadata()
	if vnc.ID != "0" || vnc.Title != "Rack 1" || vnc.Subtitle != "vnc" {
		t.Fatalf("vnc metadata = %+v", vnc)
	}
	if kinds := servers[0].Adapters(); len(kinds) != 1 || kinds[0] != connection.AdapterVNC {
		t.Fatalf("vnc adapters = %v", kinds)
	}

	ssh := servers[1].Metadata()
	if ssh.ID != "1" || ssh.Title != "gw.example" {
		t.Fatalf("ssh metadata = %+v", ssh)
	}
	if kinds := servers[1].Adapters(); len(kinds) != 2 || kinds[1] != connection.AdapterSFTP {
		t.Fatalf("ssh adapters = %v", kinds)
	}
	// Entries without their own username inherit the connection-level one.
	srv := servers[1].(*endpointServer)
	if srv.spec.username != "ops" {
		t.Fatalf("username = %q, want ops", srv.spec.username)
	}

	if _, err := servers[0].OpenAdapter(context.Background(), connection.AdapterRDP); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("mismatched adapter err = %v, want validation", err)
	}
}

func TestOpenAdapterMismatch(t *testing.T) {
	p := newTestProvider()
	cfg := connection.NewConfiguration("generic", "desk", map[string]any{
		"protocol": "rdp",
		"host":     "desk.example",
	})
	conn, err := p.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	servers, _ := conn.Servers(context.Background())
	if _, err := servers[0].OpenAdapter(context.Background(), connection.AdapterVNC); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestOpenSSHWithoutCredentials(t *testing.T) {
	p := newTestProvider()
	cfg := connection.NewConfiguration("generic", "gw", map[string]any{
		"protocol": "ssh",
		"host":     "127.0.0.1",
		"username": "ops",
	})
	conn, err := p.Load(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	servers, _ := conn.Servers(context.Background())
	_, err = servers[0].OpenAdapter(context.Background(), connection.AdapterSSH)
	if !connection.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
}
