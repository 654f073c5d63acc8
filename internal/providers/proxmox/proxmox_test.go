package proxmox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// fakePVE serves the subset of the Proxmox API the provider touches.
func fakePVE(t *testing.T, mux *http.ServeMux) (host string, port int) {
	t.Helper()
	ts := httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)
	u, _ := url.Parse(ts.URL)
	p, _ := strconv.Atoi(u.Port())
	return u.Hostname(), p
}

func loginHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("username") != "root@pam" || r.PostForm.Get("password") != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"ticket":"PVE:ticket","CSRFPreventionToken":"csrf-token","username":"root@pam"}}`))
	}
}

func newTestProvider(t *testing.T, user, password string) (*Provider, *connection.Configuration, context.Context) {
	t.Helper()
	creds := secrets.NewManager(secrets.NewMemoryStore())
	ctx := context.Background()
	cfg := connection.NewConfiguration("proxmox", "lab cluster", nil)
	if user != "" {
		if err := creds.Set(ctx, cfg.ID, "username", []byte(user), secrets.SavePolicyAskEveryTime); err != nil {
			t.Fatal(err)
		}
		if err := creds.Set(ctx, cfg.ID, "password", []byte(password), secrets.SavePolicyAskEveryTime); err != nil {
			t.Fatal(err)
		}
	}
	return New(creds, "/usr/libexec/vmgate-console-proxmox", time.Second), cfg, ctx
}

func TestValidateSettings(t *testing.T) {
	p, _, _ := newTestProvider(t, "", "")
	if err := p.ValidateSettings(map[string]any{}); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("missing host err = %v, want validation", err)
	}
	if err := p.ValidateSettings(map[string]any{"host": "h", "port": float64(70000)}); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("bad port err = %v, want validation", err)
	}
	if err := p.ValidateSettings(map[string]any{"host": "h", "port": float64(8006)}); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestLoadWithoutCredentials(t *testing.T) {
	p, cfg, ctx := newTestProvider(t, "", "")
	cfg.Settings["host"] = "unused.example"

	_, err := p.Load(ctx, cfg)
	if !connection.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
	req := connection.AuthRequirementOf(err)
	if req == nil || len(req.Fields) != 2 {
		t.Fatalf("auth requirement = %+v", req)
	}
	if req.DefaultPolicy != secrets.SavePolicyRemember {
		t.Fatalf("default policy = %v", req.DefaultPolicy)
	}
}

func TestLoadRejectedCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/access/ticket", loginHandler(t))
	host, port := fakePVE(t, mux)

	p, cfg, ctx := newTestProvider(t, "root@pam", "wrong")
	cfg.Settings["host"] = host
	cfg.Settings["port"] = port
	cfg.Settings["insecure_tls"] = true

	_, err := p.Load(ctx, cfg)
	if !connection.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
}

func TestLoadAndServerTree(t *testing.T) {
	var powerCalls []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/access/ticket", loginHandler(t))
	mux.HandleFunc("GET /api2/json/nodes", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("PVEAuthCookie"); err != nil || c.Value != "PVE:ticket" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"node":"pve1","status":"online"},{"node":"pve2","status":"offline"}]}`))
	})
	mux.HandleFunc("GET /api2/json/nodes/pve1/qemu", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"vmid":100,"name":"web","status":"running"}]}`))
	})
	mux.HandleFunc("GET /api2/json/nodes/pve1/lxc", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"vmid":"200","name":"cache","status":"stopped"}]}`))
	})
	mux.HandleFunc("POST /api2/json/nodes/pve1/qemu/100/status/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("CSRFPreventionToken") != "csrf-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		powerCalls = append(powerCalls, "start-100")
		_, _ = w.Write([]byte(`{"data":"UPID:pve1:task"}`))
	})
	host, port := fakePVE(t, mux)

	p, cfg, ctx := newTestProvider(t, "root@pam", "pw")
	cfg.Settings["host"] = host
	cfg.Settings["port"] = port
	cfg.Settings["insecure_tls"] = true

	conn, err := p.Load(ctx, cfg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	nodes, err := conn.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Metadata().ID != "pve1" {
		t.Fatalf("nodes = %+v", nodes)
	}
	if online := nodes[1].Metadata().Online; online == nil || *online {
		t.Fatal("pve2 should report offline")
	}

	guests, err := nodes[0].Servers(ctx)
	if err != nil {
		t.Fatalf("guests: %v", err)
	}
	if len(guests) != 2 {
		t.Fatalf("guests = %+v", guests)
	}
	vm := guests[0]
	if vm.Metadata().ID != "100" || vm.Metadata().Title != "web" {
		t.Fatalf("vm metadata = %+v", vm.Metadata())
	}
	hasSPICE := false
	for _, k := range vm.Adapters() {
		if k == connection.AdapterSPICE {
			hasSPICE = true
		}
	}
	if !hasSPICE {
		t.Fatal("qemu guest should offer spice")
	}
	ct := guests[1]
	for _, a := range ct.PowerActions() {
		if a == connection.PowerReset {
			t.Fatal("lxc guest should not offer reset")
		}
	}

	if err := vm.Power(ctx, connection.PowerStart); err != nil {
		t.Fatalf("Power: %v", err)
	}
	if len(powerCalls) != 1 || powerCalls[0] != "start-100" {
		t.Fatalf("powerCalls = %v", powerCalls)
	}
	if err := ct.Power(ctx, connection.PowerReset); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("lxc reset err = %v, want validation", err)
	}
}
