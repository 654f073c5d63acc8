package libvirt

import (
	"testing"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
)

func TestValidateSettings(t *testing.T) {
	p := New("/usr/libexec/vmgate-console-libvirt", time.Second)
	if err := p.ValidateSettings(map[string]any{}); err != nil {
		t.Fatalf("empty settings rejected: %v", err)
	}
	if err := p.ValidateSettings(map[string]any{"port": float64(16509)}); err != nil {
		t.Fatalf("valid port rejected: %v", err)
	}
	if err := p.ValidateSettings(map[string]any{"port": float64(0)}); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("bad port err = %v, want validation", err)
	}
	if err := p.ValidateSettings(map[string]any{"uri": "xen:///"}); connection.KindOf(err) != connection.KindValidation {
		t.Fatalf("bad uri err = %v, want validation", err)
	}
	if err := p.ValidateSettings(map[string]any{"uri": "qemu+tcp://host/system"}); err != nil {
		t.Fatalf("valid uri rejected: %v", err)
	}
}

func TestConsoleURIDefaults(t *testing.T) {
	uri, err := consoleURI("")
	if err != nil || uri != "qemu:///system" {
		t.Fatalf("consoleURI(\"\") = %q, %v", uri, err)
	}
}

const domainDesc = `
<domain type='kvm'>
  <name>web</name>
  <devices>
    <graphics type='vnc' port='5901' autoport='yes' listen='0.0.0.0'/>
    <graphics type='spice' port='5902' tlsPort='5903' listen='127.0.0.1'/>
  </devices>
</domain>`

func TestParseGraphics(t *testing.T) {
	gs := parseGraphics(domainDesc)
	if len(gs) != 2 {
		t.Fatalf("graphics = %+v", gs)
	}
	if gs[0].Type != "vnc" || gs[0].Port != 5901 || gs[0].Listen != "0.0.0.0" {
		t.Fatalf("vnc graphics = %+v", gs[0])
	}
	if gs[1].Type != "spice" || gs[1].TLSPort != 5903 {
		t.Fatalf("spice graphics = %+v", gs[1])
	}
	if parseGraphics("not xml") != nil {
		t.Fatal("garbage should parse to nil")
	}
}

func TestGraphicsHost(t *testing.T) {
	remote := &domainServer{conn: &hypervisorConn{host: "kvm1.example"}}
	local := &domainServer{conn: &hypervisorConn{host: ""}}

	cases := []struct {
		srv    *domainServer
		listen string
		want   string
	}{
		{remote, "0.0.0.0", "kvm1.example"},
		{remote, "127.0.0.1", "kvm1.example"},
		{remote, "10.0.0.9", "10.0.0.9"},
		{local, "0.0.0.0", "127.0.0.1"},
		{local, "192.168.1.4", "192.168.1.4"},
	}
	for _, tc := range cases {
		if got := tc.srv.graphicsHost(domainGraphics{Listen: tc.listen}); got != tc.want {
			t.Errorf("graphicsHost(listen=%q, host=%q) = %q, want %q",
				tc.listen, tc.srv.conn.host, got, tc.want)
		}
	}
}
