package quickconnect

import (
	"bytes"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/vmgate/vmgate/internal/connection"
)

// virt-viewer expects plain key=value lines, not the aligned "key = value"
// style ini.v1 emits by default.
func init() {
	ini.PrettyFormat = false
}

// VVParams are the virt-viewer settings we read from and write into a .vv
// file's [virt-viewer] section.
type VVParams struct {
	Type     string // "spice" or "vnc"; defaults to spice
	Host     string
	Port     string
	TLSPort  string
	Password string
	Proxy    string
	CA       string
	Subject  string
	Title    string
}

// BuildVVFile renders a virt-viewer connection file. The file is marked
// delete-this-file so viewers remove the embedded one-shot password.
func BuildVVFile(p *VVParams) []byte {
	f := ini.Empty()
	sec := f.Section("virt-viewer")
	typ := p.Type
	if typ == "" {
		typ = "spice"
	}
	sec.Key("type").SetValue(typ)
	sec.Key("host").SetValue(p.Host)
	if p.Port != "" {
		sec.Key("port").SetValue(p.Port)
	}
	if p.TLSPort != "" {
		sec.Key("tls-port").SetValue(p.TLSPort)
	}
	if p.Password != "" {
		sec.Key("password").SetValue(p.Password)
	}
	if p.Proxy != "" {
		sec.Key("proxy").SetValue(p.Proxy)
	}
	if p.CA != "" {
		sec.Key("ca").SetValue(p.CA)
	}
	if p.Subject != "" {
		sec.Key("host-subject").SetValue(p.Subject)
	}
	if p.Title != "" {
		sec.Key("title").SetValue(p.Title)
	}
	sec.Key("delete-this-file").SetValue("1")

	var b bytes.Buffer
	_, _ = f.WriteTo(&b)
	return b.Bytes()
}

// ParseVVFile reads a virt-viewer file into a quick-connect target. Both
// spice and vnc typed files are accepted.
func ParseVVFile(content []byte) (*Target, *VVParams, error) {
	f, err := ini.Load(content)
	if err != nil {
		return nil, nil, connection.NewValidation("invalid .vv file", err)
	}
	sec := f.Section("virt-viewer")
	p := &VVParams{
		Type:     sec.Key("type").String(),
		Host:     sec.Key("host").String(),
		Port:     sec.Key("port").String(),
		TLSPort:  sec.Key("tls-port").String(),
		Password: sec.Key("password").String(),
		Proxy:    sec.Key("proxy").String(),
		CA:       sec.Key("ca").String(),
		Subject:  sec.Key("host-subject").String(),
		Title:    sec.Key("title").String(),
	}
	if p.Host == "" {
		return nil, nil, connection.NewValidation(".vv file has no host", nil)
	}

	var kind connection.AdapterKind
	switch p.Type {
	case "", "spice":
		kind = connection.AdapterSPICE
	case "vnc":
		kind = connection.AdapterVNC
	default:
		return nil, nil, connection.NewValidation("unsupported .vv type: "+p.Type, nil)
	}
	t := &Target{Kind: kind, Host: p.Host, Port: defaultPort(kind), Password: p.Password}
	port := p.Port
	if port == "" {
		port = p.TLSPort
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, nil, connection.NewValidation("invalid port in .vv file: "+port, nil)
		}
		t.Port = n
	}
	return t, p, nil
}
