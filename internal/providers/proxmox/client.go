// Package proxmox implements the Proxmox VE provider: node and guest
// discovery over the REST API, power control, and console/display proxies.
package proxmox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
)

const clientTimeout = 30 * time.Second

// Client is a minimal Proxmox VE API client. It authenticates once with a
// ticket login and sends the cookie plus CSRF token on every call.
type Client struct {
	base *url.URL
	hc   *http.Client

	user   string
	ticket string
	csrf   string
}

// NewClient builds a client for https://host:port/api2/json. A non-empty
// fingerprint pins the server certificate by SHA-256; insecure disables
// verification entirely.
func NewClient(host string, port int, fingerprint string, insecure bool) (*Client, error) {
	if port == 0 {
		port = 8006
	}
	base, err := url.Parse(fmt.Sprintf("https://%s:%d/api2/json", host, port))
	if err != nil {
		return nil, connection.NewValidation("invalid proxmox host", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case fingerprint != "":
		want := normalizeFingerprint(fingerprint)
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("proxmox: no peer certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != want {
				return fmt.Errorf("proxmox: certificate fingerprint mismatch")
			}
			return nil
		}
	case insecure:
		tlsCfg.InsecureSkipVerify = true
	}
	return &Client{
		base: base,
		hc: &http.Client{
			Timeout:   clientTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}

// Login performs a ticket login. The ticket and CSRF token are kept on the
// client for subsequent calls.
func (c *Client) Login(ctx context.Context, user, password string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)

	var out struct {
		Ticket string `json:"ticket"`
		CSRF   string `json:"CSRFPreventionToken"`
		User   string `json:"username"`
	}
	if err := c.call(ctx, http.MethodPost, "/access/ticket", form, &out); err != nil {
		return err
	}
	if out.Ticket == "" {
		return connection.NewProtocolRejected("proxmox login returned no ticket", nil)
	}
	c.user = out.User
	c.ticket = out.Ticket
	c.csrf = out.CSRF
	return nil
}

// User returns the resolved username after login.
func (c *Client) User() string { return c.user }

// AuthCookie returns the PVEAuthCookie value for WebSocket attachments.
func (c *Client) AuthCookie() string { return c.ticket }

// BaseURL returns the API base, e.g. https://host:8006/api2/json.
func (c *Client) BaseURL() string { return c.base.String() }

// Version checks API reachability and authentication.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Node is one cluster member.
type Node struct {
	Node   string `json:"node"`
	Status string `json:"status"`
}

func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var out []Node
	if err := c.call(ctx, http.MethodGet, "/nodes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Guest is a QEMU VM or LXC container on a node.
type Guest struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	// Type is "qemu" or "lxc"; filled by the caller, not the API.
	Type string `json:"-"`
}

func (c *Client) Guests(ctx context.Context, node string) ([]Guest, error) {
	var qemu, lxc []Guest
	if err := c.call(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/qemu", nil, &qemu); err != nil {
		return nil, err
	}
	for i := range qemu {
		qemu[i].Type = "qemu"
	}
	if err := c.call(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/lxc", nil, &lxc); err != nil {
		return nil, err
	}
	for i := range lxc {
		lxc[i].Type = "lxc"
	}
	return append(qemu, lxc...), nil
}

// GuestPower triggers a power action on a guest. action is a Proxmox status
// verb: start, shutdown, reboot, reset, stop.
func (c *Client) GuestPower(ctx context.Context, node, guestType, vmid, action string) error {
	p := fmt.Sprintf("/nodes/%s/%s/%s/status/%s",
		url.PathEscape(node), guestType, url.PathEscape(vmid), action)
	return c.call(ctx, http.MethodPost, p, url.Values{}, nil)
}

// NodePower triggers a node-level power command: reboot or shutdown.
func (c *Client) NodePower(ctx context.Context, node, command string) error {
	form := url.Values{}
	form.Set("command", command)
	return c.call(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/status", form, nil)
}

// TermProxy is a serial console attachment grant.
type TermProxy struct {
	User   string      `json:"user"`
	Ticket string      `json:"ticket"`
	Port   json.Number `json:"port"`
}

// GuestTermProxy allocates a serial console proxy for a guest.
func (c *Client) GuestTermProxy(ctx context.Context, node, guestType, vmid string) (*TermProxy, error) {
	p := fmt.Sprintf("/nodes/%s/%s/%s/termproxy", url.PathEscape(node), guestType, url.PathEscape(vmid))
	var out TermProxy
	if err := c.call(ctx, http.MethodPost, p, url.Values{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NodeTermProxy allocates a shell console proxy on a node.
func (c *Client) NodeTermProxy(ctx context.Context, node string) (*TermProxy, error) {
	var out TermProxy
	if err := c.call(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/termproxy", url.Values{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SpiceProxy is a SPICE attachment grant; the fields map onto a .vv file.
type SpiceProxy struct {
	Host     string      `json:"host"`
	Proxy    string      `json:"proxy"`
	Password string      `json:"password"`
	TLSPort  json.Number `json:"tls-port"`
	CA       string      `json:"ca"`
	Subject  string      `json:"host-subject"`
}

func (c *Client) GuestSpiceProxy(ctx context.Context, node, guestType, vmid string) (*SpiceProxy, error) {
	p := fmt.Sprintf("/nodes/%s/%s/%s/spiceproxy", url.PathEscape(node), guestType, url.PathEscape(vmid))
	var out SpiceProxy
	if err := c.call(ctx, http.MethodPost, p, url.Values{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VNCProxy is a VNC attachment grant.
type VNCProxy struct {
	Ticket string      `json:"ticket"`
	Port   json.Number `json:"port"`
}

func (c *Client) GuestVNCProxy(ctx context.Context, node, guestType, vmid string) (*VNCProxy, error) {
	p := fmt.Sprintf("/nodes/%s/%s/%s/vncproxy", url.PathEscape(node), guestType, url.PathEscape(vmid))
	form := url.Values{}
	form.Set("websocket", "1")
	var out VNCProxy
	if err := c.call(ctx, http.MethodPost, p, form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one API request. Responses use the {"data": ...} envelope.
func (c *Client) call(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return connection.NewInternal("building proxmox request failed", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.ticket != "" {
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
	}
	if c.csrf != "" && method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", c.csrf)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return connection.NewUnreachable("proxmox api unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return connection.NewAuthFailed(authRequirement(), "proxmox rejected the credentials", fmt.Errorf("proxmox: %s", resp.Status))
	}
	if resp.StatusCode >= 500 {
		return connection.NewUnreachable("proxmox api error", fmt.Errorf("proxmox: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return connection.NewProtocolRejected("proxmox refused the request", fmt.Errorf("proxmox: %s %s: %s", method, path, resp.Status))
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return connection.NewUnreachable("reading proxmox response failed", err)
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return connection.NewProtocolRejected("invalid proxmox response", err)
	}
	if len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return connection.NewProtocolRejected("empty proxmox response", nil)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return connection.NewProtocolRejected("invalid proxmox response payload", err)
	}
	return nil
}
