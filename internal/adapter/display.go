package adapter

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
)

const displayDialTimeout = 10 * time.Second

// displayConn is a negotiated transport handed to a protocol renderer.
type displayConn struct {
	kind connection.AdapterKind
	conn net.Conn
}

var _ connection.DisplaySession = (*displayConn)(nil)

func (d *displayConn) Kind() connection.AdapterKind { return d.kind }
func (d *displayConn) Conn() net.Conn               { return d.conn }
func (d *displayConn) Close() error                 { return d.conn.Close() }

func dialDisplay(ctx context.Context, host string, port int) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: displayDialTimeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connection.NewUnreachable(fmt.Sprintf("dial %s failed", addr), err)
	}
	return conn, nil
}

// OpenRDP returns a raw transport to an RDP endpoint. RDP security is
// negotiated by the consuming client, not here.
func OpenRDP(ctx context.Context, host string, port int) (connection.DisplaySession, error) {
	if port == 0 {
		port = 3389
	}
	conn, err := dialDisplay(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return &displayConn{kind: connection.AdapterRDP, conn: conn}, nil
}

// OpenSPICE returns a raw transport to a SPICE endpoint. The SPICE link
// handshake (including ticket auth) is client-initiated, so the transport is
// handed over untouched.
func OpenSPICE(ctx context.Context, host string, port int) (connection.DisplaySession, error) {
	if port == 0 {
		port = 5900
	}
	conn, err := dialDisplay(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return &displayConn{kind: connection.AdapterSPICE, conn: conn}, nil
}
