package adapter

import (
	"context"
	"crypto/des"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

// RFB security types we can negotiate.
const (
	rfbSecurityNone    = 1
	rfbSecurityVNCAuth = 2
)

var rfbVersion = []byte("RFB 003.008\n")

// VNCOptions configures a VNC display session.
type VNCOptions struct {
	Host     string
	Port     int
	Password []byte
}

// VNCAuthRequirement is the prompt raised when a VNC server demands a
// password we do not have.
func VNCAuthRequirement() *connection.AuthRequirement {
	return &connection.AuthRequirement{
		Fields: []connection.CredentialField{
			{Key: "password", Kind: connection.CredentialPassword, Label: "VNC password"},
		},
		DefaultPolicy: secrets.SavePolicyAskEveryTime,
	}
}

// OpenVNC dials a VNC endpoint and completes the RFB 3.8 version and
// security handshake. The returned transport is positioned right after
// SecurityResult, before ClientInit, so the consuming renderer continues
// from there. A server requiring a password we do not hold raises an auth
// requirement instead of failing hard.
func OpenVNC(ctx context.Context, opts VNCOptions) (connection.DisplaySession, error) {
	port := opts.Port
	if port == 0 {
		port = 5900
	}
	conn, err := dialDisplay(ctx, opts.Host, port)
	if err != nil {
		return nil, err
	}
	if err := negotiateRFB(conn, opts.Password); err != nil {
		conn.Close()
		return nil, err
	}
	return &displayConn{kind: connection.AdapterVNC, conn: conn}, nil
}

func negotiateRFB(conn net.Conn, password []byte) error {
	version := make([]byte, 12)
	if _, err := io.ReadFull(conn, version); err != nil {
		return connection.NewUnreachable("reading vnc version failed", err)
	}
	if string(version[:4]) != "RFB " {
		return connection.NewProtocolRejected(fmt.Sprintf("not a vnc server (got %q)", version), nil)
	}
	if _, err := conn.Write(rfbVersion); err != nil {
		return connection.NewUnreachable("sending vnc version failed", err)
	}

	var count [1]byte
	if _, err := io.ReadFull(conn, count[:]); err != nil {
		return connection.NewUnreachable("reading vnc security types failed", err)
	}
	if count[0] == 0 {
		reason := readRFBString(conn)
		return connection.NewProtocolRejected("vnc server refused the connection: "+reason, nil)
	}
	types := make([]byte, count[0])
	if _, err := io.ReadFull(conn, types); err != nil {
		return connection.NewUnreachable("reading vnc security types failed", err)
	}

	var chosen byte
	for _, t := range types {
		if t == rfbSecurityNone {
			chosen = rfbSecurityNone
			break
		}
		if t == rfbSecurityVNCAuth {
			chosen = rfbSecurityVNCAuth
		}
	}
	switch chosen {
	case rfbSecurityNone:
		if _, err := conn.Write([]byte{rfbSecurityNone}); err != nil {
			return connection.NewUnreachable("selecting vnc security failed", err)
		}
	case rfbSecurityVNCAuth:
		if len(password) == 0 {
			return connection.NewAuthFailed(VNCAuthRequirement(), "vnc password required", nil)
		}
		if _, err := conn.Write([]byte{rfbSecurityVNCAuth}); err != nil {
			return connection.NewUnreachable("selecting vnc security failed", err)
		}
		if err := answerVNCChallenge(conn, password); err != nil {
			return err
		}
	default:
		return connection.NewProtocolRejected(fmt.Sprintf("no supported vnc security type (offered %v)", types), nil)
	}

	var result [4]byte
	if _, err := io.ReadFull(conn, result[:]); err != nil {
		return connection.NewUnreachable("reading vnc security result failed", err)
	}
	if binary.BigEndian.Uint32(result[:]) != 0 {
		reason := readRFBString(conn)
		return connection.NewAuthFailed(VNCAuthRequirement(), "vnc authentication rejected: "+reason, nil)
	}
	return nil
}

func answerVNCChallenge(conn net.Conn, password []byte) error {
	var challenge [16]byte
	if _, err := io.ReadFull(conn, challenge[:]); err != nil {
		return connection.NewUnreachable("reading vnc challenge failed", err)
	}
	response, err := encryptVNCChallenge(challenge[:], password)
	if err != nil {
		return connection.NewInternal("encrypting vnc challenge failed", err)
	}
	if _, err := conn.Write(response); err != nil {
		return connection.NewUnreachable("sending vnc response failed", err)
	}
	return nil
}

// encryptVNCChallenge implements the VNC DES variant: the password is
// truncated or zero-padded to 8 bytes and each key byte has its bits
// mirrored before keying DES.
func encryptVNCChallenge(challenge, password []byte) ([]byte, error) {
	var key [8]byte
	copy(key[:], password)
	for i := range key {
		key[i] = mirrorByte(key[i])
	}
	block, err := des.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(challenge))
	for i := 0; i < len(challenge); i += 8 {
		block.Encrypt(out[i:i+8], challenge[i:i+8])
	}
	return out, nil
}

func mirrorByte(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			out |= 1 << (7 - i)
		}
	}
	return out
}

// readRFBString reads a length-prefixed reason string, best effort.
func readRFBString(conn net.Conn) string {
	var n [4]byte
	if _, err := io.ReadFull(conn, n[:]); err != nil {
		return "unknown reason"
	}
	size := binary.BigEndian.Uint32(n[:])
	if size == 0 || size > 4096 {
		return "unknown reason"
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "unknown reason"
	}
	return string(buf)
}
