package adapter

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/vmgate/vmgate/internal/connection"
)

// fakeVNCServer accepts one connection and drives the server side of the
// RFB 3.8 handshake according to the script.
func fakeVNCServer(t *testing.T, script func(c net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		script(c)
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return h, n
}

func serverHandshake(c net.Conn) bool {
	_, _ = c.Write([]byte("RFB 003.008\n"))
	buf := make([]byte, 12)
	if _, err := io.ReadFull(c, buf); err != nil {
		return false
	}
	return true
}

func TestOpenVNCSecurityNone(t *testing.T) {
	host, port := fakeVNCServer(t, func(c net.Conn) {
		if !serverHandshake(c) {
			return
		}
		_, _ = c.Write([]byte{1, rfbSecurityNone})
		var pick [1]byte
		if _, err := io.ReadFull(c, pick[:]); err != nil {
			return
		}
		_, _ = c.Write([]byte{0, 0, 0, 0}) // SecurityResult OK
	})

	sess, err := OpenVNC(context.Background(), VNCOptions{Host: host, Port: port})
	if err != nil {
		t.Fatalf("OpenVNC: %v", err)
	}
	defer sess.Close()
	if sess.Kind() != connection.AdapterVNC {
		t.Fatalf("kind = %v", sess.Kind())
	}
	if sess.Conn() == nil {
		t.Fatal("nil transport")
	}
}

func TestOpenVNCPasswordRequired(t *testing.T) {
	host, port := fakeVNCServer(t, func(c net.Conn) {
		if !serverHandshake(c) {
			return
		}
		_, _ = c.Write([]byte{1, rfbSecurityVNCAuth})
	})

	_, err := OpenVNC(context.Background(), VNCOptions{Host: host, Port: port})
	if !connection.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
	req := connection.AuthRequirementOf(err)
	if req == nil || len(req.Fields) != 1 || req.Fields[0].Kind != connection.CredentialPassword {
		t.Fatalf("auth requirement = %+v", req)
	}
}

func TestOpenVNCRejectedPassword(t *testing.T) {
	host, port := fakeVNCServer(t, func(c net.Conn) {
		if !serverHandshake(c) {
			return
		}
		_, _ = c.Write([]byte{1, rfbSecurityVNCAuth})
		var pick [1]byte
		if _, err := io.ReadFull(c, pick[:]); err != nil {
			return
		}
		challenge := make([]byte, 16)
		_, _ = c.Write(challenge)
		response := make([]byte, 16)
		if _, err := io.ReadFull(c, response); err != nil {
			return
		}
		_, _ = c.Write([]byte{0, 0, 0, 1}) // SecurityResult failed
		reason := []byte("Authentication failed")
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(reason)))
		_, _ = c.Write(n[:])
		_, _ = c.Write(reason)
	})

	_, err := OpenVNC(context.Background(), VNCOptions{Host: host, Port: port, Password: []byte("wrong")})
	if !connection.IsAuthFailed(err) {
		t.Fatalf("err = %v, want auth failure", err)
	}
}

func TestOpenVNCNotAVNCServer(t *testing.T) {
	host, port := fakeVNCServer(t, func(c net.Conn) {
		_, _ = c.Write([]byte("HTTP/1.1 400\r\n"))
	})

	_, err := OpenVNC(context.Background(), VNCOptions{Host: host, Port: port})
	if connection.KindOf(err) != connection.KindProtocolRejected {
		t.Fatalf("err = %v, want protocol rejection", err)
	}
}

func TestOpenVNCServerRefusal(t *testing.T) {
	host, port := fakeVNCServer(t, func(c net.Conn) {
		if !serverHandshake(c) {
			return
		}
		_, _ = c.Write([]byte{0}) // zero security types: refusal
		reason := []byte("Too many connections")
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(reason)))
		_, _ = c.Write(n[:])
		_, _ = c.Write(reason)
	})

	_, err := OpenVNC(context.Background(), VNCOptions{Host: host, Port: port})
	if connection.KindOf(err) != connection.KindProtocolRejected {
		t.Fatalf("err = %v, want protocol rejection", err)
	}
}

func TestMirrorByte(t *testing.T) {
	cases := map[byte]byte{0x00: 0x00, 0x01: 0x80, 0x80: 0x01, 0xF0: 0x0F, 0xAA: 0x55}
	for in, want := range cases {
		if got := mirrorByte(in); got != want {
			t.Errorf("mirrorByte(%#02x) = %#02x, want %#02x", in, got, want)
		}
	}
}

func TestEncryptVNCChallengeDeterministic(t *testing.T) {
	challenge := make([]byte, 16)
	for i := range challenge {
		challenge[i] = byte(i)
	}
	a, err := encryptVNCChallenge(challenge, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, _ := encryptVNCChallenge(challenge, []byte("secret"))
	other, _ := encryptVNCChallenge(challenge, []byte("other"))
	if string(a) != string(b) {
		t.Fatal("same password produced different responses")
	}
	if string(a) == string(other) {
		t.Fatal("different passwords produced the same response")
	}
	if len(a) != 16 {
		t.Fatalf("response length = %d", len(a))
	}
}
