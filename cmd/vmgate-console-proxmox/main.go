// vmgate-console-proxmox attaches stdin/stdout to a Proxmox termproxy
// WebSocket. It is spawned by the backend under a PTY, but also runs
// standalone in a terminal for debugging.
//
// Usage: vmgate-console-proxmox <vncwebsocket-url> <target>
//
// The auth cookie and console ticket arrive via the environment, never on
// the command line.
package main

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/ptydriver"
)

const keepaliveInterval = 30 * time.Second

func main() {
	err := run()
	if err != nil && !errors.Is(err, errClosed) {
		fmt.Fprintf(os.Stderr, "vmgate-console-proxmox: %v\n", err)
	}
	if errors.Is(err, errClosed) {
		err = nil
	}
	os.Exit(ptydriver.ExitCodeFor(err))
}

// errClosed marks a clean remote close.
var errClosed = errors.New("closed")

func run() error {
	h, err := ptydriver.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		return connection.NewInternal("invalid handshake", err)
	}
	cookie, consoleTicket, ok := strings.Cut(string(h.Token), "\n")
	if !ok || cookie == "" || consoleTicket == "" {
		return connection.NewInternal("malformed console token", nil)
	}

	// When run directly in a terminal, switch it to raw mode so keystrokes
	// pass through unmangled. Under the backend's PTY stdin is already raw.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig(h),
	}
	header := http.Header{}
	header.Set("Cookie", "PVEAuthCookie="+cookie)
	// The console ticket authorizes this specific attachment.
	endpoint := h.Endpoint + "&vncticket=" + url.QueryEscape(consoleTicket)

	ws, resp, err := dialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return connection.NewAuthFailed(nil, "proxmox rejected the console ticket", err)
		}
		return connection.NewUnreachable("connecting to proxmox console failed", err)
	}
	defer ws.Close()

	// termproxy handshake: "user:ticket\n", answered with "OK".
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte(h.User+":"+consoleTicket+"\n")); err != nil {
		return connection.NewUnreachable("sending console hello failed", err)
	}
	_, ack, err := ws.ReadMessage()
	if err != nil {
		return connection.NewUnreachable("reading console ack failed", err)
	}
	if !strings.HasPrefix(string(ack), "OK") {
		return connection.NewProtocolRejected("proxmox refused the console: "+strings.TrimSpace(string(ack)), nil)
	}

	errs := make(chan error, 3)

	// WebSocket → stdout
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					errs <- errClosed
				} else {
					errs <- connection.NewUnreachable("console stream ended", err)
				}
				return
			}
			if _, err := os.Stdout.Write(msg); err != nil {
				errs <- connection.NewInternal("writing console output failed", err)
				return
			}
		}
	}()

	// stdin → WebSocket, framed as "0:<len>:<data>"
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				frame := append([]byte(fmt.Sprintf("0:%d:", n)), buf[:n]...)
				if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					errs <- connection.NewUnreachable("sending console input failed", err)
					return
				}
			}
			if err != nil {
				errs <- errClosed
				return
			}
		}
	}()

	// Keepalive plus window size tracking.
	go func() {
		sendResize(ws)
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-winch:
				sendResize(ws)
			case <-ticker.C:
				if err := ws.WriteMessage(websocket.BinaryMessage, []byte("2")); err != nil {
					errs <- connection.NewUnreachable("console keepalive failed", err)
					return
				}
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errs:
		return err
	case <-stop:
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
}

// sendResize reports the controlling terminal size as "1:cols:rows:".
func sendResize(ws *websocket.Conn) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	_ = ws.WriteMessage(websocket.BinaryMessage, []byte(fmt.Sprintf("1:%d:%d:", cols, rows)))
}

func tlsConfig(h *ptydriver.Handshake) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case h.Fingerprint != "":
		want := strings.ToLower(strings.ReplaceAll(h.Fingerprint, ":", ""))
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if hex.EncodeToString(sum[:]) != want {
				return errors.New("certificate fingerprint mismatch")
			}
			return nil
		}
	case h.InsecureTLS:
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
