package ptydriver

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vmgate/vmgate/internal/connection"
)

func TestHandshakeRoundTrip(t *testing.T) {
	in := &Handshake{
		Endpoint:    "https://pve1.example:8006",
		Target:      "node1/qemu/100",
		User:        "root@pam",
		Token:       []byte("PVE:ticket-value"),
		Fingerprint: "ab:cd:ef",
	}

	args := in.args()
	env := map[string]string{}
	for _, kv := range in.env() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	if strings.Contains(strings.Join(args, " "), "ticket-value") {
		t.Fatal("token leaked into argv")
	}

	out, err := Parse(args, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if out.Endpoint != in.Endpoint || out.Target != in.Target || out.User != in.User {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if string(out.Token) != string(in.Token) || out.Fingerprint != in.Fingerprint {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	empty := func(string) string { return "" }
	if _, err := Parse([]string{"only-endpoint"}, empty); err == nil {
		t.Fatal("expected error for missing target")
	}
	if _, err := Parse([]string{"", "target"}, empty); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	bad := func(k string) string {
		if k == EnvInsecureTLS {
			return "banana"
		}
		return ""
	}
	if _, err := Parse([]string{"e", "t"}, bad); err == nil {
		t.Fatal("expected error for invalid insecure flag")
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		code int
		kind connection.ErrorKind
	}{
		{ExitAuthRejected, connection.KindAuthFailed},
		{ExitTransport, connection.KindUnreachable},
		{ExitProtocol, connection.KindProtocolRejected},
		{ExitInternal, connection.KindInternal},
		{42, connection.KindInternal},
	}
	for _, tc := range cases {
		err := classifyExit(tc.code)
		if got := connection.KindOf(err); got != tc.kind {
			t.Errorf("classifyExit(%d) kind = %v, want %v", tc.code, got, tc.kind)
		}
		if got := ExitCodeFor(err); tc.code <= ExitProtocol && got != tc.code {
			t.Errorf("ExitCodeFor round trip for %d = %d", tc.code, got)
		}
	}
	if classifyExit(ExitClean) != nil {
		t.Fatal("clean exit should classify as nil")
	}
	if ExitCodeFor(nil) != ExitClean {
		t.Fatal("nil error should map to clean exit")
	}
}

func TestWaitClassifiesHelperExit(t *testing.T) {
	script := filepath.Join(t.TempDir(), "helper.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	h := &Handshake{Endpoint: "endpoint", Target: "target"}
	d, err := Start(script, h, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Drain like the console relay does until the PTY reports EOF.
	if _, err := io.Copy(io.Discard, d); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// Closing after the helper already exited must not mask its exit code.
	_ = d.Close()

	waitErr := d.Wait()
	if IsCleanExit(waitErr) {
		t.Fatal("auth-rejected exit reported as clean")
	}
	if !connection.IsAuthFailed(waitErr) {
		t.Fatalf("Wait = %v, want auth failure", waitErr)
	}
}

func TestDriverEchoAndClose(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	h := &Handshake{Endpoint: "stdin", Target: "stdin"}
	d, err := Start("cat", h, time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Close()

	if _, err := d.Write([]byte("hello console\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	line, err := bufio.NewReader(d).ReadString('\n')
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// The PTY echoes input, so the first line back contains what we sent.
	if !strings.Contains(line, "hello console") {
		t.Fatalf("unexpected echo: %q", line)
	}
	if err := d.Resize(40, 120); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	start := time.Now()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Close took %v, want well under grace escalation", elapsed)
	}
	if err := d.Wait(); !IsCleanExit(err) {
		t.Fatalf("Wait after host kill = %v, want clean", err)
	}
}
