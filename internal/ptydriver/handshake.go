// Package ptydriver implements the contract between the backend and the
// console helper binaries. The helper receives its endpoint and target as
// positional arguments and everything sensitive through the environment; the
// secret token must never appear in argv or on the PTY stream.
package ptydriver

import (
	"fmt"
	"strconv"
)

// Environment variables consumed by console helpers.
const (
	EnvToken       = "VMGATE_CONSOLE_TOKEN"
	EnvUser        = "VMGATE_CONSOLE_USER"
	EnvFingerprint = "VMGATE_CONSOLE_FINGERPRINT"
	EnvInsecureTLS = "VMGATE_CONSOLE_INSECURE_TLS"
)

// Handshake carries everything a console helper needs to attach to one
// target. Endpoint and Target travel as positional arguments, the rest via
// the process environment.
type Handshake struct {
	// Endpoint is the backend to contact, e.g. "https://pve1:8006" or
	// "qemu+ssh://host/system".
	Endpoint string
	// Target names the console within the endpoint, e.g. "node1/qemu/100"
	// or a libvirt domain name.
	Target string

	User  string
	Token []byte
	// Fingerprint pins the backend's TLS certificate (SHA-256, hex pairs
	// separated by colons). Empty means system trust roots.
	Fingerprint string
	InsecureTLS bool
}

func (h *Handshake) args() []string {
	return []string{h.Endpoint, h.Target}
}

func (h *Handshake) env() []string {
	env := []string{
		EnvToken + "=" + string(h.Token),
		EnvUser + "=" + h.User,
	}
	if h.Fingerprint != "" {
		env = append(env, EnvFingerprint+"="+h.Fingerprint)
	}
	if h.InsecureTLS {
		env = append(env, EnvInsecureTLS+"=true")
	}
	return env
}

// Parse reconstructs the handshake on the helper side. args is os.Args[1:],
// getenv is os.Getenv (injectable for tests).
func Parse(args []string, getenv func(string) string) (*Handshake, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("ptydriver: expected 2 arguments (endpoint, target), got %d", len(args))
	}
	h := &Handshake{
		Endpoint: args[0],
		Target:   args[1],
		User:     getenv(EnvUser),
		Token:    []byte(getenv(EnvToken)),
	}
	if h.Endpoint == "" {
		return nil, fmt.Errorf("ptydriver: empty endpoint")
	}
	if h.Target == "" {
		return nil, fmt.Errorf("ptydriver: empty target")
	}
	h.Fingerprint = getenv(EnvFingerprint)
	if v := getenv(EnvInsecureTLS); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("ptydriver: invalid %s: %q", EnvInsecureTLS, v)
		}
		h.InsecureTLS = b
	}
	return h, nil
}
