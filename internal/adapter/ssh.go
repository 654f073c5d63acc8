package adapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/vmgate/vmgate/internal/connection"
	"github.com/vmgate/vmgate/internal/secrets"
)

const sshDialTimeout = 10 * time.Second

// SSHOptions configures an SSH console or SFTP session. Exactly one of
// Password or PrivateKey is used; both empty means the caller must prompt.
type SSHOptions struct {
	Host       string
	Port       int
	User       string
	Password   []byte
	PrivateKey []byte
}

// SSHAuthRequirement is the prompt raised when an SSH backend wants
// credentials we do not have.
func SSHAuthRequirement() *connection.AuthRequirement {
	return &connection.AuthRequirement{
		Fields: []connection.CredentialField{
			{Key: "username", Kind: connection.CredentialUsername, Label: "Username"},
			{Key: "password", Kind: connection.CredentialPassword, Label: "Password"},
		},
		DefaultPolicy: secrets.SavePolicyAskEveryTime,
	}
}

// OpenSSH opens an interactive shell over SSH and returns it as a console
// session. Credentials are consumed here and held only by the ssh client.
func OpenSSH(ctx context.Context, opts SSHOptions) (connection.ConsoleSession, error) {
	client, err := dialSSH(ctx, opts)
	if err != nil {
		return nil, err
	}
	s, err := newSSHConsole(client)
	if err != nil {
		client.Close()
		return nil, connection.NewInternal("starting ssh shell failed", err)
	}
	return s, nil
}

func dialSSH(ctx context.Context, opts SSHOptions) (*cryptossh.Client, error) {
	if opts.User == "" {
		return nil, connection.NewAuthFailed(SSHAuthRequirement(), "ssh username required", nil)
	}
	var methods []cryptossh.AuthMethod
	if len(opts.PrivateKey) > 0 {
		signer, err := cryptossh.ParsePrivateKey(opts.PrivateKey)
		if err != nil {
			return nil, connection.NewValidation("invalid ssh private key", err)
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	if len(opts.Password) > 0 {
		methods = append(methods, cryptossh.Password(string(opts.Password)))
	}
	if len(methods) == 0 {
		return nil, connection.NewAuthFailed(SSHAuthRequirement(), "ssh credentials required", nil)
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            opts.User,
		Auth:            methods,
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // endpoints are user-pinned, not discovered
		Timeout:         sshDialTimeout,
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", port))

	// Respect context cancellation during dial.
	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		cl, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{cl, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, classifySSHErr(addr, r.err)
		}
		return r.client, nil
	}
}

func classifySSHErr(addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "permission denied") {
		return connection.NewAuthFailed(SSHAuthRequirement(), "ssh authentication rejected", err)
	}
	return connection.NewUnreachable(fmt.Sprintf("ssh dial %s failed", addr), err)
}

type sshConsole struct {
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	mu      sync.Mutex
}

var _ connection.ConsoleSession = (*sshConsole)(nil)

func newSSHConsole(client *cryptossh.Client) (*sshConsole, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("adapter: ssh new session: %w", err)
	}
	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("adapter: ssh request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("adapter: ssh stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("adapter: ssh stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("adapter: ssh start shell: %w", err)
	}
	return &sshConsole{client: client, session: sess, stdin: stdin, stdout: stdout}, nil
}

func (s *sshConsole) Read(p []byte) (int, error) { return s.stdout.Read(p) }

func (s *sshConsole) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshConsole) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.WindowChange(int(rows), int(cols))
}

func (s *sshConsole) Close() error {
	_ = s.stdin.Close()
	_ = s.session.Close()
	return s.client.Close()
}
