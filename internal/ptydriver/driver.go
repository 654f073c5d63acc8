package ptydriver

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"

	"github.com/vmgate/vmgate/internal/connection"
)

// Driver runs one console helper under a pseudo-terminal and exposes it as
// a console session. The helper's stdout is the console output, its stdin
// the console input.
type Driver struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	killGrace time.Duration

	killedByUs atomic.Bool
	waitDone   chan struct{}
	waitErr    error

	closeOnce sync.Once
	closeErr  error
}

var _ connection.ConsoleSession = (*Driver)(nil)

// Start spawns the helper binary with the handshake applied. The token goes
// through the environment only.
func Start(bin string, h *Handshake, killGrace time.Duration) (*Driver, error) {
	if bin == "" {
		return nil, connection.NewInternal("console helper binary not configured", nil)
	}
	cmd := exec.Command(bin, h.args()...)
	cmd.Env = append(os.Environ(), h.env()...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, connection.NewInternal("spawning console helper failed", err)
	}
	d := &Driver{
		cmd:       cmd,
		ptmx:      ptmx,
		killGrace: killGrace,
		waitDone:  make(chan struct{}),
	}
	go d.reap()
	log.Debug().Str("helper", bin).Str("target", h.Target).Msg("console helper started")
	return d, nil
}

func (d *Driver) reap() {
	err := d.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		d.waitErr = nil
	// A real exit code wins over killedByUs: the helper may have exited on
	// its own in the window before Close signals it.
	case errors.As(err, &exitErr) && exitErr.ExitCode() >= 0:
		d.waitErr = classifyExit(exitErr.ExitCode())
	case d.killedByUs.Load():
		d.waitErr = errKilled
	default:
		d.waitErr = connection.NewInternal("console helper died", err)
	}
	close(d.waitDone)
}

func (d *Driver) Read(p []byte) (int, error) {
	n, err := d.ptmx.Read(p)
	// Linux reports EIO when the helper side of the PTY is gone.
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (d *Driver) Write(p []byte) (int, error) {
	return d.ptmx.Write(p)
}

func (d *Driver) Resize(rows, cols uint16) error {
	return pty.Setsize(d.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Wait blocks until the helper exits and returns its classified result.
// A helper we terminated ourselves reports errKilled, which IsCleanExit
// treats as normal.
func (d *Driver) Wait() error {
	<-d.waitDone
	return d.waitErr
}

// Close terminates the helper: SIGTERM first, SIGKILL if it is still around
// after the grace period. Idempotent.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		select {
		case <-d.waitDone:
		default:
			d.killedByUs.Store(true)
			_ = d.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-d.waitDone:
			case <-time.After(d.killGrace):
				log.Warn().Int("pid", d.cmd.Process.Pid).Msg("console helper ignored SIGTERM, killing")
				_ = d.cmd.Process.Kill()
				<-d.waitDone
			}
		}
		d.closeErr = d.ptmx.Close()
	})
	return d.closeErr
}
