package ptydriver

import (
	"errors"
	"fmt"

	"github.com/vmgate/vmgate/internal/connection"
)

// Helper exit codes. The host maps them back onto the failure taxonomy, so
// a helper must never exit with an unlisted code for a known condition.
const (
	ExitClean        = 0
	ExitInternal     = 2
	ExitAuthRejected = 3
	ExitTransport    = 4
	ExitProtocol     = 5
)

// ExitCodeFor picks the helper exit code for an error. Used by the helper
// mains right before os.Exit.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitClean
	}
	switch connection.KindOf(err) {
	case connection.KindAuthFailed:
		return ExitAuthRejected
	case connection.KindUnreachable:
		return ExitTransport
	case connection.KindProtocolRejected:
		return ExitProtocol
	default:
		return ExitInternal
	}
}

// classifyExit turns a helper exit code back into a taxonomy error. Codes
// outside the contract are internal failures.
func classifyExit(code int) error {
	switch code {
	case ExitClean:
		return nil
	case ExitAuthRejected:
		return connection.NewAuthFailed(nil, "console helper: backend rejected credentials", nil)
	case ExitTransport:
		return connection.NewUnreachable("console helper: transport failed", nil)
	case ExitProtocol:
		return connection.NewProtocolRejected("console helper: backend refused the console", nil)
	default:
		return connection.NewInternal(fmt.Sprintf("console helper exited with code %d", code), nil)
	}
}

// IsCleanExit reports whether the error represents a normal helper exit.
func IsCleanExit(err error) bool {
	return err == nil || errors.Is(err, errKilled)
}

// errKilled marks a helper we terminated ourselves during Close.
var errKilled = errors.New("ptydriver: helper terminated by host")
