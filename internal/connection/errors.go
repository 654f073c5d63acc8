package connection

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a connection or adapter failure.
type ErrorKind string

const (
	// KindValidation — bad user input, rejected locally before any network I/O.
	KindValidation ErrorKind = "validation"
	// KindAuthFailed — missing, invalid or expired credentials; recoverable by
	// re-prompting. Drives the AuthRequired instance state.
	KindAuthFailed ErrorKind = "auth_failed"
	// KindUnreachable — transient network condition; retryable, never retried
	// silently more than once.
	KindUnreachable ErrorKind = "unreachable"
	// KindProtocolRejected — the backend explicitly refused; fatal for this
	// attempt.
	KindProtocolRejected ErrorKind = "protocol_rejected"
	// KindInternal — framework invariant violated (spawn failure, secret-store
	// corruption). Always reported, never swallowed.
	KindInternal ErrorKind = "internal"
)

// Error is the framework failure type. Title (optional) is the user-facing
// summary; Err carries the diagnostic cause and is logged separately, never
// shown verbatim in place of Title.
type Error struct {
	Kind  ErrorKind
	Title string
	// Auth describes the credentials to prompt for; set only when Kind is
	// KindAuthFailed.
	Auth *AuthRequirement
	Err  error
}

func (e *Error) Error() string {
	if e.Title != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.Err)
	}
	if e.Title != "" {
		return e.Title
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewValidation(title string, err error) *Error {
	return &Error{Kind: KindValidation, Title: title, Err: err}
}

func NewAuthFailed(req *AuthRequirement, title string, err error) *Error {
	return &Error{Kind: KindAuthFailed, Title: title, Auth: req, Err: err}
}

func NewUnreachable(title string, err error) *Error {
	return &Error{Kind: KindUnreachable, Title: title, Err: err}
}

func NewProtocolRejected(title string, err error) *Error {
	return &Error{Kind: KindProtocolRejected, Title: title, Err: err}
}

func NewInternal(title string, err error) *Error {
	return &Error{Kind: KindInternal, Title: title, Err: err}
}

// KindOf extracts the taxonomy kind from any error. Unclassified errors are
// internal: an unknown failure is a bug until proven otherwise.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsAuthFailed reports whether the error is recoverable by re-prompting for
// credentials.
func IsAuthFailed(err error) bool {
	return KindOf(err) == KindAuthFailed
}

// AuthRequirementOf returns the credential prompt description carried by the
// error, or nil.
func AuthRequirementOf(err error) *AuthRequirement {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Auth
	}
	return nil
}
