package agent

import (
	"context"
	"errors"
	"net"
	"os/exec"

	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
)

// ErrorKind sorts pipeline failures by how the owning layer reacts.
type ErrorKind string

const (
	// KindTransient errors (network hiccups, transport 5xx, stream
	// interrupts) are retried where they happen and never reach the user.
	KindTransient ErrorKind = "transient"
	// KindPolicyDrop marks messages refused by the policy gate. Logged
	// at debug, no reply sent.
	KindPolicyDrop ErrorKind = "policy_drop"
	// KindConflict marks a session-store CAS failure after retries.
	KindConflict ErrorKind = "conflict"
	// KindPermanentValidation marks a malformed envelope or request.
	// The single message is dropped; the account keeps running.
	KindPermanentValidation ErrorKind = "permanent_validation"
	// KindFatal marks credential or configuration failures that stop
	// the account task. The supervisor restarts only when opted in.
	KindFatal ErrorKind = "fatal"
	// KindUserSurface marks an agent-reported failure: the final payload
	// carries the error and the session records abortedLastRun.
	KindUserSurface ErrorKind = "user_surface"
)

// kindError tags an error with its kind without hiding the cause.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind wraps err so Classify returns kind for it. Nil passes through.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Classify maps an error to its kind. Explicit tags win; known sentinels
// are recognized; anything else is treated as transient so the owning
// layer retries rather than kills the account.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tagged *kindError
	if errors.As(err, &tagged) {
		return tagged.kind
	}
	if errors.Is(err, sessions.ErrConflict) {
		return KindConflict
	}
	if errors.Is(err, exec.ErrNotFound) {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}
