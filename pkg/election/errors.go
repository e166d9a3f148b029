package election

import (
	"github.com/pkg/errors"

	"leaderd/pkg/coordination"
)

// Kind classifies election failures by how the caller must react.
type Kind int

const (
	// KindConnection is a transport failure reaching the service; retry with backoff.
	KindConnection Kind = iota + 1
	// KindRegistration is a failure creating the candidacy node; retryable.
	KindRegistration
	// KindResolution is an inconclusive namespace read; retryable.
	KindResolution
	// KindStaleCandidate means the own node is missing from the listing; re-register.
	KindStaleCandidate
	// KindSessionExpired is terminal for the current identity; re-bootstrap.
	KindSessionExpired
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindRegistration:
		return "registration"
	case KindResolution:
		return "resolution"
	case KindStaleCandidate:
		return "stale_candidate"
	case KindSessionExpired:
		return "session_expired"
	default:
		return "unknown"
	}
}

// Retryable reports whether a plain retry can clear an error of this kind.
func (k Kind) Retryable() bool {
	return k == KindConnection || k == KindRegistration || k == KindResolution
}

// Error is an election failure of a given Kind wrapping the service error that caused it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels below, so errors.Is(err, ErrStaleCandidate)
// holds for any stale-candidate error regardless of its cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrRegistration   = &Error{Kind: KindRegistration}
	ErrResolution     = &Error{Kind: KindResolution}
	ErrStaleCandidate = &Error{Kind: KindStaleCandidate}
	ErrSessionExpired = &Error{Kind: KindSessionExpired}
)

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// classify wraps a service error. A session that is already gone is reported
// as expired whatever the operation was.
func classify(err error, kind Kind, format string, args ...interface{}) error {
	if errors.Is(err, coordination.ErrSessionExpired) {
		kind = KindSessionExpired
	}
	return newError(kind, errors.Wrapf(err, format, args...))
}

// KindOf returns the kind of an election error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether err can be cleared by retrying the same call.
// A missing namespace or a closed client are never retried.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok || !kind.Retryable() {
		return false
	}
	return !errors.Is(err, coordination.ErrClosed) && !errors.Is(err, coordination.ErrNoNode)
}
