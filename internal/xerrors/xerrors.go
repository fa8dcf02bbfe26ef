// Package xerrors defines the error-kind taxonomy shared across the node:
// transport, integrity, protocol, not-found, permission, timeout and
// cancellation failures each carry distinct retry semantics upstream.
package xerrors

import "errors"

var (
	ErrTransport  = errors.New("transport error")
	ErrIntegrity  = errors.New("integrity error")
	ErrProtocol   = errors.New("protocol error")
	ErrNotFound   = errors.New("not found")
	ErrPermission = errors.New("permission denied")
	ErrTimeout    = errors.New("operation timed out")
	ErrCancelled  = errors.New("operation cancelled")
)

// Kind classifies an error for callback surfacing (spec §7).
type Kind string

const (
	KindTransport  Kind = "transport"
	KindIntegrity  Kind = "integrity"
	KindProtocol   Kind = "protocol"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
)

// Failure is the user-visible terminal error surfaced by onError callbacks.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

func New(kind Kind, reason string, cause error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: cause}
}

func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindProtocol
	}
}
