// Package proxyerr defines the proxy's error taxonomy.
//
// Every failure surfaced by the proxy belongs to one of four kinds. Lower-layer
// errors (I/O, HTTP construction, QUIC stream and connection errors) are wrapped
// in an *Error that records the operation that produced them, so both the kind
// and the underlying cause remain reachable through errors.Is and errors.As.
package proxyerr

import (
	"errors"
)

// Error kinds.
var (
	// ErrConfiguration marks invalid or unusable server, TLS or upstream configuration.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInvalidRequest marks a malformed, incomplete or semantically incomplete client request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRequestFailure marks any failure while forwarding to or reading from the upstream.
	ErrRequestFailure = errors.New("upstream request failed")
	// ErrConnection marks a transport-level connection failure.
	ErrConnection = errors.New("connection error")
)

// Error attributes a failure to an operation and a kind.
type Error struct {
	Op   string // operation that failed, e.g. "read request"
	Kind error  // one of the Err* kinds, or nil for plain lower-layer errors
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// New returns an error of the given kind with no lower-layer cause.
func New(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// Wrap attributes err to op and classifies it as kind. kind may be nil when the
// error is only being attributed. Wrap returns nil if err is nil.
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the taxonomy kind of err, or nil if err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrConfiguration, ErrInvalidRequest, ErrRequestFailure, ErrConnection} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Label returns a short, bounded name for the kind of err, suitable for logs and
// metric labels.
func Label(err error) string {
	switch KindOf(err) {
	case ErrConfiguration:
		return "configuration"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrRequestFailure:
		return "request_failure"
	case ErrConnection:
		return "connection"
	}
	if err == nil {
		return "ok"
	}
	return "other"
}
