// Package proxyerr defines the error kinds raised on the relay path and
// classifies raw transport errors into them.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Kind identifies how a failure is handled.
type Kind int

const (
	KindUnknown Kind = iota
	// KindMalformedRequest: the client sent unparsable data.
	KindMalformedRequest
	// KindUnknownConnection: an event arrived for a pair that no longer exists.
	KindUnknownConnection
	// KindAlreadyPaired: a registry invariant violation.
	KindAlreadyPaired
	// KindRemoteConnectFailure: the destination could not be reached.
	KindRemoteConnectFailure
	// KindInterceptorFailure: a chain stage failed.
	KindInterceptorFailure
	// KindPeerReset: a socket was reset or hung up by its peer.
	KindPeerReset
	// KindTimeout: a read or write deadline expired.
	KindTimeout
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindMalformedRequest:     "malformed_request",
	KindUnknownConnection:    "unknown_connection",
	KindAlreadyPaired:        "already_paired",
	KindRemoteConnectFailure: "remote_connect_failure",
	KindInterceptorFailure:   "interceptor_failure",
	KindPeerReset:            "peer_reset",
	KindTimeout:              "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrMalformedRequest     = &Error{Kind: KindMalformedRequest}
	ErrUnknownConnection    = &Error{Kind: KindUnknownConnection}
	ErrAlreadyPaired        = &Error{Kind: KindAlreadyPaired}
	ErrRemoteConnectFailure = &Error{Kind: KindRemoteConnectFailure}
	ErrInterceptorFailure   = &Error{Kind: KindInterceptorFailure}
	ErrPeerReset            = &Error{Kind: KindPeerReset}
	ErrTimeout              = &Error{Kind: KindTimeout}
)

// Error is a relay failure tagged with its kind.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "read response head".
	Op  string
	Err error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or the kind
// inferred from the underlying transport error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindUnknown {
		return pe.Kind
	}
	switch {
	case IsPeerReset(err):
		return KindPeerReset
	case IsTimeout(err):
		return KindTimeout
	}
	return KindUnknown
}

// Classify wraps err in an *Error carrying its inferred kind. Errors that
// already carry a kind are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindUnknown {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// IsPeerReset reports whether err means the peer went away: a reset, a
// broken pipe, or a truncated stream.
func IsPeerReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.ECONNRESET || sysErr.Err == syscall.EPIPE
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err is the normal result of reading or writing
// a connection that has already been closed on either end.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
