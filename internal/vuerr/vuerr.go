// Package vuerr defines the error taxonomy shared by the vhost-user frontend
// engine. Every error surfaced by the engine matches exactly one kind with
// errors.Is, and may additionally match its underlying cause.
package vuerr

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a malformed, out-of-sequence or version-mismatched
	// reply. Fatal for the session.
	ErrProtocol = errors.New("vhost-user protocol error")
	// ErrTransport marks a closed channel, a failed descriptor transfer or
	// an expired handshake deadline. Fatal for the session.
	ErrTransport = errors.New("vhost-user transport error")
	// ErrConfiguration marks invalid parameters rejected before anything is
	// sent or applied. Session state is unchanged.
	ErrConfiguration = errors.New("configuration error")
	// ErrHypervisor marks a failed memory mapping or interrupt injection.
	ErrHypervisor = errors.New("hypervisor error")
	// ErrNotMapped is returned when a guest address lies outside every
	// registered region. It is always wrapped as a configuration error.
	ErrNotMapped = errors.New("guest address not mapped")
	// ErrClosed is returned for operations on a torn down session.
	ErrClosed = errors.New("session closed")
)

// Error carries the kind, the operation that failed and the cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Protocol wraps err as a protocol error.
func Protocol(op string, format string, args ...any) error {
	return newError(ErrProtocol, op, fmt.Errorf(format, args...))
}

// Transport wraps err as a transport error. A nil err yields nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return newError(ErrTransport, op, err)
}

// Configuration builds a configuration error from a format string.
func Configuration(op string, format string, args ...any) error {
	return newError(ErrConfiguration, op, fmt.Errorf(format, args...))
}

// Hypervisor wraps err as a hypervisor error. A nil err yields nil.
func Hypervisor(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHypervisor) {
		return err
	}
	return newError(ErrHypervisor, op, err)
}

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrTransport)
}
