package transport

import (
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrNotSupported is returned when a transport lacks a capability.
	ErrNotSupported = errors.New("not supported by the transport")

	// ErrConnectionLost is carried by EventConnectionLost when
	// reconnection attempts are exhausted.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned by transports used before Connect.
	ErrNotConnected = errors.New("transport is not connected")
)

// AuthError is a credentials rejection, it's never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return "authentication error: " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient failure, transports retry it with backoff.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConnectionLostError is carried by EventConnectionLost,
// it matches ErrConnectionLost and unwraps to the last failure.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	if e.Err == nil {
		return ErrConnectionLost.Error()
	}
	return ErrConnectionLost.Error() + ": " + e.Err.Error()
}

func (e *ConnectionLostError) Unwrap() error {
	return e.Err
}

func (e *ConnectionLostError) Is(target error) bool {
	return target == ErrConnectionLost
}

// UnsupportedOptionError is returned by SetOption for options
// that the transport cannot apply.
type UnsupportedOptionError struct {
	Name      string
	Transport string
}

func (e *UnsupportedOptionError) Error() string {
	return "option " + e.Name + " is not supported by " + e.Transport + " transport"
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsNetworkError reports whether err is transient: a NetworkError
// or any net.Error from the standard library.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var e *NetworkError
	if errors.As(err, &e) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsUnsupportedOption reports whether err is an UnsupportedOptionError.
func IsUnsupportedOption(err error) bool {
	var e *UnsupportedOptionError
	return errors.As(err, &e)
}
