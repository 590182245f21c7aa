package device

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TimeoutError indicates the device did not respond within the command
// deadline. Retryable by the caller.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("device timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError indicates a connection-level I/O failure. The registry
// evicts the handle when it sees one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("device transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError indicates the device rejected the configured comm key.
// Never retried automatically.
type AuthError struct {
	Addr string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("device %s rejected authentication", e.Addr)
}

// ProtocolError indicates the device responded but the response was
// malformed or semantically invalid for the command.
type ProtocolError struct {
	Op      string
	Command uint16
	Detail  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s (command %d): %s", e.Op, e.Command, e.Detail)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// IsAuth reports whether err is (or wraps) an AuthError
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsProtocol reports whether err is (or wraps) a ProtocolError
func IsProtocol(err error) bool {
	var p *ProtocolError
	return errors.As(err, &p)
}

// classifyIOError converts a raw I/O error into the taxonomy. Deadline
// expiry counts as a timeout, everything else as a transport failure.
func classifyIOError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

// Reason returns a short, user-actionable description for a classified
// device error.
func Reason(err error) string {
	switch {
	case IsTimeout(err):
		return "device did not respond in time"
	case IsAuth(err):
		return "device authentication failed"
	case IsProtocol(err):
		return "device returned an invalid response"
	case IsTransport(err):
		return "device unreachable"
	default:
		return err.Error()
	}
}
