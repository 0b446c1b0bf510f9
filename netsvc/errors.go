package netsvc

import "github.com/pkg/errors"

// Sentinel errors compared with errors.Is / errors.Cause by callers.
var (
	// ErrUnknownSession is returned when a write targets a session the
	// registry has no channel for.
	ErrUnknownSession = errors.New("netsvc: unknown session")
	// ErrChannelClosed is returned by operations against a channel that
	// destroyChannel has already torn down.
	ErrChannelClosed = errors.New("netsvc: channel closed")
	// ErrNilSession names a consumer's CreateSession callback yielding a
	// nil session. The read path returns no error for that case: it tears
	// a TCP channel down, or drops the datagram on a UDP server socket.
	ErrNilSession = errors.New("netsvc: consumer returned nil session")
	// ErrBackpressure signals the I/O worker pool rejected a task; the
	// caller must retry rather than drop the ready key.
	ErrBackpressure = errors.New("netsvc: io pool saturated")
	// ErrServiceClosed names the state after Shutdown. No operation in
	// this package returns it: calls made after Shutdown are not refused.
	ErrServiceClosed = errors.New("netsvc: service closed")
)

// ConfigError wraps a misconfiguration rejected by Config validation: a
// non-positive buffer size or handshake timeout. A malformed listen
// address is reported by ParsePortRange as a plain wrapped error.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return errors.Wrapf(e.Err, "netsvc: invalid config field %q", e.Field).Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func newConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// RegistrationError wraps a listener bind failure or a double-registration
// of the same local port.
type RegistrationError struct {
	Addr string
	Err  error
}

func (e *RegistrationError) Error() string {
	return errors.Wrapf(e.Err, "netsvc: registration failed for %q", e.Addr).Error()
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// IOError wraps a read/write/close failure on a specific channel. It never
// propagates past the I/O loop boundary: the loop destroys the channel and
// marks the affected packages IOError instead of killing itself.
type IOError struct {
	Channel string
	Err     error
}

func (e *IOError) Error() string {
	return errors.Wrapf(e.Err, "netsvc: io error on channel %s", e.Channel).Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// ProtocolError wraps a violation of the net protocol contract: a write
// addressed to a session with no channel, or a stream source handed a
// channel it cannot write to. A stale UDP write after a rebind is dropped
// without an error.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "netsvc: protocol error: " + e.Reason
	}
	return errors.Wrapf(e.Err, "netsvc: protocol error: %s", e.Reason).Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
