// Package enginerr defines the typed error taxonomy shared by the Modbus
// bus engine: codec, transport, bus session, and store adapter failures all
// resolve to one of these kinds so callers can branch with errors.Is/As
// instead of matching strings.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine-level error.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindNotWritable       Kind = "not_writable"
	KindNotConnected      Kind = "not_connected"
	KindTimedOut          Kind = "timed_out"
	KindFrameError        Kind = "frame_error"
	KindModbusException   Kind = "modbus_exception"
	KindTransportError    Kind = "transport_error"
	KindInvalidValue      Kind = "invalid_value"
	KindPortOpenFailed    Kind = "port_open_failed"
	KindPersistenceError  Kind = "persistence_error"
)

// Error is the concrete error type returned by engine components. It wraps
// an optional cause and carries a Kind so call sites can classify failures
// without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Code    int // ModbusException exception code, when Kind == KindModbusException
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, enginerr.ErrTimedOut) style sentinel
// comparisons against a Kind marker.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

func NotWritable(reason string) error {
	return &Error{Kind: KindNotWritable, Message: reason}
}

func NotConnected(nodeID string) error {
	return &Error{Kind: KindNotConnected, Message: fmt.Sprintf("node %q is not connected", nodeID)}
}

func TransactionTimedOut(detail string) error {
	return &Error{Kind: KindTimedOut, Message: "device did not respond within timeout: " + detail}
}

func FrameError(detail string) error {
	return &Error{Kind: KindFrameError, Message: detail}
}

func ModbusException(code int) error {
	return &Error{Kind: KindModbusException, Message: fmt.Sprintf("remote exception code %d", code), Code: code}
}

func TransportError(cause error) error {
	return &Error{Kind: KindTransportError, Message: "serial transport failure", Cause: cause}
}

func InvalidValue(detail string) error {
	return &Error{Kind: KindInvalidValue, Message: detail}
}

func PortOpenFailed(cause error) error {
	return &Error{Kind: KindPortOpenFailed, Message: "failed to open serial port", Cause: cause}
}

func PersistenceError(cause error) error {
	return &Error{Kind: KindPersistenceError, Message: "store adapter failure", Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Sentinel markers usable with errors.Is(err, enginerr.ErrTimedOut) etc,
// matched on Kind alone via (*Error).Is.
var (
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNotWritable      = &Error{Kind: KindNotWritable}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrTimedOut         = &Error{Kind: KindTimedOut}
	ErrFrameError       = &Error{Kind: KindFrameError}
	ErrModbusException  = &Error{Kind: KindModbusException}
	ErrTransportError   = &Error{Kind: KindTransportError}
	ErrInvalidValue     = &Error{Kind: KindInvalidValue}
	ErrPortOpenFailed   = &Error{Kind: KindPortOpenFailed}
	ErrPersistenceError = &Error{Kind: KindPersistenceError}
)

// HumanMessage computes a human-readable message for a write-path failure,
// following the write API's human-readable mapping.
func HumanMessage(err error) string {
	e, ok := err.(*Error)
	if !ok {
		var cast *Error
		if errors.As(err, &cast) {
			e = cast
			ok = true
		}
	}
	if !ok {
		return err.Error()
	}
	switch e.Kind {
	case KindModbusException:
		switch e.Code {
		case 1:
			return "device does not support writing this address"
		case 2:
			return "illegal data address"
		case 3:
			return "illegal data value"
		case 4:
			return "device failure while processing the write"
		default:
			return fmt.Sprintf("device returned exception code %d", e.Code)
		}
	case KindTimedOut:
		return "device did not respond, try reconnecting"
	case KindFrameError:
		return "malformed response frame (CRC mismatch)"
	case KindNotWritable:
		return "tag is not writable"
	case KindNotConnected:
		return "bus is not connected"
	case KindInvalidValue:
		return "value is not a finite writable number"
	case KindTransportError:
		return "serial transport error"
	default:
		return e.Error()
	}
}
