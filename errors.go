package nicring

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a structured driver error with operation and ring context.
type Error struct {
	Op    string    // operation that failed (e.g. "TRANSMIT", "TEARDOWN")
	Ring  string    // ring name ("tx", "rx"), empty if not applicable
	Code  ErrorCode // high-level error category
	Msg   string    // human-readable message
	Inner error     // wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Ring != "" {
		parts = append(parts, fmt.Sprintf("ring=%s", e.Ring))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nicring: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("nicring: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches two structured errors by code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories, the taxonomy callers
// branch on.
type ErrorCode string

const (
	// ErrCodeInvalidArgument - caller error (oversized or empty payload,
	// bad geometry); no state change occurred.
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	// ErrCodeBackpressure - the ring is saturated; transient, the caller
	// may retry, queue or drop. Recorded in the ring's overflow counter.
	ErrCodeBackpressure ErrorCode = "backpressure"
	// ErrCodeAllocationFailure - construction could not acquire memory;
	// everything already acquired was rolled back.
	ErrCodeAllocationFailure ErrorCode = "allocation failure"
	// ErrCodeHardwareTimeout - the device never signalled completion
	// within the bounded wait; ring state is not corrupted.
	ErrCodeHardwareTimeout ErrorCode = "hardware timeout"
	// ErrCodeDeviceState - the operation is not legal in the device's
	// current lifecycle state.
	ErrCodeDeviceState ErrorCode = "invalid device state"
	// ErrCodeInterruptLine - interrupt registration or removal failed.
	ErrCodeInterruptLine ErrorCode = "interrupt line"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewRingError creates a new ring-specific error.
func NewRingError(op, ring string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Ring: ring, Code: code, Msg: msg}
}

// WrapError wraps an existing error with driver context.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Ring:  ne.Ring,
			Code:  ne.Code,
			Msg:   ne.Msg,
			Inner: ne.Inner,
		}
	}

	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code == code
	}
	return false
}
