package picomotor

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout           = errors.New("communication timeout")
	ErrNoResponse        = errors.New("no response from controller")
	ErrBusClosed         = errors.New("bus is closed")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnknownAddress    = errors.New("unknown controller address")
	ErrMotionTimeout     = errors.New("motion timeout")
)

// InvalidCommandError reports a local validation failure in the codec.
// It is always a caller bug and never reaches the transport.
type InvalidCommandError struct {
	Cmd    Command
	Reason string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command %s: %s", e.Cmd, e.Reason)
}

func (e *InvalidCommandError) Unwrap() error {
	return ErrInvalidCommand
}

// MalformedResponseError reports wire data that did not match the shape
// expected for the command that was queried.
type MalformedResponseError struct {
	Cmd    Command
	Raw    string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response to %s (%s): %q", e.Cmd, e.Reason, e.Raw)
}

func (e *MalformedResponseError) Unwrap() error {
	return ErrMalformedResponse
}

// TransportError reports a USB/serial failure (stall, disconnect, short
// write). Fatal to the session; the bus does not reconnect.
type TransportError struct {
	Op  string // "read" or "write"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ControllerError is a fault reported by the controller's own error
// register (TB?/TE?). Not retried automatically: it usually means an
// out-of-range command or a disconnected motor.
type ControllerError struct {
	Address int
	Code    int
	Message string
}

func (e *ControllerError) Error() string {
	if e.Address != DirectAddress {
		return fmt.Sprintf("controller %d reported error %d: %s", e.Address, e.Code, e.Message)
	}
	return fmt.Sprintf("controller reported error %d: %s", e.Code, e.Message)
}

// Axis returns the axis an axis-scoped error code refers to, or 0 for
// general codes. The 8742 encodes the axis in the hundreds digit.
func (e *ControllerError) Axis() int {
	if e.Code >= 100 && e.Code/100 <= MaxAxis {
		return e.Code / 100
	}
	return 0
}

// MotionTimeoutError reports that an axis never went idle within the
// window given to WaitUntilIdle.
type MotionTimeoutError struct {
	Axis    int
	Timeout time.Duration
}

func (e *MotionTimeoutError) Error() string {
	return fmt.Sprintf("axis %d still moving after %v", e.Axis, e.Timeout)
}

func (e *MotionTimeoutError) Unwrap() error {
	return ErrMotionTimeout
}

// IsTimeout reports whether err is a read timeout or complete silence.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoResponse)
}

// GetControllerError extracts a ControllerError from an error chain, if
// present.
func GetControllerError(err error) (*ControllerError, bool) {
	var ce *ControllerError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
