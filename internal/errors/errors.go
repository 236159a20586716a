package errors

import (
	"errors"
	"fmt"
	"time"
)

// BrokerError is the base interface for all broker errors.
type BrokerError interface {
	error
	IsBrokerError() bool
}

// Compile-time verification that all error types implement BrokerError.
var (
	_ BrokerError = (*BindError)(nil)
	_ BrokerError = (*ProcessError)(nil)
	_ BrokerError = (*ProtocolViolationError)(nil)
	_ BrokerError = (*MarkerTimeoutError)(nil)
	_ BrokerError = (*DecodeError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrSessionBusy indicates the admission slot is held by another sample.
	// Recoverable: the client may retry after a backoff.
	ErrSessionBusy = errors.New("session slot busy")

	// ErrSlotIdle indicates a release was attempted on an idle slot.
	ErrSlotIdle = errors.New("session slot is idle")

	// ErrNotConnected indicates the endpoint or bridge is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrServerClosed indicates the broker has been shut down.
	ErrServerClosed = errors.New("broker closed")

	// ErrStdinClosed indicates the subprocess input stream was closed.
	ErrStdinClosed = errors.New("subprocess stdin closed")

	// ErrUnknownSignal indicates a wire envelope carried a signal the
	// receiver does not recognize. Fatal to that connection.
	ErrUnknownSignal = errors.New("unknown signal")
)

// BindError indicates the control endpoint address could not be bound.
// Fatal at startup; the broker does not retry.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// IsBrokerError implements BrokerError.
func (e *BindError) IsBrokerError() bool { return true }

// ProcessError indicates the kraken2 subprocess failed or its pipes
// closed unexpectedly. The active session, if any, must be abandoned
// and the slot force-released.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kraken2 process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("kraken2 process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsBrokerError implements BrokerError.
func (e *ProcessError) IsBrokerError() bool { return true }

// ProtocolViolationError indicates the request/reply alternation was
// broken on a connection, or an envelope was malformed. Fatal to that
// connection only.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// IsBrokerError implements BrokerError.
func (e *ProtocolViolationError) IsBrokerError() bool { return true }

// MarkerTimeoutError indicates an expected sentinel marker line never
// appeared on the subprocess output within the configured bound.
// Fatal to the session; blocking forever on a lost marker is a defect.
type MarkerTimeoutError struct {
	Marker string
	Waited time.Duration
}

func (e *MarkerTimeoutError) Error() string {
	return fmt.Sprintf("%s marker not observed within %s", e.Marker, e.Waited)
}

// IsBrokerError implements BrokerError.
func (e *MarkerTimeoutError) IsBrokerError() bool { return true }

// DecodeError indicates a wire envelope could not be decoded.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode envelope (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsBrokerError implements BrokerError.
func (e *DecodeError) IsBrokerError() bool { return true }
