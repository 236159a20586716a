package k2broker

import "github.com/wagiedev/k2broker/internal/errors"

// Re-export error types from internal package

// BindError indicates an endpoint address could not be bound.
type BindError = errors.BindError

// ProcessError indicates the kraken2 subprocess failed.
type ProcessError = errors.ProcessError

// ProtocolViolationError indicates broken request/reply alternation or
// a malformed envelope.
type ProtocolViolationError = errors.ProtocolViolationError

// MarkerTimeoutError indicates a sentinel marker line never appeared
// within the configured bound.
type MarkerTimeoutError = errors.MarkerTimeoutError

// DecodeError indicates a wire envelope could not be decoded.
type DecodeError = errors.DecodeError

// BrokerError is the base interface for all broker errors.
type BrokerError = errors.BrokerError

// Re-export sentinel errors from internal package.
var (
	// ErrSessionBusy indicates the admission slot is held by another sample.
	ErrSessionBusy = errors.ErrSessionBusy

	// ErrSlotIdle indicates a release was attempted on an idle slot.
	ErrSlotIdle = errors.ErrSlotIdle

	// ErrNotConnected indicates the endpoint or bridge is not connected.
	ErrNotConnected = errors.ErrNotConnected

	// ErrServerClosed indicates the broker has been shut down.
	ErrServerClosed = errors.ErrServerClosed

	// ErrUnknownSignal indicates an envelope carried an unrecognized signal.
	ErrUnknownSignal = errors.ErrUnknownSignal
)
