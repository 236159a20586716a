// Package wire implements the message envelope exchanged on the broker
// endpoints: a small signal+payload structure encoded with msgpack and
// framed with a 4-byte big-endian length prefix on a TCP stream.
//
// Both endpoints are strict request/reply channels. The ReqConn and
// RepConn wrappers enforce the alternation contract: a requester must
// receive the reply before sending again, and a replier must send a
// reply before receiving again. Violations surface as
// ProtocolViolationError rather than silently corrupting the stream.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wagiedev/k2broker/internal/errors"
)

// Signal identifies the kind of a message envelope.
type Signal uint8

// Client-to-broker signals occupy the low range, broker-to-client the
// high range.
const (
	// SignalStart opens a session for the sample named in the payload.
	SignalStart Signal = 1
	// SignalStop declares all input for the current sample submitted.
	SignalStop Signal = 2
	// SignalRunBatch carries a window of input records.
	SignalRunBatch Signal = 3

	// SignalNotDone carries a chunk of classification results.
	SignalNotDone Signal = 50
	// SignalDone marks the end of a sample's results.
	SignalDone Signal = 51
)

// String returns the signal name for logging.
func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "START"
	case SignalStop:
		return "STOP"
	case SignalRunBatch:
		return "RUN_BATCH"
	case SignalNotDone:
		return "NOT_DONE"
	case SignalDone:
		return "DONE"
	default:
		return fmt.Sprintf("Signal(%d)", uint8(s))
	}
}

// Valid reports whether s is a member of the closed signal set.
func (s Signal) Valid() bool {
	switch s {
	case SignalStart, SignalStop, SignalRunBatch, SignalNotDone, SignalDone:
		return true
	default:
		return false
	}
}

// Envelope is the unit of exchange on both endpoints.
//
// Payload semantics depend on the signal: the sample identifier for
// START and STOP, record bytes for RUN_BATCH, result bytes for
// NOT_DONE, and the session token for DONE. Final is meaningful only
// on RUN_BATCH, where it distinguishes the last window of a sample
// from intermediate ones.
type Envelope struct {
	Signal  Signal `msgpack:"signal"`
	Payload []byte `msgpack:"payload"`
	Final   bool   `msgpack:"final"`
}

// START replies carry a single acceptance byte.
const (
	// StartAccepted is the START reply payload when the slot was free.
	StartAccepted byte = 1
	// StartRejected is the START reply payload when the slot was busy.
	StartRejected byte = 0
)

// maxFrameSize bounds a single envelope on the wire. Input windows are
// ~1 MiB and result chunks smaller, so this is generous.
const maxFrameSize = 16 * 1024 * 1024

// writeFrame encodes env and writes it as one length-prefixed frame.
func writeFrame(w io.Writer, env *Envelope) error {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	var prefix [4]byte

	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame and decodes the envelope.
func readFrame(r *bufio.Reader) (*Envelope, error) {
	var prefix [4]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, &errors.ProtocolViolationError{
			Reason: fmt.Sprintf("frame of %d bytes exceeds limit", size),
		}
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env Envelope

	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, &errors.DecodeError{Raw: body, Err: err}
	}

	if !env.Signal.Valid() {
		return nil, fmt.Errorf("%w: %d", errors.ErrUnknownSignal, uint8(env.Signal))
	}

	return &env, nil
}
