package broker

import (
	stderrors "errors"
	"fmt"

	"github.com/wagiedev/k2broker/internal/errors"
	"github.com/wagiedev/k2broker/internal/wire"
)

// ingestLoop dispatches control requests. It is the only writer to the
// subprocess input stream, which keeps record batches and sentinel
// records from interleaving.
func (s *Server) ingestLoop() error {
	s.log.Debug("Ingest loop started")

	defer s.log.Debug("Ingest loop stopped")

	for {
		select {
		case req := <-s.requests:
			req.reply <- s.dispatch(req.env)

		case <-s.done:
			return nil
		}
	}
}

// dispatch routes one request by signal and produces its mandatory
// reply. Every request gets exactly one reply. A signal that does not
// belong on the control endpoint is fatal to that connection: the
// reply is sent, then the connection is dropped.
func (s *Server) dispatch(env *wire.Envelope) response {
	switch env.Signal {
	case wire.SignalStart:
		return response{env: s.handleStart(env)}
	case wire.SignalRunBatch:
		return response{env: s.handleRunBatch(env)}
	case wire.SignalStop:
		return response{env: s.handleStop(env)}
	default:
		s.log.Warn("Unexpected signal on control endpoint", "signal", env.Signal.String())

		return response{
			env: &wire.Envelope{
				Signal:  env.Signal,
				Payload: []byte("unexpected signal"),
			},
			dropConn: &errors.ProtocolViolationError{
				Reason: fmt.Sprintf("signal %s not valid on control endpoint", env.Signal),
			},
		}
	}
}

// handleStart admits the sample if the slot is idle. On admission the
// START sentinel record is written so the demultiplexer can find where
// this sample's output begins; the demultiplexer is armed by the slot
// state set inside TryAcquire, before the record hits the stream.
func (s *Server) handleStart(env *wire.Envelope) *wire.Envelope {
	sampleID := string(env.Payload)

	token, ok := s.slot.TryAcquire(sampleID)
	if !ok {
		s.log.Info("Session rejected, slot busy", "sample_id", sampleID)

		return &wire.Envelope{
			Signal:  wire.SignalStart,
			Payload: []byte{wire.StartRejected},
		}
	}

	if err := s.bridge.Write(s.sentinel.StartRecord()); err != nil {
		s.slot.ForceRelease()
		s.fail(fmt.Errorf("write start sentinel: %w", err))

		return &wire.Envelope{
			Signal:  wire.SignalStart,
			Payload: []byte{wire.StartRejected},
		}
	}

	s.log.Info("Session admitted", "sample_id", sampleID, "token", token)

	return &wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte{wire.StartAccepted},
	}
}

// handleRunBatch writes the record window verbatim to the subprocess.
// The Final flag is informational only; the end-of-sample sequence is
// triggered by STOP, not by it.
func (s *Server) handleRunBatch(env *wire.Envelope) *wire.Envelope {
	if err := s.bridge.Write(env.Payload); err != nil {
		s.log.Error("Failed to write batch", "error", err)

		if !stderrors.Is(err, errors.ErrStdinClosed) {
			s.fail(fmt.Errorf("write batch: %w", err))
		}

		return &wire.Envelope{
			Signal:  wire.SignalRunBatch,
			Payload: []byte("write failed"),
		}
	}

	return &wire.Envelope{
		Signal:  wire.SignalRunBatch,
		Payload: []byte("chunk received"),
	}
}

// handleStop marks all input submitted, then writes the END sentinel
// followed by the flush block so the subprocess's output buffer is
// forced past its threshold and the END marker actually appears.
//
// The submitted flag is set before the END record is written: the
// demultiplexer may observe the flag late, but it can never see the
// END marker before the flag exists.
func (s *Server) handleStop(env *wire.Envelope) *wire.Envelope {
	sampleID := string(env.Payload)

	// Only the slot holder may end the session; a stray STOP from
	// another client must not cut the active sample short.
	holder, _ := s.slot.Holder()
	if !s.slot.Occupied() || holder != sampleID {
		s.log.Warn("STOP ignored, sample does not hold the slot",
			"sample_id", sampleID, "holder", holder)

		return &wire.Envelope{
			Signal:  wire.SignalStop,
			Payload: []byte(fmt.Sprintf("no active session for %s", sampleID)),
		}
	}

	s.slot.SetAllSubmitted()

	if err := s.bridge.Write(s.sentinel.EndRecord()); err != nil {
		s.fail(fmt.Errorf("write end sentinel: %w", err))

		return &wire.Envelope{
			Signal:  wire.SignalStop,
			Payload: []byte("write failed"),
		}
	}

	s.log.Debug("Flushing subprocess output", "filler_records", s.sentinel.Quantum())

	if err := s.bridge.Write(s.sentinel.FlushBlock()); err != nil {
		s.fail(fmt.Errorf("write flush block: %w", err))

		return &wire.Envelope{
			Signal:  wire.SignalStop,
			Payload: []byte("write failed"),
		}
	}

	s.log.Info("All input submitted", "sample_id", sampleID)

	return &wire.Envelope{
		Signal:  wire.SignalStop,
		Payload: []byte(fmt.Sprintf("stop acknowledged for %s", sampleID)),
	}
}
