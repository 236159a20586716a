package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wagiedev/k2broker/internal/errors"
	"github.com/wagiedev/k2broker/internal/sentinel"
	"github.com/wagiedev/k2broker/internal/wire"
)

// demuxLoop turns the undifferentiated subprocess output stream back
// into per-session results. While idle it blocks on the slot's started
// signal; no output is expected without an active session.
func (s *Server) demuxLoop(ctx context.Context) error {
	s.log.Debug("Demux loop started")

	defer s.log.Debug("Demux loop stopped")

	for {
		if !s.slot.Occupied() {
			select {
			case <-s.slot.Started():
				// The signal can be stale if the session was observed
				// via Occupied instead; re-check before serving.
				continue
			case <-s.done:
				return nil
			}
		}

		if err := s.runSession(ctx); err != nil {
			s.fail(err)

			return err
		}

		select {
		case <-s.done:
			return nil
		default:
		}
	}
}

// runSession serves one admitted session end to end: discard output up
// to the START marker, stream genuine lines as NOT_DONE chunks, and on
// the END marker send the final chunk, the DONE message, and release
// the slot.
//
// The demultiplexer works strictly in whole lines, so a chunk can never
// straddle a marker. Marker observation is authoritative: the END
// marker completes the session even if the all-submitted flag has not
// been observed yet; the flag only bounds the drain.
func (s *Server) runSession(ctx context.Context) error {
	sampleID, token := s.slot.Holder()
	log := s.log.With("sample_id", sampleID, "token", token)

	// The client bound its result listener before sending START, so the
	// dial cannot race it.
	result, err := wire.DialReq(ctx, s.options.ResultAddr())
	if err != nil {
		log.Error("Failed to dial result endpoint, abandoning session", "error", err)
		s.slot.ForceRelease()

		return nil
	}

	defer func() { _ = result.Close() }()

	if err := s.awaitStartMarker(log); err != nil {
		return err
	}

	return s.streamResults(log, result)
}

// awaitStartMarker discards lines up to and including the START marker.
// Everything before it is stale filler output from the previous
// sample's flush block.
func (s *Server) awaitStartMarker(log *slog.Logger) error {
	deadline := time.After(s.options.MarkerTimeout)
	discarded := 0

	for {
		select {
		case line, ok := <-s.bridge.Lines():
			if !ok {
				return s.bridgeClosed()
			}

			if sentinel.IsStartMarker(line) {
				s.slot.BeginStreaming()
				log.Debug("START marker observed", "stale_lines_discarded", discarded)

				return nil
			}

			discarded++

		case <-deadline:
			s.slot.ForceRelease()

			return &errors.MarkerTimeoutError{
				Marker: "START",
				Waited: s.options.MarkerTimeout,
			}

		case <-s.done:
			return nil
		}
	}
}

// streamResults forwards genuine output lines to the client in order.
// Lines are batched into chunks of at most ReadChunkSize bytes; a
// partial chunk is flushed whenever no line arrives within the poll
// interval, so results reach the client while the sample is still
// running.
func (s *Server) streamResults(log *slog.Logger, result *wire.ReqConn) error {
	chunk := make([]byte, 0, s.options.ReadChunkSize)

	var endDeadline <-chan time.Time

	sendChunk := func(signal wire.Signal, payload []byte) error {
		if _, err := result.RoundTrip(&wire.Envelope{Signal: signal, Payload: payload}); err != nil {
			return err
		}

		return nil
	}

	for {
		// Arm the END marker bound once STOP has been processed. A nil
		// channel never fires.
		if endDeadline == nil && s.slot.AllSubmitted() {
			s.slot.BeginDrain()

			endDeadline = time.After(s.options.MarkerTimeout)

			log.Debug("Draining to END marker")
		}

		select {
		case line, ok := <-s.bridge.Lines():
			if !ok {
				return s.bridgeClosed()
			}

			if sentinel.IsEndMarker(line) {
				return s.finishSession(log, sendChunk, chunk)
			}

			chunk = append(chunk, line...)
			chunk = append(chunk, '\n')

			if len(chunk) >= s.options.ReadChunkSize {
				if err := sendChunk(wire.SignalNotDone, chunk); err != nil {
					return s.abandonSession(log, err)
				}

				chunk = chunk[:0]
			}

		case <-time.After(s.options.PollInterval):
			if len(chunk) == 0 {
				continue
			}

			if err := sendChunk(wire.SignalNotDone, chunk); err != nil {
				return s.abandonSession(log, err)
			}

			chunk = chunk[:0]

		case <-endDeadline:
			s.slot.ForceRelease()

			return &errors.MarkerTimeoutError{
				Marker: "END",
				Waited: s.options.MarkerTimeout,
			}

		case <-s.done:
			return nil
		}
	}
}

// finishSession sends the drained final chunk, then DONE, and returns
// the slot to idle. The filler results that follow the END marker stay
// in the stream; the next session's start-marker discard removes them.
func (s *Server) finishSession(
	log *slog.Logger,
	sendChunk func(wire.Signal, []byte) error,
	chunk []byte,
) error {
	log.Debug("END marker observed", "final_chunk_bytes", len(chunk))

	if err := sendChunk(wire.SignalNotDone, chunk); err != nil {
		return s.abandonSession(log, err)
	}

	_, token := s.slot.Holder()

	if err := sendChunk(wire.SignalDone, []byte(token)); err != nil {
		return s.abandonSession(log, err)
	}

	if err := s.slot.Release(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}

	log.Info("Session complete")

	return nil
}

// abandonSession force-releases the slot after a result-endpoint
// failure. Losing the client is not fatal to the broker; the stale
// output left in the stream is cleared by the next session's
// start-marker discard.
func (s *Server) abandonSession(log *slog.Logger, err error) error {
	log.Warn("Abandoning session, result endpoint failed", "error", err)
	s.slot.ForceRelease()

	return nil
}

// bridgeClosed classifies the line channel closing: clean shutdown is
// not an error, anything else is a subprocess failure and the in-flight
// session must be abandoned with the slot force-released.
func (s *Server) bridgeClosed() error {
	select {
	case <-s.done:
		return nil
	default:
	}

	s.slot.ForceRelease()

	if err := s.bridge.Err(); err != nil {
		return err
	}

	return &errors.ProcessError{Err: fmt.Errorf("output stream closed unexpectedly")}
}
