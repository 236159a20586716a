// Package admission implements the single-occupancy session slot.
//
// At most one client session is active system-wide at any instant. The
// slot is the only state mutated by both broker loops (the ingest loop
// acquires, the demultiplexer loop releases), so every access goes
// through its mutex; a plain flag would race.
package admission

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/k2broker/internal/errors"
)

// State is the lifecycle of the occupied slot.
type State int

const (
	// StateIdle means no session is active.
	StateIdle State = iota
	// StateAwaitingStartMarker means a session was admitted and the
	// demultiplexer is discarding output up to the START marker.
	StateAwaitingStartMarker
	// StateStreaming means genuine results are being forwarded.
	StateStreaming
	// StateAwaitingEndMarker means all input was submitted and the
	// demultiplexer is draining lines up to the END marker.
	StateAwaitingEndMarker
	// StateClosed means the broker is shutting down; no further
	// acquisitions are granted.
	StateClosed
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStartMarker:
		return "awaiting_start_marker"
	case StateStreaming:
		return "streaming"
	case StateAwaitingEndMarker:
		return "awaiting_end_marker"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Slot is the admission gate. The zero value is not usable; call New.
type Slot struct {
	mu           sync.Mutex
	state        State
	holder       string
	token        string
	allSubmitted bool

	// started receives one signal per successful acquisition so the
	// demultiplexer can block instead of polling while idle. Capacity 1
	// is sufficient: a second acquisition cannot happen before release.
	started chan struct{}

	// released receives one signal per release, for WaitIdle.
	released chan struct{}
}

// New creates an idle slot.
func New() *Slot {
	return &Slot{
		started:  make(chan struct{}, 1),
		released: make(chan struct{}, 1),
	}
}

// TryAcquire transitions the slot from idle to occupied-by-sampleID and
// returns a freshly minted session token. If the slot is not idle it
// returns false with no side effect.
func (s *Slot) TryAcquire(sampleID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return "", false
	}

	s.state = StateAwaitingStartMarker
	s.holder = sampleID
	s.token = ulid.Make().String()
	s.allSubmitted = false

	select {
	case s.started <- struct{}{}:
	default:
	}

	return s.token, true
}

// Started returns the channel signaled on each successful acquisition.
func (s *Slot) Started() <-chan struct{} {
	return s.started
}

// BeginStreaming records that the START marker was observed.
func (s *Slot) BeginStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAwaitingStartMarker {
		s.state = StateStreaming
	}
}

// BeginDrain records that the demultiplexer entered the end-of-sample
// drain.
func (s *Slot) BeginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming || s.state == StateAwaitingStartMarker {
		s.state = StateAwaitingEndMarker
	}
}

// SetAllSubmitted records that the client sent STOP: every input record
// of the current sample has been written to the subprocess.
func (s *Slot) SetAllSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allSubmitted = true
}

// AllSubmitted reports whether STOP was processed for the holder.
func (s *Slot) AllSubmitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.allSubmitted
}

// State returns the current slot state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Holder returns the sample id and session token of the occupant.
func (s *Slot) Holder() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.holder, s.token
}

// Occupied reports whether a session holds the slot.
func (s *Slot) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state != StateIdle && s.state != StateClosed
}

// Release returns the slot to idle after the END marker was observed
// and the final DONE sent. Releasing an idle slot is an error.
func (s *Slot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle || s.state == StateClosed {
		return errors.ErrSlotIdle
	}

	s.reset()

	return nil
}

// ForceRelease returns the slot to idle regardless of state. Used on
// subprocess failure to abandon the in-flight session. Idempotent.
func (s *Slot) ForceRelease() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && s.state != StateClosed {
		s.reset()
	}
}

// Close marks the slot closed; subsequent TryAcquire calls fail.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		s.state = StateClosed
	}
}

// reset must be called with the mutex held.
func (s *Slot) reset() {
	s.state = StateIdle
	s.holder = ""
	s.token = ""
	s.allSubmitted = false

	select {
	case s.released <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until the slot is idle (or closed), or ctx expires.
// Shutdown uses it to avoid orphaning an in-flight session.
func (s *Slot) WaitIdle(ctx context.Context) error {
	for {
		if !s.Occupied() {
			return nil
		}

		select {
		case <-s.released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
