// Package client drives one sample through the broker: a sender that
// windows the input record stream into RUN_BATCH requests, and a
// receiver that collects NOT_DONE result chunks until DONE.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/k2broker/internal/config"
	"github.com/wagiedev/k2broker/internal/errors"
	"github.com/wagiedev/k2broker/internal/wire"
)

// flusher is implemented by output writers that buffer, e.g.
// bufio.Writer or a file wrapper. Results are flushed after every
// chunk so partial output survives a crash.
type flusher interface {
	Flush() error
}

// Stats reports progress counters for one completed sample.
type Stats struct {
	// RecordsSent approximates the number of input records shipped,
	// counted by record-start markers per window. A window boundary can
	// split a record, so treat this as progress reporting, not an exact
	// total.
	RecordsSent int

	// BytesSent is the total input payload shipped.
	BytesSent int

	// ResultBytes is the total result payload received.
	ResultBytes int

	// Chunks is the number of NOT_DONE messages received.
	Chunks int
}

// Client runs classification sessions against a broker.
type Client struct {
	log      *slog.Logger
	options  *config.Options
	sampleID string
}

// New creates a client for the given sample. Zero-valued option fields
// are replaced by defaults.
func New(options *config.Options, sampleID string) *Client {
	opts := options.WithDefaults()

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		log:      log.With("component", "client", "sample_id", sampleID),
		options:  opts,
		sampleID: sampleID,
	}
}

// Run processes the sample end to end: input records are read from in,
// result lines are written to out in the order the classifier emitted
// them. If out implements Flush, it is flushed after every chunk.
//
// The result listener is bound before START is sent: the broker may
// begin delivering results as soon as streaming begins, so the listener
// must already be accepting.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) (*Stats, error) {
	resultAddr := c.options.ResultAddr()

	listener, err := net.Listen("tcp", resultAddr)
	if err != nil {
		return nil, &errors.BindError{Addr: resultAddr, Err: err}
	}

	defer func() { _ = listener.Close() }()

	stats := &Stats{}

	eg, egCtx := errgroup.WithContext(ctx)

	// Unblock the receiver's Accept/Recv if the sender fails or the
	// caller cancels.
	var resultConn atomic.Pointer[wire.RepConn]

	go func() {
		<-egCtx.Done()

		_ = listener.Close()

		if conn := resultConn.Load(); conn != nil {
			_ = conn.Close()
		}
	}()

	eg.Go(func() error {
		return c.receiveResults(egCtx, listener, &resultConn, out, stats)
	})

	eg.Go(func() error {
		return c.sendSample(egCtx, in, stats)
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	c.log.Info("Sample complete",
		"records_sent", stats.RecordsSent,
		"result_bytes", stats.ResultBytes,
	)

	return stats, nil
}

// sendSample drives the control endpoint: START (with retry while the
// slot is busy), one RUN_BATCH per input window, a final empty
// RUN_BATCH, then STOP. Every request awaits its mandatory reply before
// the next is sent.
func (c *Client) sendSample(ctx context.Context, in io.Reader, stats *Stats) error {
	control, err := wire.DialReq(ctx, c.options.ControlAddr())
	if err != nil {
		return fmt.Errorf("dial control endpoint: %w", err)
	}

	defer func() { _ = control.Close() }()

	if err := c.start(ctx, control); err != nil {
		return err
	}

	window := make([]byte, c.options.WindowSize)

	for {
		n, readErr := readWindow(in, window)
		if n > 0 {
			stats.RecordsSent += countRecordStarts(window[:n])
			stats.BytesSent += n

			reply, err := control.RoundTrip(&wire.Envelope{
				Signal:  wire.SignalRunBatch,
				Payload: window[:n],
			})
			if err != nil {
				return fmt.Errorf("send batch: %w", err)
			}

			c.log.Debug("Batch acknowledged", "bytes", n, "reply", string(reply.Payload))
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return fmt.Errorf("read input: %w", readErr)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// Final batch: empty payload, final flag set. Informational only;
	// STOP is what triggers the end-of-sample sequence.
	if _, err := control.RoundTrip(&wire.Envelope{
		Signal: wire.SignalRunBatch,
		Final:  true,
	}); err != nil {
		return fmt.Errorf("send final batch: %w", err)
	}

	if _, err := control.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStop,
		Payload: []byte(c.sampleID),
	}); err != nil {
		return fmt.Errorf("send stop: %w", err)
	}

	c.log.Debug("All input submitted")

	return nil
}

// start sends START until the broker admits the sample or the attempts
// are exhausted. Rejection means another session holds the slot.
func (c *Client) start(ctx context.Context, control *wire.ReqConn) error {
	attempts := c.options.StartAttempts

	for {
		reply, err := control.RoundTrip(&wire.Envelope{
			Signal:  wire.SignalStart,
			Payload: []byte(c.sampleID),
		})
		if err != nil {
			return fmt.Errorf("send start: %w", err)
		}

		if len(reply.Payload) == 1 && reply.Payload[0] == wire.StartAccepted {
			c.log.Info("Session admitted")

			return nil
		}

		attempts--
		if attempts == 0 {
			return fmt.Errorf("start %q: %w", c.sampleID, errors.ErrSessionBusy)
		}

		c.log.Debug("Slot busy, retrying", "backoff", c.options.StartRetryInterval)

		select {
		case <-time.After(c.options.StartRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receiveResults serves the result endpoint: one connection from the
// broker, one acknowledged envelope at a time, until DONE.
func (c *Client) receiveResults(
	ctx context.Context,
	listener net.Listener,
	resultConn *atomic.Pointer[wire.RepConn],
	out io.Writer,
	stats *Stats,
) error {
	conn, err := listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("accept result connection: %w", err)
	}

	rep := wire.NewRepConn(conn)
	resultConn.Store(rep)

	defer func() { _ = rep.Close() }()

	c.log.Debug("Result connection accepted")

	for {
		env, err := rep.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("receive result: %w", err)
		}

		// The protocol requires exactly one reply per request.
		if err := rep.Send(&wire.Envelope{
			Signal:  env.Signal,
			Payload: []byte("received"),
		}); err != nil {
			return fmt.Errorf("acknowledge result: %w", err)
		}

		switch env.Signal {
		case wire.SignalNotDone:
			stats.Chunks++
			stats.ResultBytes += len(env.Payload)

			if len(env.Payload) > 0 {
				if _, err := out.Write(env.Payload); err != nil {
					return fmt.Errorf("write output: %w", err)
				}

				if f, ok := out.(flusher); ok {
					if err := f.Flush(); err != nil {
						return fmt.Errorf("flush output: %w", err)
					}
				}
			}

		case wire.SignalDone:
			c.log.Debug("DONE received", "token", string(env.Payload))

			return nil

		default:
			return fmt.Errorf("%w: %s on result endpoint", errors.ErrUnknownSignal, env.Signal)
		}
	}
}

// readWindow fills buf as far as the reader allows, up to one window.
// Returns io.EOF only when no bytes remain.
func readWindow(in io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(in, buf)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}

	return n, err
}

// countRecordStarts counts '@' characters in record-name position:
// at the start of the window or directly after a newline. Quality
// lines can also begin with '@', so this over-counts occasionally;
// acceptable for progress reporting.
func countRecordStarts(window []byte) int {
	count := 0

	for i, b := range window {
		if b != '@' {
			continue
		}

		if i == 0 || window[i-1] == '\n' {
			count++
		}
	}

	return count
}
