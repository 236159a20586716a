// Package broker implements the kraken2 broker server: the admission
// gate, the ingest loop feeding client batches to the subprocess, and
// the demultiplexer loop splitting the subprocess output stream back
// into per-client results.
//
// The two loops never touch each other's state directly. They share
// only the subprocess bridge (ingest writes, demux reads) and the
// admission slot (ingest acquires, demux releases).
package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/k2broker/internal/admission"
	"github.com/wagiedev/k2broker/internal/config"
	"github.com/wagiedev/k2broker/internal/errors"
	"github.com/wagiedev/k2broker/internal/sentinel"
	"github.com/wagiedev/k2broker/internal/subprocess"
	"github.com/wagiedev/k2broker/internal/wire"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// request pairs one control envelope with the channel its reply must be
// written to. Connection goroutines funnel requests into a single
// channel so the ingest loop stays the only writer to the subprocess.
type request struct {
	env   *wire.Envelope
	reply chan response
}

// response carries the mandatory reply envelope plus an optional
// connection-fatal error: the reply is still sent, then the connection
// is dropped.
type response struct {
	env      *wire.Envelope
	dropConn error
}

// Server is the broker. Create with New, start with Run, stop with
// Terminate.
type Server struct {
	log      *slog.Logger
	options  *config.Options
	bridge   config.Bridge
	sentinel *sentinel.Protocol
	slot     *admission.Slot

	listener net.Listener
	requests chan *request

	connMu sync.Mutex
	conns  map[*wire.RepConn]struct{}

	eg        errgroup.Group
	done      chan struct{}
	closeOnce sync.Once

	errMu    sync.Mutex
	fatalErr error
}

// New creates a broker server from options. Zero-valued option fields
// are replaced by defaults.
func New(options *config.Options) *Server {
	opts := options.WithDefaults()

	log := opts.Logger
	if log == nil {
		log = nopLogger()
	}

	bridge := opts.Bridge
	if bridge == nil {
		bridge = subprocess.New(log, opts)
	}

	return &Server{
		log:      log.With("component", "broker"),
		options:  opts,
		bridge:   bridge,
		sentinel: sentinel.New(opts.FillerLength, opts.FlushQuantum),
		slot:     admission.New(),
		requests: make(chan *request),
		conns:    make(map[*wire.RepConn]struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the subprocess, binds the control endpoint, and launches
// the ingest and demultiplexer loops. It returns once the broker is
// serving; use Done and Err to observe failures, Terminate to stop.
//
// Returns BindError if the control address is already in use.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bridge.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	addr := s.options.ControlAddr()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = s.bridge.Close()

		return &errors.BindError{Addr: addr, Err: err}
	}

	s.listener = listener
	s.log.Info("Control endpoint bound", "addr", addr)

	s.eg.Go(func() error { return s.acceptLoop() })
	s.eg.Go(func() error { return s.ingestLoop() })
	s.eg.Go(func() error { return s.demuxLoop(ctx) })

	s.log.Info("Broker running",
		"result_addr", s.options.ResultAddr(),
		"flush_quantum", s.options.FlushQuantum,
	)

	return nil
}

// Done returns a channel closed when the broker stops serving, whether
// by Terminate or by a fatal error.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that stopped the broker, if any.
func (s *Server) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.fatalErr
}

// Terminate shuts the broker down. It waits for the admission slot to
// return to idle first, so an in-flight session is not orphaned; bound
// that wait with ctx. It then stops the loops, closes the endpoints,
// and kills the subprocess.
func (s *Server) Terminate(ctx context.Context) error {
	s.log.Info("Terminating broker")

	if err := s.slot.WaitIdle(ctx); err != nil {
		s.log.Warn("Gave up waiting for session to finish", "error", err)
	}

	s.slot.Close()
	s.shutdown()

	if err := s.eg.Wait(); err != nil {
		s.log.Debug("Loop exited with error during terminate", "error", err)
	}

	s.log.Info("Broker terminated")

	return s.Err()
}

// fail records the first fatal error and shuts the broker down.
func (s *Server) fail(err error) {
	s.errMu.Lock()

	if s.fatalErr == nil {
		s.fatalErr = err
	}

	s.errMu.Unlock()

	s.log.Error("Fatal broker error", "error", err)
	s.shutdown()
}

// shutdown closes the done channel, the listener, all connections, and
// the bridge. Safe to call more than once.
func (s *Server) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.connMu.Lock()

		for conn := range s.conns {
			_ = conn.Close()
		}

		s.connMu.Unlock()

		_ = s.bridge.Close()
	})
}

// acceptLoop accepts control connections and serves each on its own
// goroutine. The per-connection goroutines only shuttle envelopes; all
// dispatch happens on the ingest loop.
func (s *Server) acceptLoop() error {
	s.log.Debug("Accept loop started")

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}

			return fmt.Errorf("accept: %w", err)
		}

		rep := wire.NewRepConn(conn)

		s.connMu.Lock()
		s.conns[rep] = struct{}{}
		s.connMu.Unlock()

		go s.serveConn(rep)
	}
}

// serveConn relays one connection's requests into the shared request
// channel and writes the replies back, preserving strict alternation.
func (s *Server) serveConn(rep *wire.RepConn) {
	log := s.log.With("remote", rep.RemoteAddr().String())
	log.Debug("Control connection opened")

	defer func() {
		s.connMu.Lock()
		delete(s.conns, rep)
		s.connMu.Unlock()

		_ = rep.Close()
		log.Debug("Control connection closed")
	}()

	for {
		env, err := rep.Recv()
		if err != nil {
			// EOF on client disconnect is routine; violations are not.
			if violation, ok := err.(*errors.ProtocolViolationError); ok {
				log.Warn("Dropping connection", "error", violation)
			} else {
				log.Debug("Control receive ended", "error", err)
			}

			return
		}

		req := &request{env: env, reply: make(chan response, 1)}

		select {
		case s.requests <- req:
		case <-s.done:
			return
		}

		select {
		case resp := <-req.reply:
			if err := rep.Send(resp.env); err != nil {
				log.Warn("Failed to send reply", "error", err)

				return
			}

			if resp.dropConn != nil {
				log.Warn("Dropping connection", "error", resp.dropConn)

				return
			}
		case <-s.done:
			return
		}
	}
}
