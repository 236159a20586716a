package k2broker_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/k2broker"
)

// stubClassifier is a minimal Bridge: it answers each 4-line input
// record with one unclassified result line and batches output the way
// kraken2 does, releasing lines only once a full batch accumulated.
type stubClassifier struct {
	batch int

	mu     sync.Mutex
	carry  []byte
	outBuf []string
	lines  chan string
	closed bool

	closeOnce sync.Once
}

func newStubClassifier(batch int) *stubClassifier {
	return &stubClassifier{batch: batch, lines: make(chan string, 1024)}
}

func (s *stubClassifier) Start(context.Context) error { return nil }

func (s *stubClassifier) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("stdin closed")
	}

	s.carry = append(s.carry, data...)

	for {
		nameEnd := bytes.IndexByte(s.carry, '\n')
		if nameEnd < 0 {
			return nil
		}

		rest := s.carry[nameEnd+1:]

		for range 3 {
			idx := bytes.IndexByte(rest, '\n')
			if idx < 0 {
				return nil
			}

			rest = rest[idx+1:]
		}

		name := strings.TrimPrefix(string(s.carry[:nameEnd]), "@")
		s.carry = rest
		s.outBuf = append(s.outBuf, "U\t"+name+"\t0\t8\t0:8")

		if len(s.outBuf) >= s.batch {
			for _, line := range s.outBuf {
				s.lines <- line
			}

			s.outBuf = nil
		}
	}
}

func (s *stubClassifier) Lines() <-chan string { return s.lines }

func (s *stubClassifier) Err() error { return nil }

func (s *stubClassifier) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.lines) })

	return nil
}

var _ k2broker.Bridge = (*stubClassifier)(nil)

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

func TestPublicAPI_EndToEnd(t *testing.T) {
	opts := &k2broker.Options{
		ControlPort:  freePort(t),
		ResultPort:   freePort(t),
		Database:     "testdb",
		PollInterval: 10 * time.Millisecond,
		Logger:       k2broker.NopLogger(),
		Bridge:       newStubClassifier(20),
	}

	server := k2broker.NewServer(opts)
	require.NoError(t, server.Run(context.Background()))

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Terminate(ctx)
	}()

	input := "@r1\nACGTACGT\n+\n!!!!!!!!\n@r2\nACGTACGT\n+\n!!!!!!!!\n"

	var out bytes.Buffer

	client := k2broker.NewClient(opts, "sample-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := client.Run(ctx, strings.NewReader(input), &out)
	require.NoError(t, err)
	require.Equal(t, "U\tr1\t0\t8\t0:8\nU\tr2\t0\t8\t0:8\n", out.String())
	require.Equal(t, 2, stats.RecordsSent)
}
