package broker

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

	"github.com/wagiedev/k2broker/internal/admission"
	"github.com/wagiedev/k2broker/internal/client"
	"github.com/wagiedev/k2broker/internal/config"
	"github.com/wagiedev/k2broker/internal/errors"
	"github.com/wagiedev/k2broker/internal/wire"
)

// fakeClassifier stands in for the kraken2 subprocess. It parses
// 4-line FASTQ records from the input stream, reports each as one
// unclassified result line, and crucially reproduces kraken2's output
// batching: lines are held in an internal buffer and only released
// once batch records have accumulated. The sentinel flush block is
// what makes the END marker appear, exactly as with the real process.
type fakeClassifier struct {
	batch int

	mu      sync.Mutex
	carry   []byte
	outBuf  []string
	names   []string
	lines   chan string
	closed  bool
	termErr error

	closeOnce sync.Once
}

func newFakeClassifier(batch int) *fakeClassifier {
	return &fakeClassifier{
		batch: batch,
		lines: make(chan string, 4096),
	}
}

func (f *fakeClassifier) Start(context.Context) error { return nil }

func (f *fakeClassifier) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.ErrStdinClosed
	}

	f.carry = append(f.carry, data...)

	for {
		record, rest, ok := cutRecord(f.carry)
		if !ok {
			break
		}

		f.carry = rest

		name := strings.TrimPrefix(record[0], "@")
		f.names = append(f.names, name)
		f.outBuf = append(f.outBuf, fmt.Sprintf("U\t%s\t0\t%d\t0:%d", name, len(record[1]), len(record[1])))

		if len(f.outBuf) >= f.batch {
			f.flushLocked()
		}
	}

	return nil
}

func (f *fakeClassifier) flushLocked() {
	for _, line := range f.outBuf {
		f.lines <- line
	}

	f.outBuf = nil
}

func (f *fakeClassifier) Lines() <-chan string { return f.lines }

func (f *fakeClassifier) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.termErr
}

func (f *fakeClassifier) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.lines) })

	return nil
}

// die simulates the subprocess exiting unexpectedly.
func (f *fakeClassifier) die(err error) {
	f.mu.Lock()
	f.closed = true
	f.termErr = err
	f.mu.Unlock()

	f.closeOnce.Do(func() { close(f.lines) })
}

// inputNames returns the record names seen on the input stream so far.
func (f *fakeClassifier) inputNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.names...)
}

// cutRecord splits one complete 4-line record off the front of buf.
func cutRecord(buf []byte) ([4]string, []byte, bool) {
	var record [4]string

	rest := buf

	for i := range 4 {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			return record, buf, false
		}

		record[i] = string(rest[:idx])
		rest = rest[idx+1:]
	}

	return record, rest, true
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	return port
}

func testOptions(t *testing.T, bridge config.Bridge) *config.Options {
	opts := &config.Options{
		ControlPort:   freePort(t),
		ResultPort:    freePort(t),
		Database:      "testdb",
		PollInterval:  10 * time.Millisecond,
		MarkerTimeout: 5 * time.Second,
		Bridge:        bridge,
	}

	return opts.WithDefaults()
}

func startServer(t *testing.T, opts *config.Options) *Server {
	t.Helper()

	server := New(opts)
	require.NoError(t, server.Run(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = server.Terminate(ctx)
	})

	return server
}

func fastq(names ...string) string {
	var b strings.Builder

	for _, name := range names {
		b.WriteString("@" + name + "\nACGTACGT\n+\n!!!!!!!!\n")
	}

	return b.String()
}

func runSample(t *testing.T, opts *config.Options, sampleID, input string) string {
	t.Helper()

	var out bytes.Buffer

	c := client.New(opts, sampleID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Run(ctx, strings.NewReader(input), &out)
	require.NoError(t, err)

	return out.String()
}

func TestServer_EndToEnd_SingleSample(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	startServer(t, opts)

	got := runSample(t, opts, "sample-1", fastq("r1", "r2", "r3"))

	// Exactly the three genuine result lines: no marker lines, no
	// filler results.
	want := "U\tr1\t0\t8\t0:8\nU\tr2\t0\t8\t0:8\nU\tr3\t0\t8\t0:8\n"
	require.Equal(t, want, got)

	// After STOP the broker wrote exactly one END record followed by
	// FlushQuantum plain filler records.
	names := classifier.inputNames()
	require.Equal(t, "START", names[0])
	require.Equal(t, []string{"r1", "r2", "r3"}, names[1:4])
	require.Equal(t, "END", names[4])
	require.Len(t, names, 5+opts.FlushQuantum)

	for i, name := range names[5:] {
		require.Equal(t, fmt.Sprintf("DUMMY_%d", i), name)
	}
}

func TestServer_TwoSequentialSamples(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	startServer(t, opts)

	// Sample 2's start-marker discard has to clear the filler results
	// left over from sample 1's flush block.
	got1 := runSample(t, opts, "1", fastq("a1", "a2"))
	got2 := runSample(t, opts, "2", fastq("b1", "b2", "b3"))

	require.Equal(t, "U\ta1\t0\t8\t0:8\nU\ta2\t0\t8\t0:8\n", got1)
	require.Equal(t, "U\tb1\t0\t8\t0:8\nU\tb2\t0\t8\t0:8\nU\tb3\t0\t8\t0:8\n", got2)
}

func TestServer_StartRejectedWhileOccupied(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	startServer(t, opts)

	ctx := context.Background()

	// Keep the session occupied: with the result endpoint accepting, the
	// demultiplexer holds the slot while it waits for the START marker.
	resultListener, err := net.Listen("tcp", opts.ResultAddr())
	require.NoError(t, err)

	defer resultListener.Close()

	first, err := wire.DialReq(ctx, opts.ControlAddr())
	require.NoError(t, err)

	defer first.Close()

	reply, err := first.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-1"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte{wire.StartAccepted}, reply.Payload)

	second, err := wire.DialReq(ctx, opts.ControlAddr())
	require.NoError(t, err)

	defer second.Close()

	reply, err = second.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-2"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte{wire.StartRejected}, reply.Payload)
}

func TestServer_ControlDropsResultSignals(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	startServer(t, opts)

	conn, err := wire.DialReq(context.Background(), opts.ControlAddr())
	require.NoError(t, err)

	defer conn.Close()

	// DONE belongs on the result endpoint. The broker still replies,
	// then drops the connection.
	reply, err := conn.RoundTrip(&wire.Envelope{Signal: wire.SignalDone})
	require.NoError(t, err)
	require.Equal(t, []byte("unexpected signal"), reply.Payload)

	_, err = conn.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-1"),
	})
	require.Error(t, err)
}

func TestServer_StopFromNonHolderIgnored(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	startServer(t, opts)

	ctx := context.Background()

	// The broker dials the result endpoint once a session is admitted.
	resultListener, err := net.Listen("tcp", opts.ResultAddr())
	require.NoError(t, err)

	defer resultListener.Close()

	holder, err := wire.DialReq(ctx, opts.ControlAddr())
	require.NoError(t, err)

	defer holder.Close()

	reply, err := holder.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-1"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte{wire.StartAccepted}, reply.Payload)

	intruder, err := wire.DialReq(ctx, opts.ControlAddr())
	require.NoError(t, err)

	defer intruder.Close()

	reply, err = intruder.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStop,
		Payload: []byte("sample-2"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("no active session for sample-2"), reply.Payload)

	// No END record was injected; the session is still streaming.
	require.NotContains(t, classifier.inputNames(), "END")
}

func TestServer_SubprocessFailureReleasesSlot(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)
	server := startServer(t, opts)

	conn, err := wire.DialReq(context.Background(), opts.ControlAddr())
	require.NoError(t, err)

	defer conn.Close()

	// The broker dials the result endpoint once a session is admitted.
	resultListener, err := net.Listen("tcp", opts.ResultAddr())
	require.NoError(t, err)

	defer resultListener.Close()

	reply, err := conn.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-1"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte{wire.StartAccepted}, reply.Payload)

	classifier.die(&errors.ProcessError{ExitCode: 137, Stderr: "killed"})

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop after subprocess failure")
	}

	var procErr *errors.ProcessError

	require.ErrorAs(t, server.Err(), &procErr)
	require.Equal(t, 137, procErr.ExitCode)
	require.Equal(t, admission.StateIdle, server.slot.State())
}

func TestServer_BindFailure(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)

	occupier, err := net.Listen("tcp", opts.ControlAddr())
	require.NoError(t, err)

	defer occupier.Close()

	server := New(opts)
	err = server.Run(context.Background())

	var bindErr *errors.BindError

	require.ErrorAs(t, err, &bindErr)
	require.Equal(t, opts.ControlAddr(), bindErr.Addr)
}

func TestServer_MarkerTimeout(t *testing.T) {
	// A classifier that never emits anything: the START marker cannot
	// appear, and the bounded wait must fail the session instead of
	// hanging forever.
	classifier := newFakeClassifier(1 << 30)
	opts := testOptions(t, classifier)
	opts.MarkerTimeout = 50 * time.Millisecond
	server := startServer(t, opts)

	resultListener, err := net.Listen("tcp", opts.ResultAddr())
	require.NoError(t, err)

	defer resultListener.Close()

	conn, err := wire.DialReq(context.Background(), opts.ControlAddr())
	require.NoError(t, err)

	defer conn.Close()

	reply, err := conn.RoundTrip(&wire.Envelope{
		Signal:  wire.SignalStart,
		Payload: []byte("sample-1"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte{wire.StartAccepted}, reply.Payload)

	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop after marker timeout")
	}

	var markerErr *errors.MarkerTimeoutError

	require.ErrorAs(t, server.Err(), &markerErr)
	require.Equal(t, "START", markerErr.Marker)
}

func TestServer_TerminateWaitsForIdle(t *testing.T) {
	classifier := newFakeClassifier(config.DefaultBatchSize)
	opts := testOptions(t, classifier)

	server := New(opts)
	require.NoError(t, server.Run(context.Background()))

	done := make(chan error, 1)

	go func() {
		var out bytes.Buffer

		c := client.New(opts, "sample-1")
		_, err := c.Run(context.Background(), strings.NewReader(fastq("r1")), &out)
		done <- err
	}()

	// Give the client a moment to get admitted, then terminate: the
	// broker must let the session finish first.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, server.Terminate(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not finish")
	}
}
