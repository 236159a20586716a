// Package subprocess owns the kraken2 process and its pipes.
//
// The bridge is the only component that touches the process's stdin and
// stdout. Input writes are mutex-protected raw writes; output is read
// by a dedicated goroutine that feeds a line channel, so consumers can
// bound their waits and shutdown is never starved by a blocking read.
package subprocess

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/wagiedev/k2broker/internal/config"
	"github.com/wagiedev/k2broker/internal/errors"
)

const (
	// maxScanTokenSize is the maximum buffer size for one output line.
	maxScanTokenSize = 1024 * 1024 // 1MB
	// maxStderrBufferSize caps the stderr buffer kept for error
	// reporting. Reading continues past the cap; the buffer stops
	// growing.
	maxStderrBufferSize = 10 * 1024 * 1024 // 10MB
	// lineChannelBuffer decouples the reader goroutine from the
	// demultiplexer so a momentary slow consumer does not stall the
	// process's stdout pipe.
	lineChannelBuffer = 256
)

// K2Bridge implements config.Bridge by spawning a kraken2 subprocess.
type K2Bridge struct {
	log     *slog.Logger
	options *config.Options

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	lines chan string
	done  chan struct{}

	// writeMu serializes stdin writes. Close never takes it: a write
	// blocked on a full pipe must not keep the process alive, so Close
	// only needs mu to close the pipe out from under the writer.
	writeMu sync.Mutex

	mu          sync.Mutex // protects the flags below
	closeOnce   sync.Once
	closing     bool
	stdinClosed bool

	errMu       sync.Mutex
	terminalErr error
}

// Compile-time verification that K2Bridge implements the Bridge interface.
var _ config.Bridge = (*K2Bridge)(nil)

// New creates a bridge for the kraken2 invocation described by options.
// The process is not started until Start.
func New(log *slog.Logger, options *config.Options) *K2Bridge {
	return &K2Bridge{
		log:     log.With("component", "k2_bridge"),
		options: options,
		lines:   make(chan string, lineChannelBuffer),
		done:    make(chan struct{}),
	}
}

// buildArgs assembles the kraken2 command line. stdbuf forces
// line-buffered stdout so result lines cross the pipe as kraken2 emits
// them; --batch-size fixes the number of reads kraken2 accumulates
// before writing results, which is what makes the flush quantum
// predictable. /dev/fd/0 makes kraken2 read records from its stdin.
func buildArgs(options *config.Options) []string {
	return []string{
		"-oL",
		options.K2Binary,
		"--unbuffered-output",
		"--db", options.Database,
		"--threads", strconv.Itoa(options.Threads),
		"--batch-size", strconv.Itoa(options.BatchSize),
		"/dev/fd/0",
	}
}

// Start spawns the kraken2 process and begins reading its output.
//
// Returns ProcessError if the process cannot be spawned. The process is
// never restarted: if it dies mid-session the session is abandoned and
// an external supervisor is expected to restart the broker.
func (b *K2Bridge) Start(ctx context.Context) error {
	if b.options.Database == "" {
		return fmt.Errorf("kraken2 database path is required")
	}

	args := buildArgs(b.options)
	b.log.Info("Starting kraken2 subprocess", "binary", b.options.K2Binary, "db", b.options.Database)
	b.log.Debug("Built command arguments", "args", args)

	//nolint:gosec // G204: subprocess launching with configured args is the point
	cmd := exec.CommandContext(ctx, "stdbuf", args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &errors.ProcessError{Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	b.stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errors.ProcessError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	b.stdout = stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &errors.ProcessError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	b.stderr = stderr

	if err := cmd.Start(); err != nil {
		b.log.Error("Failed to start kraken2 process", "error", err)

		return &errors.ProcessError{Err: fmt.Errorf("start process: %w", err)}
	}

	b.cmd = cmd
	b.log.Info("kraken2 subprocess started", "pid", cmd.Process.Pid)

	go b.readOutput()

	return nil
}

// readOutput scans stdout into the line channel until the process
// closes its output, then records the terminal error and closes the
// channel. Relies on process kill to close pipes and unblock Scan.
func (b *K2Bridge) readOutput() {
	defer close(b.lines)
	defer b.log.Debug("Output reader stopped")

	var stderrWg sync.WaitGroup

	var stderrBuffer strings.Builder

	var stderrMu sync.Mutex

	// Buffer stderr for error reporting (must complete reads before Wait()).
	stderrWg.Go(func() {
		scanner := bufio.NewScanner(b.stderr)
		for scanner.Scan() {
			line := scanner.Text()

			stderrMu.Lock()

			if stderrBuffer.Len() < maxStderrBufferSize {
				if stderrBuffer.Len() > 0 {
					stderrBuffer.WriteString("\n")
				}

				stderrBuffer.WriteString(line)
			}

			stderrMu.Unlock()

			b.log.Debug("kraken2 stderr", "line", line)
		}
	})

	scanner := bufio.NewScanner(b.stdout)
	buf := make([]byte, maxScanTokenSize)
	scanner.Buffer(buf, maxScanTokenSize)

	lineCount := 0

	for scanner.Scan() {
		select {
		case b.lines <- scanner.Text():
			lineCount++
		case <-b.done:
			// Consumer is gone; stop forwarding so this goroutine can
			// finish process cleanup below.
		}
	}

	if err := scanner.Err(); err != nil {
		b.log.Error("Scanner error while reading kraken2 output", "error", err)
	}

	b.log.Debug("kraken2 stdout closed", "lines_read", lineCount)

	stderrWg.Wait()

	err := b.cmd.Wait()

	b.mu.Lock()
	isClosing := b.closing
	b.mu.Unlock()

	if err == nil || isClosing {
		if isClosing {
			b.log.Debug("kraken2 process terminated during shutdown")
		} else {
			b.log.Info("kraken2 process exited cleanly")
		}

		return
	}

	stderrMu.Lock()
	stderrOutput := stderrBuffer.String()
	stderrMu.Unlock()

	exitCode := 0

	if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
		exitCode = exitErr.ExitCode()
	}

	b.log.Error("kraken2 process exited with error", "exit_code", exitCode, "stderr", stderrOutput)

	b.errMu.Lock()
	b.terminalErr = &errors.ProcessError{
		ExitCode: exitCode,
		Stderr:   stderrOutput,
		Err:      err,
	}
	b.errMu.Unlock()
}

// Write writes raw record bytes to the kraken2 stdin. The pipe is
// unbuffered on our side, so a successful return means the bytes were
// handed to the OS.
//
// The write itself happens outside the state mutex: if the process
// stops consuming its stdin, the write blocks on the full pipe, and
// Close must still be able to close the pipe to fail it.
func (b *K2Bridge) Write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	stdin := b.stdin
	stdinClosed := b.stdinClosed
	b.mu.Unlock()

	if stdin == nil {
		return errors.ErrNotConnected
	}

	if stdinClosed {
		return errors.ErrStdinClosed
	}

	if _, err := stdin.Write(data); err != nil {
		b.mu.Lock()
		closed := b.stdinClosed
		b.mu.Unlock()

		if closed {
			return errors.ErrStdinClosed
		}

		b.log.Error("Failed to write to kraken2 stdin", "error", err)

		return fmt.Errorf("write to stdin: %w", err)
	}

	return nil
}

// Lines returns the output line channel. Closed when the process's
// stdout ends; Err reports why.
func (b *K2Bridge) Lines() <-chan string {
	return b.lines
}

// Err returns the terminal process error, if any, after Lines closes.
func (b *K2Bridge) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()

	return b.terminalErr
}

// Close terminates the kraken2 process. Safe to call multiple times or
// on an already-terminated process. Closing the stdin pipe before the
// kill fails any Write currently blocked on a full pipe, so Close never
// waits behind a stalled writer.
func (b *K2Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closing = true
	b.stdinClosed = true

	b.closeOnce.Do(func() {
		close(b.done)
	})

	if b.stdin != nil {
		_ = b.stdin.Close()
	}

	if b.cmd != nil && b.cmd.Process != nil {
		b.log.Debug("Killing kraken2 process", "pid", b.cmd.Process.Pid)

		if err := b.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill kraken2 process (pid %d): %w", b.cmd.Process.Pid, err)
		}
	}

	return nil
}
