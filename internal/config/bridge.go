package config

import (
	"context"
	"net"
	"strconv"
)

// Bridge is the interface the broker loops use to talk to the external
// classification process. It is satisfied by the kraken2 subprocess
// bridge but allows tests to inject a fake process.
//
// The input stream has exactly one writer (the ingest loop) and the
// output stream exactly one consumer (the demultiplexer loop).
type Bridge interface {
	// Start launches the external process and begins reading its output.
	Start(ctx context.Context) error

	// Write writes raw record bytes to the process input stream and
	// flushes them. Safe for concurrent use, though the broker funnels
	// all writes through the ingest loop.
	Write(data []byte) error

	// Lines returns the channel of output lines, in emission order,
	// without trailing newlines. The channel is closed when the process
	// output ends; Err reports why.
	Lines() <-chan string

	// Err returns the terminal error after Lines is closed. A clean
	// exit reports nil.
	Err() error

	// Close terminates the process. Safe to call more than once.
	Close() error
}

func addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
