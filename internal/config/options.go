// Package config defines the configuration surface shared by the broker
// server and client.
package config

import (
	"log/slog"
	"time"
)

// Default values applied by WithDefaults. Every former magic number of
// the protocol is a named option so deployments can tune it.
const (
	// DefaultBatchSize is the value passed to kraken2 --batch-size: the
	// number of reads kraken2 accumulates before writing results.
	DefaultBatchSize = 20

	// DefaultFillerLength is the length of the placeholder sequence in a
	// synthetic filler record.
	DefaultFillerLength = 50

	// DefaultReadChunkSize bounds the bytes forwarded per NOT_DONE
	// result chunk while a session is streaming.
	DefaultReadChunkSize = 64 * 1024

	// DefaultWindowSize bounds how much of the input FASTQ the client
	// reads and ships per RUN_BATCH request.
	DefaultWindowSize = 1024 * 1024

	// DefaultPollInterval bounds every blocking wait so the shutdown
	// signal is observed within one interval.
	DefaultPollInterval = time.Second

	// DefaultMarkerTimeout bounds the wait for a sentinel marker line on
	// the subprocess output. Expiry is fatal to the session.
	DefaultMarkerTimeout = 60 * time.Second

	// DefaultStartRetryInterval is the backoff between START attempts
	// when the admission slot is busy.
	DefaultStartRetryInterval = time.Second

	// DefaultStartAttempts is how many times the client tries START
	// before giving up with ErrSessionBusy.
	DefaultStartAttempts = 30
)

// Options configures the broker server and client.
type Options struct {
	// Logger is the slog logger for operational output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// Address is the host both endpoints live on, e.g. "127.0.0.1".
	Address string

	// ControlPort is the client-to-broker request/reply endpoint. The
	// broker binds it; clients dial it.
	ControlPort int

	// ResultPort is the broker-to-client request/reply endpoint. The
	// client binds it before sending START; the broker dials it once a
	// session is admitted.
	ResultPort int

	// Database is the path to the kraken2 database directory.
	Database string

	// K2Binary is the kraken2 executable. If empty, "kraken2" is looked
	// up on PATH.
	K2Binary string

	// Threads is the kraken2 worker thread count.
	Threads int

	// BatchSize is passed to kraken2 --batch-size. kraken2 buffers this
	// many reads before emitting their results.
	BatchSize int

	// FlushQuantum is the number of plain filler records written after
	// the END marker to force kraken2 to flush its pending output.
	// It must satisfy
	//
	//	FlushQuantum >= ceil(buffer_threshold / worst_case_line_size)
	//
	// where buffer_threshold is kraken2's internal output buffer. With
	// --batch-size set, one full batch of records is sufficient, so the
	// default is BatchSize. kraken2 does not report its buffering, so
	// this is configuration, never derived at runtime.
	FlushQuantum int

	// FillerLength is the placeholder sequence length of a filler record.
	FillerLength int

	// ReadChunkSize bounds the payload of one NOT_DONE result chunk.
	ReadChunkSize int

	// WindowSize bounds the input bytes sent per RUN_BATCH request.
	WindowSize int

	// PollInterval bounds blocking waits in the broker loops so that
	// shutdown is observed within one interval.
	PollInterval time.Duration

	// MarkerTimeout bounds the wait for a START or END marker line.
	MarkerTimeout time.Duration

	// StartAttempts is the number of START requests the client sends
	// before reporting the slot busy. Zero means the default; a
	// negative value means retry forever.
	StartAttempts int

	// StartRetryInterval is the backoff between START attempts.
	StartRetryInterval time.Duration

	// Bridge allows injecting a custom subprocess bridge. If nil, the
	// real kraken2 bridge is created from the fields above.
	Bridge Bridge
}

// WithDefaults returns a copy of o with zero-valued fields replaced by
// defaults. The receiver is not modified.
func (o *Options) WithDefaults() *Options {
	out := *o

	if out.Address == "" {
		out.Address = "127.0.0.1"
	}

	if out.ControlPort == 0 {
		out.ControlPort = 5555
	}

	if out.ResultPort == 0 {
		out.ResultPort = 5556
	}

	if out.K2Binary == "" {
		out.K2Binary = "kraken2"
	}

	if out.Threads == 0 {
		out.Threads = 1
	}

	if out.BatchSize == 0 {
		out.BatchSize = DefaultBatchSize
	}

	if out.FlushQuantum == 0 {
		out.FlushQuantum = out.BatchSize
	}

	if out.FillerLength == 0 {
		out.FillerLength = DefaultFillerLength
	}

	if out.ReadChunkSize == 0 {
		out.ReadChunkSize = DefaultReadChunkSize
	}

	if out.WindowSize == 0 {
		out.WindowSize = DefaultWindowSize
	}

	if out.PollInterval == 0 {
		out.PollInterval = DefaultPollInterval
	}

	if out.MarkerTimeout == 0 {
		out.MarkerTimeout = DefaultMarkerTimeout
	}

	if out.StartAttempts == 0 {
		out.StartAttempts = DefaultStartAttempts
	}

	if out.StartRetryInterval == 0 {
		out.StartRetryInterval = DefaultStartRetryInterval
	}

	return &out
}

// ControlAddr returns the host:port of the control endpoint.
func (o *Options) ControlAddr() string {
	return addr(o.Address, o.ControlPort)
}

// ResultAddr returns the host:port of the result endpoint.
func (o *Options) ResultAddr() string {
	return addr(o.Address, o.ResultPort)
}
