package k2broker

import (
	"github.com/wagiedev/k2broker/internal/broker"
	"github.com/wagiedev/k2broker/internal/client"
	"github.com/wagiedev/k2broker/internal/config"
	"github.com/wagiedev/k2broker/internal/wire"
)

// Re-export types from internal packages

// Options configures the broker server and client. Zero-valued fields
// take documented defaults.
type Options = config.Options

// Bridge is the interface between the broker loops and the external
// classification process. Set Options.Bridge to inject a fake process
// in tests; leave it nil to run kraken2.
type Bridge = config.Bridge

// Server is the broker: admission gate, ingest loop, and output
// demultiplexer around one kraken2 subprocess.
type Server = broker.Server

// Client drives one sample through a broker.
type Client = client.Client

// Stats reports progress counters for one completed sample.
type Stats = client.Stats

// Signal identifies the kind of a wire envelope.
type Signal = wire.Signal

// Envelope is the signal+payload message exchanged on both endpoints.
type Envelope = wire.Envelope

// Wire signals.
const (
	// SignalStart opens a session for the sample named in the payload.
	SignalStart = wire.SignalStart
	// SignalStop declares all input for the current sample submitted.
	SignalStop = wire.SignalStop
	// SignalRunBatch carries a window of input records.
	SignalRunBatch = wire.SignalRunBatch
	// SignalNotDone carries a chunk of classification results.
	SignalNotDone = wire.SignalNotDone
	// SignalDone marks the end of a sample's results.
	SignalDone = wire.SignalDone
)

// NewServer creates a broker server from options.
func NewServer(options *Options) *Server {
	return broker.New(options)
}

// NewClient creates a client for the given sample.
func NewClient(options *Options, sampleID string) *Client {
	return client.New(options, sampleID)
}
