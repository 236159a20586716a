// Package errors defines error types for the kraken2 broker.
//
// This package provides structured error types that wrap the different
// failure scenarios of the broker: endpoint binding, the kraken2
// subprocess, wire protocol violations, and sentinel-marker timeouts.
// All error types support error unwrapping and can be checked using
// errors.Is, errors.As, and errors.AsType.
package errors
