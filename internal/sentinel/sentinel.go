// Package sentinel defines the synthetic records injected into the
// kraken2 input stream and the recognition of their result lines.
//
// kraken2 buffers output internally and only writes once enough records
// have accumulated. Without intervention the last real results of a
// sample would stay trapped in that buffer. The protocol injects a
// START-tagged record when a session opens, an END-tagged record when
// all input is submitted, and FlushQuantum plain filler records after
// the END tag so the flush threshold is crossed and the tagged output
// actually appears. None of these records' results are ever surfaced to
// a client; the demultiplexer filters them by their marker lines.
package sentinel

import (
	"fmt"
	"strings"
)

// Tags used in the name line of injected records.
const (
	startTag     = "START"
	endTag       = "END"
	fillerFormat = "DUMMY_%d"
)

// Marker line prefixes. kraken2 reports each read as one tab-delimited
// line whose first two fields are the classification status and the
// read name. The placeholder sequence is all-T with minimum quality, so
// it is always reported unclassified ("U"). Recognition is structural:
// status, tag, and the following tab, never payload content.
const (
	startMarkerPrefix = "U\t" + startTag + "\t"
	endMarkerPrefix   = "U\t" + endTag + "\t"
)

// Protocol builds filler records for a fixed placeholder length and
// flush quantum.
type Protocol struct {
	fillerLength int
	flushQuantum int
	flushBlock   []byte
}

// New creates a sentinel protocol.
//
// flushQuantum must satisfy the bound documented on
// config.Options.FlushQuantum: at least one full kraken2 batch of
// records, so that the pending output of the END marker is flushed.
func New(fillerLength, flushQuantum int) *Protocol {
	p := &Protocol{
		fillerLength: fillerLength,
		flushQuantum: flushQuantum,
	}

	var b strings.Builder

	for i := range flushQuantum {
		b.Write(p.Record(fmt.Sprintf(fillerFormat, i)))
	}

	p.flushBlock = []byte(b.String())

	return p
}

// Record returns one synthetic FASTQ record tagged with name.
func (p *Protocol) Record(name string) []byte {
	return []byte(fmt.Sprintf(
		"@%s\n%s\n+\n%s\n",
		name,
		strings.Repeat("T", p.fillerLength),
		strings.Repeat("!", p.fillerLength),
	))
}

// StartRecord returns the record whose result line opens a sample.
func (p *Protocol) StartRecord() []byte {
	return p.Record(startTag)
}

// EndRecord returns the record whose result line closes a sample.
func (p *Protocol) EndRecord() []byte {
	return p.Record(endTag)
}

// FlushBlock returns FlushQuantum plain filler records, written after
// the END record to force kraken2 to flush its output buffer.
func (p *Protocol) FlushBlock() []byte {
	return p.flushBlock
}

// Quantum returns the configured flush quantum.
func (p *Protocol) Quantum() int {
	return p.flushQuantum
}

// IsStartMarker reports whether line is the result of a StartRecord.
func IsStartMarker(line string) bool {
	return strings.HasPrefix(line, startMarkerPrefix)
}

// IsEndMarker reports whether line is the result of an EndRecord.
func IsEndMarker(line string) bool {
	return strings.HasPrefix(line, endMarkerPrefix)
}
