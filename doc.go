// Package k2broker brokers access to a single long-running kraken2
// classification process, multiplexing batched requests from network
// clients into its standard input and demultiplexing its buffered
// standard output back to the requesting client.
//
// kraken2 buffers results internally and only writes once enough reads
// have accumulated, so a sample's last results would stay trapped in
// that buffer indefinitely. The broker injects sentinel records: a
// START-tagged record when a session opens, an END-tagged record when
// all input is submitted, and enough plain filler records after it to
// push the buffer past its flush threshold. The demultiplexer splits
// the output stream on those marker lines, so clients receive exactly
// their own results and never any filler output.
//
// At most one session is active at a time. A second client attempting
// to start while the slot is held receives an immediate rejection and
// is expected to retry.
//
// # Server
//
//	server := k2broker.NewServer(&k2broker.Options{
//	    Database: "/data/k2db",
//	    Logger:   slog.Default(),
//	})
//	if err := server.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Terminate(ctx)
//
// # Client
//
//	client := k2broker.NewClient(&k2broker.Options{}, "sample-1")
//
//	in, _ := os.Open("reads.fq")
//	out, _ := os.Create("results.tsv")
//	w := bufio.NewWriter(out)
//
//	stats, err := client.Run(ctx, in, w)
//
// The client binds the result endpoint before sending START, reads the
// input in bounded windows, and strictly alternates request and reply
// on both endpoints.
package k2broker
