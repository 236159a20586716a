package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wagiedev/k2broker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &k2broker.Options{}

	var (
		sampleID string
		outPath  string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:           "k2client <fastq>",
		Short:         "Stream a sample through a running k2broker",
		Long:          "k2client sends one FASTQ sample to a k2broker instance and writes the classification results as they arrive. Pass - to read the sample from stdin.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			opts.Logger = log

			in, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := openOutput(outPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := k2broker.NewClient(opts, sampleID)

			stats, err := client.Run(ctx, in, out)
			if err != nil {
				return err
			}

			if err := out.Close(); err != nil {
				return err
			}

			log.Info("Sample classified",
				"records", stats.RecordsSent,
				"bytes_sent", stats.BytesSent,
				"result_bytes", stats.ResultBytes,
				"chunks", stats.Chunks)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Address, "address", "127.0.0.1", "address the broker is listening on")
	flags.IntVar(&opts.ControlPort, "control-port", 5555, "broker control port")
	flags.IntVar(&opts.ResultPort, "result-port", 5556, "local port to serve results on")
	flags.IntVar(&opts.StartAttempts, "start-attempts", 30, "times to retry while the broker is busy")
	flags.StringVar(&sampleID, "sample-id", "sample", "identifier reported to the broker")
	flags.StringVarP(&outPath, "out", "o", "-", "output file for results (- for stdout)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	return f, nil
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})

	return slog.New(handler), nil
}
