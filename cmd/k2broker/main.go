package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wagiedev/k2broker"
)

const terminateGrace = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &k2broker.Options{}

	var logLevel string

	cmd := &cobra.Command{
		Use:           "k2broker",
		Short:         "Serve a shared kraken2 process to one client at a time",
		Long:          "k2broker starts kraken2 against a single database and exposes control and result endpoints that clients use to stream samples through it sequentially.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(logLevel)
			if err != nil {
				return err
			}

			opts.Logger = log

			server := k2broker.NewServer(opts)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Run(ctx); err != nil {
				return err
			}

			log.Info("Broker running",
				"control", opts.ControlAddr(),
				"results", opts.ResultAddr(),
				"db", opts.Database)

			select {
			case <-ctx.Done():
				log.Info("Shutting down")
			case <-server.Done():
			}

			termCtx, cancel := context.WithTimeout(context.Background(), terminateGrace)
			defer cancel()

			return server.Terminate(termCtx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Address, "address", "127.0.0.1", "interface to bind the endpoints on")
	flags.IntVar(&opts.ControlPort, "control-port", 5555, "port for the control endpoint")
	flags.IntVar(&opts.ResultPort, "result-port", 5556, "port clients serve results on")
	flags.StringVar(&opts.Database, "db", "", "kraken2 database directory")
	flags.StringVar(&opts.K2Binary, "k2-binary", "kraken2", "kraken2 executable to run")
	flags.IntVar(&opts.Threads, "threads", 1, "kraken2 worker threads")
	flags.IntVar(&opts.BatchSize, "batch-size", 20, "kraken2 --batch-size value")
	flags.IntVar(&opts.FlushQuantum, "flush-quantum", 0, "filler records written to drain buffered output (default batch-size)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cobra.CheckErr(cmd.MarkFlagRequired("db"))

	return cmd
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})

	return slog.New(handler), nil
}
