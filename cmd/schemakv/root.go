package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bowlofstew/sql-layer/internal/config"
	"github.com/bowlofstew/sql-layer/internal/kv"
	"github.com/bowlofstew/sql-layer/internal/schemamgr"
)

var (
	configFile string
	jsonOutput bool

	// store is process-lifetime since MemStore holds no on-disk state; a
	// real deployment would open a persistent Store here instead.
	store *kv.MemStore
)

var rootCmd = &cobra.Command{
	Use:   "schemakv",
	Short: "schemakv - schema manager for an ordered KV store",
	Long:  `Mounts a schema manager root directory and exposes schema and online-DDL state.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a TOML config file (default: built-in defaults + SCHEMAKV_ env overrides)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	// Registering a real SDK tracer provider (rather than leaving the
	// no-op global default in place) means schemamgr's spans are actually
	// sampled and ended somewhere, even though this CLI wires no exporter.
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample())))
}

// openManager loads config, mounts a fresh store, and starts the manager.
// Each invocation gets its own in-memory store: this CLI is a demonstration
// harness for the schema manager's operations, not a long-lived daemon.
func openManager(ctx context.Context) (*schemamgr.Manager, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	store = kv.NewMemStore()
	return schemamgr.Start(ctx, store, cfg.RootPath(), schemamgr.Config{
		ClearIncompatibleData: cfg.ClearIncompatibleData,
		Retry:                 cfg.RetryPolicy(),
		Logger:                slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
}
