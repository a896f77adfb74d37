// Corpusd builds and serves knowledge-graph retrieval indexes over ingested
// books.
//
// Usage:
//
//	# Start the HTTP API
//	corpusd serve --config corpusd.yaml
//
//	# Build one attempt in the foreground
//	corpusd build a_0123
//
//	# Delete a corpus from every store
//	corpusd delete-corpus c_0123
//
// Settings not in the config file are read from CORPUSD_* environment
// variables, e.g. CORPUSD_SERVER_ADDR=:9090.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/services"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "corpusd",
		Short: "Knowledge-graph retrieval service for ingested books",
		Long: `corpusd ingests book-length texts, builds vector, graph and key-value
indexes for them, and answers retrieval queries over the HTTP API.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newBuildCmd(opts))
	cmd.AddCommand(newDeleteCorpusCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "corpusd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

// env is what every command needs: configuration, a logger and the opened
// services.
type env struct {
	cfg      *services.Config
	logger   *logging.Logger
	registry services.Registry
}

// openEnv loads configuration and opens the services. The returned close
// function releases them and flushes the logger.
func openEnv(ctx context.Context, opts *rootOptions) (*env, func(), error) {
	cfg, err := services.LoadConfig(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	// The global provider delegates to whatever SDK the process installs.
	logger, err := logging.NewLogger(&cfg.Logging, logging.WithLoggerProvider(global.GetLoggerProvider()))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	reg, err := services.Open(ctx, cfg, logger.Underlying(), services.Overrides{})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initializing services: %w", err)
	}
	closeFn := func() {
		if err := reg.Close(); err != nil {
			logger.Underlying().Warn("closing services", zap.Error(err))
		}
		_ = logger.Sync() // Best-effort sync on shutdown
	}
	return &env{cfg: cfg, logger: logger, registry: reg}, closeFn, nil
}
