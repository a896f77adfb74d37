package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the corpusd HTTP API. Builds run in the background and are
waited for on shutdown, up to server.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

// runServe starts the server and blocks until ctx is cancelled.
func runServe(ctx context.Context, opts *rootOptions) error {
	e, closeEnv, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer closeEnv()

	logger := e.logger.Underlying()
	srv, err := corpushttp.NewServer(e.registry, logger, &corpushttp.Config{
		Addr:            e.cfg.Server.Addr,
		BodyLimit:       e.cfg.Server.BodyLimit,
		ShutdownTimeout: e.cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	logger.Info("starting corpusd",
		zap.String("version", version),
		zap.String("addr", e.cfg.Server.Addr),
		zap.String("vector_store", string(e.cfg.VectorStore.Provider)),
		zap.String("graph_store", string(e.cfg.Graph.Provider)))

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}
