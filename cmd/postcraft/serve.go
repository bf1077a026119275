package main

import (
	"context"

	"github.com/mohammad-safakhou/postcraft/internal/runtime"
	srv "github.com/mohammad-safakhou/postcraft/internal/server"
	"github.com/mohammad-safakhou/postcraft/internal/worker"
	"github.com/spf13/cobra"
)

func serveCMD(load configLoader) *cobra.Command {
	var serveAddr string
	var mode string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			if mode != "" {
				cfg.Server.ExecutionMode = mode
			}
			ctx, cancel := runtime.WithShutdownSignals(context.Background(), "api")
			defer cancel()
			return srv.Run(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&mode, "mode", "", "execution mode: queue or inline (overrides server.execution_mode)")
	return serve
}

func workerCMD(load configLoader) *cobra.Command {
	var concurrency int
	var w = &cobra.Command{
		Use:   "worker",
		Short: "Consume queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Events.Concurrency = concurrency
			}
			ctx, cancel := runtime.WithShutdownSignals(context.Background(), "worker")
			defer cancel()
			return worker.Run(ctx, cfg)
		},
	}
	w.Flags().IntVar(&concurrency, "concurrency", 0, "runs executed at once (overrides events.concurrency)")
	return w
}
