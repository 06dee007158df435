package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-rag/internal/app"
)

func serveCMD() *cobra.Command {
	var port string
	var drain time.Duration
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and inline ingestion workers when QUEUE_MODE=inline)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if port != "" {
				cfg.Port = port
			}

			ctx := cmd.Context()
			application, err := app.NewApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			server := app.NewServer(application)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				log.Info("shutting down...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				log.Warn("HTTP shutdown incomplete", "error", serr)
			}
			if cerr := application.Close(shutdownCtx); cerr != nil {
				log.Warn("Shutdown incomplete", "error", cerr)
			}
			return err
		},
	}
	serve.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	serve.Flags().DurationVar(&drain, "drain", 30*time.Second, "time allowed for in-flight work on shutdown")

	return serve
}
