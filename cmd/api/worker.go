package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-rag/internal/app"
)

func workerCMD() *cobra.Command {
	var metricsAddr string
	var drain time.Duration
	var worker = &cobra.Command{
		Use:   "worker",
		Short: "Consume ingestion jobs from the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.QueueMode != "redis" {
				return errors.New("worker requires QUEUE_MODE=redis")
			}

			ctx := cmd.Context()
			application, err := app.NewApp(ctx, cfg, log)
			if err != nil {
				return err
			}

			var metricsSrv *http.Server
			if metricsAddr != "" {
				metricsSrv = &http.Server{Addr: metricsAddr, Handler: application.Metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("Metrics server failed", "error", err)
					}
				}()
			}

			log.Info("Worker consuming", "queue", cfg.QueueName, "concurrency", cfg.Workers)
			err = application.RedisQueue.Consume(ctx, cfg.Workers, application.Ingestion.ProcessJob)
			if errors.Is(err, context.Canceled) {
				err = nil
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
			if cerr := application.Close(shutdownCtx); cerr != nil {
				log.Warn("Shutdown incomplete", "error", cerr)
			}
			return err
		},
	}
	worker.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for /metrics (empty disables)")
	worker.Flags().DurationVar(&drain, "drain", 30*time.Second, "time allowed for in-flight attempts on shutdown")

	return worker
}
