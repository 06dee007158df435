package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/markdave123-py/contexta-rag/internal/config"
	"github.com/markdave123-py/contexta-rag/internal/platform/logger"
)

func main() {
	var root = &cobra.Command{
		Use:           "contexta",
		Short:         "Document ingestion and retrieval-augmented chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD())

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg := config.LoadConfig()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}
