package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vidpano/internal/cli"
	"vidpano/internal/config"
	"vidpano/internal/logging"
	"vidpano/internal/metrics"
	"vidpano/internal/pipeline"
	"vidpano/internal/stitch"
	"vidpano/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("run history disabled", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, stitch.New(log, collector), cfg)
	defer pipe.Stop()

	cmd := cli.NewRootCmd(cfg, log, store, pipe, collector)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, cli.FailureLine(err))
		return 1
	}
	return 0
}
