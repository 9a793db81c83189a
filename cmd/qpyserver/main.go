// Command qpyserver is the sandboxed question-package execution server of
// spec.md §9: it owns the worker pool, package indexer, on-disk caches and
// collectors behind a single HTTP surface, with no process-wide singletons.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/questionpy-go/questionpy-server/internal/api"
	"github.com/questionpy-go/questionpy-server/internal/config"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the server's INI configuration file")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "qpyserver: failed to initialize logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("qpyserver: failed to load configuration", zap.Error(err))
	}

	srv, err := api.New(cfg, log)
	if err != nil {
		log.Fatal("qpyserver: failed to initialize server", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Fatal("qpyserver: failed to start collectors", zap.Error(err))
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal("qpyserver: server exited with error", zap.Error(err))
	}

	log.Info("qpyserver: shutdown complete")
}
