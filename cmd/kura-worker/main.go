// Package main runs Kura's Dispatcher: the dequeue-process-repeat loop that
// replays event history through registered handlers and maintains the
// Projection Store, plus the Scheduler's recurring-refit housekeeping.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/dispatcher"
	"github.com/kura-dev/kura/internal/handlers"
	"github.com/kura-dev/kura/internal/scheduler"
	"github.com/kura-dev/kura/internal/storage"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "kura-worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("starting Kura worker", slog.String("service", name), slog.String("version", version))

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ids := canon.NewGenerator()

	events, err := storage.NewPostgresEventStore(conn, ids, logger)
	if err != nil {
		logger.Error("failed to construct event log store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	jobs, err := storage.NewPostgresJobStore(conn, ids)
	if err != nil {
		logger.Error("failed to construct job queue store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	projections, err := storage.NewPostgresProjectionStore(conn)
	if err != nil {
		logger.Error("failed to construct projection store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	schedulerStore, err := storage.NewPostgresSchedulerStore(conn)
	if err != nil {
		logger.Error("failed to construct scheduler state store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	registry := dispatcher.NewRegistry()
	handlers.RegisterAll(registry)

	refit := scheduler.New(schedulerStore, jobs)

	disp := dispatcher.New(registry, jobs, events, projections, refit, logger)
	disp.Run(context.Background())

	logger.Info("Kura worker running, awaiting shutdown signal")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("received shutdown signal, stopping dispatcher")

	if err := disp.Close(); err != nil {
		logger.Error("dispatcher shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Kura worker stopped")
}
