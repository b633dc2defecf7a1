// Package main runs Kura's HTTP API server: the Write Gate and Read Gate.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/kura-dev/kura/internal/api"
	"github.com/kura-dev/kura/internal/api/middleware"
	"github.com/kura-dev/kura/internal/canon"
	"github.com/kura-dev/kura/internal/dispatcher"
	"github.com/kura-dev/kura/internal/handlers"
	"github.com/kura-dev/kura/internal/storage"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "kura-api"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting Kura API server",
		slog.String("service", name),
		slog.String("version", version),
	)

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

	apiKeyStore, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		logger.Error("failed to construct API key store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rateLimiter := middleware.NewInMemoryRateLimiter(middleware.LoadConfig())

	// The Read Gate only needs the registry to answer "unknown kind" vs
	// "no data yet" (the Bootstrap contract); it never runs handlers. The
	// same registration list the worker process uses so both binaries agree
	// on what projection kinds exist.
	registry := dispatcher.NewRegistry()
	handlers.RegisterAll(registry)

	server := api.NewServer(&serverConfig, apiKeyStore, rateLimiter, events, jobs, projections, registry, nil)

	if err := server.Start(); err != nil {
		logger.Error("server failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Kura API server stopped")
}
