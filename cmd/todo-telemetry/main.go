// Command todo-telemetry runs the observability and resource-lifecycle core of the todo service:
// health and metrics endpoints over a traced PostgreSQL pool, drained in order on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gaborage/todo-telemetry/app"
	"github.com/gaborage/todo-telemetry/config"
	"github.com/gaborage/todo-telemetry/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log := logger.New(logger.Options{
		Service:    cfg.OTel.Service.Name,
		Level:      cfg.Log.Level,
		Pretty:     cfg.Log.Pretty,
		File:       cfg.Log.File,
		OTelBridge: cfg.OTel.Logs.Enabled,
	})
	defer func() { _ = log.Close() }()

	ctx := context.Background()
	application, err := app.New(ctx, cfg, log, &app.Options{
		// The coordinator exits from its own goroutine, so deferred calls here never run.
		Exit: func(code int) {
			_ = log.Close()
			os.Exit(code)
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}

	if err := application.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Application stopped with error")
		return 1
	}
	return 0
}
