// Package main provides the Engage worker binary, which delivers due
// workflow steps.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/doctorsflow/engage/pkg/cmd"
	"github.com/doctorsflow/engage/pkg/log"
	"github.com/doctorsflow/engage/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "engage-worker",
		Usage:                 "Deliver due workflow steps to patients",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Usage:   "Stable worker identifier (random when empty)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup("engage-worker", command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = uuid.NewString()
			}

			logger := log.WithModule("worker")
			logger.InfoContext(ctx, "Initializing Engage worker", "worker_id", workerID)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "engage-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			dispatcher := cmd.NewDispatcher(persistence, logger)

			manager := NewWorkerManager(workerID, persistence, eventBus, dispatcher, logger)

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "engage-worker")
				if err != nil {
					return err
				}

				manager.WithTracer(tracer)
			}

			return manager.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
