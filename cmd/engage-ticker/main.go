// Package main provides the Engage ticker binary, which runs the engine's
// periodic jobs.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/doctorsflow/engage/pkg/cmd"
	"github.com/doctorsflow/engage/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "engage-ticker",
		Usage:                 "Run periodic trigger evaluation and recovery jobs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
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
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the tick dedup cache (empty for in-memory)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "date-tick-schedule",
				Usage:   "Cron schedule for the daily date-trigger tick",
				Value:   "0 6 * * *",
				Sources: cli.EnvVars("DATE_TICK_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup("engage-ticker", command.String("log-level"))

			logger := log.WithModule("ticker")
			logger.InfoContext(ctx, "Initializing Engage ticker")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "engage-ticker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			_, cacheStore, err := cmd.NewLimiterAndCache(command.String("redis-url"))
			if err != nil {
				return err
			}

			dispatcher := cmd.NewDispatcher(persistence, logger)

			ticker := NewTicker(logger, persistence, eventBus, dispatcher, cacheStore)

			return ticker.Start(ctx, command.String("date-tick-schedule"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
