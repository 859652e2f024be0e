package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/duetflow/duetflow/pkg/cmd"
	"github.com/duetflow/duetflow/pkg/log"
	"github.com/duetflow/duetflow/pkg/registry"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "duetflow-api",
		Usage:                 "Create workflows and drive runs from either surface",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus transport (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Duetflow API")

			persist := cmd.MustPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persist.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			reg := registry.NewRegistry(logger)
			registry.RegisterBuiltinTools(reg)

			api := NewAPI(logger, persist, reg, eventBus)

			// Deltas published by other processes reach local subscribers
			// through the bus; duplicates are dropped by version.
			err := api.broadcaster.HandleBusDeltas(eventBus)
			if err != nil {
				return err
			}

			go func() {
				if err := eventBus.Subscribe(ctx); err != nil {
					logger.ErrorContext(ctx, "Event bus subscription ended", "error", err)
				}
			}()

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
