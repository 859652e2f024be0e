// Package main provides the scheduler service that autostarts runs for
// workflows carrying a cron schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/duetflow/duetflow/pkg/broadcast"
	"github.com/duetflow/duetflow/pkg/cmd"
	"github.com/duetflow/duetflow/pkg/engine"
	"github.com/duetflow/duetflow/pkg/log"
	"github.com/duetflow/duetflow/pkg/registry"
	"github.com/duetflow/duetflow/pkg/scheduler"
)

const refreshInterval = time.Minute

func main() {
	command := &cli.Command{
		Name:                  "duetflow-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Autostart runs for scheduled workflows",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-id",
				Aliases: []string{"id"},
				Usage:   "Custom scheduler ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SCHEDULER_ID"),
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

			schedulerID := command.String("scheduler-id")
			if schedulerID == "" {
				schedulerID = "scheduler-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("duetflow-scheduler").With("schedulerId", schedulerID)

			logger.InfoContext(ctx, "Initializing Duetflow Scheduler")

			persist := cmd.MustPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				err := persist.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			reg := registry.NewRegistry(logger)
			registry.RegisterBuiltinTools(reg)

			broadcaster := broadcast.NewBroadcaster(broadcast.Config{}, persist.Deltas(), eventBus, logger)
			eng := engine.NewEngine(engine.DefaultConfig(), persist, reg, broadcaster, eventBus, logger)
			defer eng.Close()

			sched := scheduler.NewScheduler(persist, eng, logger)

			err := sched.Start(ctx)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ticker := time.NewTicker(refreshInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					err := sched.Refresh(runCtx)
					if err != nil {
						logger.ErrorContext(runCtx, "Failed to refresh schedules", "error", err)
					}
				case <-runCtx.Done():
					sched.Stop()

					return nil
				}
			}
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
