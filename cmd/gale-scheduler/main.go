// Package main provides the gale scheduler binary: trigger evaluation, run
// state machine and completion feedback.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/galeops/gale/pkg/cmd"
	"github.com/galeops/gale/pkg/log"
	"github.com/galeops/gale/pkg/scheduler"
	"github.com/galeops/gale/pkg/store/loader"
)

func main() {
	logger := log.WithModule("gale-scheduler")

	command := &cli.Command{
		Name:                  "gale-scheduler",
		Usage:                 "Evaluate triggers and drive runs to completion",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Store connection URL (postgres://, redis://, memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Queue transport (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "definitions-dir",
				Usage:   "Directory of workflow definition files to register at startup",
				Value:   "",
				Sources: cli.EnvVars("DEFINITIONS_DIR"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "Cadence of the trigger and reconciliation sweep",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
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

			logger.InfoContext(ctx, "Initializing gale scheduler")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := st.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			bus, err := cmd.NewBus(command.String("event-bus"), command.String("kafka-brokers"), "gale-scheduler", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := bus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			sched := scheduler.New(st, bus, logger,
				scheduler.WithSweepInterval(command.Duration("sweep-interval")),
			)

			if dir := command.String("definitions-dir"); dir != "" {
				definitionLoader, err := loader.NewLoader(sched, logger)
				if err != nil {
					return err
				}

				_, err = definitionLoader.LoadDirectory(ctx, dir)
				if err != nil {
					return err
				}
			}

			return sched.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
