package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/galeops/gale/pkg/cmd"
	"github.com/galeops/gale/pkg/log"
	"github.com/galeops/gale/pkg/scheduler"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("gale-api")

	command := &cli.Command{
		Name:                  "gale-api",
		Usage:                 "Trigger runs and query workflow state",
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
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing gale API")

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

			bus, err := cmd.NewBus(command.String("event-bus"), command.String("kafka-brokers"), "gale-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := bus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			// The API shares the scheduler's run and definition logic but
			// never runs the sweep loop; reconciliation stays with the
			// scheduler process.
			orchestrator := scheduler.New(st, bus, logger)

			api := NewAPI(logger, st, orchestrator)

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
