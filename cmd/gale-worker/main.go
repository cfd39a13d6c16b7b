// Package main provides the gale worker binary: a stateless pool that
// executes dispatched steps and reports completions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/galeops/gale/pkg/cmd"
	"github.com/galeops/gale/pkg/log"
	"github.com/galeops/gale/pkg/otelhelper"
	"github.com/galeops/gale/pkg/worker"
)

const defaultConcurrency = 4

func main() {
	command := &cli.Command{
		Name:                  "gale-worker",
		Usage:                 "Execute dispatched workflow steps",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
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
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Number of steps executed in parallel",
				Value:   defaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry spans for step execution",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("gale-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing gale worker")

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

			bus, err := cmd.NewBus(command.String("event-bus"), command.String("kafka-brokers"), "gale-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := bus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			registry := worker.NewRegistry()

			err = worker.RegisterBuiltins(registry, logger)
			if err != nil {
				return err
			}

			opts := []worker.PoolOption{
				worker.WithConcurrency(command.Int("concurrency")),
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "gale-worker")
				if err != nil {
					return err
				}

				opts = append(opts, worker.WithTracer(tracer))
			}

			pool := worker.NewPool(workerID, st, bus, registry, logger, opts...)

			return pool.Start(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
