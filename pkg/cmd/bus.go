package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/galeops/gale/pkg/queue"
	"github.com/galeops/gale/pkg/queue/gochannel"
	"github.com/galeops/gale/pkg/queue/kafka"
)

// NewBus creates the queue transport. Kafka is the production transport; the
// in-process gochannel transport only makes sense when scheduler, workers and
// API run in one process.
func NewBus(provider, brokerList, serviceName string, logger *slog.Logger) (queue.Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, brokerList, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return queue.NewWatermillBus(pub, sub), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gochannel pub/sub: %w", err)
		}

		return queue.NewWatermillBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported queue provider: %s", provider)
	}
}
