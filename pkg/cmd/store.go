// Package cmd provides common initialization for the command-line binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/galeops/gale/pkg/store"
	"github.com/galeops/gale/pkg/store/memory"
	"github.com/galeops/gale/pkg/store/postgres"
	"github.com/galeops/gale/pkg/store/redis"
)

// NewStore creates a store from a connection URL. The scheme selects the
// backend: postgres://, redis://, or memory:// for single-process setups.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.Store, error) {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgres.NewStore(ctx, logger, databaseURL)
	case "redis", "rediss":
		return redis.NewStore(ctx, logger, databaseURL)
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store URL: %s", databaseURL)
	}
}

func parseStoreProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
