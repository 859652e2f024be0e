package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duetflow/duetflow/pkg/persistence"
	"github.com/duetflow/duetflow/pkg/persistence/file"
	"github.com/duetflow/duetflow/pkg/persistence/postgres"
	"github.com/duetflow/duetflow/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis"}

// NewPersistence builds a persistence backend from a database URL. The
// scheme selects the provider; anything unrecognized falls back to the
// file backend rooted at the given path.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgres.NewPersistence(ctx, logger, databaseURL)
	case "redis":
		return redis.NewPersistence(databaseURL)
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}

// MustPersistence panics on a broken database URL, for binaries that
// cannot start without storage.
func MustPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	persist, err := NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to create persistence: %w", err))
	}

	return persist
}
