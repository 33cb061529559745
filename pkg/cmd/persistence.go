package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/doctorsflow/engage/pkg/persistence"
	"github.com/doctorsflow/engage/pkg/persistence/file"
	"github.com/doctorsflow/engage/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL scheme.
// postgres:// wires PostgreSQL; anything else falls back to the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgresql persistence: %w", err)
		}

		return p, nil
	default:
		p, err := file.NewPersistence(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create file persistence: %w", err)
		}

		return p, nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	return parts[0]
}
