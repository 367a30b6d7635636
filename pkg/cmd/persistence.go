// Package cmd wires the shared infrastructure the binaries assemble at
// startup.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vigil-hq/vigil/pkg/persistence"
	"github.com/vigil-hq/vigil/pkg/persistence/memory"
	"github.com/vigil-hq/vigil/pkg/persistence/postgresql"
)

// NewPersistence selects the persistence implementation from the URL
// scheme. Anything that is not postgres falls back to the in-memory
// store, which only suits local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to initialize postgres persistence: %w", err))
		}

		return p
	default:
		logger.WarnContext(ctx, "no postgres URL configured, using in-memory persistence")

		return memory.NewPersistence()
	}
}
