package database

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"go.uber.org/zap"
)

// OpenSQLite opens the shared store handle for path and applies additive schema migrations.
func OpenSQLite(ctx context.Context, path string, options store.Options) (*store.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	handle, err := store.Open(path, options)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, handle); err != nil {
		_ = handle.Close()
		return nil, err
	}

	handle.Logger().Info("database initialized",
		zap.String("path", handle.Path()),
		zap.Int("schema_version", CurrentSchemaVersion))
	return handle, nil
}
