package repository

import (
	"context"
	"database/sql"

	"github.com/google/wire"

	"github.com/Wei-Shaw/codexmanager/internal/config"
)

// ProvideDB opens the configured database and runs migrations.
func ProvideDB(cfg *config.Config) (*sql.DB, error) {
	return Open(context.Background(), cfg.DBPath)
}

// ProviderSet exposes the storage constructors to wire.
var ProviderSet = wire.NewSet(ProvideDB, NewStore)
