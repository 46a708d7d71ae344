package postgres

import (
	"github.com/pressly/goose/v3"

	"github.com/openfga/twinguard/assets"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

// NewPostgresMigrationProvider creates a new Postgres migration provider.
func NewPostgresMigrationProvider() *sqlcommon.MigrationProvider {
	return &sqlcommon.MigrationProvider{
		Engine:     "postgres",
		DriverName: "pgx",
		Dialect:    goose.DialectPostgres,
		Dir:        assets.PostgresMigrationDir,
		PrepareURI: func(config storage.MigrationConfig) (string, error) {
			return PrepareURI(config.URI, config.Username, config.Password)
		},
	}
}
