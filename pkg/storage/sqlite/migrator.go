package sqlite

import (
	"github.com/pressly/goose/v3"

	"github.com/openfga/twinguard/assets"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

// NewSQLiteMigrationProvider creates a new SQLite migration provider.
func NewSQLiteMigrationProvider() *sqlcommon.MigrationProvider {
	return &sqlcommon.MigrationProvider{
		Engine:     "sqlite",
		DriverName: "sqlite",
		Dialect:    goose.DialectSQLite3,
		Dir:        assets.SqliteMigrationDir,
		PrepareURI: func(config storage.MigrationConfig) (string, error) {
			return PrepareDSN(config.URI)
		},
	}
}
