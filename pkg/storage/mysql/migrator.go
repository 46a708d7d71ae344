package mysql

import (
	"github.com/pressly/goose/v3"

	"github.com/openfga/twinguard/assets"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

// NewMySQLMigrationProvider creates a new MySQL migration provider.
func NewMySQLMigrationProvider() *sqlcommon.MigrationProvider {
	return &sqlcommon.MigrationProvider{
		Engine:     "mysql",
		DriverName: "mysql",
		Dialect:    goose.DialectMySQL,
		Dir:        assets.MySQLMigrationDir,
		PrepareURI: func(config storage.MigrationConfig) (string, error) {
			return PrepareDSN(config.URI, config.Username, config.Password)
		},
	}
}
