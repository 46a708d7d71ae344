package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/cenkalti/backoff/v4"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/assets"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/storage"
)

// MigrationProvider implements [storage.MigrationProvider] with goose and
// the migrations embedded in assets.
type MigrationProvider struct {
	Engine     string
	DriverName string
	Dialect    goose.Dialect
	Dir        string
	PrepareURI func(storage.MigrationConfig) (string, error)
}

var _ storage.MigrationProvider = (*MigrationProvider)(nil)

// GetSupportedEngine returns the database engine this provider supports.
func (m *MigrationProvider) GetSupportedEngine() string {
	return m.Engine
}

func (m *MigrationProvider) open(ctx context.Context, config storage.MigrationConfig) (*sql.DB, *goose.Provider, error) {
	uri := config.URI
	if m.PrepareURI != nil {
		var err error
		if uri, err = m.PrepareURI(config); err != nil {
			return nil, nil, err
		}
	}

	db, err := goose.OpenDBWithDriver(m.DriverName, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s connection: %w", m.Engine, err)
	}

	// Test connection with backoff
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = config.Timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to initialize %s connection: %w", m.Engine, err)
	}

	migrations, err := fs.Sub(assets.EmbedMigrations, m.Dir)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	provider, err := goose.NewProvider(m.Dialect, db, migrations, goose.WithVerbose(config.Verbose))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	return db, provider, nil
}

// GetCurrentVersion returns the current migration version.
func (m *MigrationProvider) GetCurrentVersion(ctx context.Context, config storage.MigrationConfig) (int64, error) {
	db, provider, err := m.open(ctx, config)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return provider.GetDBVersion(ctx)
}

// RunMigrations migrates up to config.TargetVersion, or to the latest when it is zero.
func (m *MigrationProvider) RunMigrations(ctx context.Context, config storage.MigrationConfig) error {
	log := config.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	db, provider, err := m.open(ctx, config)
	if err != nil {
		return err
	}
	defer db.Close()

	currentVersion, err := provider.GetDBVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get %s db version: %w", m.Engine, err)
	}
	log.Info("current datastore version", zap.String("engine", m.Engine), zap.Int64("version", currentVersion))

	if config.TargetVersion == 0 {
		if _, err := provider.Up(ctx); err != nil {
			return fmt.Errorf("failed to run %s migrations: %w", m.Engine, err)
		}
		log.Info("migration done", zap.String("engine", m.Engine))
		return nil
	}

	target := int64(config.TargetVersion)
	switch {
	case target < currentVersion:
		if _, err := provider.DownTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations down to %v: %w", m.Engine, target, err)
		}
	case target > currentVersion:
		if _, err := provider.UpTo(ctx, target); err != nil {
			return fmt.Errorf("failed to run %s migrations up to %v: %w", m.Engine, target, err)
		}
	default:
		log.Info("nothing to migrate", zap.String("engine", m.Engine))
		return nil
	}

	log.Info("migration done", zap.String("engine", m.Engine), zap.Int64("version", target))
	return nil
}
