package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/openfga/twinguard/pkg/logger"
)

// MigrationProvider runs schema migrations for one engine.
type MigrationProvider interface {
	// RunMigrations executes database migrations with the provided configuration.
	RunMigrations(ctx context.Context, config MigrationConfig) error

	// GetCurrentVersion returns the current migration version of the database.
	GetCurrentVersion(ctx context.Context, config MigrationConfig) (int64, error)

	// GetSupportedEngine returns the database engine this provider supports.
	GetSupportedEngine() string
}

// MigrationConfig contains the configuration needed for running migrations.
type MigrationConfig struct {
	Engine        string
	URI           string
	TargetVersion uint
	Timeout       time.Duration
	Verbose       bool
	Username      string
	Password      string
	Logger        logger.Logger
}

// MigratorRegistry maps engine names to migration providers.
type MigratorRegistry struct {
	providers map[string]MigrationProvider
}

func NewMigratorRegistry(providers ...MigrationProvider) *MigratorRegistry {
	r := &MigratorRegistry{
		providers: make(map[string]MigrationProvider, len(providers)),
	}
	for _, p := range providers {
		r.RegisterProvider(p.GetSupportedEngine(), p)
	}
	return r
}

func (r *MigratorRegistry) RegisterProvider(engine string, provider MigrationProvider) {
	r.providers[engine] = provider
}

func (r *MigratorRegistry) GetProvider(engine string) (MigrationProvider, bool) {
	provider, exists := r.providers[engine]
	return provider, exists
}

// GetSupportedEngines returns the registered engines in sorted order.
func (r *MigratorRegistry) GetSupportedEngines() []string {
	engines := make([]string, 0, len(r.providers))
	for engine := range r.providers {
		engines = append(engines, engine)
	}
	sort.Strings(engines)
	return engines
}

// Migrate runs the migrations of the configured engine.
func (r *MigratorRegistry) Migrate(ctx context.Context, config MigrationConfig) error {
	provider, ok := r.GetProvider(config.Engine)
	if !ok {
		return fmt.Errorf("no migrations for datastore engine '%s', expected one of %v", config.Engine, r.GetSupportedEngines())
	}
	return provider.RunMigrations(ctx, config)
}
