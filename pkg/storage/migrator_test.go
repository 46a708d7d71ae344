package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	engine string
	ran    bool
}

func (f *fakeProvider) RunMigrations(context.Context, MigrationConfig) error {
	f.ran = true
	return nil
}

func (f *fakeProvider) GetCurrentVersion(context.Context, MigrationConfig) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeProvider) GetSupportedEngine() string { return f.engine }

func TestMigratorRegistry(t *testing.T) {
	sqlite := &fakeProvider{engine: "sqlite"}
	registry := NewMigratorRegistry(&fakeProvider{engine: "postgres"}, sqlite)

	require.Equal(t, []string{"postgres", "sqlite"}, registry.GetSupportedEngines())
	require.NoError(t, registry.Migrate(context.Background(), MigrationConfig{Engine: "sqlite"}))
	require.True(t, sqlite.ran)

	err := registry.Migrate(context.Background(), MigrationConfig{Engine: "memory"})
	require.ErrorContains(t, err, "no migrations for datastore engine 'memory'")
}
