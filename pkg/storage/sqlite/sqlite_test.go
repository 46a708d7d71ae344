package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

func newMigratedDatastore(t *testing.T) *Datastore {
	t.Helper()
	uri := filepath.Join(t.TempDir(), "twinguard.sqlite")

	err := NewSQLiteMigrationProvider().RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	return ds
}

func TestPrepareDSN(t *testing.T) {
	dsn, err := PrepareDSN("file.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "_pragma=journal_mode%28WAL%29")
	require.Contains(t, dsn, "_pragma=busy_timeout%28100%29")
	require.Contains(t, dsn, "_txlock=immediate")

	dsn, err = PrepareDSN("file.db?_pragma=busy_timeout(5000)&_txlock=deferred")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(dsn, "busy_timeout"))
	require.Contains(t, dsn, "_txlock=deferred")
}

func TestSQLiteDatastoreTwins(t *testing.T) {
	ctx := context.Background()
	ds := newMigratedDatastore(t)

	status, err := ds.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, status.IsReady, status.Message)

	_, err = ds.Read(ctx, "org.acme:lamp")
	require.ErrorIs(t, err, storage.ErrNotFound)

	created, err := ds.Apply(ctx, signals.Command{
		EntityID: "org.acme:lamp", Kind: signals.KindModify, ResourcePath: "thing:/",
		Payload: json.RawMessage(`{"thingId":"org.acme:lamp","attributes":{"location":"kitchen"}}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Revision)

	modified, err := ds.Apply(ctx, signals.Command{
		EntityID: "org.acme:lamp", Kind: signals.KindModify, ResourcePath: "thing:/attributes/on",
		Payload: json.RawMessage(`true`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, modified.Revision)

	read, err := ds.Read(ctx, "org.acme:lamp")
	require.NoError(t, err)
	require.EqualValues(t, 2, read.Revision)
	require.JSONEq(t, `{"thingId":"org.acme:lamp","attributes":{"location":"kitchen","on":true}}`, string(read.Payload))

	_, err = ds.Apply(ctx, signals.Command{EntityID: "org.acme:lamp", Kind: signals.KindDelete, ResourcePath: "thing:/"})
	require.NoError(t, err)
	_, err = ds.Read(ctx, "org.acme:lamp")
	require.ErrorIs(t, err, storage.ErrNotFound)

	recreated, err := ds.Apply(ctx, signals.Command{
		EntityID: "org.acme:lamp", Kind: signals.KindModify, ResourcePath: "thing:/", Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, recreated.Revision)
}

func TestSQLiteDatastorePolicies(t *testing.T) {
	ctx := context.Background()
	ds := newMigratedDatastore(t)

	p, err := policy.New("org.acme:lamp-policy", 3, map[string][]policy.Grant{
		"thing:/": {{Subject: "google:alice", Permission: policy.PermissionRead, Effect: policy.EffectGrant}},
	})
	require.NoError(t, err)

	_, err = ds.Get(ctx, "org.acme:lamp")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, ds.WritePolicy(ctx, "org.acme:lamp", p))
	require.NoError(t, ds.WritePolicy(ctx, "org.acme:lamp", p))

	got, err := ds.Get(ctx, "org.acme:lamp")
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.EqualValues(t, 3, got.Revision)
	alice := signals.NewAuthorizationContext("jwt", "google:alice")
	require.True(t, policy.Authorize(got, alice, signals.MustParseResourcePath("thing:/attributes"), policy.PermissionRead).Allowed)

	require.NoError(t, ds.DeletePolicy(ctx, "org.acme:lamp"))
	require.ErrorIs(t, ds.DeletePolicy(ctx, "org.acme:lamp"), storage.ErrNotFound)
}

func TestSQLiteDatastoreNotReadyWithoutMigrations(t *testing.T) {
	ds, err := New(filepath.Join(t.TempDir(), "empty.sqlite"), sqlcommon.NewConfig())
	require.NoError(t, err)
	defer ds.Close()

	status, err := ds.IsReady(context.Background())
	if err == nil {
		require.False(t, status.IsReady)
		require.Contains(t, status.Message, "migrate")
	}
}

func TestSQLiteDatastoreAfterCloseIsNotReady(t *testing.T) {
	ds, err := New(filepath.Join(t.TempDir(), "closed.sqlite"), sqlcommon.NewConfig())
	require.NoError(t, err)
	ds.Close()

	status, err := ds.IsReady(context.Background())
	require.Error(t, err)
	require.False(t, status.IsReady)
}

func TestSQLiteMigrationProvider(t *testing.T) {
	provider := NewSQLiteMigrationProvider()
	require.Equal(t, "sqlite", provider.GetSupportedEngine())
	require.Implements(t, (*storage.MigrationProvider)(nil), provider)

	uri := filepath.Join(t.TempDir(), "versions.sqlite")
	config := storage.MigrationConfig{Engine: "sqlite", URI: uri, Timeout: 5 * time.Second}
	require.NoError(t, provider.RunMigrations(context.Background(), config))

	version, err := provider.GetCurrentVersion(context.Background(), config)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	err = provider.RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     "/invalid/path/that/does/not/exist/db.sqlite",
		Timeout: time.Second,
	})
	require.Error(t, err)
}
