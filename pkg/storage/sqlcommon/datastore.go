package sqlcommon

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

// Datastore implements [storage.Datastore] on top of a *sql.DB. Engines
// embed it and supply the driver, placeholder format and error handler.
type Datastore struct {
	db               *sql.DB
	dbInfo           *DBInfo
	logger           logger.Logger
	dbStatsCollector prometheus.Collector
}

var _ storage.Datastore = (*Datastore)(nil)

// NewDatastore waits for db to answer pings and registers pool metrics when enabled.
func NewDatastore(db *sql.DB, dbInfo *DBInfo, cfg *Config) (*Datastore, error) {
	ApplyPoolSettings(db, cfg)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &Datastore{
		db:               db,
		dbInfo:           dbInfo,
		logger:           cfg.Logger,
		dbStatsCollector: collector,
	}, nil
}

// DB exposes the connection pool, mostly for tests.
func (s *Datastore) DB() *sql.DB {
	return s.db
}

// Get see [storage.PolicyLookup].Get.
func (s *Datastore) Get(ctx context.Context, entityID string) (*policy.Policy, error) {
	return GetPolicy(ctx, s.dbInfo, entityID)
}

// WritePolicy see [storage.PolicyWriter].WritePolicy.
func (s *Datastore) WritePolicy(ctx context.Context, entityID string, p *policy.Policy) error {
	return WritePolicy(ctx, s.dbInfo, entityID, p)
}

// DeletePolicy see [storage.PolicyWriter].DeletePolicy.
func (s *Datastore) DeletePolicy(ctx context.Context, entityID string) error {
	return DeletePolicy(ctx, s.dbInfo, entityID)
}

// Read see [storage.TwinReader].Read.
func (s *Datastore) Read(ctx context.Context, entityID string) (*storage.TwinState, error) {
	return ReadTwin(ctx, s.dbInfo, entityID)
}

// Apply see [storage.TwinStore].Apply.
func (s *Datastore) Apply(ctx context.Context, cmd signals.Command) (*storage.TwinState, error) {
	return ApplyTwin(ctx, s.dbInfo, cmd)
}

// IsReady see [storage.Datastore].IsReady.
func (s *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return IsReady(ctx, s.db)
}

// Close see [storage.Datastore].Close.
func (s *Datastore) Close() {
	if s.dbStatsCollector != nil {
		prometheus.Unregister(s.dbStatsCollector)
	}
	s.db.Close()
}
