// Package sqlcommon holds the parts of the SQL datastores that do not depend
// on the engine: configuration, the twin and policy queries, readiness, and
// error translation.
package sqlcommon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfga/twinguard/internal/build"
	"github.com/openfga/twinguard/pkg/logger"
	"github.com/openfga/twinguard/pkg/policy"
	"github.com/openfga/twinguard/pkg/signals"
	"github.com/openfga/twinguard/pkg/storage"
)

var tracer = otel.Tracer("twinguard/pkg/storage/sqlcommon")

// Config defines the configuration parameters
// for setting up and managing a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type
// used for configuring a Config object.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(config *Config) {
		config.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(config *Config) {
		config.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that
// enables the export of metrics in the Config.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values
// and applies any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	return cfg
}

// ApplyPoolSettings configures the connection pool of db from cfg.
func ApplyPoolSettings(db *sql.DB, cfg *Config) {
	if cfg.MaxOpenConns != 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

type errorHandlerFn func(error, ...interface{}) error

// DBInfo encapsulates DB information for use in common method.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	HandleSQLError errorHandlerFn
	now            func() time.Time
}

// NewDBInfo constructs a [DBInfo] object.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		HandleSQLError: errorHandler,
		now:            time.Now,
	}
}

func startTrace(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sql."+name, trace.WithAttributes(attrs...))
}

// ReadTwin see [storage.TwinReader].Read.
func ReadTwin(ctx context.Context, dbInfo *DBInfo, entityID string) (*storage.TwinState, error) {
	ctx, span := startTrace(ctx, "ReadTwin", attribute.String("entity_id", entityID))
	defer span.End()

	twin, err := readTwin(ctx, dbInfo.stbl, dbInfo.HandleSQLError, entityID)
	if err != nil {
		return nil, err
	}
	if twin.Deleted {
		return nil, storage.ErrNotFound
	}
	return twin, nil
}

func readTwin(ctx context.Context, stbl sq.StatementBuilderType, handle errorHandlerFn, entityID string) (*storage.TwinState, error) {
	var (
		twin      storage.TwinState
		document  []byte
		updatedAt int64
	)
	err := stbl.
		Select("entity_id", "revision", "document", "deleted", "updated_at").
		From("twin").
		Where(sq.Eq{"entity_id": entityID}).
		QueryRowContext(ctx).
		Scan(&twin.EntityID, &twin.Revision, &document, &twin.Deleted, &updatedAt)
	if err != nil {
		return nil, handle(err)
	}
	twin.Payload = json.RawMessage(document)
	twin.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &twin, nil
}

// ApplyTwin see [storage.TwinStore].Apply. The update is conditional on the
// revision that was read, so a concurrent writer surfaces as ErrCollision.
func ApplyTwin(ctx context.Context, dbInfo *DBInfo, cmd signals.Command) (*storage.TwinState, error) {
	ctx, span := startTrace(ctx, "ApplyTwin",
		attribute.String("entity_id", cmd.EntityID),
		attribute.String("kind", string(cmd.Kind)),
	)
	defer span.End()

	if cmd.Kind.IsQuery() {
		return ReadTwin(ctx, dbInfo, cmd.EntityID)
	}

	tx, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	stbl := dbInfo.stbl.RunWith(tx)

	current, err := readTwin(ctx, stbl, dbInfo.HandleSQLError, cmd.EntityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	next, err := storage.ApplyCommand(current, cmd, dbInfo.now())
	if err != nil {
		return nil, err
	}

	if current == nil {
		_, err = stbl.
			Insert("twin").
			Columns("entity_id", "revision", "document", "deleted", "updated_at").
			Values(next.EntityID, next.Revision, string(next.Payload), next.Deleted, next.UpdatedAt.UnixMilli()).
			ExecContext(ctx)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
	} else {
		res, err := stbl.
			Update("twin").
			Set("revision", next.Revision).
			Set("document", string(next.Payload)).
			Set("deleted", next.Deleted).
			Set("updated_at", next.UpdatedAt.UnixMilli()).
			Where(sq.Eq{"entity_id": next.EntityID, "revision": current.Revision}).
			ExecContext(ctx)
		if err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, storage.ErrCollision
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	return next, nil
}

// GetPolicy see [storage.PolicyLookup].Get.
func GetPolicy(ctx context.Context, dbInfo *DBInfo, entityID string) (*policy.Policy, error) {
	ctx, span := startTrace(ctx, "GetPolicy", attribute.String("entity_id", entityID))
	defer span.End()

	var document []byte
	err := dbInfo.stbl.
		Select("document").
		From("policy").
		Where(sq.Eq{"entity_id": entityID}).
		QueryRowContext(ctx).
		Scan(&document)
	if err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}

	p, err := policy.Parse(document)
	if err != nil {
		return nil, fmt.Errorf("stored policy of '%s': %w", entityID, err)
	}
	return p, nil
}

// WritePolicy see [storage.PolicyWriter].WritePolicy.
func WritePolicy(ctx context.Context, dbInfo *DBInfo, entityID string, p *policy.Policy) error {
	ctx, span := startTrace(ctx, "WritePolicy", attribute.String("entity_id", entityID))
	defer span.End()

	if err := p.Validate(); err != nil {
		return err
	}
	document, err := json.Marshal(p)
	if err != nil {
		return err
	}

	tx, err := dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	stbl := dbInfo.stbl.RunWith(tx)

	_, err = stbl.Delete("policy").Where(sq.Eq{"entity_id": entityID}).ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	_, err = stbl.
		Insert("policy").
		Columns("entity_id", "policy_id", "revision", "document", "updated_at").
		Values(entityID, p.ID, p.Revision, string(document), dbInfo.now().UnixMilli()).
		ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return dbInfo.HandleSQLError(err)
	}
	return nil
}

// DeletePolicy see [storage.PolicyWriter].DeletePolicy.
func DeletePolicy(ctx context.Context, dbInfo *DBInfo, entityID string) error {
	ctx, span := startTrace(ctx, "DeletePolicy", attribute.String("entity_id", entityID))
	defer span.End()

	res, err := dbInfo.stbl.Delete("policy").Where(sq.Eq{"entity_id": entityID}).ExecContext(ctx)
	if err != nil {
		return dbInfo.HandleSQLError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IsReady returns true if the connection to the datastore is successful
// and the datastore has the latest migration applied.
func IsReady(ctx context.Context, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have better error message
	// if error is due to connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run '" + build.ProjectName + " migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}
