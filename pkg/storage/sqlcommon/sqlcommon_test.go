package sqlcommon

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/openfga/twinguard/pkg/storage"
)

func TestHandleSQLError(t *testing.T) {
	t.Run("sql.ErrNoRows_is_converted_to_storage.ErrNotFound_error", func(t *testing.T) {
		require.ErrorIs(t, HandleSQLError(sql.ErrNoRows), storage.ErrNotFound)
	})

	t.Run("duplicate_entry_value_error_returns_collision", func(t *testing.T) {
		duplicateKeyError := &mysql.MySQLError{
			Number:  1062,
			Message: "Duplicate entry '' for key ''",
		}
		require.ErrorIs(t, HandleSQLError(duplicateKeyError), storage.ErrCollision)
	})

	t.Run("unique_violation_returns_collision", func(t *testing.T) {
		require.ErrorIs(t, HandleSQLError(&pgconn.PgError{Code: "23505"}), storage.ErrCollision)
	})

	t.Run("duplicate_key_value_error_returns_collision", func(t *testing.T) {
		require.ErrorIs(t, HandleSQLError(errors.New("duplicate key value")), storage.ErrCollision)
	})

	t.Run("bad_connection_is_unavailable", func(t *testing.T) {
		err := HandleSQLError(driver.ErrBadConn)
		require.ErrorIs(t, err, storage.ErrUnavailable)
		require.ErrorIs(t, err, driver.ErrBadConn)
	})

	t.Run("cancellation_is_kept", func(t *testing.T) {
		require.ErrorIs(t, HandleSQLError(context.Canceled), context.Canceled)
	})

	t.Run("other_errors_are_wrapped", func(t *testing.T) {
		cause := errors.New("syntax error")
		err := HandleSQLError(cause)
		require.ErrorIs(t, err, cause)
		require.NotErrorIs(t, err, storage.ErrUnavailable)
	})

	t.Run("nil", func(t *testing.T) {
		require.NoError(t, HandleSQLError(nil))
	})
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig(WithUsername("u"), WithPassword("p"), WithMaxOpenConns(4), WithMetrics())
	require.Equal(t, "u", cfg.Username)
	require.Equal(t, "p", cfg.Password)
	require.Equal(t, 4, cfg.MaxOpenConns)
	require.True(t, cfg.ExportMetrics)
	require.NotNil(t, cfg.Logger)
}
