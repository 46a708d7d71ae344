// Package mysql contains the MySQL datastore.
package mysql

import (
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"

	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

// Datastore provides a MySQL based implementation of [storage.Datastore].
type Datastore struct {
	*sqlcommon.Datastore
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareDSN overrides the user and password of a MySQL DSN when they are set.
func PrepareDSN(uri, username, password string) (string, error) {
	dsn, err := mysql.ParseDSN(uri)
	if err != nil {
		return "", fmt.Errorf("invalid mysql database uri: %v", err)
	}

	if username != "" {
		dsn.User = username
	}
	if password != "" {
		dsn.Passwd = password
	}
	dsn.ParseTime = true

	return dsn.FormatDSN(), nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	dsn, err := PrepareDSN(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, sqlcommon.HandleSQLError, "mysql")

	base, err := sqlcommon.NewDatastore(db, dbInfo, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Datastore{Datastore: base}, nil
}
