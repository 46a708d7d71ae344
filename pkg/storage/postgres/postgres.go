// Package postgres contains the Postgres datastore, reached through the pgx stdlib driver.
package postgres

import (
	"database/sql"
	"fmt"
	"net/url"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/openfga/twinguard/pkg/storage"
	"github.com/openfga/twinguard/pkg/storage/sqlcommon"
)

// Datastore provides a PostgreSQL based implementation of [storage.Datastore].
type Datastore struct {
	*sqlcommon.Datastore
}

var _ storage.Datastore = (*Datastore)(nil)

// PrepareURI replaces the user info of uri with username and password when they are set.
func PrepareURI(uri, username, password string) (string, error) {
	dbURI, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid postgres database uri: %v", err)
	}
	if username == "" && password == "" {
		return dbURI.String(), nil
	}

	if username == "" && dbURI.User != nil {
		username = dbURI.User.Username()
	}
	if password == "" && dbURI.User != nil {
		password, _ = dbURI.User.Password()
	}

	if password == "" {
		dbURI.User = url.User(username)
	} else {
		dbURI.User = url.UserPassword(username, password)
	}
	return dbURI.String(), nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareURI(uri, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, sqlcommon.HandleSQLError, "postgres")

	base, err := sqlcommon.NewDatastore(db, dbInfo, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Datastore{Datastore: base}, nil
}
