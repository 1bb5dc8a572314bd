package mirror

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// OpenStore builds a Store from a DSN. Supported schemes:
//
//	sqlite:///path/to/mirror.db  (also a bare filesystem path)
//	memory://                    (private in-memory sqlite, for tests)
//	postgres://user@host/db      (handed to lib/pq unchanged)
func OpenStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.Wrap(ErrInvalidInput, "empty store dsn")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse store dsn")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "", "file", "sqlite", "sqlite3":
		return openSQLite(dsnPath(parsed, dsn))
	case "memory", "mem", "inmem":
		return openSQLite(":memory:")
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		return newStore(db, "postgres"), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", parsed.Scheme)
	}
}

func openSQLite(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.Wrap(ErrInvalidInput, "empty sqlite path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite store")
	}
	// sqlite tolerates one writer; a single pooled connection also keeps
	// :memory: databases alive across statements.
	db.SetMaxOpenConns(1)
	return newStore(db, "sqlite3"), nil
}

func dsnPath(parsed *url.URL, raw string) string {
	if parsed.Scheme == "" {
		return raw
	}
	path := parsed.Path
	if parsed.Host != "" {
		// sqlite://mirror.db puts the relative path in the host part.
		path = parsed.Host + path
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	return path
}
