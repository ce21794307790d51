package sqldriver

import (
	"errors"
	"net/url"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// SQLiteFlavor returns the flavor for github.com/mattn/go-sqlite3. SQLite
// has no users; read-only opens set PRAGMA query_only instead.
func SQLiteFlavor() Flavor {
	return Flavor{
		Name:       "sqlite3",
		DriverName: "sqlite3",
		ReadOnlyDSN: func(dsn, _ string) (string, error) {
			return withParam(dsn, "_query_only", "1"), nil
		},
		IsFatal: func(err error) bool {
			var se sqlite3.Error
			if !errors.As(err, &se) {
				return false
			}
			switch se.Code {
			case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrCantOpen, sqlite3.ErrIoErr:
				return true
			}
			return false
		},
		Shareable: true,
	}
}

// NewSQLite creates a driver for a database file path or "file:" URI.
func NewSQLite(path string) (*Driver, error) {
	if path == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "sqlite path is required")
	}
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}
	return New(SQLiteFlavor(), dsn)
}

// NewSQLiteFromURL creates a driver from "sqlite3:///relative.db" or
// "sqlite3:////absolute/path.db". Query parameters are passed through.
func NewSQLiteFromURL(rawURL string) (*Driver, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid sqlite url")
	}
	path := u.Host + u.Path
	if u.Host == "" {
		path = strings.TrimPrefix(u.Path, "/")
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return NewSQLite(path)
}

func withParam(dsn, key, value string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + key + "=" + url.QueryEscape(value)
}
