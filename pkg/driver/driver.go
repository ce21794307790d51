// Package driver defines the per-engine adapter contract used by the
// connection pool, together with a URL scheme registry.
//
// A Driver knows how to open one raw connection (Conn) to its engine and how
// to classify errors that leave such a connection unusable. A Conn hands out
// Cursors that run statements inside the connection's implicit transaction;
// Commit and Rollback end that transaction.
//
// Concrete adapters live in sub-packages:
//
//	pgxdriver   native PostgreSQL through github.com/jackc/pgx/v5
//	sqldriver   database/sql engines (mysql, sqlite3, snowflake)
//	drivertest  scriptable in-memory fake for tests
package driver

import (
	"context"
	"strings"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// IsolationLevel is passed through to the engine when a connection's
// transaction starts. The zero value keeps the driver default.
type IsolationLevel string

const (
	// IsolationDefault keeps whatever the engine uses by default
	IsolationDefault IsolationLevel = ""
	// IsolationReadUncommitted maps to READ UNCOMMITTED
	IsolationReadUncommitted IsolationLevel = "read_uncommitted"
	// IsolationReadCommitted maps to READ COMMITTED
	IsolationReadCommitted IsolationLevel = "read_committed"
	// IsolationRepeatableRead maps to REPEATABLE READ
	IsolationRepeatableRead IsolationLevel = "repeatable_read"
	// IsolationSerializable maps to SERIALIZABLE
	IsolationSerializable IsolationLevel = "serializable"
)

// ParseIsolationLevel accepts the canonical names as well as the SQL
// spelling ("READ COMMITTED", "read-committed").
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)

	switch IsolationLevel(norm) {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted,
		IsolationRepeatableRead, IsolationSerializable:
		return IsolationLevel(norm), nil
	}
	if norm == "default" {
		return IsolationDefault, nil
	}
	return "", poolerrors.Newf(poolerrors.ErrorTypeConfig, "unknown isolation level %q", s)
}

// OpenOptions describes how a single raw connection is opened.
type OpenOptions struct {
	// ReadOnly marks connections that will only ever serve read-only handles.
	ReadOnly bool
	// User overrides the credential's user, e.g. a dedicated read-only role.
	User string
	// Isolation is applied when the connection's transaction begins.
	Isolation IsolationLevel
}

// Driver opens raw connections for one database target.
type Driver interface {
	// Name identifies the adapter in logs and metrics.
	Name() string
	// Open creates a new raw connection.
	Open(ctx context.Context, opts OpenOptions) (Conn, error)
	// IsFatal reports whether err leaves the connection unusable.
	IsFatal(err error) bool
	// SupportsSharing reports whether one Conn may serve cursors from
	// several goroutines at the same time.
	SupportsSharing() bool
}

// Conn is a raw database connection with an implicit transaction.
type Conn interface {
	Cursor(ctx context.Context) (Cursor, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Cursor runs statements on its connection.
type Cursor interface {
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Close() error
}

// Result describes the outcome of Exec.
type Result interface {
	RowsAffected() (int64, error)
}

// Rows iterates over a result set. *sql.Rows satisfies it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Row is a single-row result.
type Row interface {
	Scan(dest ...any) error
}

// ErrCursorClosed is returned by operations on a closed cursor.
var ErrCursorClosed = &poolerrors.Error{Type: poolerrors.ErrorTypeMisuse, Message: "cursor already closed"}

// ErrorRow is a Row that always fails with Err. Adapters return it from
// QueryRow when the statement could not be started.
type ErrorRow struct {
	Err error
}

// Scan implements Row.
func (r ErrorRow) Scan(...any) error {
	return r.Err
}
