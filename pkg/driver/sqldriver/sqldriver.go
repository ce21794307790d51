// Package sqldriver adapts database/sql engines to the pool's driver
// contract.
//
// Each raw connection is a dedicated *sql.DB capped at one physical
// connection, pinned through a *sql.Conn, so closing it really closes the
// socket instead of handing it back to database/sql's own pool.
//
// Read-write connections open a transaction lazily on the first statement
// and end it with Commit or Rollback. Read-only connections run in
// autocommit. Whether one of them may be shared between goroutines is up to
// the flavor: sql.Conn serializes calls but not open result sets.
package sqldriver

import (
	"context"
	"database/sql"
	sqldrv "database/sql/driver"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// Flavor captures what differs between database/sql engines.
type Flavor struct {
	// Name is the adapter name used in logs and metrics.
	Name string
	// DriverName is the name passed to sql.Open.
	DriverName string
	// ReadOnlyDSN rewrites a DSN for read-only opens. user may be empty.
	ReadOnlyDSN func(dsn, user string) (string, error)
	// UserDSN rewrites a DSN for a different user on read-write opens.
	UserDSN func(dsn, user string) (string, error)
	// IsFatal adds engine-specific fatal error classification.
	IsFatal func(err error) bool
	// Shareable reports whether one connection can serve concurrent
	// read-only cursors. Engines that keep a single result buffer per
	// connection must leave it false.
	Shareable bool
}

// Driver is a driver.Driver backed by database/sql.
type Driver struct {
	flavor Flavor
	dsn    string
	logger *zap.Logger
}

// New creates a Driver for the given flavor and DSN.
func New(flavor Flavor, dsn string) (*Driver, error) {
	if flavor.DriverName == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "sql driver name is required")
	}
	if dsn == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "connection string is required").
			WithDetail("driver", flavor.DriverName)
	}
	if flavor.Name == "" {
		flavor.Name = flavor.DriverName
	}
	return &Driver{
		flavor: flavor,
		dsn:    dsn,
		logger: logger.With(zap.String("component", "sqldriver"), zap.String("driver", flavor.Name)),
	}, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return d.flavor.Name }

// DSN returns the connection string the driver opens.
func (d *Driver) DSN() string { return d.dsn }

// SupportsSharing implements driver.Driver.
func (d *Driver) SupportsSharing() bool { return d.flavor.Shareable }

// IsFatal implements driver.Driver.
func (d *Driver) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqldrv.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if d.flavor.IsFatal != nil {
		return d.flavor.IsFatal(err)
	}
	return false
}

// Open implements driver.Driver.
func (d *Driver) Open(ctx context.Context, opts driver.OpenOptions) (driver.Conn, error) {
	dsn := d.dsn
	var err error
	switch {
	case opts.ReadOnly && d.flavor.ReadOnlyDSN != nil:
		dsn, err = d.flavor.ReadOnlyDSN(dsn, opts.User)
	case opts.User != "" && d.flavor.UserDSN != nil:
		dsn, err = d.flavor.UserDSN(dsn, opts.User)
	}
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to derive connection string").
			WithDetail("driver", d.flavor.Name)
	}

	db, err := sql.Open(d.flavor.DriverName, dsn)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to open database connection").
			WithDetail("driver", d.flavor.Name)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close() // Ignore close error when connection already failed
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to establish connection").
			WithDetail("driver", d.flavor.Name).
			WithDetail("dsn", driver.Redact(dsn))
	}

	d.logger.Debug("opened connection",
		zap.Bool("read_only", opts.ReadOnly),
		zap.String("isolation", string(opts.Isolation)))

	return &Conn{
		db:       db,
		conn:     conn,
		readOnly: opts.ReadOnly,
		txOpts:   &sql.TxOptions{Isolation: isolation(opts.Isolation)},
	}, nil
}

func isolation(lvl driver.IsolationLevel) sql.IsolationLevel {
	switch lvl {
	case driver.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case driver.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case driver.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case driver.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// Conn is one pinned database/sql connection.
type Conn struct {
	db       *sql.DB
	conn     *sql.Conn
	readOnly bool
	txOpts   *sql.TxOptions

	mu sync.Mutex // guards tx
	tx *sql.Tx
}

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// executor returns the open transaction, beginning one for read-write
// connections, or the bare connection for read-only ones.
func (c *Conn) executor(ctx context.Context) (executor, error) {
	if c.readOnly {
		return c.conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		// database/sql rolls a transaction back when its BeginTx context is
		// done, so the transaction must outlive the first statement's context.
		tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), c.txOpts)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

// Cursor implements driver.Conn.
func (c *Conn) Cursor(ctx context.Context) (driver.Cursor, error) {
	return &Cursor{conn: c}, nil
}

// Commit implements driver.Conn. Without an open transaction it is a no-op.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return nil
	}
	return tx.Commit()
}

// Rollback implements driver.Conn. Without an open transaction it pings the
// connection so a dead socket still surfaces as an error.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return c.conn.PingContext(ctx)
	}
	return tx.Rollback()
}

// Close implements driver.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback()
	}
	connErr := c.conn.Close()
	dbErr := c.db.Close()
	if connErr != nil && !errors.Is(connErr, sql.ErrConnDone) {
		return connErr
	}
	return dbErr
}

// Cursor runs statements in its connection's current transaction.
type Cursor struct {
	conn   *Conn
	mu     sync.Mutex
	closed bool
}

func (cur *Cursor) executor(ctx context.Context) (executor, error) {
	cur.mu.Lock()
	closed := cur.closed
	cur.mu.Unlock()
	if closed {
		return nil, driver.ErrCursorClosed
	}
	return cur.conn.executor(ctx)
}

// Exec implements driver.Cursor.
func (cur *Cursor) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	ex, err := cur.executor(ctx)
	if err != nil {
		return nil, err
	}
	return ex.ExecContext(ctx, query, args...)
}

// Query implements driver.Cursor.
func (cur *Cursor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	ex, err := cur.executor(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRow implements driver.Cursor.
func (cur *Cursor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	ex, err := cur.executor(ctx)
	if err != nil {
		return driver.ErrorRow{Err: err}
	}
	return ex.QueryRowContext(ctx, query, args...)
}

// Close implements driver.Cursor.
func (cur *Cursor) Close() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.closed = true
	return nil
}
