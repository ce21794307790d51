// Package pgxdriver adapts github.com/jackc/pgx/v5 to the pool's driver
// contract. Each raw connection is a *pgx.Conn. A pgx.Conn is not safe for
// concurrent use, so the driver refuses read-only sharing.
package pgxdriver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

func init() {
	factory := func(rawURL string) (driver.Driver, error) {
		d, err := New(rawURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	driver.Register("postgres", factory)
	driver.Register("postgresql", factory)
}

// Driver opens pgx connections from a parsed connection config.
type Driver struct {
	config *pgx.ConnConfig
	logger *zap.Logger
}

// New parses a PostgreSQL URL or keyword/value connection string.
func New(connString string) (*Driver, error) {
	if connString == "" {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "connection string is required")
	}
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to parse PostgreSQL connection string").
			WithDetail("connection_string", driver.Redact(connString))
	}
	return NewWithConfig(cfg), nil
}

// NewWithConfig creates a driver from an already parsed config.
func NewWithConfig(cfg *pgx.ConnConfig) *Driver {
	return &Driver{
		config: cfg,
		logger: logger.With(zap.String("component", "pgxdriver")),
	}
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return "pgx" }

// SupportsSharing implements driver.Driver.
func (d *Driver) SupportsSharing() bool { return false }

// Config returns a copy of the connection config for the given user.
func (d *Driver) Config(user string) *pgx.ConnConfig {
	cfg := d.config.Copy()
	if user != "" {
		cfg.User = user
	}
	return cfg
}

// IsFatal implements driver.Driver. Connection exceptions (SQLSTATE class
// 08), administrator shutdowns and broken sockets are fatal.
func (d *Driver) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03": // admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "conn closed")
}

// Open implements driver.Driver.
func (d *Driver) Open(ctx context.Context, opts driver.OpenOptions) (driver.Conn, error) {
	cfg := d.Config(opts.User)
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConnection, "failed to connect to PostgreSQL").
			WithDetail("host", cfg.Host).
			WithDetail("database", cfg.Database).
			WithDetail("user", cfg.User)
	}

	d.logger.Debug("opened connection",
		zap.String("host", cfg.Host),
		zap.Bool("read_only", opts.ReadOnly))

	txOpts := pgx.TxOptions{IsoLevel: isoLevel(opts.Isolation)}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	return &Conn{conn: conn, txOpts: txOpts}, nil
}

func isoLevel(lvl driver.IsolationLevel) pgx.TxIsoLevel {
	switch lvl {
	case driver.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case driver.IsolationReadCommitted:
		return pgx.ReadCommitted
	case driver.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case driver.IsolationSerializable:
		return pgx.Serializable
	default:
		return ""
	}
}

// Conn wraps a *pgx.Conn with an implicit transaction.
type Conn struct {
	conn   *pgx.Conn
	txOpts pgx.TxOptions

	mu sync.Mutex // guards tx
	tx pgx.Tx
}

type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (c *Conn) executor(ctx context.Context) (executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		tx, err := c.conn.BeginTx(ctx, c.txOpts)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	return c.tx, nil
}

// Cursor implements driver.Conn.
func (c *Conn) Cursor(ctx context.Context) (driver.Cursor, error) {
	if c.conn.IsClosed() {
		return nil, net.ErrClosed
	}
	return &Cursor{conn: c}, nil
}

// Commit implements driver.Conn.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return nil
	}
	return tx.Commit(ctx)
}

// Rollback implements driver.Conn. Without an open transaction it pings.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	c.mu.Unlock()

	if tx == nil {
		return c.conn.Ping(ctx)
	}
	return tx.Rollback(ctx)
}

// Close implements driver.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(context.Background())
}

// Cursor runs statements in the connection's current transaction.
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
	tag, err := ex.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return commandTag(tag), nil
}

// Query implements driver.Cursor.
func (cur *Cursor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	ex, err := cur.executor(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ex.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

// QueryRow implements driver.Cursor.
func (cur *Cursor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	ex, err := cur.executor(ctx)
	if err != nil {
		return driver.ErrorRow{Err: err}
	}
	return ex.QueryRow(ctx, query, args...)
}

// Close implements driver.Cursor.
func (cur *Cursor) Close() error {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	cur.closed = true
	return nil
}

type commandTag pgconn.CommandTag

func (t commandTag) RowsAffected() (int64, error) {
	return pgconn.CommandTag(t).RowsAffected(), nil
}

// Rows adapts pgx.Rows to driver.Rows.
type Rows struct {
	rows pgx.Rows
}

// Next implements driver.Rows.
func (r *Rows) Next() bool { return r.rows.Next() }

// Scan implements driver.Rows.
func (r *Rows) Scan(dest ...any) error { return r.rows.Scan(dest...) }

// Err implements driver.Rows.
func (r *Rows) Err() error { return r.rows.Err() }

// Close implements driver.Rows.
func (r *Rows) Close() error {
	r.rows.Close()
	return r.rows.Err()
}

// Columns implements driver.Rows.
func (r *Rows) Columns() ([]string, error) {
	fields := r.rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}
	return cols, nil
}
