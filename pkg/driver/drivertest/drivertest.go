// Package drivertest provides a scriptable in-memory driver for tests.
//
// Every raw connection gets a sequential ID so tests can assert connection
// identity (LIFO reuse, sharing). Failures are injected per connection or
// for the next N opens:
//
//	drv := drivertest.New()
//	h, _ := p.AcquireReadWrite(ctx)
//	drv.Conn(1).FailRollback(drivertest.ErrBroken)
//	h.Release() // connection 1 is ditched as hosed
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
)

// ErrBroken is the error the fake classifies as fatal to a connection.
var ErrBroken = errors.New("drivertest: connection broken")

// Driver is a fake driver.Driver.
type Driver struct {
	name    string
	sharing bool

	mu      sync.Mutex
	conns     []*Conn
	openErr   error
	openDelay time.Duration
	nextID    int

	opened atomic.Int64
	closed atomic.Int64
}

// Option configures a fake Driver.
type Option func(*Driver)

// WithName sets the driver name.
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

// WithoutSharing makes SupportsSharing report false.
func WithoutSharing() Option {
	return func(d *Driver) { d.sharing = false }
}

// New creates a fake driver that supports sharing by default.
func New(opts ...Option) *Driver {
	d := &Driver{name: "drivertest", sharing: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return d.name }

// SupportsSharing implements driver.Driver.
func (d *Driver) SupportsSharing() bool { return d.sharing }

// IsFatal implements driver.Driver. Only ErrBroken is fatal.
func (d *Driver) IsFatal(err error) bool { return errors.Is(err, ErrBroken) }

// Open implements driver.Driver.
func (d *Driver) Open(ctx context.Context, opts driver.OpenOptions) (driver.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	delay := d.openDelay
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}

	d.nextID++
	c := &Conn{
		ID:        d.nextID,
		ReadOnly:  opts.ReadOnly,
		User:      opts.User,
		Isolation: opts.Isolation,
		drv:       d,
	}
	d.conns = append(d.conns, c)
	d.opened.Add(1)
	return c, nil
}

// FailOpen makes every following Open fail with err until cleared with nil.
func (d *Driver) FailOpen(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
}

// SlowOpen makes every following Open take delay, or fail early with the
// context's error.
func (d *Driver) SlowOpen(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openDelay = delay
}

// Conn returns the connection with the given ID, or nil.
func (d *Driver) Conn(id int) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Conns returns every connection opened so far.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Opened returns the number of connections opened.
func (d *Driver) Opened() int { return int(d.opened.Load()) }

// Closed returns the number of connections closed.
func (d *Driver) Closed() int { return int(d.closed.Load()) }

// OpenCount returns connections opened and not yet closed.
func (d *Driver) OpenCount() int { return d.Opened() - d.Closed() }

// Conn is a fake raw connection.
type Conn struct {
	ID        int
	ReadOnly  bool
	User      string
	Isolation driver.IsolationLevel

	drv *Driver

	mu          sync.Mutex
	closed      bool
	commits     int
	rollbacks   int
	cursors     int
	statements  []string
	rollbackErr error
	commitErr   error
	execErr     error
}

// ConnID extracts the fake ID from a driver.Conn, or -1.
func ConnID(c driver.Conn) int {
	if fc, ok := c.(*Conn); ok {
		return fc.ID
	}
	return -1
}

// FailRollback makes Rollback return err until cleared with nil.
func (c *Conn) FailRollback(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackErr = err
}

// FailCommit makes Commit return err until cleared with nil.
func (c *Conn) FailCommit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = err
}

// FailExec makes cursor statements return err until cleared with nil.
func (c *Conn) FailExec(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execErr = err
}

// IsClosed reports whether Close was called.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Commits returns the number of successful commits.
func (c *Conn) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Rollbacks returns the number of rollback attempts.
func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// CursorCount returns the number of cursors created.
func (c *Conn) CursorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors
}

// Statements returns every statement executed on the connection.
func (c *Conn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.statements))
	copy(out, c.statements)
	return out
}

// Cursor implements driver.Conn.
func (c *Conn) Cursor(ctx context.Context) (driver.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrBroken
	}
	c.cursors++
	return &Cursor{conn: c}, nil
}

// Commit implements driver.Conn.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBroken
	}
	if c.commitErr != nil {
		return c.commitErr
	}
	c.commits++
	return nil
}

// Rollback implements driver.Conn.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	if c.closed {
		return ErrBroken
	}
	return c.rollbackErr
}

// Close implements driver.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("drivertest: connection %d closed twice", c.ID)
	}
	c.closed = true
	c.drv.closed.Add(1)
	return nil
}

func (c *Conn) record(query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrBroken
	}
	if c.execErr != nil {
		return c.execErr
	}
	c.statements = append(c.statements, query)
	return nil
}

// Cursor is a fake cursor that records statements.
type Cursor struct {
	conn   *Conn
	closed atomic.Bool
}

// Conn returns the connection the cursor belongs to.
func (cur *Cursor) Conn() *Conn { return cur.conn }

// Exec implements driver.Cursor.
func (cur *Cursor) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	if cur.closed.Load() {
		return nil, driver.ErrCursorClosed
	}
	if err := cur.conn.record(query); err != nil {
		return nil, err
	}
	return result(1), nil
}

// Query implements driver.Cursor. It yields a single row holding the
// connection ID.
func (cur *Cursor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	if cur.closed.Load() {
		return nil, driver.ErrCursorClosed
	}
	if err := cur.conn.record(query); err != nil {
		return nil, err
	}
	return &rows{values: []int{cur.conn.ID}}, nil
}

// QueryRow implements driver.Cursor.
func (cur *Cursor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	rs, err := cur.Query(ctx, query, args...)
	if err != nil {
		return driver.ErrorRow{Err: err}
	}
	return &row{rows: rs}
}

// Close implements driver.Cursor.
func (cur *Cursor) Close() error {
	cur.closed.Store(true)
	return nil
}

type result int64

func (r result) RowsAffected() (int64, error) { return int64(r), nil }

type rows struct {
	values []int
	pos    int
}

func (r *rows) Next() bool {
	if r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if r.pos == 0 || len(dest) != 1 {
		return errors.New("drivertest: bad scan")
	}
	p, ok := dest[0].(*int)
	if !ok {
		return fmt.Errorf("drivertest: cannot scan into %T", dest[0])
	}
	*p = r.values[r.pos-1]
	return nil
}

func (r *rows) Columns() ([]string, error) { return []string{"conn_id"}, nil }
func (r *rows) Err() error                 { return nil }
func (r *rows) Close() error               { return nil }

type row struct {
	rows driver.Rows
}

func (r *row) Scan(dest ...any) error {
	defer r.rows.Close()
	if !r.rows.Next() {
		return errors.New("drivertest: no rows")
	}
	return r.rows.Scan(dest...)
}
