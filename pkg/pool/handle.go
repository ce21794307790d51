package pool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/metrics"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// Handle is a connection checked out of a Pool. It must be released
// exactly once; every operation after Release fails with
// poolerrors.ErrReleased. Read-only handles fail Commit with
// poolerrors.ErrReadOnly.
type Handle interface {
	// ID identifies the handle in logs.
	ID() string
	// ReadOnly reports whether Commit is forbidden.
	ReadOnly() bool
	Cursor(ctx context.Context) (driver.Cursor, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Release gives the connection back to the pool. Driver errors during
	// release are absorbed by the pool.
	Release() error
}

// handleState is what every handle variant holds.
type handleState struct {
	id         string
	pool       *Pool
	mode       string
	acquiredAt time.Time

	mu    sync.Mutex
	conn  driver.Conn // nil once released
	fatal bool        // a fatal driver error was seen
}

func (p *Pool) newState(conn driver.Conn, mode string) *handleState {
	s := &handleState{
		id:         uuid.NewString(),
		pool:       p,
		mode:       mode,
		acquiredAt: nowFunc(),
		conn:       conn,
	}
	p.debugf("handle acquired", zap.String("handle_id", s.id), zap.String("mode", mode))
	return s
}

// ID implements Handle.
func (s *handleState) ID() string { return s.id }

// Cursor implements Handle.
func (s *handleState) Cursor(ctx context.Context) (driver.Cursor, error) {
	conn, err := s.get()
	if err != nil {
		return nil, err
	}
	cur, err := conn.Cursor(ctx)
	if err != nil {
		return nil, s.observe(err)
	}
	return &cursor{cur: cur, h: s}, nil
}

// Rollback implements Handle.
func (s *handleState) Rollback(ctx context.Context) error {
	conn, err := s.get()
	if err != nil {
		return err
	}
	return s.observe(conn.Rollback(ctx))
}

func (s *handleState) get() (driver.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, s.released()
	}
	return s.conn, nil
}

// take marks the handle released and hands back its connection.
func (s *handleState) take() (driver.Conn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, false, s.released()
	}
	conn := s.conn
	s.conn = nil
	return conn, s.fatal, nil
}

func (s *handleState) released() error {
	return poolerrors.From(poolerrors.ErrReleased).WithDetail("handle_id", s.id)
}

// observe remembers errors that leave the connection unusable so release
// ditches it. The error is returned unchanged.
func (s *handleState) observe(err error) error {
	if err != nil && s.pool.drv.IsFatal(err) {
		s.mu.Lock()
		s.fatal = true
		s.mu.Unlock()
	}
	return err
}

func readOnlyError(id string) error {
	return poolerrors.From(poolerrors.ErrReadOnly).WithDetail("handle_id", id)
}

// readWriteHandle owns a read-write connection.
type readWriteHandle struct {
	*handleState
}

func (p *Pool) newReadWriteHandle(conn driver.Conn) *readWriteHandle {
	h := &readWriteHandle{p.newState(conn, metrics.ModeReadWrite)}
	runtime.SetFinalizer(h, func(h *readWriteHandle) { h.reclaim(h.Release) })
	return h
}

// ReadOnly implements Handle.
func (h *readWriteHandle) ReadOnly() bool { return false }

// Commit implements Handle.
func (h *readWriteHandle) Commit(ctx context.Context) error {
	conn, err := h.get()
	if err != nil {
		return err
	}
	return h.observe(conn.Commit(ctx))
}

// Release implements Handle.
func (h *readWriteHandle) Release() error {
	conn, fatal, err := h.take()
	if err != nil {
		return err
	}
	runtime.SetFinalizer(h, nil)
	h.pool.releaseReadWrite(conn, fatal, h.id)
	return nil
}

// exclusiveROHandle owns a read-write connection but cannot commit. It is
// handed out for read-only work when sharing is disabled.
type exclusiveROHandle struct {
	*handleState
}

func (p *Pool) newExclusiveHandle(conn driver.Conn) *exclusiveROHandle {
	h := &exclusiveROHandle{p.newState(conn, metrics.ModeExclusiveReadOnly)}
	runtime.SetFinalizer(h, func(h *exclusiveROHandle) { h.reclaim(h.Release) })
	return h
}

// ReadOnly implements Handle.
func (h *exclusiveROHandle) ReadOnly() bool { return true }

// Commit implements Handle. It always fails.
func (h *exclusiveROHandle) Commit(ctx context.Context) error {
	return readOnlyError(h.id)
}

// Release implements Handle.
func (h *exclusiveROHandle) Release() error {
	conn, fatal, err := h.take()
	if err != nil {
		return err
	}
	runtime.SetFinalizer(h, nil)
	h.pool.releaseReadWrite(conn, fatal, h.id)
	return nil
}

// sharedROHandle holds a reference to the shared read-only connection.
type sharedROHandle struct {
	*handleState
}

func (p *Pool) newSharedHandle(conn driver.Conn) *sharedROHandle {
	h := &sharedROHandle{p.newState(conn, metrics.ModeReadOnly)}
	runtime.SetFinalizer(h, func(h *sharedROHandle) { h.reclaim(h.Release) })
	return h
}

// ReadOnly implements Handle.
func (h *sharedROHandle) ReadOnly() bool { return true }

// Commit implements Handle. It always fails.
func (h *sharedROHandle) Commit(ctx context.Context) error {
	return readOnlyError(h.id)
}

// Release implements Handle.
func (h *sharedROHandle) Release() error {
	conn, fatal, err := h.take()
	if err != nil {
		return err
	}
	runtime.SetFinalizer(h, nil)
	h.pool.releaseShared(conn, fatal, h.id)
	return nil
}

// cursor ties a driver cursor to its handle so it stops working once the
// handle is released and fatal errors reach the pool.
type cursor struct {
	cur driver.Cursor
	h   *handleState
}

func (c *cursor) check() error {
	_, err := c.h.get()
	return err
}

// Exec implements driver.Cursor.
func (c *cursor) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	res, err := c.cur.Exec(ctx, query, args...)
	if err != nil {
		return nil, c.h.observe(err)
	}
	return res, nil
}

// Query implements driver.Cursor.
func (c *cursor) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	rows, err := c.cur.Query(ctx, query, args...)
	if err != nil {
		return nil, c.h.observe(err)
	}
	return rows, nil
}

// QueryRow implements driver.Cursor.
func (c *cursor) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	if err := c.check(); err != nil {
		return driver.ErrorRow{Err: err}
	}
	return &row{row: c.cur.QueryRow(ctx, query, args...), h: c.h}
}

// Close implements driver.Cursor.
func (c *cursor) Close() error {
	return c.cur.Close()
}

type row struct {
	row driver.Row
	h   *handleState
}

func (r *row) Scan(dest ...any) error {
	return r.h.observe(r.row.Scan(dest...))
}
