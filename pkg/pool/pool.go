// Package pool manages database connections for a single database target.
//
// A Pool hands out three kinds of handles:
//
//   - read-write handles own a connection exclusively until released and
//     are the only ones that can commit
//   - shared read-only handles all use one long-lived connection, when the
//     driver allows concurrent use of a connection
//   - exclusive read-only handles take a connection from the read-write
//     pool when sharing is disabled, and cannot commit
//
// Read-write connections are bounded by PoolConfig.MaxTotal. When the bound
// is reached and nothing is idle, acquisition waits until another handle is
// released or the context is done. Released connections are rolled back and
// kept idle, most recently released first. Surplus idle connections older
// than PoolConfig.IdleRetention are closed on release.
//
// Example usage:
//
//	p, err := pool.New(drv, config.DefaultPoolConfig(), pool.WithName("main"))
//	if err != nil {
//	    return err
//	}
//	defer p.Finalize()
//
//	h, err := p.AcquireReadWrite(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
package pool

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/metrics"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// nowFunc is replaced in tests to control idle ages.
var nowFunc = time.Now

const tracerName = "github.com/ajitpratap0/sqlpool/pkg/pool"

// idleConn is a read-write connection waiting in the idle list.
type idleConn struct {
	conn       driver.Conn
	releasedAt time.Time
}

// Pool is a bounded pool of read-write connections plus an optional shared
// read-only connection. It is safe for concurrent use.
type Pool struct {
	name      string
	drv       driver.Driver
	cfg       config.PoolConfig
	isolation driver.IsolationLevel
	maxRW     int // 0 means unbounded
	shareRO   bool

	logger   *zap.Logger
	debug    *zap.Logger // nil unless debug logging is on
	leakHook LeakHook
	tracer   trace.Tracer

	metrics    *metrics.Collector
	metricsSet bool

	// mu guards the read-write side. avail is closed and replaced on every
	// change that may let a waiter proceed.
	mu      sync.Mutex
	avail   chan struct{}
	idle    []idleConn
	live    int
	waiters int

	// roMu guards the shared read-only connection. mu and roMu are never
	// held together.
	roMu   sync.Mutex
	ro     driver.Conn
	roRefs int

	// orphans holds ditched shared connections that other handles still
	// reference, with their remaining reference counts. The last release
	// closes them.
	orphans map[driver.Conn]int

	created atomic.Uint64
	closed  atomic.Uint64
	hosed   atomic.Uint64
	leaked  atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithName sets the pool name used in logs and metrics. Defaults to the
// driver name.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// WithDebugLogger sends every acquire, release and scale-down event to l.
func WithDebugLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.debug = l
	}
}

// WithLeakHook installs a hook called when a handle is garbage collected
// without having been released.
func WithLeakHook(hook LeakHook) Option {
	return func(p *Pool) {
		p.leakHook = hook
	}
}

// WithMetrics replaces the pool's metrics collector. A nil collector
// disables metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Pool) {
		p.metrics = c
		p.metricsSet = true
	}
}

// WithTracerProvider sets where acquisition wait spans go. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pool) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// New creates a pool in front of drv. Invalid configuration is reported as
// a config error.
func New(drv driver.Driver, cfg config.PoolConfig, opts ...Option) (*Pool, error) {
	if drv == nil {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "driver is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isolation, err := cfg.Isolation()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		name:      drv.Name(),
		drv:       drv,
		cfg:       cfg,
		isolation: isolation,
		avail:     make(chan struct{}),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if !p.metricsSet {
		p.metrics = metrics.NewCollector(p.name)
	}

	p.logger = logger.With(zap.String("component", "pool"), zap.String("pool", p.name))
	if p.debug == nil && cfg.Debug {
		p.debug = logger.Get()
	}
	if p.debug != nil {
		p.debug = p.debug.With(zap.String("pool", p.name), zap.Int("pid", os.Getpid()))
	}

	p.shareRO = !cfg.DisableReadOnlySharing
	if p.shareRO && !drv.SupportsSharing() {
		if cfg.StrictSharing {
			return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "driver cannot share read-only connections").
				WithDetail("driver", drv.Name())
		}
		p.logger.Warn("driver does not support sharing connections between goroutines, read-only handles will use exclusive connections",
			zap.String("driver", drv.Name()))
		p.shareRO = false
	}

	effective := cfg
	effective.DisableReadOnlySharing = !p.shareRO
	p.maxRW = effective.ReadWriteLimit()
	if cfg.MaxTotal > 0 && p.maxRW < 1 {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "max_total too small to reserve the read-only slot when sharing is disabled").
			WithDetail("max_total", cfg.MaxTotal)
	}

	p.logger.Debug("pool created",
		zap.String("driver", drv.Name()),
		zap.Int("min_idle", cfg.MinIdle),
		zap.Int("max_read_write", p.maxRW),
		zap.Duration("idle_retention", cfg.IdleRetention),
		zap.Bool("read_only_shared", p.shareRO))

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Driver returns the driver the pool opens connections with.
func (p *Pool) Driver() driver.Driver { return p.drv }

// Config returns the pool configuration.
func (p *Pool) Config() config.PoolConfig { return p.cfg }

// SharesReadOnly reports whether read-only handles share one connection.
func (p *Pool) SharesReadOnly() bool { return p.shareRO }

// Acquire returns a read-only handle when readOnly is set and a read-write
// handle otherwise.
func (p *Pool) Acquire(ctx context.Context, readOnly bool) (Handle, error) {
	if readOnly {
		return p.AcquireReadOnly(ctx)
	}
	return p.AcquireReadWrite(ctx)
}

// AcquireReadWrite returns a handle owning a read-write connection. It
// waits while the pool is at its bound with nothing idle, until ctx is done
// or PoolConfig.AcquireTimeout expires, and then fails with
// poolerrors.ErrPoolExhausted.
func (p *Pool) AcquireReadWrite(ctx context.Context) (Handle, error) {
	timer := metrics.NewTimer()
	conn, err := p.acquire(ctx, metrics.ModeReadWrite)
	p.metrics.ObserveAcquire(metrics.ModeReadWrite, timer.Stop(), err)
	if err != nil {
		return nil, err
	}
	return p.newReadWriteHandle(conn), nil
}

// AcquireReadOnly returns a read-only handle. With sharing enabled it never
// waits. Otherwise it draws an exclusive connection from the read-write
// pool and may wait like AcquireReadWrite.
func (p *Pool) AcquireReadOnly(ctx context.Context) (Handle, error) {
	timer := metrics.NewTimer()
	if p.shareRO {
		conn, err := p.acquireShared(ctx)
		p.metrics.ObserveAcquire(metrics.ModeReadOnly, timer.Stop(), err)
		if err != nil {
			return nil, err
		}
		return p.newSharedHandle(conn), nil
	}

	conn, err := p.acquire(ctx, metrics.ModeExclusiveReadOnly)
	p.metrics.ObserveAcquire(metrics.ModeExclusiveReadOnly, timer.Stop(), err)
	if err != nil {
		return nil, err
	}
	return p.newExclusiveHandle(conn), nil
}

// AcquireReadWriteWithCursors is AcquireReadWrite followed by opening n
// cursors. If a cursor cannot be opened the handle is released.
func (p *Pool) AcquireReadWriteWithCursors(ctx context.Context, n int) (Handle, []driver.Cursor, error) {
	h, err := p.AcquireReadWrite(ctx)
	if err != nil {
		return nil, nil, err
	}
	return withCursors(ctx, h, n)
}

// AcquireReadOnlyWithCursors is AcquireReadOnly followed by opening n
// cursors. If a cursor cannot be opened the handle is released.
func (p *Pool) AcquireReadOnlyWithCursors(ctx context.Context, n int) (Handle, []driver.Cursor, error) {
	h, err := p.AcquireReadOnly(ctx)
	if err != nil {
		return nil, nil, err
	}
	return withCursors(ctx, h, n)
}

func withCursors(ctx context.Context, h Handle, n int) (Handle, []driver.Cursor, error) {
	cursors := make([]driver.Cursor, 0, n)
	for i := 0; i < n; i++ {
		cur, err := h.Cursor(ctx)
		if err != nil {
			_ = h.Release() // Release error is secondary to the cursor failure
			return nil, nil, err
		}
		cursors = append(cursors, cur)
	}
	return h, cursors, nil
}

// acquire takes a connection from the read-write side, waiting while the
// pool is full. AcquireTimeout bounds only the wait; opening a new
// connection runs under the caller's context.
func (p *Pool) acquire(ctx context.Context, mode string) (driver.Conn, error) {
	p.mu.Lock()
	p.debugState("acquire (begin)")

	var (
		span    trace.Span
		waitCtx context.Context
	)
	for p.maxRW > 0 && len(p.idle) == 0 && p.live >= p.maxRW {
		if span == nil {
			var cancel context.CancelFunc
			waitCtx, cancel = p.waitContext(ctx)
			defer cancel()
			waitCtx, span = p.tracer.Start(waitCtx, "sqlpool.acquire.wait",
				trace.WithAttributes(
					attribute.String("sqlpool.pool", p.name),
					attribute.String("sqlpool.mode", mode),
					attribute.Int("sqlpool.max_read_write", p.maxRW)))
			defer span.End()
		}

		avail := p.avail
		p.waiters++
		p.debugState("acquire (wait)")
		p.mu.Unlock()

		select {
		case <-avail:
		case <-waitCtx.Done():
			p.mu.Lock()
			p.waiters--
			p.debugState("acquire (gave up)")
			p.mu.Unlock()

			err := poolerrors.From(poolerrors.ErrPoolExhausted).
				WithDetail("pool", p.name).
				WithDetail("max_read_write", p.maxRW)
			err.Cause = waitCtx.Err()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Message)
			return nil, err
		}

		p.mu.Lock()
		p.waiters--
		p.debugState("acquire (signaled)")
	}

	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle[n-1] = idleConn{}
		p.idle = p.idle[:n-1]
		p.debugState("acquire (end)")
		p.publish()
		p.mu.Unlock()
		return ic.conn, nil
	}

	// Reserve the slot, then open without holding the lock.
	p.live++
	p.debugState("acquire (create)")
	p.publish()
	p.mu.Unlock()

	conn, err := p.open(ctx, false)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.signal()
		p.publish()
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// waitContext applies AcquireTimeout to ctx unless the caller already set a
// deadline.
func (p *Pool) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.AcquireTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.AcquireTimeout)
}

// acquireShared returns the shared read-only connection, opening it on
// first use.
func (p *Pool) acquireShared(ctx context.Context) (driver.Conn, error) {
	p.roMu.Lock()
	defer p.roMu.Unlock()

	if p.ro == nil {
		conn, err := p.open(ctx, true)
		if err != nil {
			return nil, err
		}
		p.ro = conn
	}
	p.roRefs++
	p.debugf("acquire read-only", zap.Int("refs", p.roRefs))
	p.metrics.SetReadOnlyReferences(p.roRefs)
	return p.ro, nil
}

func (p *Pool) open(ctx context.Context, readOnly bool) (driver.Conn, error) {
	opts := driver.OpenOptions{
		ReadOnly:  readOnly,
		Isolation: p.isolation,
	}
	if readOnly {
		opts.User = p.cfg.ReadOnlyUser
	}

	p.debugf("connection create", zap.Bool("read_only", readOnly))
	conn, err := p.drv.Open(ctx, opts)
	if err != nil {
		p.logger.Warn("failed to open connection", zap.Bool("read_only", readOnly), zap.Error(err))
		return nil, err
	}
	p.created.Add(1)
	p.metrics.ConnectionOpened(readOnly)
	return conn, nil
}

func (p *Pool) close(conn driver.Conn, reason string) {
	p.debugf("connection close", zap.String("reason", reason))
	if err := conn.Close(); err != nil {
		p.logger.Debug("error closing connection", zap.String("reason", reason), zap.Error(err))
	}
	p.closed.Add(1)
	p.metrics.ConnectionClosed(reason)
}

// safetyRollback ends whatever the releasing caller left open. Any error
// means the connection cannot be trusted again.
func (p *Pool) safetyRollback(conn driver.Conn) error {
	if p.cfg.DisableRollbackOnRelease {
		return nil
	}
	return conn.Rollback(context.Background())
}

// releaseReadWrite returns a read-write or exclusive read-only connection.
// fatal reports that the handle saw an error the driver classifies as fatal.
func (p *Pool) releaseReadWrite(conn driver.Conn, fatal bool, handleID string) {
	err := p.safetyRollback(conn)

	p.mu.Lock()
	p.debugState("release (begin)", zap.String("handle_id", handleID))

	if err != nil || fatal {
		p.live--
		p.hosed.Add(1)
		p.signal()
		p.publish()
		p.debugState("ditching hosed connection", zap.String("handle_id", handleID), zap.Error(err))
		p.mu.Unlock()

		p.close(conn, metrics.CloseHosed)
		return
	}

	p.idle = append(p.idle, idleConn{conn: conn, releasedAt: nowFunc()})
	stale := p.scaleDown()
	p.signal()
	p.publish()
	p.debugState("release (end)", zap.String("handle_id", handleID))
	p.mu.Unlock()

	for _, c := range stale {
		p.close(c, metrics.CloseScaleDown)
	}
	if len(stale) > 0 {
		p.logger.Debug("scaled down idle connections", zap.Int("closed", len(stale)))
	}
}

// releaseShared drops a reference to the shared read-only connection.
func (p *Pool) releaseShared(conn driver.Conn, fatal bool, handleID string) {
	p.roMu.Lock()
	defer p.roMu.Unlock()

	if conn != p.ro {
		p.debugf("hosed read-only connection released after ditch", zap.String("handle_id", handleID))
		p.releaseOrphan(conn)
		return
	}

	p.roRefs--
	p.debugf("release read-only", zap.String("handle_id", handleID), zap.Int("refs", p.roRefs))

	err := p.safetyRollback(conn)
	if err != nil || fatal {
		// Other holders keep using the connection; only the slot is cleared.
		p.debugf("ditching hosed read-only connection", zap.String("handle_id", handleID),
			zap.Int("remaining_refs", p.roRefs), zap.Error(err))
		p.hosed.Add(1)
		if p.roRefs > 0 {
			if p.orphans == nil {
				p.orphans = make(map[driver.Conn]int)
			}
			p.orphans[conn] = p.roRefs
		} else {
			p.close(conn, metrics.CloseHosed)
		}
		p.ro = nil
		p.roRefs = 0
	}
	p.metrics.SetReadOnlyReferences(p.roRefs)
}

// releaseOrphan drops a reference to a ditched shared connection and closes
// it once nobody holds it. Must be called with roMu held.
func (p *Pool) releaseOrphan(conn driver.Conn) {
	n, ok := p.orphans[conn]
	if !ok {
		return
	}
	if n > 1 {
		p.orphans[conn] = n - 1
		return
	}
	delete(p.orphans, conn)
	p.close(conn, metrics.CloseHosed)
}

// scaleDown picks stale surplus idle connections for closing. Idle
// connections beyond MinIdle that were released more than IdleRetention ago
// are removed from the idle list, at most len(idle)-MinIdle of them. Must be
// called with mu held; the caller closes the returned connections.
func (p *Pool) scaleDown() []driver.Conn {
	excess := len(p.idle) - p.cfg.MinIdle
	if excess <= 0 {
		return nil
	}

	cutoff := nowFunc().Add(-p.cfg.IdleRetention)
	var stale []driver.Conn
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if excess > 0 && ic.releasedAt.Before(cutoff) {
			stale = append(stale, ic.conn)
			excess--
			continue
		}
		kept = append(kept, ic)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = idleConn{}
	}
	p.idle = kept
	p.live -= len(stale)

	p.debugState("scale down", zap.Int("closing", len(stale)))
	return stale
}

// signal wakes every waiter. Must be called with mu held.
func (p *Pool) signal() {
	close(p.avail)
	p.avail = make(chan struct{})
}

// publish mirrors the counters into metrics. Must be called with mu held.
func (p *Pool) publish() {
	p.metrics.SetConnections(p.live-len(p.idle), len(p.idle))
}

// Finalize closes every idle connection and the shared read-only
// connection, leaving the pool empty but usable. It fails with
// poolerrors.ErrOutstandingReferences while any handle is still held.
// Finalizing an empty pool does nothing.
func (p *Pool) Finalize() error {
	p.mu.Lock()
	out := p.live - len(p.idle)
	p.mu.Unlock()
	if out > 0 {
		return poolerrors.From(poolerrors.ErrOutstandingReferences).
			WithDetail("pool", p.name).
			WithDetail("checked_out", out)
	}

	p.roMu.Lock()
	if p.roRefs > 0 {
		refs := p.roRefs
		p.roMu.Unlock()
		return poolerrors.From(poolerrors.ErrOutstandingReferences).
			WithDetail("pool", p.name).
			WithDetail("read_only_refs", refs)
	}
	ro := p.ro
	p.ro = nil
	p.roMu.Unlock()

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.signal()
	p.publish()
	p.debugState("finalize", zap.Int("closing", len(idle)))
	p.mu.Unlock()

	closed := len(idle)
	if ro != nil {
		p.close(ro, metrics.CloseFinalize)
		closed++
	}
	for _, ic := range idle {
		p.close(ic.conn, metrics.CloseFinalize)
	}
	if closed > 0 {
		p.logger.Debug("pool finalized", zap.Int("closed", closed))
	}
	p.metrics.SetReadOnlyReferences(0)
	return nil
}

// ForgetMetrics stops exporting the pool's gauges. Counters are kept. Call
// it once the pool is finalized or no longer registered.
func (p *Pool) ForgetMetrics() {
	p.metrics.Forget()
}

// ForkReset forgets every connection and lock without closing anything.
// A child process calls it right after fork, before touching the pool: the
// inherited sockets belong to the parent.
func (p *Pool) ForkReset() {
	p.mu = sync.Mutex{}
	p.roMu = sync.Mutex{}
	p.avail = make(chan struct{})
	p.idle = nil
	p.live = 0
	p.waiters = 0
	p.ro = nil
	p.roRefs = 0
	p.orphans = nil

	p.logger.Info("forgot inherited connections", zap.Int("pid", os.Getpid()))
	p.metrics.SetConnections(0, 0)
	p.metrics.SetReadOnlyReferences(0)
}

// Stats is a snapshot of pool state.
type Stats struct {
	Name string `json:"name"`
	// TotalOpen counts read-write connections plus the shared read-only
	// connection when it is open.
	TotalOpen    int    `json:"total_open"`
	Idle         int    `json:"idle"`
	InUse        int    `json:"in_use"`
	MaxReadWrite int    `json:"max_read_write"`
	ReadOnlyOpen bool   `json:"read_only_open"`
	ReadOnlyRefs int    `json:"read_only_refs"`
	Waiters      int    `json:"waiters"`
	Created      uint64 `json:"created"`
	Closed       uint64 `json:"closed"`
	Hosed        uint64 `json:"hosed"`
	Leaked       uint64 `json:"leaked"`
}

// Stats returns a snapshot of the pool state.
func (p *Pool) Stats() Stats {
	s := Stats{
		Name:         p.name,
		MaxReadWrite: p.maxRW,
		Created:      p.created.Load(),
		Closed:       p.closed.Load(),
		Hosed:        p.hosed.Load(),
		Leaked:       p.leaked.Load(),
	}

	p.roMu.Lock()
	s.ReadOnlyOpen = p.ro != nil
	s.ReadOnlyRefs = p.roRefs
	p.roMu.Unlock()

	p.mu.Lock()
	s.Idle = len(p.idle)
	s.InUse = p.live - len(p.idle)
	s.Waiters = p.waiters
	s.TotalOpen = p.live
	p.mu.Unlock()

	if s.ReadOnlyOpen {
		s.TotalOpen++
	}
	return s
}

// GetStats returns the total number of open connections, including the
// shared read-only one, and the number of idle read-write connections.
func (p *Pool) GetStats() (totalOpen, idle int) {
	s := p.Stats()
	return s.TotalOpen, s.Idle
}

// debugState logs a read-write side event with the current counts. Must be
// called with mu held.
func (p *Pool) debugState(msg string, fields ...zap.Field) {
	if p.debug == nil {
		return
	}
	p.debug.Debug(msg, append(fields,
		zap.Int("idle", len(p.idle)),
		zap.Int("created", p.live))...)
}

func (p *Pool) debugf(msg string, fields ...zap.Field) {
	if p.debug == nil {
		return
	}
	p.debug.Debug(msg, fields...)
}
