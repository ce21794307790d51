package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/driver/drivertest"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

func newPool(t *testing.T, drv driver.Driver, mutate func(*config.PoolConfig), opts ...Option) *Pool {
	t.Helper()
	cfg := config.DefaultPoolConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(drv, cfg, append([]Option{WithName(t.Name())}, opts...)...)
	require.NoError(t, err)
	return p
}

// connID asks the fake connection behind h for its ID.
func connID(t *testing.T, h Handle) int {
	t.Helper()
	ctx := context.Background()
	cur, err := h.Cursor(ctx)
	require.NoError(t, err)
	var id int
	require.NoError(t, cur.QueryRow(ctx, "SELECT conn_id").Scan(&id))
	return id
}

// fakeClock drives nowFunc for the duration of a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func useFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	nowFunc = c.Now
	t.Cleanup(func() { nowFunc = time.Now })
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew(t *testing.T) {
	t.Run("nil driver", func(t *testing.T) {
		p, err := New(nil, config.DefaultPoolConfig())
		assert.Nil(t, p)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := config.DefaultPoolConfig()
		cfg.MinIdle = -1
		_, err := New(drivertest.New(), cfg)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
	})

	t.Run("explicit exclusive mode reserves a slot", func(t *testing.T) {
		p := newPool(t, drivertest.New(), func(c *config.PoolConfig) {
			c.MaxTotal = 3
			c.DisableReadOnlySharing = true
		})
		assert.False(t, p.SharesReadOnly())
		assert.Equal(t, 2, p.Stats().MaxReadWrite)
	})

	t.Run("sharing keeps the full bound", func(t *testing.T) {
		p := newPool(t, drivertest.New(), func(c *config.PoolConfig) { c.MaxTotal = 3 })
		assert.True(t, p.SharesReadOnly())
		assert.Equal(t, 3, p.Stats().MaxReadWrite)
	})

	t.Run("non-sharing driver degrades with a warning", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		defer logger.Replace(zap.New(core))()

		p := newPool(t, drivertest.New(drivertest.WithoutSharing()), func(c *config.PoolConfig) { c.MaxTotal = 4 })
		assert.False(t, p.SharesReadOnly())
		assert.Equal(t, 3, p.Stats().MaxReadWrite)
		assert.Equal(t, 1, logs.FilterMessageSnippet("does not support sharing").Len())
	})

	t.Run("non-sharing driver fails under strict sharing", func(t *testing.T) {
		cfg := config.DefaultPoolConfig()
		cfg.StrictSharing = true
		_, err := New(drivertest.New(drivertest.WithoutSharing()), cfg)
		require.Error(t, err)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
	})

	t.Run("degraded pool too small for the reserved slot", func(t *testing.T) {
		cfg := config.DefaultPoolConfig()
		cfg.MaxTotal = 1
		_, err := New(drivertest.New(drivertest.WithoutSharing()), cfg)
		require.Error(t, err)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
	})

	t.Run("defaults", func(t *testing.T) {
		drv := drivertest.New(drivertest.WithName("fake"))
		p, err := New(drv, config.DefaultPoolConfig())
		require.NoError(t, err)
		assert.Equal(t, "fake", p.Name())
		assert.Same(t, drv, p.Driver())
		assert.Equal(t, config.DefaultPoolConfig(), p.Config())
		assert.Equal(t, 0, p.Stats().MaxReadWrite)
	})
}

func TestReadWriteReuseIsLIFO(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil)

	h1, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	h2, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	id1, id2 := connID(t, h1), connID(t, h2)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, h1.Release())
	require.NoError(t, h2.Release())

	h3, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, connID(t, h3), "most recently released connection is reused first")
	require.NoError(t, h3.Release())

	assert.Equal(t, 2, drv.Opened())
	total, idle := p.GetStats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, idle)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) {
		c.MinIdle = 1
		c.MaxTotal = 2
	})

	h1, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	h2, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	released := connID(t, h1)

	got := make(chan Handle, 1)
	go func() {
		h, err := p.AcquireReadWrite(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- h
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquisition should block while the pool is full")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, h1.Release())

	select {
	case h3, ok := <-got:
		require.True(t, ok)
		assert.Equal(t, released, connID(t, h3), "waiter gets the connection just released")
		require.NoError(t, h3.Release())
	case <-time.After(time.Second):
		t.Fatal("release did not unblock the waiter")
	}

	require.NoError(t, h2.Release())
	assert.Equal(t, 2, drv.Opened())
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestMaxTotalNeverExceeded(t *testing.T) {
	const limit = 3
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) {
		c.MinIdle = 0
		c.MaxTotal = limit
	})

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				h, err := p.AcquireReadWrite(ctx)
				if !assert.NoError(t, err) {
					return
				}
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(50 * time.Microsecond)
				current.Add(-1)
				assert.NoError(t, h.Release())
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.LessOrEqual(t, drv.OpenCount(), limit)
	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.LessOrEqual(t, s.Idle, limit)
}

func TestAcquireTimeout(t *testing.T) {
	drv := drivertest.New()

	t.Run("context deadline", func(t *testing.T) {
		p := newPool(t, drv, func(c *config.PoolConfig) { c.MaxTotal = 1 })
		h, err := p.AcquireReadWrite(context.Background())
		require.NoError(t, err)
		defer h.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = p.AcquireReadWrite(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, poolerrors.ErrPoolExhausted))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.True(t, poolerrors.IsRetryable(err))
		assert.Equal(t, 0, p.Stats().Waiters)
	})

	t.Run("configured timeout", func(t *testing.T) {
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MaxTotal = 1
			c.AcquireTimeout = 20 * time.Millisecond
		})
		h, err := p.AcquireReadWrite(context.Background())
		require.NoError(t, err)
		defer h.Release()

		start := time.Now()
		_, err = p.AcquireReadWrite(context.Background())
		assert.True(t, errors.Is(err, poolerrors.ErrPoolExhausted))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("configured timeout does not bound opening", func(t *testing.T) {
		drv := drivertest.New()
		drv.SlowOpen(30 * time.Millisecond)
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MaxTotal = 2
			c.AcquireTimeout = 5 * time.Millisecond
		})

		h, err := p.AcquireReadWrite(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, drv.Opened())
		require.NoError(t, h.Release())
	})

	t.Run("cancelled caller", func(t *testing.T) {
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MaxTotal = 2
			c.DisableReadOnlySharing = true
		})
		h, err := p.AcquireReadOnly(context.Background())
		require.NoError(t, err)
		defer h.Release()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err = p.AcquireReadOnly(ctx)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestHosedReleaseDitchesConnection(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil)

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	id := connID(t, h)
	drv.Conn(id).FailRollback(drivertest.ErrBroken)

	before := p.Stats()
	require.NoError(t, h.Release(), "release succeeds even when the rollback fails")
	after := p.Stats()

	assert.Equal(t, before.TotalOpen-1, after.TotalOpen)
	assert.Equal(t, 0, after.Idle)
	assert.Equal(t, uint64(1), after.Hosed)
	assert.True(t, drv.Conn(id).IsClosed())

	h, err = p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, connID(t, h), "hosed connection never comes back")
	require.NoError(t, h.Release())
}

func TestHosedReleaseWakesWaiter(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) { c.MaxTotal = 1 })

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	drv.Conn(connID(t, h)).FailRollback(errors.New("server gone"))

	got := make(chan error, 1)
	go func() {
		h2, err := p.AcquireReadWrite(ctx)
		if err == nil {
			err = h2.Release()
		}
		got <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Release())
	select {
	case err := <-got:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ditching a connection should free its slot for waiters")
	}
	assert.Equal(t, 2, drv.Opened())
}

func TestFatalErrorDitchesConnection(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil)

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	id := connID(t, h)
	conn := drv.Conn(id)

	cur, err := h.Cursor(ctx)
	require.NoError(t, err)

	conn.FailExec(errors.New("duplicate key"))
	_, err = cur.Exec(ctx, "INSERT INTO users VALUES (1)")
	require.Error(t, err)

	conn.FailExec(drivertest.ErrBroken)
	_, err = cur.Exec(ctx, "INSERT INTO users VALUES (1)")
	assert.ErrorIs(t, err, drivertest.ErrBroken, "driver errors pass through unchanged")

	require.NoError(t, h.Release())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, uint64(1), p.Stats().Hosed)
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestNonFatalErrorKeepsConnection(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil)

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	conn := drv.Conn(connID(t, h))
	conn.FailCommit(errors.New("serialization failure"))
	assert.Error(t, h.Commit(ctx))
	require.NoError(t, h.Release())

	assert.False(t, conn.IsClosed())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestSafetyRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("enabled", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)
		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)
		conn := drv.Conn(connID(t, h))
		require.NoError(t, h.Release())
		assert.Equal(t, 1, conn.Rollbacks())
	})

	t.Run("disabled", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, func(c *config.PoolConfig) { c.DisableRollbackOnRelease = true })
		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)
		conn := drv.Conn(connID(t, h))
		conn.FailRollback(drivertest.ErrBroken)
		require.NoError(t, h.Release())
		assert.Equal(t, 0, conn.Rollbacks())
		assert.False(t, conn.IsClosed())
	})
}

func TestScaleDown(t *testing.T) {
	ctx := context.Background()

	t.Run("closes stale surplus only", func(t *testing.T) {
		clock := useFakeClock(t)
		drv := drivertest.New()
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MinIdle = 1
			c.IdleRetention = 5 * time.Second
		})

		handles := make([]Handle, 3)
		ids := make([]int, 3)
		for i := range handles {
			h, err := p.AcquireReadWrite(ctx)
			require.NoError(t, err)
			handles[i], ids[i] = h, connID(t, h)
		}
		for _, h := range handles {
			require.NoError(t, h.Release())
		}
		assert.Equal(t, 3, p.Stats().Idle, "fresh connections survive even when surplus")

		clock.Advance(10 * time.Second)

		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)
		assert.Equal(t, ids[2], connID(t, h))
		require.NoError(t, h.Release())

		s := p.Stats()
		assert.Equal(t, 1, s.Idle)
		assert.Equal(t, 1, s.TotalOpen)
		assert.True(t, drv.Conn(ids[0]).IsClosed())
		assert.True(t, drv.Conn(ids[1]).IsClosed())
		assert.False(t, drv.Conn(ids[2]).IsClosed())
	})

	t.Run("never below min idle", func(t *testing.T) {
		clock := useFakeClock(t)
		drv := drivertest.New()
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MinIdle = 3
			c.IdleRetention = time.Second
		})

		var handles []Handle
		for i := 0; i < 4; i++ {
			h, err := p.AcquireReadWrite(ctx)
			require.NoError(t, err)
			handles = append(handles, h)
		}
		for _, h := range handles[:3] {
			require.NoError(t, h.Release())
		}
		clock.Advance(time.Hour)
		require.NoError(t, handles[3].Release())

		assert.Equal(t, 3, p.Stats().Idle)
		assert.Equal(t, 1, drv.Closed())
	})

	t.Run("zero retention still keeps the connection just released", func(t *testing.T) {
		useFakeClock(t)
		drv := drivertest.New()
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.MinIdle = 0
			c.IdleRetention = 0
		})

		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Release())
		assert.Equal(t, 1, p.Stats().Idle)
	})
}

func TestSharedReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent acquisitions share one connection", func(t *testing.T) {
		const n = 10
		drv := drivertest.New()
		p := newPool(t, drv, nil)

		handles := make([]Handle, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := p.AcquireReadOnly(ctx)
				assert.NoError(t, err)
				handles[i] = h
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, drv.Opened())
		s := p.Stats()
		assert.Equal(t, n, s.ReadOnlyRefs)
		assert.True(t, s.ReadOnlyOpen)

		first := connID(t, handles[0])
		for _, h := range handles {
			assert.True(t, h.ReadOnly())
			assert.Equal(t, first, connID(t, h))
			require.NoError(t, h.Release())
		}
		assert.Equal(t, 0, p.Stats().ReadOnlyRefs)
	})

	t.Run("connection outlives its references", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)

		a, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		b, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, p.Stats().ReadOnlyRefs)
		id := connID(t, a)

		require.NoError(t, a.Release())
		assert.Equal(t, 1, p.Stats().ReadOnlyRefs)
		assert.False(t, drv.Conn(id).IsClosed())

		require.NoError(t, b.Release())
		assert.Equal(t, 0, p.Stats().ReadOnlyRefs)
		assert.False(t, drv.Conn(id).IsClosed())

		c, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, connID(t, c))
		require.NoError(t, c.Release())
		assert.Equal(t, 1, drv.Opened())

		total, idle := p.GetStats()
		assert.Equal(t, 1, total, "shared connection counts as open")
		assert.Equal(t, 0, idle)
	})

	t.Run("read-only user and isolation", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, func(c *config.PoolConfig) {
			c.ReadOnlyUser = "reader"
			c.IsolationLevel = "serializable"
		})

		ro, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		rw, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)

		roConn, rwConn := drv.Conn(connID(t, ro)), drv.Conn(connID(t, rw))
		assert.True(t, roConn.ReadOnly)
		assert.Equal(t, "reader", roConn.User)
		assert.False(t, rwConn.ReadOnly)
		assert.Equal(t, "", rwConn.User)
		assert.Equal(t, driver.IsolationSerializable, rwConn.Isolation)
		assert.Equal(t, driver.IsolationSerializable, roConn.Isolation)

		require.NoError(t, ro.Release())
		require.NoError(t, rw.Release())
	})

	t.Run("hosed shared connection is ditched", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)

		a, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		b, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		id := connID(t, a)
		drv.Conn(id).FailRollback(drivertest.ErrBroken)

		require.NoError(t, a.Release())
		s := p.Stats()
		assert.False(t, s.ReadOnlyOpen)
		assert.Equal(t, 0, s.ReadOnlyRefs)
		assert.Equal(t, uint64(1), s.Hosed)

		// b keeps reading from the ditched connection until it lets go.
		assert.False(t, drv.Conn(id).IsClosed())
		assert.Equal(t, id, connID(t, b))

		c, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		cid := connID(t, c)
		assert.NotEqual(t, id, cid)
		assert.Equal(t, 1, p.Stats().ReadOnlyRefs)

		require.NoError(t, b.Release())
		assert.True(t, drv.Conn(id).IsClosed())
		assert.Equal(t, 1, p.Stats().ReadOnlyRefs)
		assert.Equal(t, uint64(1), p.Stats().Hosed)

		require.NoError(t, c.Release())
		assert.False(t, drv.Conn(cid).IsClosed())
	})

	t.Run("hosed shared connection with no other holders is closed", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)

		a, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		id := connID(t, a)
		drv.Conn(id).FailRollback(drivertest.ErrBroken)

		require.NoError(t, a.Release())
		assert.True(t, drv.Conn(id).IsClosed())
		assert.False(t, p.Stats().ReadOnlyOpen)
	})

	t.Run("open failure", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)
		boom := errors.New("auth failed")
		drv.FailOpen(boom)

		_, err := p.AcquireReadOnly(ctx)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, p.Stats().ReadOnlyRefs)
	})
}

func TestExclusiveReadOnly(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) {
		c.DisableReadOnlySharing = true
		c.MaxTotal = 3
	})

	ro, err := p.AcquireReadOnly(ctx)
	require.NoError(t, err)
	assert.True(t, ro.ReadOnly())
	rw, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, 2, s.InUse, "exclusive read-only handles use read-write slots")
	assert.False(t, s.ReadOnlyOpen)

	roID := connID(t, ro)
	assert.False(t, drv.Conn(roID).ReadOnly)

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = p.AcquireReadOnly(shortCtx)
	assert.True(t, errors.Is(err, poolerrors.ErrPoolExhausted))

	require.NoError(t, ro.Release())
	h, err := p.Acquire(ctx, false)
	require.NoError(t, err)
	assert.False(t, h.ReadOnly())
	assert.Equal(t, roID, connID(t, h), "exclusive read-only release feeds the idle list")

	require.NoError(t, h.Release())
	require.NoError(t, rw.Release())
}

func TestCommitOnReadOnlyFails(t *testing.T) {
	ctx := context.Background()

	for _, shared := range []bool{true, false} {
		p := newPool(t, drivertest.New(), func(c *config.PoolConfig) { c.DisableReadOnlySharing = !shared })
		h, err := p.Acquire(ctx, true)
		require.NoError(t, err)

		err = h.Commit(ctx)
		assert.True(t, errors.Is(err, poolerrors.ErrReadOnly), "shared=%v", shared)
		assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeMisuse))
		assert.NoError(t, h.Rollback(ctx))

		require.NoError(t, h.Release())
		assert.True(t, errors.Is(h.Commit(ctx), poolerrors.ErrReadOnly))
	}
}

func TestUseAfterRelease(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, drivertest.New(), nil)

	for _, readOnly := range []bool{false, true} {
		h, err := p.Acquire(ctx, readOnly)
		require.NoError(t, err)
		cur, err := h.Cursor(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Release())

		assert.True(t, errors.Is(h.Release(), poolerrors.ErrReleased))
		assert.True(t, errors.Is(h.Rollback(ctx), poolerrors.ErrReleased))
		_, err = h.Cursor(ctx)
		assert.True(t, errors.Is(err, poolerrors.ErrReleased))
		if !readOnly {
			assert.True(t, errors.Is(h.Commit(ctx), poolerrors.ErrReleased))
		}

		_, err = cur.Exec(ctx, "SELECT 1")
		assert.True(t, errors.Is(err, poolerrors.ErrReleased))
		_, err = cur.Query(ctx, "SELECT 1")
		assert.True(t, errors.Is(err, poolerrors.ErrReleased))
		var id int
		assert.True(t, errors.Is(cur.QueryRow(ctx, "SELECT 1").Scan(&id), poolerrors.ErrReleased))
	}

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, 0, s.ReadOnlyRefs)
}

func TestAcquireWithCursors(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil)

	h, cursors, err := p.AcquireReadWriteWithCursors(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, cursors, 3)
	conn := drv.Conn(connID(t, h))
	assert.Equal(t, 4, conn.CursorCount())
	require.NoError(t, h.Release())

	ro, cursors, err := p.AcquireReadOnlyWithCursors(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, cursors, 2)
	assert.True(t, ro.ReadOnly())
	require.NoError(t, ro.Release())

	t.Run("cursor failure releases the handle", func(t *testing.T) {
		// The idle connection dies while parked.
		require.NoError(t, conn.Close())

		_, _, err := p.AcquireReadWriteWithCursors(ctx, 1)
		assert.ErrorIs(t, err, drivertest.ErrBroken)
		s := p.Stats()
		assert.Equal(t, 0, s.InUse)
		assert.Equal(t, uint64(1), s.Hosed)
	})
}

func TestOpenFailureFreesSlot(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) { c.MaxTotal = 1 })

	boom := errors.New("connection refused")
	drv.FailOpen(boom)
	_, err := p.AcquireReadWrite(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().TotalOpen)

	drv.FailOpen(nil)
	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Release())
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("outstanding read-only reference", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)
		ro, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		id := connID(t, ro)

		err = p.Finalize()
		require.Error(t, err)
		assert.True(t, errors.Is(err, poolerrors.ErrOutstandingReferences))
		assert.False(t, drv.Conn(id).IsClosed(), "connection in use must not be closed")

		require.NoError(t, ro.Release())
		require.NoError(t, p.Finalize())
		assert.True(t, drv.Conn(id).IsClosed())
	})

	t.Run("checked out read-write connection", func(t *testing.T) {
		p := newPool(t, drivertest.New(), nil)
		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)

		assert.True(t, errors.Is(p.Finalize(), poolerrors.ErrOutstandingReferences))
		require.NoError(t, h.Release())
		assert.NoError(t, p.Finalize())
	})

	t.Run("closes everything and is idempotent", func(t *testing.T) {
		drv := drivertest.New()
		p := newPool(t, drv, nil)

		var handles []Handle
		for i := 0; i < 3; i++ {
			h, err := p.AcquireReadWrite(ctx)
			require.NoError(t, err)
			handles = append(handles, h)
		}
		ro, err := p.AcquireReadOnly(ctx)
		require.NoError(t, err)
		handles = append(handles, ro)
		for _, h := range handles {
			require.NoError(t, h.Release())
		}

		require.NoError(t, p.Finalize())
		assert.Equal(t, 4, drv.Closed())
		assert.Equal(t, 0, drv.OpenCount())
		total, idle := p.GetStats()
		assert.Equal(t, 0, total)
		assert.Equal(t, 0, idle)

		require.NoError(t, p.Finalize())
		assert.Equal(t, 4, drv.Closed(), "second finalize closes nothing")

		// Still usable afterwards.
		h, err := p.AcquireReadWrite(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Release())
	})

	t.Run("empty pool", func(t *testing.T) {
		p := newPool(t, drivertest.New(), nil)
		assert.NoError(t, p.Finalize())
	})
}

func TestForkReset(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, func(c *config.PoolConfig) { c.MaxTotal = 2 })

	h1, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	h2, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
	ro, err := p.AcquireReadOnly(ctx)
	require.NoError(t, err)

	p.ForkReset()

	s := p.Stats()
	assert.Equal(t, 0, s.TotalOpen)
	assert.Equal(t, 0, s.Idle)
	assert.Equal(t, 0, s.ReadOnlyRefs)
	assert.False(t, s.ReadOnlyOpen)
	assert.Equal(t, 0, drv.Closed(), "inherited connections are never touched")

	// The bound applies afresh.
	a, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	b, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, drv.Opened())
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())

	_ = h1
	_ = ro
}

func TestDebugLogger(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	p := newPool(t, drivertest.New(), nil, WithDebugLogger(zap.New(core)))

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	ro, err := p.AcquireReadOnly(ctx)
	require.NoError(t, err)
	require.NoError(t, ro.Release())

	for _, msg := range []string{"acquire (begin)", "acquire (create)", "release (end)", "acquire read-only", "release read-only"} {
		assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}

	entry := logs.FilterMessage("release (end)").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, t.Name(), fields["pool"])
	assert.Contains(t, fields, "pid")
	assert.Equal(t, h.ID(), fields["handle_id"])
	assert.Equal(t, int64(1), fields["idle"])
	assert.Equal(t, int64(1), fields["created"])
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	drv := drivertest.New()
	p := newPool(t, drv, nil, WithMetrics(nil))

	h, err := p.AcquireReadWrite(ctx)
	require.NoError(t, err)
	ro, err := p.AcquireReadOnly(ctx)
	require.NoError(t, err)

	s := p.Stats()
	assert.Equal(t, t.Name(), s.Name)
	assert.Equal(t, 2, s.TotalOpen)
	assert.Equal(t, 1, s.InUse)
	assert.Equal(t, uint64(2), s.Created)

	require.NoError(t, h.Release())
	require.NoError(t, ro.Release())
	require.NoError(t, p.Finalize())
	assert.Equal(t, uint64(2), p.Stats().Closed)
}
