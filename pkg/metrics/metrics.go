// Package metrics exposes connection pool state as Prometheus metrics.
//
// Every pool owns a Collector labelled with the pool name. The collector
// mirrors the pool's counters into package-level vectors registered with the
// default registry, so serving promhttp.Handler() is enough to scrape them.
//
//	collector := metrics.NewCollector("main")
//	collector.SetConnections(inUse, idle)
//	collector.ObserveAcquire(metrics.ModeReadWrite, wait, err)
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// Acquisition modes used as the "mode" label.
const (
	ModeReadWrite         = "read_write"
	ModeReadOnly          = "read_only"
	ModeExclusiveReadOnly = "exclusive_read_only"
)

// Reasons a connection is closed, used as the "reason" label.
const (
	CloseScaleDown = "scale_down"
	CloseHosed     = "hosed"
	CloseFinalize  = "finalize"
)

var (
	// Connections tracks live read-write connections by state.
	// Labels: pool, state (in_use/idle)
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlpool_pool_connections",
			Help: "Number of live read-write connections",
		},
		[]string{"pool", "state"},
	)

	// ReadOnlyReferences tracks handles sharing the read-only connection.
	ReadOnlyReferences = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sqlpool_pool_read_only_references",
			Help: "Number of handles holding the shared read-only connection",
		},
		[]string{"pool"},
	)

	// Acquisitions counts acquisition attempts.
	// Labels: pool, mode, result (ok/timeout/error)
	Acquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpool_pool_acquisitions_total",
			Help: "Total number of connection acquisitions",
		},
		[]string{"pool", "mode", "result"},
	)

	// AcquireWait tracks how long acquisitions waited for a connection.
	AcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sqlpool_pool_acquire_wait_seconds",
			Help: "Time spent waiting for a connection",
			Buckets: []float64{
				0.0001, // 100μs - idle reuse
				0.001,  // 1ms
				0.01,   // 10ms - fresh open
				0.1,    // 100ms
				1,      // 1s - contended pool
				10,
				60,
			},
		},
		[]string{"pool", "mode"},
	)

	// ConnectionsOpened counts raw connections opened.
	// Labels: pool, kind (read_write/read_only)
	ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpool_pool_connections_opened_total",
			Help: "Total number of raw connections opened",
		},
		[]string{"pool", "kind"},
	)

	// ConnectionsClosed counts raw connections closed.
	// Labels: pool, reason (scale_down/hosed/finalize)
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpool_pool_connections_closed_total",
			Help: "Total number of raw connections closed",
		},
		[]string{"pool", "reason"},
	)

	// Leaks counts handles reclaimed by the garbage collector without
	// having been released.
	Leaks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlpool_pool_leaked_handles_total",
			Help: "Total number of handles garbage collected without release",
		},
		[]string{"pool"},
	)
)

// Collector records metrics for one pool.
type Collector struct {
	pool string
}

// NewCollector creates a collector for the named pool.
func NewCollector(pool string) *Collector {
	return &Collector{pool: pool}
}

// Pool returns the pool label.
func (c *Collector) Pool() string {
	if c == nil {
		return ""
	}
	return c.pool
}

// SetConnections publishes the read-write connection counts.
func (c *Collector) SetConnections(inUse, idle int) {
	if c == nil {
		return
	}
	Connections.WithLabelValues(c.pool, "in_use").Set(float64(inUse))
	Connections.WithLabelValues(c.pool, "idle").Set(float64(idle))
}

// SetReadOnlyReferences publishes the shared read-only reference count.
func (c *Collector) SetReadOnlyReferences(n int) {
	if c == nil {
		return
	}
	ReadOnlyReferences.WithLabelValues(c.pool).Set(float64(n))
}

// ObserveAcquire records an acquisition and the time it waited.
func (c *Collector) ObserveAcquire(mode string, wait time.Duration, err error) {
	if c == nil {
		return
	}
	Acquisitions.WithLabelValues(c.pool, mode, result(err)).Inc()
	if err == nil {
		AcquireWait.WithLabelValues(c.pool, mode).Observe(wait.Seconds())
	}
}

// ConnectionOpened counts an opened raw connection.
func (c *Collector) ConnectionOpened(readOnly bool) {
	if c == nil {
		return
	}
	kind := ModeReadWrite
	if readOnly {
		kind = ModeReadOnly
	}
	ConnectionsOpened.WithLabelValues(c.pool, kind).Inc()
}

// ConnectionClosed counts a closed raw connection.
func (c *Collector) ConnectionClosed(reason string) {
	if c == nil {
		return
	}
	ConnectionsClosed.WithLabelValues(c.pool, reason).Inc()
}

// LeakDetected counts a handle the garbage collector reclaimed.
func (c *Collector) LeakDetected() {
	if c == nil {
		return
	}
	Leaks.WithLabelValues(c.pool).Inc()
}

// Forget drops the gauges of a finalized pool so they stop being exported.
// Counters are kept.
func (c *Collector) Forget() {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"pool": c.pool}
	Connections.DeletePartialMatch(labels)
	ReadOnlyReferences.DeletePartialMatch(labels)
}

// Values of the "result" label.
const (
	ResultOK      = "ok"
	ResultTimeout = "timeout"
	ResultError   = "error"
)

func result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case poolerrors.IsType(err, poolerrors.ErrorTypeExhausted), errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	default:
		return ResultError
	}
}

// Timer measures how long an operation took.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started. It can be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
