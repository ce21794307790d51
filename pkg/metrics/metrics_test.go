package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

func read(t *testing.T, m prometheus.Metric) *dto.Metric {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	return &out
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector("gauges_test")
	assert.Equal(t, "gauges_test", c.Pool())

	c.SetConnections(3, 2)
	c.SetReadOnlyReferences(4)

	assert.Equal(t, 3.0, read(t, Connections.WithLabelValues("gauges_test", "in_use")).GetGauge().GetValue())
	assert.Equal(t, 2.0, read(t, Connections.WithLabelValues("gauges_test", "idle")).GetGauge().GetValue())
	assert.Equal(t, 4.0, read(t, ReadOnlyReferences.WithLabelValues("gauges_test")).GetGauge().GetValue())

	c.Forget()
	assert.Equal(t, 0.0, read(t, Connections.WithLabelValues("gauges_test", "in_use")).GetGauge().GetValue(),
		"forgotten gauges restart from zero")
}

func TestCollectorCounters(t *testing.T) {
	c := NewCollector("counters_test")

	c.ConnectionOpened(false)
	c.ConnectionOpened(false)
	c.ConnectionOpened(true)
	c.ConnectionClosed(CloseHosed)
	c.LeakDetected()

	assert.Equal(t, 2.0, read(t, ConnectionsOpened.WithLabelValues("counters_test", ModeReadWrite)).GetCounter().GetValue())
	assert.Equal(t, 1.0, read(t, ConnectionsOpened.WithLabelValues("counters_test", ModeReadOnly)).GetCounter().GetValue())
	assert.Equal(t, 1.0, read(t, ConnectionsClosed.WithLabelValues("counters_test", CloseHosed)).GetCounter().GetValue())
	assert.Equal(t, 1.0, read(t, Leaks.WithLabelValues("counters_test")).GetCounter().GetValue())
}

func TestObserveAcquire(t *testing.T) {
	c := NewCollector("acquire_test")

	c.ObserveAcquire(ModeReadWrite, 5*time.Millisecond, nil)
	c.ObserveAcquire(ModeReadWrite, time.Second, poolerrors.From(poolerrors.ErrPoolExhausted))
	c.ObserveAcquire(ModeReadWrite, time.Second, context.DeadlineExceeded)
	c.ObserveAcquire(ModeReadOnly, 0, errors.New("boom"))

	assert.Equal(t, 1.0, read(t, Acquisitions.WithLabelValues("acquire_test", ModeReadWrite, ResultOK)).GetCounter().GetValue())
	assert.Equal(t, 2.0, read(t, Acquisitions.WithLabelValues("acquire_test", ModeReadWrite, ResultTimeout)).GetCounter().GetValue())
	assert.Equal(t, 1.0, read(t, Acquisitions.WithLabelValues("acquire_test", ModeReadOnly, ResultError)).GetCounter().GetValue())

	hist := read(t, AcquireWait.WithLabelValues("acquire_test", ModeReadWrite).(prometheus.Metric)).GetHistogram()
	assert.Equal(t, uint64(1), hist.GetSampleCount(), "only successful acquisitions are timed")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetConnections(1, 1)
		c.SetReadOnlyReferences(1)
		c.ObserveAcquire(ModeReadWrite, time.Millisecond, nil)
		c.ConnectionOpened(true)
		c.ConnectionClosed(CloseFinalize)
		c.LeakDetected()
		c.Forget()
	})
	assert.Equal(t, "", c.Pool())
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(2 * time.Millisecond)
	first := timer.Stop()
	assert.GreaterOrEqual(t, first, 2*time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), first)
}
