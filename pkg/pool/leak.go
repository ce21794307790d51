package pool

import (
	"time"

	"go.uber.org/zap"
)

// LeakInfo describes a handle that was garbage collected while still
// holding its connection.
type LeakInfo struct {
	Pool       string
	HandleID   string
	Mode       string
	AcquiredAt time.Time
}

// LeakHook is called from a finalizer goroutine for every leaked handle.
// It must not block.
type LeakHook func(LeakInfo)

// reclaim runs from a handle finalizer. Leaked handles are reported and
// then released so the pool counts stay right; releasing explicitly is
// still required.
func (s *handleState) reclaim(release func() error) {
	s.mu.Lock()
	held := s.conn != nil
	s.mu.Unlock()
	if !held {
		return
	}

	p := s.pool
	info := LeakInfo{
		Pool:       p.name,
		HandleID:   s.id,
		Mode:       s.mode,
		AcquiredAt: s.acquiredAt,
	}
	p.leaked.Add(1)
	p.metrics.LeakDetected()
	p.logger.Warn("leaked handle",
		zap.String("handle_id", info.HandleID),
		zap.String("mode", info.Mode),
		zap.Time("acquired_at", info.AcquiredAt))

	if p.leakHook != nil {
		p.leakHook(info)
	}
	if err := release(); err != nil {
		p.logger.Debug("failed to release leaked handle", zap.String("handle_id", info.HandleID), zap.Error(err))
	}
}
