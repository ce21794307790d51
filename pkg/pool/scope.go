package pool

import (
	"context"

	"go.uber.org/zap"
)

// WithReadWrite runs fn with a read-write handle. The work is committed
// when fn returns nil and rolled back otherwise. The handle is released on
// every path, including a panic in fn.
func WithReadWrite(ctx context.Context, p *Pool, fn func(h Handle) error) error {
	h, err := p.AcquireReadWrite(ctx)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if done {
			return
		}
		// fn panicked
		p.rollbackQuietly(ctx, h)
		_ = h.Release()
	}()

	if err := fn(h); err != nil {
		done = true
		p.rollbackQuietly(ctx, h)
		_ = h.Release()
		return err
	}

	done = true
	if err := h.Commit(ctx); err != nil {
		_ = h.Release()
		return err
	}
	return h.Release()
}

// WithReadOnly runs fn with a read-only handle and releases it afterwards.
// Nothing is ever committed.
func WithReadOnly(ctx context.Context, p *Pool, fn func(h Handle) error) error {
	h, err := p.AcquireReadOnly(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = h.Release()
	}()
	return fn(h)
}

// RunReadWrite is WithReadWrite for functions producing a value.
func RunReadWrite[T any](ctx context.Context, p *Pool, fn func(h Handle) (T, error)) (T, error) {
	var out T
	err := WithReadWrite(ctx, p, func(h Handle) error {
		v, err := fn(h)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RunReadOnly is WithReadOnly for functions producing a value.
func RunReadOnly[T any](ctx context.Context, p *Pool, fn func(h Handle) (T, error)) (T, error) {
	var out T
	err := WithReadOnly(ctx, p, func(h Handle) error {
		v, err := fn(h)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (p *Pool) rollbackQuietly(ctx context.Context, h Handle) {
	if err := h.Rollback(ctx); err != nil {
		p.logger.Debug("rollback failed", zap.String("handle_id", h.ID()), zap.Error(err))
	}
}
