// Package registry maps names to connection pools so code that cannot be
// handed a *pool.Pool can still find one.
//
// Prefer passing pools explicitly, or through a context with NewContext.
// The package-level default registry exists for call sites where neither is
// practical. It is populated once at startup and torn down with
// FinalizeAll at shutdown.
//
//	p, err := registry.FromURL("postgres://app@localhost/main", "", config.DefaultPoolConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer registry.FinalizeAll()
//
//	p, err = registry.Get("")
package registry

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/pool"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// DefaultName is the name of the default pool.
const DefaultName = ""

// Registry is a named set of pools. The zero value is not usable; call New.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{pools: make(map[string]*pool.Pool)}
}

// Register installs p under name, replacing and returning any pool
// registered there before. The replaced pool is not finalized.
func (r *Registry) Register(p *pool.Pool, name string) (*pool.Pool, error) {
	if p == nil {
		return nil, poolerrors.New(poolerrors.ErrorTypeMisuse, "cannot register a nil pool").
			WithDetail("name", name)
	}

	r.mu.Lock()
	prev := r.pools[name]
	r.pools[name] = p
	r.mu.Unlock()

	if prev != nil && prev != p {
		logger.Warn("replaced registered pool", zap.String("name", name), zap.String("pool", p.Name()))
	}
	return prev, nil
}

// Unregister removes and returns the pool registered under name, or nil.
// The pool's gauges stop being exported; the caller still owns the pool.
func (r *Registry) Unregister(name string) *pool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[name]
	if !ok {
		return nil
	}
	delete(r.pools, name)
	p.ForgetMetrics()
	return p
}

// Get returns the pool registered under name. It fails with
// poolerrors.ErrNoDefaultPool for the default name and
// poolerrors.ErrNoSuchPool otherwise.
func (r *Registry) Get(name string) (*pool.Pool, error) {
	r.mu.RLock()
	p, ok := r.pools[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if name == DefaultName {
		return nil, poolerrors.From(poolerrors.ErrNoDefaultPool)
	}
	return nil, poolerrors.From(poolerrors.ErrNoSuchPool).WithDetail("name", name)
}

// MustGet is Get that panics on error.
func (r *Registry) MustGet(name string) *pool.Pool {
	p, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered pools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Clear forgets every pool without finalizing it.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[string]*pool.Pool)
}

// FinalizeAll finalizes every pool and empties the registry. Pools that
// fail to finalize stay registered and their errors are joined.
func (r *Registry) FinalizeAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, p := range r.pools {
		if err := p.Finalize(); err != nil {
			errs = append(errs, err)
			continue
		}
		p.ForgetMetrics()
		delete(r.pools, name)
	}
	return errors.Join(errs...)
}

// Open builds a pool for rawURL, picking the driver from the URL scheme,
// and registers it under name. The pool is named after name, or the driver
// when name is the default.
func (r *Registry) Open(rawURL, name string, cfg config.PoolConfig, opts ...pool.Option) (*pool.Pool, error) {
	drv, err := driver.FromURL(rawURL)
	if err != nil {
		return nil, err
	}
	if name != DefaultName {
		opts = append([]pool.Option{pool.WithName(name)}, opts...)
	}
	p, err := pool.New(drv, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := r.Register(p, name); err != nil {
		return nil, err
	}

	logger.Info("registered pool",
		zap.String("name", name),
		zap.String("driver", drv.Name()),
		zap.String("url", driver.Redact(rawURL)))
	return p, nil
}

// EnvURL returns the database URL from the environment. When ENVIRONMENT
// is set, <ENVIRONMENT>_DATABASE_URL takes precedence over DATABASE_URL.
func EnvURL() (string, bool) {
	if env := strings.TrimSpace(os.Getenv("ENVIRONMENT")); env != "" {
		key := strings.ToUpper(env) + "_DATABASE_URL"
		if v := os.Getenv(key); v != "" {
			return v, true
		}
	}
	v := os.Getenv("DATABASE_URL")
	return v, v != ""
}

// OpenEnv is Open with the URL taken from EnvURL.
func (r *Registry) OpenEnv(name string, cfg config.PoolConfig, opts ...pool.Option) (*pool.Pool, error) {
	rawURL, ok := EnvURL()
	if !ok {
		return nil, poolerrors.From(poolerrors.ErrInvalidURL).
			WithDetail("reason", "DATABASE_URL is not set")
	}
	return r.Open(rawURL, name, cfg, opts...)
}

var defaultRegistry = New()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Register installs p in the default registry.
func Register(p *pool.Pool, name string) (*pool.Pool, error) {
	return defaultRegistry.Register(p, name)
}

// Unregister removes name from the default registry.
func Unregister(name string) *pool.Pool { return defaultRegistry.Unregister(name) }

// Get looks name up in the default registry.
func Get(name string) (*pool.Pool, error) { return defaultRegistry.Get(name) }

// FinalizeAll finalizes the default registry.
func FinalizeAll() error { return defaultRegistry.FinalizeAll() }

// FromURL opens a pool for rawURL in the default registry.
func FromURL(rawURL, name string, cfg config.PoolConfig, opts ...pool.Option) (*pool.Pool, error) {
	return defaultRegistry.Open(rawURL, name, cfg, opts...)
}

// FromEnv opens a pool from the environment in the default registry.
func FromEnv(name string, cfg config.PoolConfig, opts ...pool.Option) (*pool.Pool, error) {
	return defaultRegistry.OpenEnv(name, cfg, opts...)
}

type contextKey struct{}

// NewContext returns a context carrying p.
func NewContext(ctx context.Context, p *pool.Pool) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the pool carried by ctx, falling back to the default
// pool of the default registry.
func FromContext(ctx context.Context) (*pool.Pool, error) {
	if p, ok := ctx.Value(contextKey{}).(*pool.Pool); ok && p != nil {
		return p, nil
	}
	return defaultRegistry.Get(DefaultName)
}
