// Package config holds the configuration for sqlpool connection pools.
//
// A Config lists the databases a process talks to. Each DatabaseConfig pairs
// a connection URL with the PoolConfig that shapes its pool:
//
//	cfg := config.Defaults()
//	cfg.Databases = append(cfg.Databases, config.DatabaseConfig{
//	    Name: "main",
//	    URL:  "postgres://app@localhost/main",
//	    Pool: config.DefaultPoolConfig(),
//	})
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"strings"
	"time"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

const (
	// DefaultMinIdle is the number of idle read-write connections kept
	// regardless of age.
	DefaultMinIdle = 5
	// DefaultIdleRetention is how long an idle connection beyond MinIdle
	// survives before scale-down closes it.
	DefaultIdleRetention = 5 * time.Second
	// DefaultMetricsAddress is where the CLI serves /metrics.
	DefaultMetricsAddress = ":9090"
)

// PoolConfig shapes a single connection pool.
type PoolConfig struct {
	// MinIdle idle read-write connections are never closed by scale-down.
	MinIdle int `yaml:"min_idle" json:"min_idle" mapstructure:"min_idle"`
	// MaxTotal bounds live read-write connections. Zero means unbounded.
	MaxTotal int `yaml:"max_total" json:"max_total" mapstructure:"max_total"`
	// IdleRetention is the age after which surplus idle connections close.
	IdleRetention time.Duration `yaml:"idle_retention" json:"idle_retention" mapstructure:"idle_retention"`
	// DisableReadOnlySharing makes every read-only acquisition take a
	// read-write connection exclusively.
	DisableReadOnlySharing bool `yaml:"disable_read_only_sharing" json:"disable_read_only_sharing" mapstructure:"disable_read_only_sharing"`
	// ReadOnlyUser opens the shared read-only connection as a different user.
	ReadOnlyUser string `yaml:"read_only_user" json:"read_only_user" mapstructure:"read_only_user"`
	// IsolationLevel for read-write connections. Empty uses the server default.
	IsolationLevel string `yaml:"isolation_level" json:"isolation_level" mapstructure:"isolation_level"`
	// DisableRollbackOnRelease skips the rollback normally issued when a
	// connection is released.
	DisableRollbackOnRelease bool `yaml:"disable_rollback_on_release" json:"disable_rollback_on_release" mapstructure:"disable_rollback_on_release"`
	// Debug logs every acquisition and release.
	Debug bool `yaml:"debug" json:"debug" mapstructure:"debug"`
	// AcquireTimeout bounds how long an acquisition waits for a free
	// connection. It is ignored when the caller's context has a deadline and
	// never applies to opening a connection. Zero waits until the caller's
	// context is done.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" mapstructure:"acquire_timeout"`
	// StrictSharing turns a driver that cannot share read-only connections
	// into a configuration error instead of a warning.
	StrictSharing bool `yaml:"strict_sharing" json:"strict_sharing" mapstructure:"strict_sharing"`
}

// DefaultPoolConfig returns the pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinIdle:       DefaultMinIdle,
		IdleRetention: DefaultIdleRetention,
	}
}

// Isolation parses IsolationLevel.
func (c PoolConfig) Isolation() (driver.IsolationLevel, error) {
	return driver.ParseIsolationLevel(c.IsolationLevel)
}

// ReadWriteLimit is the effective bound on live read-write connections.
// When sharing is disabled one slot of MaxTotal is held back for the
// read-only connection, so the bound is MaxTotal-1. Zero means unbounded.
func (c PoolConfig) ReadWriteLimit() int {
	if c.MaxTotal <= 0 {
		return 0
	}
	if c.DisableReadOnlySharing {
		return c.MaxTotal - 1
	}
	return c.MaxTotal
}

// Validate reports the first invalid field.
func (c PoolConfig) Validate() error {
	if c.MinIdle < 0 {
		return invalid("min_idle", c.MinIdle, "must not be negative")
	}
	if c.MaxTotal < 0 {
		return invalid("max_total", c.MaxTotal, "must not be negative")
	}
	if c.IdleRetention < 0 {
		return invalid("idle_retention", c.IdleRetention, "must not be negative")
	}
	if c.AcquireTimeout < 0 {
		return invalid("acquire_timeout", c.AcquireTimeout, "must not be negative")
	}
	if c.MaxTotal > 0 && c.DisableReadOnlySharing && c.MaxTotal < 2 {
		return invalid("max_total", c.MaxTotal, "too small to reserve the read-only slot when sharing is disabled")
	}
	if _, err := c.Isolation(); err != nil {
		return err
	}
	return nil
}

func invalid(field string, value interface{}, reason string) error {
	return poolerrors.Newf(poolerrors.ErrorTypeConfig, "invalid %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value)
}

// DatabaseConfig names a database and the pool in front of it.
type DatabaseConfig struct {
	Name string     `yaml:"name" json:"name" mapstructure:"name"`
	URL  string     `yaml:"url" json:"url" mapstructure:"url"`
	Pool PoolConfig `yaml:"pool" json:"pool" mapstructure:"pool"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Address string `yaml:"address" json:"address" mapstructure:"address"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
}

// Config is the top-level sqlpool configuration.
type Config struct {
	Log       logger.Config    `yaml:"log" json:"log" mapstructure:"log"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing" json:"tracing" mapstructure:"tracing"`
	Databases []DatabaseConfig `yaml:"databases" json:"databases" mapstructure:"databases"`
}

// Defaults returns a Config with no databases and default settings.
func Defaults() *Config {
	return &Config{
		Log:     logger.DefaultConfig(),
		Metrics: MetricsConfig{Address: DefaultMetricsAddress},
	}
}

// Database returns the named database. An empty name selects the first one.
func (c *Config) Database(name string) (DatabaseConfig, bool) {
	if len(c.Databases) == 0 {
		return DatabaseConfig{}, false
	}
	if name == "" {
		return c.Databases[0], true
	}
	for _, db := range c.Databases {
		if strings.EqualFold(db.Name, name) {
			return db, true
		}
	}
	return DatabaseConfig{}, false
}

// Validate checks every database entry.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Databases))
	for i, db := range c.Databases {
		if db.Name == "" {
			return poolerrors.Newf(poolerrors.ErrorTypeConfig, "database %d has no name", i)
		}
		key := strings.ToLower(db.Name)
		if _, dup := seen[key]; dup {
			return poolerrors.Newf(poolerrors.ErrorTypeConfig, "database %q listed twice", db.Name)
		}
		seen[key] = struct{}{}

		if strings.TrimSpace(db.URL) == "" {
			return poolerrors.Newf(poolerrors.ErrorTypeConfig, "database %q has no url", db.Name)
		}
		if err := db.Pool.Validate(); err != nil {
			if perr, ok := err.(*poolerrors.Error); ok {
				return perr.WithDetail("database", db.Name)
			}
			return err
		}
	}
	return nil
}
