package main

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/pool"
	"github.com/ajitpratap0/sqlpool/pkg/registry"
)

// openPool builds the pool selected by the flags and registers it as the
// default pool. Precedence: --url, the configured database, then
// DATABASE_URL / <ENVIRONMENT>_DATABASE_URL.
func openPool(flags *globalFlags, cfg *config.Config, tp trace.TracerProvider) (*pool.Pool, error) {
	poolCfg := config.DefaultPoolConfig()
	rawURL := flags.url
	name := "default"

	if rawURL == "" {
		if db, ok := cfg.Database(flags.database); ok {
			rawURL, name, poolCfg = db.URL, db.Name, db.Pool
		} else if flags.database != "" {
			return nil, fmt.Errorf("database %q is not configured", flags.database)
		}
	}
	if rawURL == "" {
		envURL, ok := registry.EnvURL()
		if !ok {
			return nil, fmt.Errorf("no database: pass --url, configure one with --config or set DATABASE_URL")
		}
		rawURL = envURL
	}
	if flags.debug {
		poolCfg.Debug = true
	}

	opts := []pool.Option{pool.WithName(name)}
	if tp != nil {
		opts = append(opts, pool.WithTracerProvider(tp))
	}
	return registry.FromURL(rawURL, registry.DefaultName, poolCfg, opts...)
}
