// Package sqlpool is a database connection pool for programs that mix
// short read-write transactions with a large volume of read-only queries.
//
// # Architecture
//
// The pool keeps two sides apart:
//
// 1. Read-write side: a bounded set of connections, each handed to one
// goroutine at a time. Released connections go back on a LIFO idle list so
// the most recently used one is reused first, and surplus connections that
// sat idle longer than the retention period are closed on the next release.
//
// 2. Read-only side: a single connection shared by every read-only handle
// and reference counted. It is created lazily and never blocks. When the
// driver cannot share a connection between goroutines, read-only handles
// take an ordinary read-write connection instead and simply refuse to
// commit.
//
// Every handle is released exactly once. On release the pool rolls back
// whatever the caller left uncommitted; a connection that fails that
// rollback, or that reported a fatal driver error, is closed instead of
// being reused.
//
// # Quick Start
//
//	p, err := registry.FromURL("postgres://app@localhost/main", "", config.DefaultPoolConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer registry.FinalizeAll()
//
//	err = pool.WithReadWrite(ctx, p, func(h pool.Handle) error {
//	    cur, err := h.Cursor(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    defer cur.Close()
//	    _, err = cur.Exec(ctx, "INSERT INTO users (name, hash) VALUES ($1, $2)", name, hash)
//	    return err
//	})
//
// # Packages
//
//	pkg/pool           the pool, its handles and scoped helpers
//	pkg/driver         driver contract, URL scheme registry and adapters
//	pkg/registry       named pools for the process
//	pkg/config         YAML and viper configuration
//	pkg/metrics        Prometheus collectors
//	pkg/observability  tracing setup, metrics endpoint, process usage
//	pkg/logger         global zap logger
//	pkg/poolerrors     structured errors
//
// The sqlpool command (cmd/sqlpool) bootstraps, inspects and load tests
// pools from a configuration file or DATABASE_URL.
package sqlpool
