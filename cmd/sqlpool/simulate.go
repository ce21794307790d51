package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/sqlpool/internal/store"
	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/observability"
	"github.com/ajitpratap0/sqlpool/pkg/pool"
	"github.com/ajitpratap0/sqlpool/pkg/registry"
)

type simulateOptions struct {
	workers     int
	iterations  int
	readRatio   float64
	hold        time.Duration
	metricsAddr string
	trace       bool
}

type simulateResult struct {
	Reads    int64         `json:"reads"`
	Writes   int64         `json:"writes"`
	Failures int64         `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
	Pool     pool.Stats    `json:"pool"`
}

func newSimulateCommand(flags *globalFlags, cfg func() *config.Config) *cobra.Command {
	opts := simulateOptions{}
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run concurrent workers against a pool",
		Long: `Run a multi-goroutine workload against the selected pool. Each worker loops
over read-only lookups and read-write inserts on the users table, holding each
handle for --hold to create contention. Use --debug to follow every acquire and
release, --metrics-addr to scrape the pool while it runs and --trace to print
spans for acquisitions that had to wait.

Example:
  sqlpool simulate --url 'sqlite3:///sim.db?_busy_timeout=5000' --workers 16 --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runSimulation(cmd.Context(), flags, cfg(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d reads, %d writes, %d failures in %s\n",
				res.Reads, res.Writes, res.Failures, res.Elapsed.Round(time.Millisecond))
			fmt.Fprintf(cmd.OutOrStdout(), "created %d connections, closed %d, %d open at the end\n",
				res.Pool.Created, res.Pool.Closed, res.Pool.TotalOpen)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 8, "Number of concurrent workers")
	cmd.Flags().IntVarP(&opts.iterations, "iterations", "n", 100, "Operations per worker")
	cmd.Flags().Float64Var(&opts.readRatio, "read-ratio", 0.8, "Fraction of operations that are read-only")
	cmd.Flags().DurationVar(&opts.hold, "hold", 5*time.Millisecond, "How long each worker keeps its handle")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (e.g. :9090)")
	cmd.Flags().BoolVar(&opts.trace, "trace", false, "Print acquisition spans to stdout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func runSimulation(ctx context.Context, flags *globalFlags, cfg *config.Config, opts simulateOptions) (*simulateResult, error) {
	if opts.workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.workers)
	}

	var tp trace.TracerProvider
	if opts.trace || cfg.Tracing.Enabled {
		sdk, err := observability.NewTracerProvider(observability.DefaultTracingConfig())
		if err != nil {
			return nil, err
		}
		defer sdk.Shutdown(context.Background())
		tp = sdk
	}

	addr := opts.metricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Address
	}
	if addr != "" {
		srv, err := observability.StartMetricsServer(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer srv.Shutdown(context.Background())
	}

	p, err := openPool(flags, cfg, tp)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := registry.FinalizeAll(); err != nil {
			logger.Error("failed to finalize pool", zap.Error(err))
		}
	}()

	s := store.New(p)
	if err := s.Bootstrap(ctx); err != nil {
		return nil, err
	}

	res := &simulateResult{}
	runID := uuid.NewString()[:8]
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		worker := w
		g.Go(func() error {
			log := logger.With(zap.Int("worker", worker))
			for i := 0; i < opts.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}

				var err error
				if rand.Float64() < opts.readRatio {
					err = simulateRead(gctx, p, opts.hold)
					atomic.AddInt64(&res.Reads, 1)
				} else {
					name := fmt.Sprintf("sim-%s-%d-%d", runID, worker, i)
					err = simulateWrite(gctx, p, s, name, opts.hold)
					atomic.AddInt64(&res.Writes, 1)
				}
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					atomic.AddInt64(&res.Failures, 1)
					log.Warn("operation failed", zap.Int("iteration", i), zap.Error(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Elapsed = time.Since(start)
	res.Pool = p.Stats()
	logger.Info("simulation finished",
		zap.Int64("reads", res.Reads),
		zap.Int64("writes", res.Writes),
		zap.Int64("failures", res.Failures),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// The workers use raw handles instead of the store methods so each handle
// stays checked out while the worker sleeps.

func simulateRead(ctx context.Context, p *pool.Pool, hold time.Duration) error {
	return pool.WithReadOnly(ctx, p, func(h pool.Handle) error {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()

		var n int
		if err := cur.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
			return err
		}
		return sleep(ctx, hold)
	})
}

func simulateWrite(ctx context.Context, p *pool.Pool, s *store.Store, name string, hold time.Duration) error {
	return pool.WithReadWrite(ctx, p, func(h pool.Handle) error {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()

		if _, err := cur.Exec(ctx, s.Rebind("INSERT INTO users (name, hash) VALUES (?, ?)"), name, uuid.NewString()); err != nil {
			return err
		}
		return sleep(ctx, hold)
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
