// Package testutil provides testing utilities shared by the sqlpool
// packages.
package testutil

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/sqlpool/pkg/logger"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context with a 30-second timeout that is cancelled
// when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ObserveLogs swaps the global logger for one recording entries at level
// and above. The previous logger is restored when the test completes.
func ObserveLogs(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	t.Cleanup(logger.Replace(zap.New(core)))
	return logs
}

// SQLiteURL returns a sqlite3 URL for a fresh database file in the test's
// temporary directory. Connections wait on locks instead of failing.
func SQLiteURL(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	q := url.Values{"_busy_timeout": []string{"5000"}}
	return "sqlite3:///" + path + "?" + q.Encode()
}
