// Package testutil provides testing utilities for Tidewater
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/warehouse/sqlstore"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext returns a context that expires after 30 seconds and is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewWarehouse opens a migrated SQLite warehouse in a temp directory. It is
// closed when the test completes.
func NewWarehouse(t *testing.T) *sqlstore.Store {
	t.Helper()
	return OpenWarehouse(t, config.WarehouseConfig{
		Driver:  config.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "warehouse.db"),
		Migrate: true,
	})
}

// OpenWarehouse opens cfg and closes it when the test completes.
func OpenWarehouse(t *testing.T, cfg config.WarehouseConfig) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(TestContext(t), cfg, TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
