package testutil

import (
	"os"
	"testing"
)

// Environment variables that point integration tests at real services.
const (
	EnvPostgresDSN = "TIDEWATER_TEST_POSTGRES_DSN"
	EnvRedisAddr   = "TIDEWATER_TEST_REDIS_ADDR"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireEnv returns the value of name, skipping the test when it is unset.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	IntegrationTest(t)
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}
