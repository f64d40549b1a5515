package sqlstore_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/testutil"
)

func TestPostgresRoundTrip(t *testing.T) {
	dsn := testutil.RequireEnv(t, testutil.EnvPostgresDSN)
	s := testutil.OpenWarehouse(t, config.WarehouseConfig{
		Driver:  config.DriverPostgres,
		DSN:     dsn,
		Migrate: true,
	})
	ctx := testutil.TestContext(t)

	// the database outlives the test, so every key is unique to this run
	run := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	records := []models.RawRecord{
		{BatchID: run, Source: "pg_it", Account: run, EntityType: "Item", RecordKey: "k1", Seq: 0, Payload: []byte(`{"id":"k1"}`), ReceivedAt: now},
		{BatchID: run, Source: "pg_it", Account: run, EntityType: "Item", RecordKey: "k2", Seq: 1, Payload: []byte(`{"id":"k2"}`), ReceivedAt: now},
	}
	n, err := s.AppendRaw(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.AppendRaw(ctx, records)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.RawRecords(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	key := models.AccountKey{Source: "pg_it", Account: run}
	wm, err := s.GetWatermark(ctx, key)
	require.NoError(t, err)
	next, err := wm.Advance(models.TimestampCursor(now), run, now)
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSwapWatermark(ctx, next, 0))
	err = s.CompareAndSwapWatermark(ctx, next, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	stored, err := s.GetWatermark(ctx, key)
	require.NoError(t, err)
	assert.True(t, stored.Cursor.Timestamp.Equal(now))
}
