package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.WarehouseConfig{
		Driver:  config.DriverSQLite,
		DSN:     filepath.Join(t.TempDir(), "wh.db"),
		Migrate: true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rawRecord(batch string, seq int, key string) models.RawRecord {
	return models.RawRecord{
		BatchID:    batch,
		Source:     "medallia",
		Account:    "a1",
		EntityType: "Feedback",
		RecordKey:  key,
		Seq:        seq,
		Payload:    []byte(`{"id":"` + key + `"}`),
		ReceivedAt: t0,
	}
}

func entity(key string, updated time.Time, hash, batch string) models.StagedEntity {
	return models.StagedEntity{
		Source:          "medallia",
		EntityType:      "Feedback",
		NaturalKey:      key,
		Account:         "a1",
		BatchID:         batch,
		SourceUpdatedAt: updated,
		Attributes:      []byte(`{"h":"` + hash + `"}`),
		ContentHash:     hash,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.WarehouseConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestAppendRawIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []models.RawRecord{rawRecord("b1", 0, "r1"), rawRecord("b1", 1, "r2"), rawRecord("b1", 2, "r1")}
	n, err := s.AppendRaw(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.AppendRaw(ctx, records)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.RawRecords(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, records[2], got[2])

	empty, err := s.RawRecords(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAppendRawChunksLargeBatches(t *testing.T) {
	s := openTestStore(t)
	records := make([]models.RawRecord, 0, writeChunk*2+7)
	for i := 0; i < cap(records); i++ {
		records = append(records, rawRecord("big", i, "r"))
	}
	n, err := s.AppendRaw(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, len(records), n)
}

func TestUpsertStagedKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertStaged(ctx, []models.StagedEntity{entity("k1", t0, "h1", "b1")})
	require.NoError(t, err)

	n, err := s.UpsertStaged(ctx, []models.StagedEntity{entity("k1", t0.Add(-time.Hour), "old", "b2")})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Staged(ctx, "medallia", "Feedback", "k1")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)

	_, err = s.UpsertStaged(ctx, []models.StagedEntity{entity("k1", t0.Add(time.Hour), "h2", "b3")})
	require.NoError(t, err)
	got, err = s.Staged(ctx, "medallia", "Feedback", "k1")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, "b3", got.BatchID)
	assert.Equal(t, t0.Add(time.Hour), got.SourceUpdatedAt)

	_, err = s.Staged(ctx, "medallia", "Feedback", "nope")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestMergeLoadedOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	out, err := s.MergeLoaded(ctx, []models.StagedEntity{entity("k1", t0, "h1", "b1"), entity("k2", t0, "h1", "b1")}, t0)
	require.NoError(t, err)
	assert.Equal(t, []models.MergeOutcome{models.MergeInserted, models.MergeInserted}, out)

	tests := []struct {
		name    string
		in      models.StagedEntity
		want    models.MergeOutcome
		wantRow string
	}{
		{"older is skipped", entity("k1", t0.Add(-time.Minute), "h0", "b2"), models.MergeSkipped, "b1"},
		{"identical replay is skipped", entity("k1", t0, "h1", "b3"), models.MergeSkipped, "b1"},
		{"same time new content updates", entity("k1", t0, "h9", "b4"), models.MergeUpdated, "b4"},
		{"newer updates", entity("k1", t0.Add(time.Minute), "h2", "b5"), models.MergeUpdated, "b5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.MergeLoaded(ctx, []models.StagedEntity{tt.in}, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, []models.MergeOutcome{tt.want}, out)

			row, err := s.Loaded(ctx, "medallia", "Feedback", "k1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantRow, row.BatchID)
		})
	}

	n, err := s.CountLoaded(ctx, "medallia", "Feedback")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	none, err := s.MergeLoaded(ctx, nil, t0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQualityIssuesRecordedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	issues := []models.DataQualityIssue{
		{BatchID: "b1", Source: "qualtrics", Account: "a1", RecordKey: "#3", Seq: 3, Reason: "missing responseId", RecordedAt: t0},
		{BatchID: "b1", Source: "qualtrics", Account: "a1", RecordKey: "R_1", Seq: 1, Reason: "bad date", RecordedAt: t0},
	}
	require.NoError(t, s.RecordQualityIssues(ctx, issues))
	require.NoError(t, s.RecordQualityIssues(ctx, issues))

	got, err := s.QualityIssues(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Seq)
	assert.Equal(t, "missing responseId", got[1].Reason)
}

func TestBatchLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := &models.ExtractionBatch{
		ID:          "b1",
		RunID:       "run-1",
		Source:      "toast_orders",
		Account:     "r1",
		EntityType:  "Order",
		From:        models.TimestampCursor(t0),
		To:          models.TimestampCursor(t0.Add(time.Hour)),
		Pages:       2,
		Exhausted:   true,
		RecordCount: 150,
		CreatedAt:   t0,
	}
	require.NoError(t, s.CreateBatch(ctx, b))

	got, err := s.Batch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, got.Status)
	assert.Equal(t, b.To, got.To)
	assert.True(t, got.Exhausted)
	assert.Equal(t, 150, got.RecordCount)

	require.NoError(t, s.TransitionBatch(ctx, "b1", models.BatchPending, models.BatchLanded, "150 raw rows", t0.Add(time.Minute)))

	err = s.TransitionBatch(ctx, "b1", models.BatchPending, models.BatchLanded, "again", t0.Add(2*time.Minute))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	err = s.TransitionBatch(ctx, "b1", models.BatchLanded, models.BatchLoaded, "skip", t0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	require.NoError(t, s.TransitionBatch(ctx, "b1", models.BatchLanded, models.BatchFailed, "quality threshold", t0.Add(3*time.Minute)))

	got, err = s.Batch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchFailed, got.Status)
	assert.Equal(t, "quality threshold", got.Error)
	assert.Equal(t, t0.Add(3*time.Minute), got.UpdatedAt)

	events, err := s.BatchEvents(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.BatchStatus(""), events[0].FromStatus)
	assert.Equal(t, models.BatchPending, events[0].ToStatus)
	assert.Equal(t, models.BatchLanded, events[1].ToStatus)
	assert.Equal(t, models.BatchFailed, events[2].ToStatus)

	_, err = s.Batch(ctx, "missing")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestWatermarkCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := models.AccountKey{Source: "qualtrics", Account: "SV_1"}

	wm, err := s.GetWatermark(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, wm.Version)
	assert.True(t, wm.Cursor.IsZero())

	first, err := wm.Advance(models.TokenCursor("tok-1"), "b1", t0)
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSwapWatermark(ctx, first, 0))

	// a second writer that read version 0 loses
	err = s.CompareAndSwapWatermark(ctx, first, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	second, err := first.Advance(models.TokenCursor("tok-2"), "b2", t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CompareAndSwapWatermark(ctx, second, 1))

	stale, err := first.Advance(models.TokenCursor("tok-x"), "b3", t0.Add(2*time.Hour))
	require.NoError(t, err)
	err = s.CompareAndSwapWatermark(ctx, stale, 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	got, err := s.GetWatermark(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "tok-2", got.Cursor.Token)
	assert.Equal(t, "b2", got.LastBatchID)

	all, err := s.ListWatermarks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, got, all[0])

	err = s.CompareAndSwapWatermark(ctx, got, 2)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestWatermarkRaceHasOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := models.Watermark{Source: "medallia", Account: "u1"}

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next, _ := base.Advance(models.TimestampCursor(t0.Add(time.Duration(i)*time.Minute)), "b", t0)
			results[i] = s.CompareAndSwapWatermark(ctx, next, 0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict), err)
	}
	assert.Equal(t, 1, wins)
}

func TestRunsLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := models.AccountKey{Source: "toast_orders", Account: "r1"}

	for i, state := range []models.RunState{models.RunCommitted, models.RunFailed} {
		run := models.RunResult{
			RunID:      "run-" + string(rune('a'+i)),
			Source:     key.Source,
			Account:    key.Account,
			State:      state,
			Counts:     models.RunCounts{Extracted: 10 * (i + 1), Loaded: 5},
			Watermark:  models.TimestampCursor(t0),
			StartedAt:  t0.Add(time.Duration(i) * time.Hour),
			FinishedAt: t0.Add(time.Duration(i)*time.Hour + time.Minute),
		}
		if state == models.RunFailed {
			run.FailedIn = models.RunStaging
			run.Error = "quality threshold exceeded"
			run.ErrorType = string(errors.ErrorTypeQualityThreshold)
		}
		require.NoError(t, s.RecordRun(ctx, run))
	}

	// re-recording replaces
	require.NoError(t, s.RecordRun(ctx, models.RunResult{
		RunID: "run-a", Source: key.Source, Account: key.Account, State: models.RunCommitted,
		Counts: models.RunCounts{Extracted: 11}, StartedAt: t0,
	}))

	runs, err := s.RecentRuns(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].RunID)
	assert.Equal(t, models.RunStaging, runs[0].FailedIn)
	assert.Equal(t, 20, runs[0].Counts.Extracted)
	assert.Equal(t, t0, runs[0].Watermark.Timestamp)
	assert.Equal(t, 11, runs[1].Counts.Extracted)

	limited, err := s.RecentRuns(ctx, key, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestClassify(t *testing.T) {
	s := &Store{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, s.classify(context.Background(), nil, "op"))
	assert.True(t, errors.IsType(s.classify(ctx, assert.AnError, "op"), errors.ErrorTypeCancelled))
	assert.True(t, errors.IsRetryable(s.classify(context.Background(), assert.AnError, "op")))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
	assert.Equal(t, "file:x.db?mode=ro", sqliteDSN("file:x.db?mode=ro"))
	dsn := sqliteDSN("/tmp/wh.db")
	assert.Contains(t, dsn, "file:/tmp/wh.db?")
	assert.Contains(t, dsn, "busy_timeout")
}
