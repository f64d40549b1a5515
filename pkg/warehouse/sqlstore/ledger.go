package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	jsonpool "github.com/ajitpratap0/tidewater/pkg/json"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

var batchColumns = []string{"id", "run_id", "source", "account", "entity_type", "from_cursor", "to_cursor",
	"status", "pages", "exhausted", "record_count", "error", "created_at", "updated_at"}

type batchRow struct {
	ID          string `db:"id"`
	RunID       string `db:"run_id"`
	Source      string `db:"source"`
	Account     string `db:"account"`
	EntityType  string `db:"entity_type"`
	FromCursor  string `db:"from_cursor"`
	ToCursor    string `db:"to_cursor"`
	Status      string `db:"status"`
	Pages       int    `db:"pages"`
	Exhausted   int    `db:"exhausted"`
	RecordCount int    `db:"record_count"`
	Error       string `db:"error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

type eventRow struct {
	BatchID    string `db:"batch_id"`
	Seq        int    `db:"seq"`
	FromStatus string `db:"from_status"`
	ToStatus   string `db:"to_status"`
	Detail     string `db:"detail"`
	OccurredAt int64  `db:"occurred_at"`
}

func encodeCursor(c models.Cursor) (string, error) {
	b, err := jsonpool.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding cursor")
	}
	return string(b), nil
}

func decodeCursor(v string) (models.Cursor, error) {
	var c models.Cursor
	if v == "" {
		return c, nil
	}
	if err := jsonpool.Unmarshal([]byte(v), &c); err != nil {
		return c, errors.Wrap(err, errors.ErrorTypeInternal, "decoding stored cursor")
	}
	if !c.Timestamp.IsZero() {
		c.Timestamp = c.Timestamp.UTC()
	}
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateBatch stores a new batch and its creation event.
func (s *Store) CreateBatch(ctx context.Context, b *models.ExtractionBatch) error {
	from, err := encodeCursor(b.From)
	if err != nil {
		return err
	}
	to, err := encodeCursor(b.To)
	if err != nil {
		return err
	}
	status := b.Status
	if status == "" {
		status = models.BatchPending
	}

	return s.inTx(ctx, "creating batch", func(tx *sqlx.Tx) error {
		ib := s.dialect.flavor.NewInsertBuilder()
		ib.InsertInto("pipeline_batches").Cols(batchColumns...).Values(
			b.ID, b.RunID, b.Source, b.Account, b.EntityType, from, to, string(status),
			b.Pages, boolInt(b.Exhausted), b.RecordCount, b.Error, micros(b.CreatedAt), micros(b.CreatedAt),
		)
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, models.BatchEvent{
			BatchID:  b.ID,
			ToStatus: status,
			Detail:   fmt.Sprintf("%d records over %d pages", b.RecordCount, b.Pages),
			At:       b.CreatedAt,
		})
	})
}

// TransitionBatch moves a batch from one status to the next.
func (s *Store) TransitionBatch(ctx context.Context, batchID string, from, to models.BatchStatus, detail string, at time.Time) error {
	if !from.CanTransition(to) {
		return errors.Newf(errors.ErrorTypeValidation, "batch %s cannot move from %s to %s", batchID, from, to)
	}

	return s.inTx(ctx, "transitioning batch", func(tx *sqlx.Tx) error {
		ub := s.dialect.flavor.NewUpdateBuilder()
		assignments := []string{ub.Assign("status", string(to)), ub.Assign("updated_at", micros(at))}
		if to == models.BatchFailed {
			assignments = append(assignments, ub.Assign("error", detail))
		}
		ub.Update("pipeline_batches").Set(assignments...).Where(
			ub.Equal("id", batchID),
			ub.Equal("status", string(from)),
		)
		query, args := ub.Build()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Newf(errors.ErrorTypeConflict, "batch %s is not %s", batchID, from)
		}
		return s.appendEvent(ctx, tx, models.BatchEvent{
			BatchID:    batchID,
			FromStatus: from,
			ToStatus:   to,
			Detail:     detail,
			At:         at,
		})
	})
}

func (s *Store) appendEvent(ctx context.Context, tx *sqlx.Tx, e models.BatchEvent) error {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From("pipeline_batch_events").Where(sb.Equal("batch_id", e.BatchID))
	query, args := sb.Build()
	var seq int
	if err := tx.GetContext(ctx, &seq, query, args...); err != nil {
		return err
	}

	ib := s.dialect.flavor.NewInsertBuilder()
	ib.InsertInto("pipeline_batch_events").
		Cols("batch_id", "seq", "from_status", "to_status", "detail", "occurred_at").
		Values(e.BatchID, seq+1, string(e.FromStatus), string(e.ToStatus), e.Detail, micros(e.At))
	query, args = ib.Build()
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// Batch returns one batch without its records.
func (s *Store) Batch(ctx context.Context, batchID string) (*models.ExtractionBatch, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(batchColumns...).From("pipeline_batches").Where(sb.Equal("id", batchID))
	query, args := sb.Build()

	var row batchRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, s.classify(ctx, err, fmt.Sprintf("reading batch %s", batchID))
	}
	from, err := decodeCursor(row.FromCursor)
	if err != nil {
		return nil, err
	}
	to, err := decodeCursor(row.ToCursor)
	if err != nil {
		return nil, err
	}
	return &models.ExtractionBatch{
		ID:          row.ID,
		RunID:       row.RunID,
		Source:      row.Source,
		Account:     row.Account,
		EntityType:  row.EntityType,
		From:        from,
		To:          to,
		Status:      models.BatchStatus(row.Status),
		Pages:       row.Pages,
		Exhausted:   row.Exhausted != 0,
		RecordCount: row.RecordCount,
		Error:       row.Error,
		CreatedAt:   fromMicros(row.CreatedAt),
		UpdatedAt:   fromMicros(row.UpdatedAt),
	}, nil
}

// BatchEvents returns a batch's audit trail in order.
func (s *Store) BatchEvents(ctx context.Context, batchID string) ([]models.BatchEvent, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select("batch_id", "seq", "from_status", "to_status", "detail", "occurred_at").
		From("pipeline_batch_events").Where(sb.Equal("batch_id", batchID)).OrderBy("seq")
	query, args := sb.Build()

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading batch events")
	}
	out := make([]models.BatchEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.BatchEvent{
			BatchID:    r.BatchID,
			FromStatus: models.BatchStatus(r.FromStatus),
			ToStatus:   models.BatchStatus(r.ToStatus),
			Detail:     r.Detail,
			At:         fromMicros(r.OccurredAt),
		})
	}
	return out, nil
}

type watermarkRow struct {
	Source      string `db:"source"`
	Account     string `db:"account"`
	Position    string `db:"position"`
	LastBatchID string `db:"last_batch_id"`
	Version     int64  `db:"version"`
	UpdatedAt   int64  `db:"updated_at"`
}

var watermarkColumns = []string{"source", "account", "position", "last_batch_id", "version", "updated_at"}

func (r watermarkRow) model() (models.Watermark, error) {
	c, err := decodeCursor(r.Position)
	if err != nil {
		return models.Watermark{}, err
	}
	return models.Watermark{
		Source:      r.Source,
		Account:     r.Account,
		Cursor:      c,
		LastBatchID: r.LastBatchID,
		Version:     r.Version,
		UpdatedAt:   fromMicros(r.UpdatedAt),
	}, nil
}

// GetWatermark returns the committed watermark of an account.
func (s *Store) GetWatermark(ctx context.Context, key models.AccountKey) (models.Watermark, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(watermarkColumns...).From("pipeline_watermarks").Where(
		sb.Equal("source", key.Source),
		sb.Equal("account", key.Account),
	)
	query, args := sb.Build()

	var row watermarkRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Watermark{Source: key.Source, Account: key.Account}, nil
	}
	if err != nil {
		return models.Watermark{}, s.classify(ctx, err, "reading watermark")
	}
	return row.model()
}

// CompareAndSwapWatermark writes next if the stored version is still
// expectedVersion. Version 0 means no row exists yet.
func (s *Store) CompareAndSwapWatermark(ctx context.Context, next models.Watermark, expectedVersion int64) error {
	if next.Version <= expectedVersion {
		return errors.Newf(errors.ErrorTypeValidation, "watermark version must increase past %d", expectedVersion)
	}
	cursor, err := encodeCursor(next.Cursor)
	if err != nil {
		return err
	}

	return s.inTx(ctx, "committing watermark", func(tx *sqlx.Tx) error {
		var n int64
		if expectedVersion == 0 {
			affected, err := s.execUpsert(ctx, tx, upsert{
				table:   "pipeline_watermarks",
				columns: watermarkColumns,
				keys:    []string{"source", "account"},
			}, [][]interface{}{{next.Source, next.Account, cursor, next.LastBatchID, next.Version, micros(next.UpdatedAt)}})
			if err != nil {
				return err
			}
			n = int64(affected)
		} else {
			ub := s.dialect.flavor.NewUpdateBuilder()
			ub.Update("pipeline_watermarks").Set(
				ub.Assign("position", cursor),
				ub.Assign("last_batch_id", next.LastBatchID),
				ub.Assign("version", next.Version),
				ub.Assign("updated_at", micros(next.UpdatedAt)),
			).Where(
				ub.Equal("source", next.Source),
				ub.Equal("account", next.Account),
				ub.Equal("version", expectedVersion),
			)
			query, args := ub.Build()
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			if n, err = res.RowsAffected(); err != nil {
				return err
			}
		}

		if n == 0 {
			return errors.Newf(errors.ErrorTypeConflict, "watermark for %s moved past version %d", next.Key(), expectedVersion)
		}
		return nil
	})
}

// ListWatermarks returns every committed watermark.
func (s *Store) ListWatermarks(ctx context.Context) ([]models.Watermark, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(watermarkColumns...).From("pipeline_watermarks").OrderBy("source", "account")
	query, args := sb.Build()

	var rows []watermarkRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.classify(ctx, err, "listing watermarks")
	}
	out := make([]models.Watermark, 0, len(rows))
	for _, r := range rows {
		wm, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return out, nil
}

var runColumns = []string{"run_id", "source", "account", "batch_id", "state", "failed_in", "counts",
	"watermark", "error", "error_type", "started_at", "finished_at"}

type runRow struct {
	RunID      string `db:"run_id"`
	Source     string `db:"source"`
	Account    string `db:"account"`
	BatchID    string `db:"batch_id"`
	State      string `db:"state"`
	FailedIn   string `db:"failed_in"`
	Counts     string `db:"counts"`
	Watermark  string `db:"watermark"`
	Error      string `db:"error"`
	ErrorType  string `db:"error_type"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
}

// RecordRun inserts or replaces a run's ledger row.
func (s *Store) RecordRun(ctx context.Context, run models.RunResult) error {
	counts, err := jsonpool.Marshal(run.Counts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding run counts")
	}
	wm, err := encodeCursor(run.Watermark)
	if err != nil {
		return err
	}

	return s.inTx(ctx, "recording run", func(tx *sqlx.Tx) error {
		_, err := s.execUpsert(ctx, tx, upsert{
			table:   "pipeline_runs",
			columns: runColumns,
			keys:    []string{"run_id"},
			update:  runColumns[1:],
		}, [][]interface{}{{run.RunID, run.Source, run.Account, run.BatchID, string(run.State), string(run.FailedIn),
			string(counts), wm, run.Error, run.ErrorType, micros(run.StartedAt), micros(run.FinishedAt)}})
		return err
	})
}

// RecentRuns returns an account's latest runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, key models.AccountKey, limit int) ([]models.RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(runColumns...).From("pipeline_runs").Where(
		sb.Equal("source", key.Source),
		sb.Equal("account", key.Account),
	).OrderBy("started_at").Desc().Limit(limit)
	query, args := sb.Build()

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading runs")
	}
	out := make([]models.RunResult, 0, len(rows))
	for _, r := range rows {
		var counts models.RunCounts
		if err := jsonpool.Unmarshal([]byte(r.Counts), &counts); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "decoding run counts")
		}
		wm, err := decodeCursor(r.Watermark)
		if err != nil {
			return nil, err
		}
		out = append(out, models.RunResult{
			RunID:      r.RunID,
			Source:     r.Source,
			Account:    r.Account,
			BatchID:    r.BatchID,
			State:      models.RunState(r.State),
			FailedIn:   models.RunState(r.FailedIn),
			Counts:     counts,
			Watermark:  wm,
			Error:      r.Error,
			ErrorType:  r.ErrorType,
			StartedAt:  fromMicros(r.StartedAt),
			FinishedAt: fromMicros(r.FinishedAt),
		})
	}
	return out, nil
}
