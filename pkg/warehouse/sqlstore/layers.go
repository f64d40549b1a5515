package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

var rawColumns = []string{"batch_id", "seq", "record_key", "source", "account", "entity_type", "payload", "received_at"}

type rawRow struct {
	BatchID    string `db:"batch_id"`
	Seq        int    `db:"seq"`
	RecordKey  string `db:"record_key"`
	Source     string `db:"source"`
	Account    string `db:"account"`
	EntityType string `db:"entity_type"`
	Payload    string `db:"payload"`
	ReceivedAt int64  `db:"received_at"`
}

var entityColumns = []string{"source", "entity_type", "natural_key", "account", "batch_id", "source_updated_at", "attributes", "content_hash"}

type entityRow struct {
	Source          string `db:"source"`
	EntityType      string `db:"entity_type"`
	NaturalKey      string `db:"natural_key"`
	Account         string `db:"account"`
	BatchID         string `db:"batch_id"`
	SourceUpdatedAt int64  `db:"source_updated_at"`
	Attributes      string `db:"attributes"`
	ContentHash     string `db:"content_hash"`
}

type loadRow struct {
	entityRow
	LoadedAt int64 `db:"loaded_at"`
}

func (r entityRow) model() models.StagedEntity {
	return models.StagedEntity{
		Source:          r.Source,
		EntityType:      r.EntityType,
		NaturalKey:      r.NaturalKey,
		Account:         r.Account,
		BatchID:         r.BatchID,
		SourceUpdatedAt: fromMicros(r.SourceUpdatedAt),
		Attributes:      []byte(r.Attributes),
		ContentHash:     r.ContentHash,
	}
}

func entityValues(e models.StagedEntity) []interface{} {
	return []interface{}{e.Source, e.EntityType, e.NaturalKey, e.Account, e.BatchID,
		micros(e.SourceUpdatedAt), string(e.Attributes), e.ContentHash}
}

// AppendRaw inserts records keyed by (batch_id, seq); a re-landed batch
// inserts nothing.
func (s *Store) AppendRaw(ctx context.Context, records []models.RawRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([][]interface{}, 0, len(records))
	for _, r := range records {
		rows = append(rows, []interface{}{r.BatchID, r.Seq, r.RecordKey, r.Source, r.Account,
			r.EntityType, string(r.Payload), micros(r.ReceivedAt)})
	}

	var inserted int
	err := s.inTx(ctx, "appending raw records", func(tx *sqlx.Tx) error {
		var err error
		inserted, err = s.execUpsert(ctx, tx, upsert{
			table:   "raw_records",
			columns: rawColumns,
			keys:    []string{"batch_id", "seq"},
		}, rows)
		return err
	})
	return inserted, err
}

// RawRecords returns a batch's records ordered by seq.
func (s *Store) RawRecords(ctx context.Context, batchID string) ([]models.RawRecord, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(rawColumns...).From("raw_records").Where(sb.Equal("batch_id", batchID)).OrderBy("seq")
	query, args := sb.Build()

	var rows []rawRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading raw records")
	}
	out := make([]models.RawRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.RawRecord{
			BatchID:    r.BatchID,
			Source:     r.Source,
			Account:    r.Account,
			EntityType: r.EntityType,
			RecordKey:  r.RecordKey,
			Seq:        r.Seq,
			Payload:    []byte(r.Payload),
			ReceivedAt: fromMicros(r.ReceivedAt),
		})
	}
	return out, nil
}

// UpsertStaged writes entities, replacing stored ones only when the
// incoming update timestamp is newer or equal.
func (s *Store) UpsertStaged(ctx context.Context, entities []models.StagedEntity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	rows := make([][]interface{}, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, entityValues(e))
	}

	var written int
	err := s.inTx(ctx, "upserting staged entities", func(tx *sqlx.Tx) error {
		var err error
		written, err = s.execUpsert(ctx, tx, upsert{
			table:   "stage_entities",
			columns: entityColumns,
			keys:    []string{"source", "entity_type", "natural_key"},
			update:  []string{"account", "batch_id", "source_updated_at", "attributes", "content_hash"},
			guard:   "{new}.source_updated_at >= {old}.source_updated_at",
		}, rows)
		return err
	})
	return written, err
}

// Staged returns one staged entity.
func (s *Store) Staged(ctx context.Context, source, entityType, naturalKey string) (*models.StagedEntity, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(entityColumns...).From("stage_entities").Where(
		sb.Equal("source", source),
		sb.Equal("entity_type", entityType),
		sb.Equal("natural_key", naturalKey),
	)
	query, args := sb.Build()

	var row entityRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading staged entity")
	}
	e := row.model()
	return &e, nil
}

var qualityColumns = []string{"batch_id", "seq", "record_key", "source", "account", "reason", "recorded_at"}

type qualityRow struct {
	BatchID    string `db:"batch_id"`
	Seq        int    `db:"seq"`
	RecordKey  string `db:"record_key"`
	Source     string `db:"source"`
	Account    string `db:"account"`
	Reason     string `db:"reason"`
	RecordedAt int64  `db:"recorded_at"`
}

// RecordQualityIssues logs rejected records once per (batch, seq).
func (s *Store) RecordQualityIssues(ctx context.Context, issues []models.DataQualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(issues))
	for _, i := range issues {
		rows = append(rows, []interface{}{i.BatchID, i.Seq, i.RecordKey, i.Source, i.Account, i.Reason, micros(i.RecordedAt)})
	}
	return s.inTx(ctx, "recording data quality issues", func(tx *sqlx.Tx) error {
		_, err := s.execUpsert(ctx, tx, upsert{
			table:   "stage_quality_errors",
			columns: qualityColumns,
			keys:    []string{"batch_id", "seq"},
		}, rows)
		return err
	})
}

// QualityIssues returns a batch's recorded issues ordered by seq.
func (s *Store) QualityIssues(ctx context.Context, batchID string) ([]models.DataQualityIssue, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(qualityColumns...).From("stage_quality_errors").Where(sb.Equal("batch_id", batchID)).OrderBy("seq")
	query, args := sb.Build()

	var rows []qualityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading data quality issues")
	}
	out := make([]models.DataQualityIssue, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DataQualityIssue{
			BatchID:    r.BatchID,
			Source:     r.Source,
			Account:    r.Account,
			RecordKey:  r.RecordKey,
			Seq:        r.Seq,
			Reason:     r.Reason,
			RecordedAt: fromMicros(r.RecordedAt),
		})
	}
	return out, nil
}

// MergeLoaded upserts entities into LOAD. An entity older than the stored
// row is skipped, as is one identical in timestamp and content, so replays
// keep the lineage of the batch that first loaded a version.
func (s *Store) MergeLoaded(ctx context.Context, entities []models.StagedEntity, loadedAt time.Time) ([]models.MergeOutcome, error) {
	outcomes := make([]models.MergeOutcome, len(entities))
	if len(entities) == 0 {
		return outcomes, nil
	}

	err := s.inTx(ctx, "merging loaded entities", func(tx *sqlx.Tx) error {
		var rows [][]interface{}
		for i, e := range entities {
			sb := s.dialect.flavor.NewSelectBuilder()
			sb.Select("source_updated_at", "content_hash").From("load_entities").Where(
				sb.Equal("source", e.Source),
				sb.Equal("entity_type", e.EntityType),
				sb.Equal("natural_key", e.NaturalKey),
			)
			query, args := sb.Build()

			var existing struct {
				SourceUpdatedAt int64  `db:"source_updated_at"`
				ContentHash     string `db:"content_hash"`
			}
			err := tx.GetContext(ctx, &existing, query, args...)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				outcomes[i] = models.MergeInserted
			case err != nil:
				return err
			case micros(e.SourceUpdatedAt) < existing.SourceUpdatedAt:
				outcomes[i] = models.MergeSkipped
			case micros(e.SourceUpdatedAt) == existing.SourceUpdatedAt && e.ContentHash == existing.ContentHash:
				outcomes[i] = models.MergeSkipped
			default:
				outcomes[i] = models.MergeUpdated
			}

			if outcomes[i] != models.MergeSkipped {
				rows = append(rows, append(entityValues(e), micros(loadedAt)))
			}
		}

		_, err := s.execUpsert(ctx, tx, upsert{
			table:   "load_entities",
			columns: append(append([]string(nil), entityColumns...), "loaded_at"),
			keys:    []string{"source", "entity_type", "natural_key"},
			update:  []string{"account", "batch_id", "source_updated_at", "attributes", "content_hash", "loaded_at"},
			guard:   "{new}.source_updated_at >= {old}.source_updated_at",
		}, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Loaded returns one LOAD row; a missing row is a not_found error.
func (s *Store) Loaded(ctx context.Context, source, entityType, naturalKey string) (*models.LoadedEntity, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select(append(append([]string(nil), entityColumns...), "loaded_at")...).From("load_entities").Where(
		sb.Equal("source", source),
		sb.Equal("entity_type", entityType),
		sb.Equal("natural_key", naturalKey),
	)
	query, args := sb.Build()

	var row loadRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, s.classify(ctx, err, "reading loaded entity")
	}
	return &models.LoadedEntity{StagedEntity: row.model(), LoadedAt: fromMicros(row.LoadedAt)}, nil
}

// CountLoaded counts LOAD rows of one entity type.
func (s *Store) CountLoaded(ctx context.Context, source, entityType string) (int, error) {
	sb := s.dialect.flavor.NewSelectBuilder()
	sb.Select("COUNT(*)").From("load_entities").Where(
		sb.Equal("source", source),
		sb.Equal("entity_type", entityType),
	)
	query, args := sb.Build()

	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, s.classify(ctx, err, "counting loaded entities")
	}
	return n, nil
}
