// Package warehouse defines the layered storage the pipeline writes to.
//
// Tables are grouped per layer by prefix: raw_ holds landed provider
// payloads (append-only), stage_ holds normalised entities keyed by natural
// key, load_ holds the consumable merge target, and pipeline_ holds the
// operational ledgers (batches, batch events, watermarks, runs). Every
// write is idempotent so a stage can be retried or replayed.
package warehouse

import (
	"context"
	"time"

	"github.com/ajitpratap0/tidewater/pkg/models"
)

// RawStore appends landed records.
type RawStore interface {
	// AppendRaw inserts records in one transaction. Rows already present
	// for (batch_id, seq) are left alone; the count of newly
	// inserted rows is returned.
	AppendRaw(ctx context.Context, records []models.RawRecord) (int, error)
	// RawRecords returns a batch's records in provider order.
	RawRecords(ctx context.Context, batchID string) ([]models.RawRecord, error)
}

// StageStore holds normalised entities and the data-quality log.
type StageStore interface {
	// UpsertStaged writes entities in one transaction, replacing a stored
	// entity only when the incoming SourceUpdatedAt is newer or equal.
	UpsertStaged(ctx context.Context, entities []models.StagedEntity) (int, error)
	RecordQualityIssues(ctx context.Context, issues []models.DataQualityIssue) error
	QualityIssues(ctx context.Context, batchID string) ([]models.DataQualityIssue, error)
	Staged(ctx context.Context, source, entityType, naturalKey string) (*models.StagedEntity, error)
}

// LoadStore is the natural-key merge target.
type LoadStore interface {
	// MergeLoaded upserts entities in one transaction with last-writer-wins
	// by SourceUpdatedAt and reports what happened to each entity.
	MergeLoaded(ctx context.Context, entities []models.StagedEntity, loadedAt time.Time) ([]models.MergeOutcome, error)
	Loaded(ctx context.Context, source, entityType, naturalKey string) (*models.LoadedEntity, error)
	CountLoaded(ctx context.Context, source, entityType string) (int, error)
}

// BatchLedger tracks extraction batches and their append-only event log.
type BatchLedger interface {
	CreateBatch(ctx context.Context, batch *models.ExtractionBatch) error
	// TransitionBatch moves a batch from one status to another and appends
	// an event. It fails with a conflict error when the batch is not in from.
	TransitionBatch(ctx context.Context, batchID string, from, to models.BatchStatus, detail string, at time.Time) error
	Batch(ctx context.Context, batchID string) (*models.ExtractionBatch, error)
	BatchEvents(ctx context.Context, batchID string) ([]models.BatchEvent, error)
}

// WatermarkStore persists extraction positions.
type WatermarkStore interface {
	// GetWatermark returns the stored watermark, or a zero watermark with
	// Version 0 when the account has never committed.
	GetWatermark(ctx context.Context, key models.AccountKey) (models.Watermark, error)
	// CompareAndSwapWatermark stores next only if the stored version still
	// equals expectedVersion. A lost race is a conflict error.
	CompareAndSwapWatermark(ctx context.Context, next models.Watermark, expectedVersion int64) error
	ListWatermarks(ctx context.Context) ([]models.Watermark, error)
}

// RunLedger records run outcomes.
type RunLedger interface {
	RecordRun(ctx context.Context, run models.RunResult) error
	RecentRuns(ctx context.Context, key models.AccountKey, limit int) ([]models.RunResult, error)
}

// Warehouse is the full storage surface of the pipeline.
type Warehouse interface {
	RawStore
	StageStore
	LoadStore
	BatchLedger
	WatermarkStore
	RunLedger

	Ping(ctx context.Context) error
	Close() error
}
