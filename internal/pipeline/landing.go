package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/warehouse"
)

// Archiver mirrors a landed batch somewhere outside the warehouse.
type Archiver interface {
	Archive(ctx context.Context, batch *models.ExtractionBatch) (string, error)
}

// LandingWriter appends extracted batches to the RAW layer.
type LandingWriter struct {
	raw     warehouse.RawStore
	ledger  warehouse.BatchLedger
	archive Archiver
	now     func() time.Time
	logger  *zap.Logger
}

// NewLandingWriter creates a landing writer. archive may be nil.
func NewLandingWriter(raw warehouse.RawStore, ledger warehouse.BatchLedger, archive Archiver, logger *zap.Logger) *LandingWriter {
	return &LandingWriter{
		raw:     raw,
		ledger:  ledger,
		archive: archive,
		now:     time.Now,
		logger:  logger.With(zap.String("component", "landing_writer")),
	}
}

// Land writes the batch's records to RAW and moves it to landed. Landing a
// batch again inserts nothing and leaves the status alone.
func (w *LandingWriter) Land(ctx context.Context, batch *models.ExtractionBatch) (int, error) {
	log := logger.FromContext(ctx, w.logger)

	inserted, err := w.raw.AppendRaw(ctx, batch.Records)
	if err != nil {
		return 0, errors.Annotate(err, "landing raw records")
	}

	if w.archive != nil {
		key, err := w.archive.Archive(ctx, batch)
		if err != nil {
			return inserted, errors.Annotate(err, "archiving landed batch")
		}
		log.Debug("archived batch", zap.String("object", key))
	}

	detail := fmt.Sprintf("%d of %d records new", inserted, len(batch.Records))
	if err := advance(ctx, w.ledger, batch, models.BatchLanded, detail, w.now()); err != nil {
		return inserted, err
	}

	metrics.RecordsTotal.WithLabelValues(batch.Source, "landed").Add(float64(inserted))
	log.Info("landed batch", zap.Int("inserted", inserted), zap.Int("records", len(batch.Records)))
	return inserted, nil
}

var predecessor = map[models.BatchStatus]models.BatchStatus{
	models.BatchLanded: models.BatchPending,
	models.BatchStaged: models.BatchLanded,
	models.BatchLoaded: models.BatchStaged,
}

// advance moves batch to target along the success path. A batch already at
// or beyond target is left alone, so re-running a stage never regresses it.
func advance(ctx context.Context, ledger warehouse.BatchLedger, batch *models.ExtractionBatch,
	target models.BatchStatus, detail string, at time.Time) error {
	if batch.Status.Reached(target) {
		return nil
	}

	err := ledger.TransitionBatch(ctx, batch.ID, predecessor[target], target, detail, at)
	if err == nil {
		batch.Status = target
		batch.UpdatedAt = at.UTC()
		return nil
	}
	if !errors.IsType(err, errors.ErrorTypeConflict) {
		return err
	}

	// The stored status moved under us; accept it if it is already past target.
	current, getErr := ledger.Batch(ctx, batch.ID)
	if getErr != nil {
		return err
	}
	batch.Status = current.Status
	if current.Status.Reached(target) {
		return nil
	}
	return err
}
