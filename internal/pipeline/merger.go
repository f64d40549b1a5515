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

// MergeResult counts what the LOAD merge did.
type MergeResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// Loaded is the number of entities written to LOAD.
func (r MergeResult) Loaded() int {
	return r.Inserted + r.Updated
}

// LoadMerger merges staged entities into the LOAD layer.
type LoadMerger struct {
	load   warehouse.LoadStore
	ledger warehouse.BatchLedger
	now    func() time.Time
	logger *zap.Logger
}

// NewLoadMerger creates a load merger.
func NewLoadMerger(load warehouse.LoadStore, ledger warehouse.BatchLedger, logger *zap.Logger) *LoadMerger {
	return &LoadMerger{
		load:   load,
		ledger: ledger,
		now:    time.Now,
		logger: logger.With(zap.String("component", "load_merger")),
	}
}

// Merge upserts entities by natural key with last-writer-wins on
// SourceUpdatedAt and moves the batch to loaded once all are merged.
func (m *LoadMerger) Merge(ctx context.Context, batch *models.ExtractionBatch, entities []models.StagedEntity) (MergeResult, error) {
	var res MergeResult
	now := m.now()

	outcomes, err := m.load.MergeLoaded(ctx, entities, now)
	if err != nil {
		return res, errors.Annotate(err, "merging into load")
	}
	for _, o := range outcomes {
		switch o {
		case models.MergeInserted:
			res.Inserted++
		case models.MergeUpdated:
			res.Updated++
		default:
			res.Skipped++
		}
	}

	detail := fmt.Sprintf("%d inserted, %d updated, %d skipped", res.Inserted, res.Updated, res.Skipped)
	if err := advance(ctx, m.ledger, batch, models.BatchLoaded, detail, now); err != nil {
		return res, err
	}

	metrics.RecordsTotal.WithLabelValues(batch.Source, "loaded").Add(float64(res.Loaded()))
	metrics.RecordsTotal.WithLabelValues(batch.Source, "skipped").Add(float64(res.Skipped))
	logger.FromContext(ctx, m.logger).Info("merged batch",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
