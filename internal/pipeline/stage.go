package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/warehouse"
)

// StageResult is what staging one batch produced.
type StageResult struct {
	// Records is the number of RAW records read
	Records int
	// Entities are the deduplicated staged entities, ordered by natural key
	Entities []models.StagedEntity
	Issues   []models.DataQualityIssue
	Upserted int
}

// ErrorRate is the fraction of records that could not be staged.
func (r *StageResult) ErrorRate() float64 {
	if r.Records == 0 {
		return 0
	}
	return float64(len(r.Issues)) / float64(r.Records)
}

// StageTransformer turns a landed batch into STAGE entities.
type StageTransformer struct {
	registry     *registry.Registry
	raw          warehouse.RawStore
	stage        warehouse.StageStore
	ledger       warehouse.BatchLedger
	maxErrorRate float64
	now          func() time.Time
	logger       *zap.Logger
}

// NewStageTransformer creates a stage transformer that fails batches whose
// malformed-record rate exceeds maxErrorRate.
func NewStageTransformer(reg *registry.Registry, raw warehouse.RawStore, stage warehouse.StageStore,
	ledger warehouse.BatchLedger, maxErrorRate float64, logger *zap.Logger) *StageTransformer {
	return &StageTransformer{
		registry:     reg,
		raw:          raw,
		stage:        stage,
		ledger:       ledger,
		maxErrorRate: maxErrorRate,
		now:          time.Now,
		logger:       logger.With(zap.String("component", "stage_transformer")),
	}
}

type candidate struct {
	entity models.StagedEntity
	seq    int
}

// Stage transforms the batch's landed records with the transformer selected
// by the batch's source, records malformed records as data-quality issues,
// upserts the newest entity per natural key and moves the batch to staged.
//
// When the issue rate exceeds the threshold the issues are still recorded,
// nothing is staged and a quality_threshold error is returned together with
// the partial result.
func (s *StageTransformer) Stage(ctx context.Context, batch *models.ExtractionBatch) (*StageResult, error) {
	log := logger.FromContext(ctx, s.logger)

	tr, err := s.registry.Transformer(batch.Source)
	if err != nil {
		return nil, err
	}
	records, err := s.raw.RawRecords(ctx, batch.ID)
	if err != nil {
		return nil, errors.Annotate(err, "reading landed records")
	}

	res := &StageResult{Records: len(records)}
	now := s.now().UTC()
	var candidates []candidate
	for _, rec := range records {
		entity, err := transform(tr, rec)
		if err != nil {
			res.Issues = append(res.Issues, models.DataQualityIssue{
				BatchID:    rec.BatchID,
				Source:     rec.Source,
				Account:    rec.Account,
				RecordKey:  rec.RecordKey,
				Seq:        rec.Seq,
				Reason:     err.Error(),
				RecordedAt: now,
			})
			continue
		}
		if entity != nil {
			candidates = append(candidates, candidate{entity: *entity, seq: rec.Seq})
		}
	}
	res.Entities = newestByKey(candidates)

	if len(res.Issues) > 0 {
		if err := s.stage.RecordQualityIssues(ctx, res.Issues); err != nil {
			return res, errors.Annotate(err, "recording data-quality issues")
		}
		metrics.RecordsTotal.WithLabelValues(batch.Source, "malformed").Add(float64(len(res.Issues)))
		log.Warn("malformed records in batch",
			zap.Int("issues", len(res.Issues)),
			zap.Int("records", res.Records))
	}

	if rate := res.ErrorRate(); rate > s.maxErrorRate {
		return res, errors.Newf(errors.ErrorTypeQualityThreshold,
			"%d of %d records malformed (%.0f%%), above the %.0f%% limit",
			len(res.Issues), res.Records, rate*100, s.maxErrorRate*100).
			WithDetail("batch_id", batch.ID)
	}

	res.Upserted, err = s.stage.UpsertStaged(ctx, res.Entities)
	if err != nil {
		return res, errors.Annotate(err, "upserting staged entities")
	}

	detail := fmt.Sprintf("%d entities, %d issues", len(res.Entities), len(res.Issues))
	if err := advance(ctx, s.ledger, batch, models.BatchStaged, detail, s.now()); err != nil {
		return res, err
	}

	metrics.RecordsTotal.WithLabelValues(batch.Source, "staged").Add(float64(len(res.Entities)))
	log.Info("staged batch",
		zap.Int("entities", len(res.Entities)),
		zap.Int("upserted", res.Upserted),
		zap.Int("issues", len(res.Issues)))
	return res, nil
}

// transform runs tr, turning a panic on hostile provider data into a data error.
func transform(tr core.Transformer, rec models.RawRecord) (entity *models.StagedEntity, err error) {
	defer func() {
		if r := recover(); r != nil {
			entity = nil
			err = core.DataError(rec, "transformer panicked: %v", r)
		}
	}()
	return tr.Transform(rec)
}

// newestByKey keeps one entity per natural key: the newest SourceUpdatedAt,
// and on a tie the later Seq. Candidates arrive in Seq order.
func newestByKey(candidates []candidate) []models.StagedEntity {
	best := make(map[string]candidate, len(candidates))
	for _, c := range candidates {
		cur, ok := best[c.entity.NaturalKey]
		if !ok || !c.entity.SourceUpdatedAt.Before(cur.entity.SourceUpdatedAt) {
			best[c.entity.NaturalKey] = c
		}
	}

	out := make([]models.StagedEntity, 0, len(best))
	for _, c := range best {
		out = append(out, c.entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NaturalKey < out[j].NaturalKey })
	return out
}
