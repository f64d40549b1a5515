package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/auth"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
)

// Extractor pulls pages from a Source into an ExtractionBatch.
type Extractor struct {
	credentials auth.Provider
	pageSize    int
	maxPages    int
	now         func() time.Time
	logger      *zap.Logger
}

// NewExtractor creates an extractor borrowing credentials from credentials.
func NewExtractor(credentials auth.Provider, pageSize, maxPages int, logger *zap.Logger) *Extractor {
	if maxPages < 1 {
		maxPages = 1
	}
	return &Extractor{
		credentials: credentials,
		pageSize:    pageSize,
		maxPages:    maxPages,
		now:         time.Now,
		logger:      logger.With(zap.String("component", "extractor")),
	}
}

// Extract fetches pages for account starting from wm until the source
// reports the end of data or the page cap is reached.
//
// The batch's To cursor is the last page's high-water mark, never behind wm.
// Records keep provider order in Seq; a record without a readable id is
// keyed "#<seq>".
func (e *Extractor) Extract(ctx context.Context, src core.Source, account models.Account, wm models.Watermark,
	batchID, runID string, asOf time.Time) (*models.ExtractionBatch, error) {
	log := logger.FromContext(ctx, e.logger)
	now := e.now().UTC()

	batch := &models.ExtractionBatch{
		ID:         batchID,
		RunID:      runID,
		Source:     account.Source,
		Account:    account.ID,
		EntityType: src.EntityType(),
		From:       wm.Cursor,
		Status:     models.BatchPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	req := core.PageRequest{
		Account:   account,
		Watermark: wm,
		AsOf:      asOf,
		PageSize:  e.pageSize,
	}

	for batch.Pages < e.maxPages {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.TypeOf(err), "extraction interrupted")
		}

		page, err := e.fetch(ctx, src, req)
		if err != nil {
			return nil, errors.Annotate(err, fmt.Sprintf("fetching page %d", batch.Pages+1))
		}
		batch.Pages++

		received := e.now().UTC()
		for _, item := range page.Records {
			seq := len(batch.Records)
			key := item.Key
			if key == "" {
				key = fmt.Sprintf("#%d", seq)
			}
			batch.Records = append(batch.Records, models.RawRecord{
				BatchID:    batch.ID,
				Source:     batch.Source,
				Account:    batch.Account,
				EntityType: batch.EntityType,
				RecordKey:  key,
				Seq:        seq,
				Payload:    item.Payload,
				ReceivedAt: received,
			})
		}

		if !page.HighWater.IsZero() && !page.HighWater.Before(wm.Cursor) {
			batch.To = page.HighWater
		}
		if page.NextCursor == "" {
			batch.Exhausted = true
			break
		}
		req.Cursor = page.NextCursor
	}

	batch.RecordCount = len(batch.Records)
	metrics.RecordsTotal.WithLabelValues(batch.Source, "extracted").Add(float64(batch.RecordCount))

	if !batch.Exhausted {
		log.Warn("page cap reached before end of data",
			zap.Int("pages", batch.Pages),
			zap.Int("max_pages", e.maxPages))
	}
	log.Info("extracted batch",
		zap.String("batch_id", batch.ID),
		zap.Int("records", batch.RecordCount),
		zap.Int("pages", batch.Pages),
		zap.Stringer("to", batch.To))
	return batch, nil
}

// fetch calls the source with a borrowed credential. A rejected credential
// is invalidated and the page retried once with a fresh one; a second
// rejection is an authentication failure.
func (e *Extractor) fetch(ctx context.Context, src core.Source, req core.PageRequest) (*core.Page, error) {
	key := req.Account.Key()
	for attempt := 0; ; attempt++ {
		cred, err := e.credentials.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		req.Credential = cred

		page, err := src.FetchPage(ctx, req)
		if err == nil {
			if page == nil {
				page = &core.Page{}
			}
			return page, nil
		}
		if !errors.IsType(err, errors.ErrorTypeAuthRejected) {
			return nil, err
		}
		if attempt > 0 {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "provider rejected a freshly issued credential")
		}

		e.logger.Warn("credential rejected, refreshing",
			zap.String("account", key.String()),
			zap.Error(err))
		e.credentials.Invalidate(key)
	}
}
