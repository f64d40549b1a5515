// Package pipeline runs incremental extraction for provider accounts.
//
// # Overview
//
// One run moves one (source, account) through a fixed state machine:
//
//	pending → extracting → landing → staging → loading → committed
//
// with failed reachable from every non-terminal state. Each stage is
// idempotent, so a stage that fails on a transient error is retried in
// place and a whole run can be repeated or replayed without duplicating
// data:
//
//   - Extractor pulls pages from the source starting at the committed watermark
//   - LandingWriter appends the raw payloads to the RAW layer
//   - StageTransformer normalises them into STAGE and logs malformed records
//   - LoadMerger merges entities into LOAD by natural key
//
// The watermark only moves on entry to committed, through a compare-and-swap
// on the version read at run start. Runs of the same account are serialised
// with a lease; runs of different accounts share nothing and run in parallel.
//
// # Basic Usage
//
//	o, err := pipeline.New(pipeline.Deps{
//	    Config:      cfg,
//	    Registry:    registry.Global(),
//	    Warehouse:   store,
//	    Credentials: creds,
//	    Leaser:      lease.NewLocal(),
//	    Alerts:      alerting.NewLogSink(logger),
//	    Logger:      logger,
//	})
//	results, err := o.RunAll(ctx, time.Now(), "")
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tidewater/pkg/alerting"
	"github.com/ajitpratap0/tidewater/pkg/auth"
	"github.com/ajitpratap0/tidewater/pkg/clients"
	"github.com/ajitpratap0/tidewater/pkg/config"
	"github.com/ajitpratap0/tidewater/pkg/connector/core"
	"github.com/ajitpratap0/tidewater/pkg/connector/registry"
	"github.com/ajitpratap0/tidewater/pkg/errors"
	"github.com/ajitpratap0/tidewater/pkg/lease"
	"github.com/ajitpratap0/tidewater/pkg/logger"
	"github.com/ajitpratap0/tidewater/pkg/metrics"
	"github.com/ajitpratap0/tidewater/pkg/models"
	"github.com/ajitpratap0/tidewater/pkg/observability"
	"github.com/ajitpratap0/tidewater/pkg/retry"
	"github.com/ajitpratap0/tidewater/pkg/warehouse"
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Config      *config.Config
	Registry    *registry.Registry
	Warehouse   warehouse.Warehouse
	Credentials auth.Provider
	// Leaser defaults to a process-local leaser
	Leaser lease.Leaser
	// Alerts defaults to logging fatal runs
	Alerts alerting.Sink
	// Archiver is optional
	Archiver Archiver
	Logger   *zap.Logger
}

// Orchestrator drives runs for the configured accounts.
type Orchestrator struct {
	cfg       *config.Config
	wh        warehouse.Warehouse
	leaser    lease.Leaser
	alerts    alerting.Sink
	sources   map[string]core.Source
	extractor *Extractor
	landing   *LandingWriter
	stager    *StageTransformer
	merger    *LoadMerger

	sleep  retry.SleepFunc
	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep replaces the wait between stage retries.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDs replaces the run and batch id generator.
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithSource uses src for its source name instead of building one from the
// registry.
func WithSource(src core.Source) Option {
	return func(o *Orchestrator) { o.sources[src.Name()] = src }
}

// New creates an orchestrator and builds a Source for every source the
// configured accounts use.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Config == nil || deps.Warehouse == nil || deps.Credentials == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "orchestrator needs a config, a warehouse and a credential provider")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	reg := deps.Registry
	if reg == nil {
		reg = registry.Global()
	}

	o := &Orchestrator{
		cfg:     deps.Config,
		wh:      deps.Warehouse,
		leaser:  deps.Leaser,
		alerts:  deps.Alerts,
		sources: make(map[string]core.Source),
		sleep:   retry.TimerSleep,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  log.With(zap.String("component", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.leaser == nil {
		o.leaser = lease.NewLocal()
	}
	if o.alerts == nil {
		o.alerts = alerting.NewLogSink(log)
	}

	for _, account := range o.cfg.Accounts {
		if _, ok := o.sources[account.Source]; ok {
			continue
		}
		src, err := buildSource(reg, o.cfg, account.Source, log)
		if err != nil {
			return nil, err
		}
		o.sources[account.Source] = src
	}

	p := o.cfg.Pipeline
	o.extractor = NewExtractor(deps.Credentials, p.PageSize, p.MaxPagesPerRun, log)
	o.landing = NewLandingWriter(o.wh, o.wh, deps.Archiver, log)
	o.stager = NewStageTransformer(reg, o.wh, o.wh, o.wh, p.QualityMaxErrorRate, log)
	o.merger = NewLoadMerger(o.wh, o.wh, log)
	o.extractor.now = o.now
	o.landing.now = o.now
	o.stager.now = o.now
	o.merger.now = o.now
	return o, nil
}

func buildSource(reg *registry.Registry, cfg *config.Config, name string, log *zap.Logger) (core.Source, error) {
	r, err := reg.Get(name)
	if err != nil {
		return nil, err
	}
	srcCfg := cfg.Sources[name]
	client := clients.NewHTTPClient(name, registry.ClientConfig(r, srcCfg, cfg.HTTP), log)
	src, err := r.NewSource(registry.Deps{Client: client, Config: srcCfg, Logger: log})
	if err != nil {
		return nil, errors.Annotate(err, "building source "+name)
	}
	return src, nil
}

// Run executes one run for the configured account key. The result is
// always returned; the error is non-nil when the run did not commit.
func (o *Orchestrator) Run(ctx context.Context, key models.AccountKey, asOf time.Time) (*models.RunResult, error) {
	account, ok := o.cfg.Account(key)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "account %s is not configured", key)
	}
	if !account.IsEnabled() {
		return nil, errors.Newf(errors.ErrorTypeValidation, "account %s is disabled", key)
	}
	src, ok := o.sources[key.Source]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source %s is not available", key.Source)
	}

	r := o.newRunner(key)
	return r.execute(ctx, func(ctx context.Context) error {
		return r.extractAndLoad(ctx, account, src, asOf)
	})
}

// RunAll runs every enabled account, optionally limited to one source, with
// at most pipeline.concurrency runs in flight. A failing account never
// cancels the others. Results keep configuration order.
func (o *Orchestrator) RunAll(ctx context.Context, asOf time.Time, source string) ([]*models.RunResult, error) {
	accounts := o.cfg.EnabledAccounts(source)
	results := make([]*models.RunResult, len(accounts))

	var g errgroup.Group
	g.SetLimit(o.cfg.Pipeline.Concurrency)
	for i, account := range accounts {
		i, account := i, account
		g.Go(func() error {
			res, err := o.Run(ctx, account.Key(), asOf)
			if res == nil {
				now := o.now().UTC()
				res = &models.RunResult{
					Source:     account.Source,
					Account:    account.ID,
					State:      models.RunFailed,
					FailedIn:   models.RunPending,
					Error:      err.Error(),
					ErrorType:  string(errors.TypeOf(err)),
					StartedAt:  now,
					FinishedAt: now,
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, res := range results {
		if !res.Committed() {
			failed = append(failed, fmt.Sprintf("%s (%s)", res.Key(), res.ErrorType))
		}
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("%d of %d runs failed: %s", len(failed), len(results), strings.Join(failed, ", "))
	}
	return results, nil
}

// Replay re-stages and re-merges a batch that has already landed. It never
// touches the watermark, and replaying any number of times converges to the
// same STAGE and LOAD contents.
func (o *Orchestrator) Replay(ctx context.Context, batchID string) (*models.RunResult, error) {
	batch, err := o.wh.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !batch.Status.Reached(models.BatchLanded) {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"batch %s is %s; only landed batches can be replayed", batchID, batch.Status)
	}

	r := o.newRunner(batch.Key())
	r.res.BatchID = batch.ID
	r.batch = batch
	r.created = true
	r.replaying = true
	return r.execute(ctx, r.replay)
}

// runner holds the state of one run.
type runner struct {
	o       *Orchestrator
	key     models.AccountKey
	res     *models.RunResult
	batch   *models.ExtractionBatch
	created bool
	lease   lease.Lease
	log     *zap.Logger

	// replaying runs leave a batch's status alone on failure
	replaying bool
}

func (o *Orchestrator) newRunner(key models.AccountKey) *runner {
	return &runner{
		o:   o,
		key: key,
		res: &models.RunResult{
			RunID:     o.newID(),
			Source:    key.Source,
			Account:   key.Account,
			State:     models.RunPending,
			StartedAt: o.now().UTC(),
		},
		log: o.logger,
	}
}

// execute wraps body with the run timeout, lease, tracing and the terminal
// bookkeeping every run shares.
func (r *runner) execute(ctx context.Context, body func(ctx context.Context) error) (*models.RunResult, error) {
	o := r.o
	if t := o.cfg.Pipeline.RunTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	ctx = logger.ContextWithRun(ctx, r.res.RunID, r.key.Source, r.key.Account)
	r.log = logger.FromContext(ctx, o.logger)
	ctx, span := observability.StartSpan(ctx, "pipeline.run", r.key, r.res.RunID)

	active := metrics.ActiveRuns.WithLabelValues(r.key.Source)
	active.Inc()
	defer active.Dec()

	err := r.acquire(ctx)
	if err == nil {
		err = body(ctx)
		r.release(ctx)
	}
	if err != nil {
		r.fail(ctx, err)
	}

	r.res.FinishedAt = o.now().UTC()
	bg := context.WithoutCancel(ctx)
	if recErr := o.wh.RecordRun(bg, *r.res); recErr != nil {
		r.log.Error("failed to record run", zap.Error(recErr))
	}
	metrics.RunsTotal.WithLabelValues(r.key.Source, string(r.res.State)).Inc()

	span.SetAttribute("tidewater.state", string(r.res.State))
	span.SetAttribute("tidewater.records_loaded", r.res.Counts.Loaded)
	span.End(err)

	if err != nil {
		return r.res, err
	}
	r.log.Info("run committed",
		zap.Int("extracted", r.res.Counts.Extracted),
		zap.Int("loaded", r.res.Counts.Loaded),
		zap.Int("skipped", r.res.Counts.Skipped),
		zap.Int("errors", r.res.Counts.Errors),
		zap.Stringer("watermark", r.res.Watermark))
	return r.res, nil
}

func (r *runner) acquire(ctx context.Context) error {
	l, err := r.o.leaser.Acquire(ctx, r.key.String(), r.o.cfg.Pipeline.LeaseTTL)
	if err != nil {
		return errors.Annotate(err, "acquiring account lease")
	}
	r.lease = l
	return nil
}

func (r *runner) release(ctx context.Context) {
	if r.lease == nil {
		return
	}
	if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
		r.log.Warn("failed to release lease", zap.Error(err))
	}
}

// extractAndLoad is the body of a regular run.
func (r *runner) extractAndLoad(ctx context.Context, account models.Account, src core.Source, asOf time.Time) error {
	o := r.o
	var wm models.Watermark
	batchID := o.newID()

	err := r.step(ctx, models.RunExtracting, func(ctx context.Context) error {
		var err error
		if wm, err = o.wh.GetWatermark(ctx, r.key); err != nil {
			return errors.Annotate(err, "reading watermark")
		}
		batch, err := o.extractor.Extract(ctx, src, account, wm, batchID, r.res.RunID, asOf)
		if err != nil {
			return err
		}
		r.batch = batch
		return nil
	})
	if err != nil {
		// a failed extraction still leaves a failed batch in the ledger
		now := o.now().UTC()
		r.batch = &models.ExtractionBatch{
			ID:         batchID,
			RunID:      r.res.RunID,
			Source:     account.Source,
			Account:    account.ID,
			EntityType: src.EntityType(),
			From:       wm.Cursor,
			Status:     models.BatchPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		r.res.BatchID = batchID
		return err
	}
	r.res.BatchID = r.batch.ID
	r.res.Counts.Extracted = r.batch.RecordCount
	r.log = r.log.With(zap.String("batch_id", r.batch.ID))
	ctx = logger.ContextWithBatch(ctx, r.batch.ID)

	err = r.step(ctx, models.RunLanding, func(ctx context.Context) error {
		if !r.created {
			if err := o.wh.CreateBatch(ctx, r.batch); err != nil {
				return errors.Annotate(err, "recording batch")
			}
			r.created = true
		}
		_, err := o.landing.Land(ctx, r.batch)
		return err
	})
	if err != nil {
		return err
	}
	r.res.Counts.Landed = r.batch.RecordCount

	if err := r.stageAndMerge(ctx); err != nil {
		return err
	}
	if err := r.commit(ctx, wm); err != nil {
		return err
	}
	return r.enter(models.RunCommitted)
}

// replay is the body of a replay run: landed data is staged and merged again.
func (r *runner) replay(ctx context.Context) error {
	ctx = logger.ContextWithBatch(ctx, r.batch.ID)
	r.log = r.log.With(zap.String("batch_id", r.batch.ID), zap.Bool("replay", true))
	r.res.Counts.Extracted = r.batch.RecordCount
	r.res.Counts.Landed = r.batch.RecordCount

	// Landed data is the starting point, so the run enters at landing.
	for _, s := range []models.RunState{models.RunExtracting, models.RunLanding} {
		if err := r.enter(s); err != nil {
			return err
		}
	}
	if err := r.stageAndMerge(ctx); err != nil {
		return err
	}

	wm, err := r.o.wh.GetWatermark(ctx, r.key)
	if err != nil {
		return errors.Annotate(err, "reading watermark")
	}
	r.res.Watermark = wm.Cursor
	return r.enter(models.RunCommitted)
}

func (r *runner) stageAndMerge(ctx context.Context) error {
	o := r.o
	var entities []models.StagedEntity

	err := r.step(ctx, models.RunStaging, func(ctx context.Context) error {
		res, err := o.stager.Stage(ctx, r.batch)
		if res != nil {
			r.res.Counts.Errors = len(res.Issues)
			r.res.Counts.Staged = len(res.Entities)
			entities = res.Entities
		}
		return err
	})
	if err != nil {
		return err
	}

	return r.step(ctx, models.RunLoading, func(ctx context.Context) error {
		res, err := o.merger.Merge(ctx, r.batch, entities)
		if err != nil {
			return err
		}
		r.res.Counts.Loaded = res.Loaded()
		r.res.Counts.Skipped = res.Skipped
		return nil
	})
}

// commit advances the watermark to the batch's high-water mark, provided no
// other writer committed since wm was read.
func (r *runner) commit(ctx context.Context, wm models.Watermark) error {
	o := r.o
	next, err := wm.Advance(r.batch.To, r.batch.ID, o.now())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "committing watermark")
	}

	err = r.stagePolicy(models.RunLoading).ExecuteWithCondition(ctx, func() error {
		return o.wh.CompareAndSwapWatermark(ctx, next, wm.Version)
	}, errors.IsRetryable)
	if err != nil {
		return errors.Annotate(err, "committing watermark")
	}

	r.res.Watermark = next.Cursor
	if next.Cursor.Kind == models.CursorTimestamp {
		metrics.WatermarkTimestamp.WithLabelValues(r.key.Source, r.key.Account).Set(float64(next.Cursor.Timestamp.Unix()))
	}
	return nil
}

// step enters state and runs fn, retrying transient failures in place.
// Cancellation is checked and the lease extended before the stage starts.
func (r *runner) step(ctx context.Context, state models.RunState, fn func(ctx context.Context) error) error {
	if err := r.enter(state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.TypeOf(err), "run interrupted before "+string(state))
	}
	if r.lease != nil {
		if err := r.lease.Extend(ctx, r.o.cfg.Pipeline.LeaseTTL); err != nil {
			return errors.Annotate(err, "extending account lease")
		}
	}

	ctx, span := observability.StartSpan(ctx, "pipeline."+string(state), r.key, r.res.RunID)
	timer := metrics.NewTimer()
	err := r.stagePolicy(state).ExecuteWithCondition(ctx, func() error {
		return fn(ctx)
	}, errors.IsRetryable)
	metrics.StageDuration.WithLabelValues(r.key.Source, string(state)).Observe(timer.Stop().Seconds())
	span.End(err)
	return err
}

func (r *runner) stagePolicy(state models.RunState) *retry.Policy {
	p := r.o.cfg.Pipeline
	return retry.New(p.StageRetries+1, p.RetryInitialDelay, p.RetryMaxDelay).
		WithSleep(r.o.sleep).
		WithOnRetry(func(attempt int, delay time.Duration, err error) {
			metrics.StageRetries.WithLabelValues(r.key.Source, string(state), string(errors.TypeOf(err))).Inc()
			r.log.Warn("retrying stage",
				zap.String("stage", string(state)),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
}

func (r *runner) enter(state models.RunState) error {
	if !r.res.State.CanTransition(state) {
		return errors.Newf(errors.ErrorTypeInternal, "run cannot move from %s to %s", r.res.State, state)
	}
	r.res.State = state
	return nil
}

// fail moves the run and its batch to failed and raises an alert for fatal
// errors. The watermark is never touched on this path.
func (r *runner) fail(ctx context.Context, err error) {
	o := r.o
	bg := context.WithoutCancel(ctx)
	now := o.now().UTC()

	r.res.FailedIn = r.res.State
	r.res.State = models.RunFailed
	r.res.Error = err.Error()
	r.res.ErrorType = string(errors.TypeOf(err))
	r.res.FinishedAt = now

	r.failBatch(bg, err, now)

	fields := []zap.Field{
		zap.String("failed_in", string(r.res.FailedIn)),
		zap.String("error_type", r.res.ErrorType),
		zap.Error(err),
	}
	if !errors.IsFatal(err) {
		r.log.Warn("run failed", fields...)
		return
	}
	r.log.Error("run failed with a fatal error", fields...)
	if alertErr := o.alerts.Emit(bg, alerting.FromRun(*r.res)); alertErr != nil {
		r.log.Error("failed to emit alert", zap.Error(alertErr))
	}
}

func (r *runner) failBatch(ctx context.Context, err error, now time.Time) {
	b := r.batch
	if b == nil || r.replaying || b.Status == models.BatchFailed || !b.Status.CanTransition(models.BatchFailed) {
		return
	}

	if !r.created {
		b.Status = models.BatchFailed
		b.Error = err.Error()
		if createErr := r.o.wh.CreateBatch(ctx, b); createErr != nil {
			r.log.Error("failed to record failed batch", zap.Error(createErr))
		}
		return
	}

	if trErr := r.o.wh.TransitionBatch(ctx, b.ID, b.Status, models.BatchFailed, err.Error(), now); trErr != nil {
		r.log.Error("failed to mark batch failed", zap.Error(trErr))
		return
	}
	b.Status = models.BatchFailed
}
