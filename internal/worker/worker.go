// Package worker executes batch work units: claim, fetch and transform each
// item, upsert the unit's records once, then commit the unit's counters.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/progress"
	"github.com/openparcels/parcel-ingest/internal/telemetry"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultUnitBudget    = 5 * time.Minute
	DefaultUnitRetries   = 2
	DefaultCommitTimeout = 30 * time.Second
)

// DefaultRetryBackoff is the wait before each unit retry.
var DefaultRetryBackoff = []time.Duration{30 * time.Second, 90 * time.Second}

// outcomeSkipped marks items skipped because their gpin is already stored.
const outcomeSkipped = "skipped"

// Config controls Worker behavior.
type Config struct {
	// UnitBudget bounds the wall time spent fetching one unit's items.
	UnitBudget time.Duration
	// UnitRetries is how many times a unit whose upsert failed is requeued.
	UnitRetries int
	// RetryBackoff holds the wait before retry n; the last entry repeats.
	RetryBackoff []time.Duration
	// CommitTimeout bounds the final upsert and counter commit, which run
	// even while the worker is shutting down.
	CommitTimeout time.Duration
}

// Processor turns one parcel id into a record.
type Processor interface {
	Process(ctx context.Context, id string) (parcel.Record, error)
}

// Observer is told when a unit settles so the batch status can be recomputed.
// Fail is called when the batch store keeps rejecting a unit's bookkeeping and
// the batch can no longer converge on its own.
type Observer interface {
	Refresh(ctx context.Context, batchID string) (parcel.BatchRecord, error)
	Fail(ctx context.Context, batchID string, cause error) (parcel.BatchRecord, error)
}

// Worker consumes work units from the queue.
type Worker struct {
	queue     parcel.Queue
	batches   parcel.BatchStore
	records   parcel.RecordStore
	processor Processor
	clock     parcel.Clock
	emitter   progress.Emitter
	observer  Observer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. emitter and observer may be nil.
func New(
	queue parcel.Queue,
	batches parcel.BatchStore,
	records parcel.RecordStore,
	processor Processor,
	clock parcel.Clock,
	emitter progress.Emitter,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.UnitBudget <= 0 {
		cfg.UnitBudget = DefaultUnitBudget
	}
	if cfg.UnitRetries < 0 {
		cfg.UnitRetries = 0
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		batches:   batches,
		records:   records,
		processor: processor,
		clock:     clock,
		emitter:   emitter,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, parcel.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processUnit(ctx, item)
	}
}

type unitResult struct {
	outcome parcel.UnitOutcome
	records []parcel.Record
}

func (w *Worker) processUnit(ctx context.Context, item parcel.UnitItem) {
	logger := w.logger.With(
		zap.String("batch_id", item.BatchID),
		zap.Int("unit", item.Unit.Index),
		zap.Int("attempt", item.Attempt),
	)
	claimed, err := w.batches.ClaimUnit(ctx, item.BatchID, item.Unit.Index, w.clock.Now())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The unit is still pending; try again later or give the batch up.
		if item.Attempt < w.cfg.UnitRetries {
			logger.Warn("claim unit failed, requeueing", zap.Error(err))
			w.requeue(ctx, logger, item)
			return
		}
		w.abandon(ctx, logger, item.BatchID, parcel.Fatal("claim unit", err))
		return
	}
	if !claimed {
		logger.Info("unit not claimable, dropping")
		if err := w.batches.DropUnit(ctx, item.BatchID, item.Unit.Index); err != nil {
			logger.Warn("drop unit failed", zap.Error(err))
		}
		w.refresh(ctx, item.BatchID, logger)
		return
	}

	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	start := w.clock.Now()
	w.emitter.Emit(progress.Event{BatchID: item.BatchID, TS: start, Stage: progress.StageUnitStart, Unit: item.Unit.Index})
	logger.Debug("unit started", zap.Int("items", len(item.Unit.Items)))

	unitCtx, cancel := context.WithTimeout(ctx, w.cfg.UnitBudget)
	res := w.runItems(unitCtx, logger, item)
	cancel()

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancelCommit()

	if ctx.Err() != nil {
		// Shutdown mid-unit: leave it uncounted so a resume runs it again.
		logger.Warn("worker stopping, releasing unit")
		if err := w.batches.ReleaseUnit(commitCtx, item.BatchID, item.Unit.Index); err != nil {
			logger.Error("release unit failed", zap.Error(err))
		}
		return
	}

	if len(res.records) > 0 {
		if err := w.records.UpsertMany(commitCtx, res.records); err != nil {
			perr := &parcel.PersistenceError{Op: "upsert_many", Count: len(res.records), Err: err}
			if item.Attempt < w.cfg.UnitRetries {
				w.retryUnit(ctx, commitCtx, logger, item, perr)
				return
			}
			logger.Error("unit records not persisted, counting as failed", zap.Error(perr))
			res.outcome.Processed -= len(res.records)
			res.outcome.Failed += len(res.records)
			for range res.records {
				telemetry.ObserveItem("batch", parcel.Outcome(perr))
			}
		}
	}

	counted, err := w.commitUnit(ctx, logger, item, res.outcome)
	switch {
	case err != nil && ctx.Err() != nil:
		// Left running; a resume reopens it and the upsert is idempotent.
		logger.Warn("worker stopping before unit counters were committed", zap.Error(err))
		return
	case err != nil:
		w.abandon(ctx, logger, item.BatchID, parcel.Fatal("commit unit", err))
		return
	case !counted:
		logger.Warn("unit counters not applied, batch already terminal or unit not running")
	default:
		logger.Info("unit done",
			zap.Int("processed", res.outcome.Processed),
			zap.Int("failed", res.outcome.Failed),
		)
	}
	done := w.clock.Now()
	w.emitter.Emit(progress.Event{
		BatchID:   item.BatchID,
		TS:        done,
		Stage:     progress.StageUnitDone,
		Unit:      item.Unit.Index,
		Processed: res.outcome.Processed,
		Failed:    res.outcome.Failed,
		Dur:       nonNegative(done.Sub(start)),
	})
	w.refresh(commitCtx, item.BatchID, logger)
}

// runItems processes items in order. One item's failure never stops the
// unit; items left when the budget runs out are counted failed.
func (w *Worker) runItems(ctx context.Context, logger *zap.Logger, item parcel.UnitItem) unitResult {
	var res unitResult
	for i, cand := range item.Unit.Items {
		if ctx.Err() != nil {
			left := len(item.Unit.Items) - i
			res.outcome.Failed += left
			logger.Warn("unit budget exhausted", zap.Int("unprocessed", left), zap.Error(ctx.Err()))
			break
		}
		start := w.clock.Now()
		rec, outcome, err := w.processItem(ctx, item, cand)
		switch outcome {
		case "ok":
			res.records = append(res.records, rec)
			res.outcome.Processed++
		case "not_found", outcomeSkipped:
			res.outcome.Processed++
			logger.Info("item skipped", zap.String("parcel_id", cand.ExternalID), zap.String("reason", outcome))
		default:
			res.outcome.Failed++
			logger.Warn("item failed", zap.String("parcel_id", cand.ExternalID), zap.String("outcome", outcome),
				zap.Error(err))
		}
		telemetry.ObserveItem("batch", outcome)
		evt := progress.Event{
			BatchID:  item.BatchID,
			TS:       w.clock.Now(),
			Stage:    progress.StageItemDone,
			Unit:     item.Unit.Index,
			ParcelID: cand.ExternalID,
			Outcome:  outcome,
		}
		evt.Dur = nonNegative(evt.TS.Sub(start))
		if err != nil {
			evt.Note = err.Error()
		}
		w.emitter.Emit(evt)
	}
	return res
}

func (w *Worker) processItem(
	ctx context.Context,
	item parcel.UnitItem,
	cand parcel.Candidate,
) (parcel.Record, string, error) {
	if item.Options.SkipExisting && cand.GPIN != nil {
		exists, err := w.records.ExistsByGPIN(ctx, *cand.GPIN)
		switch {
		case err != nil:
			w.logger.Warn("gpin lookup failed, fetching anyway", zap.String("gpin", *cand.GPIN), zap.Error(err))
		case exists:
			return parcel.Record{}, outcomeSkipped, nil
		}
	}
	rec, err := w.processor.Process(ctx, cand.ExternalID)
	if err != nil {
		return parcel.Record{}, parcel.Outcome(err), err
	}
	return rec, "ok", nil
}

// commitUnit applies the unit's counters, retrying store errors with the
// unit backoff. It gives up early when ctx ends.
func (w *Worker) commitUnit(
	ctx context.Context,
	logger *zap.Logger,
	item parcel.UnitItem,
	outcome parcel.UnitOutcome,
) (bool, error) {
	for attempt := 0; ; attempt++ {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
		counted, err := w.batches.CompleteUnit(commitCtx, item.BatchID, item.Unit.Index, outcome, w.clock.Now())
		cancel()
		if err == nil {
			return counted, nil
		}
		if attempt >= w.cfg.UnitRetries {
			return false, err
		}
		delay := w.backoff(attempt)
		logger.Warn("commit unit counters failed, retrying", zap.Int("commit_attempt", attempt+1),
			zap.Duration("backoff", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return false, err
		}
	}
}

// retryUnit releases the unit and requeues it after the backoff.
func (w *Worker) retryUnit(
	ctx context.Context,
	commitCtx context.Context,
	logger *zap.Logger,
	item parcel.UnitItem,
	cause error,
) {
	logger.Warn("unit persistence failed, retrying", zap.Duration("backoff", w.backoff(item.Attempt)), zap.Error(cause))
	if err := w.batches.ReleaseUnit(commitCtx, item.BatchID, item.Unit.Index); err != nil {
		w.abandon(ctx, logger, item.BatchID, parcel.Fatal("release unit", err))
		return
	}
	w.requeue(ctx, logger, item)
}

// requeue puts a pending unit back on the queue after its backoff. If the
// queue refuses it the unit's items are counted failed.
func (w *Worker) requeue(ctx context.Context, logger *zap.Logger, item parcel.UnitItem) {
	delay := w.backoff(item.Attempt)
	next := item
	next.Attempt++
	go func() {
		if !sleep(ctx, delay) {
			return
		}
		if err := w.queue.Enqueue(ctx, next); err != nil {
			logger.Error("requeue unit failed, counting items as failed", zap.Error(err))
			w.failUnit(ctx, logger, next)
		}
	}()
}

func (w *Worker) failUnit(ctx context.Context, logger *zap.Logger, item parcel.UnitItem) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()
	now := w.clock.Now()
	claimed, err := w.batches.ClaimUnit(commitCtx, item.BatchID, item.Unit.Index, now)
	if err != nil {
		w.abandon(ctx, logger, item.BatchID, parcel.Fatal("claim unit", err))
		return
	}
	if !claimed {
		logger.Warn("unit no longer claimable, not counting it")
		w.refresh(commitCtx, item.BatchID, logger)
		return
	}
	outcome := parcel.UnitOutcome{Failed: len(item.Unit.Items)}
	if _, err := w.commitUnit(ctx, logger, item, outcome); err != nil {
		w.abandon(ctx, logger, item.BatchID, parcel.Fatal("commit unit", err))
		return
	}
	w.refresh(commitCtx, item.BatchID, logger)
}

// abandon hands a batch whose units can no longer be recorded to the
// observer, which moves it to a terminal state.
func (w *Worker) abandon(ctx context.Context, logger *zap.Logger, batchID string, cause error) {
	logger.Error("batch store rejected unit bookkeeping, failing batch", zap.Error(cause))
	if w.observer == nil {
		return
	}
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()
	if _, err := w.observer.Fail(failCtx, batchID, cause); err != nil {
		logger.Error("mark batch failed", zap.Error(err))
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < len(w.cfg.RetryBackoff) {
		return w.cfg.RetryBackoff[attempt]
	}
	return w.cfg.RetryBackoff[len(w.cfg.RetryBackoff)-1]
}

func (w *Worker) refresh(ctx context.Context, batchID string, logger *zap.Logger) {
	if w.observer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CommitTimeout)
	defer cancel()
	if _, err := w.observer.Refresh(ctx, batchID); err != nil {
		logger.Warn("refresh batch status failed", zap.Error(err))
	}
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
