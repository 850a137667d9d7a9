// Package orchestrator owns the batch lifecycle: it plans a batch, persists
// its snapshot, dispatches units to the queue and recomputes status from the
// durable counters whenever a unit settles or an operator polls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/planner"
	"github.com/openparcels/parcel-ingest/internal/progress"
)

var (
	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("invalid batch options")
	// ErrBatchActive is returned when resuming a batch this process is running.
	ErrBatchActive = errors.New("batch is already dispatched by this process")
	// ErrBatchFinished is returned for operations on terminal batches.
	ErrBatchFinished = errors.New("batch already finished")
)

// Planner packs candidates into units.
type Planner interface {
	Plan(ctx context.Context, opts planner.Options) ([]parcel.WorkUnit, int, error)
}

// Config controls the orchestrator.
type Config struct {
	// Topic receives a BatchEvent when a batch reaches a terminal status.
	Topic string
}

// BatchEvent is published once per batch on its terminal transition.
type BatchEvent struct {
	BatchID       string             `json:"batch_id"`
	Status        parcel.BatchStatus `json:"status"`
	TotalJobs     int                `json:"total_jobs"`
	ProcessedJobs int                `json:"processed_jobs"`
	FailedJobs    int                `json:"failed_jobs"`
	Percentage    float64            `json:"percentage"`
	Error         string             `json:"error,omitempty"`
	FinishedAt    time.Time          `json:"finished_at"`
}

// Attributes exposes message attributes for Pub/Sub filtering.
func (e BatchEvent) Attributes() map[string]string {
	return map[string]string{"batch_id": e.BatchID, "status": string(e.Status)}
}

// Orchestrator coordinates Model B batches.
type Orchestrator struct {
	planner   Planner
	batches   parcel.BatchStore
	queue     parcel.Queue
	ids       parcel.IDGenerator
	clock     parcel.Clock
	publisher parcel.Publisher
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New constructs an Orchestrator. publisher and emitter may be nil.
func New(
	p Planner,
	batches parcel.BatchStore,
	queue parcel.Queue,
	ids parcel.IDGenerator,
	clock parcel.Clock,
	publisher parcel.Publisher,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		planner:   p,
		batches:   batches,
		queue:     queue,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[string]struct{}),
	}
}

// Close stops background dispatch and waits for it to return.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Start plans a batch, persists it and dispatches its units in the
// background. Planning or persistence failures are fatal to the batch.
func (o *Orchestrator) Start(ctx context.Context, opts parcel.BatchOptions) (parcel.BatchRecord, error) {
	popts, err := planner.Options{
		UnitSize:    opts.UnitSize,
		StartAfter:  opts.StartAfter,
		Ceiling:     opts.Ceiling,
		RequireGPIN: opts.RequireGPIN,
	}.Normalize()
	if err != nil {
		return parcel.BatchRecord{}, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	opts.UnitSize = popts.UnitSize

	id, err := o.ids.NewID()
	if err != nil {
		return parcel.BatchRecord{}, fmt.Errorf("new batch id: %w", err)
	}
	logger := o.logger.With(zap.String("batch_id", id))
	now := o.clock.Now()
	rec := parcel.BatchRecord{
		ID:        id,
		Status:    parcel.BatchPending,
		Options:   opts,
		CreatedAt: now,
	}

	units, total, err := o.planner.Plan(ctx, popts)
	if err != nil {
		logger.Error("planning failed", zap.Error(err))
		return o.failAtStart(ctx, rec, fmt.Errorf("plan batch: %w", err))
	}
	rec.TotalJobs = total
	if err := o.batches.CreateBatch(ctx, rec, units); err != nil {
		logger.Error("create batch failed", zap.Error(err))
		return rec, parcel.Fatal("create batch", err)
	}
	o.emitter.Emit(progress.Event{BatchID: id, TS: now, Stage: progress.StageBatchStart})
	logger.Info("batch created", zap.Int("total_jobs", total), zap.Int("units", len(units)))

	if len(units) > 0 {
		o.dispatch(id, opts, units)
	}
	return o.Refresh(ctx, id)
}

// failAtStart records a batch that never got units as failed.
func (o *Orchestrator) failAtStart(ctx context.Context, rec parcel.BatchRecord, cause error) (parcel.BatchRecord, error) {
	fatal := parcel.Fatal("start batch", cause)
	now := o.clock.Now()
	rec.Status = parcel.BatchFailed
	rec.Error = cause.Error()
	rec.FinishedAt = &now
	if err := o.batches.CreateBatch(ctx, rec, nil); err != nil {
		o.logger.Error("record failed batch", zap.String("batch_id", rec.ID), zap.Error(err))
		return rec, fatal
	}
	o.publish(ctx, rec)
	return rec, fatal
}

// dispatch enqueues units on a background goroutine; the queue is bounded
// and Start must not block on it.
func (o *Orchestrator) dispatch(id string, opts parcel.BatchOptions, units []parcel.WorkUnit) {
	o.mu.Lock()
	o.active[id] = struct{}{}
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		logger := o.logger.With(zap.String("batch_id", id))
		for i, u := range units {
			if err := o.queue.Enqueue(o.ctx, parcel.UnitItem{BatchID: id, Unit: u, Options: opts}); err != nil {
				// Units left pending are picked up by Resume.
				logger.Warn("dispatch interrupted", zap.Int("enqueued", i), zap.Int("units", len(units)), zap.Error(err))
				o.forget(id)
				return
			}
		}
		logger.Debug("all units enqueued", zap.Int("units", len(units)))
	}()
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, id)
}

func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

// Cancel requests cooperative cancellation. Pending units are dropped,
// in-flight units finish and are counted.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (parcel.BatchRecord, error) {
	ok, err := o.batches.RequestCancel(ctx, id)
	if err != nil {
		if errors.Is(err, parcel.ErrBatchNotFound) {
			return parcel.BatchRecord{}, err
		}
		return parcel.BatchRecord{}, parcel.Fatal("request cancel", err)
	}
	if !ok {
		rec, err := o.Refresh(ctx, id)
		if err != nil {
			return rec, err
		}
		return rec, ErrBatchFinished
	}
	o.logger.Info("batch cancel requested", zap.String("batch_id", id))
	return o.Refresh(ctx, id)
}

// Poll returns the batch with its status recomputed from live counters.
func (o *Orchestrator) Poll(ctx context.Context, id string) (parcel.BatchRecord, error) {
	return o.Refresh(ctx, id)
}

// Refresh recomputes the status of id, persists a change and publishes the
// terminal transition exactly once.
func (o *Orchestrator) Refresh(ctx context.Context, id string) (parcel.BatchRecord, error) {
	rec, err := o.batches.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, parcel.ErrBatchNotFound) {
			return parcel.BatchRecord{}, err
		}
		return parcel.BatchRecord{}, parcel.Fatal("load batch", err)
	}
	status := parcel.DeriveStatus(rec)
	if status == rec.Status {
		return rec, nil
	}
	now := o.clock.Now()
	changed, err := o.batches.SetStatus(ctx, id, status, "", now)
	if err != nil {
		return rec, parcel.Fatal("set batch status", err)
	}
	rec.Status = status
	if fresh, err := o.batches.GetBatch(ctx, id); err == nil {
		rec = fresh
	}
	if !changed || !status.Terminal() {
		return rec, nil
	}
	o.finish(ctx, rec, now)
	return rec, nil
}

// Fail forces a batch into the failed state when its unit bookkeeping can no
// longer be written. The batch is released from this process first, so a
// later Resume can still recover it if the status write fails too.
func (o *Orchestrator) Fail(ctx context.Context, id string, cause error) (parcel.BatchRecord, error) {
	o.forget(id)
	now := o.clock.Now()
	changed, err := o.batches.SetStatus(ctx, id, parcel.BatchFailed, cause.Error(), now)
	if err != nil {
		o.logger.Error("could not mark batch failed, leaving it for resume",
			zap.String("batch_id", id), zap.NamedError("cause", cause), zap.Error(err))
		return parcel.BatchRecord{}, parcel.Fatal("fail batch", err)
	}
	rec, err := o.batches.GetBatch(ctx, id)
	if err != nil {
		return parcel.BatchRecord{}, parcel.Fatal("load batch", err)
	}
	if changed {
		o.finish(ctx, rec, now)
	}
	return rec, nil
}

// finish reports a terminal transition exactly once per batch.
func (o *Orchestrator) finish(ctx context.Context, rec parcel.BatchRecord, now time.Time) {
	o.forget(rec.ID)
	var dur time.Duration
	if rec.StartedAt != nil {
		dur = now.Sub(*rec.StartedAt)
	}
	o.emitter.Emit(progress.Event{
		BatchID:   rec.ID,
		TS:        now,
		Stage:     progress.StageBatchDone,
		Outcome:   string(rec.Status),
		Processed: rec.ProcessedJobs,
		Failed:    rec.FailedJobs,
		Dur:       max(dur, 0),
	})
	o.logger.Info("batch finished",
		zap.String("batch_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("processed_jobs", rec.ProcessedJobs),
		zap.Int("failed_jobs", rec.FailedJobs),
		zap.Int("total_jobs", rec.TotalJobs),
		zap.String("error", rec.Error),
	)
	o.publish(ctx, rec)
}

func (o *Orchestrator) publish(ctx context.Context, rec parcel.BatchRecord) {
	if o.publisher == nil {
		return
	}
	evt := BatchEvent{
		BatchID:       rec.ID,
		Status:        rec.Status,
		TotalJobs:     rec.TotalJobs,
		ProcessedJobs: rec.ProcessedJobs,
		FailedJobs:    rec.FailedJobs,
		Percentage:    rec.Percentage(),
		Error:         rec.Error,
	}
	if rec.FinishedAt != nil {
		evt.FinishedAt = *rec.FinishedAt
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, evt); err != nil {
		o.logger.Warn("publish batch event failed", zap.String("batch_id", rec.ID), zap.Error(err))
	}
}

// List returns batches newest first.
func (o *Orchestrator) List(ctx context.Context, limit, offset int) ([]parcel.BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	recs, err := o.batches.ListBatches(ctx, limit, offset)
	if err != nil {
		return nil, parcel.Fatal("list batches", err)
	}
	return recs, nil
}

// Resume re-dispatches every uncounted unit of a batch left behind by a
// previous process. Units that were running when that process died run
// again from their first item.
func (o *Orchestrator) Resume(ctx context.Context, id string) (parcel.BatchRecord, error) {
	if o.isActive(id) {
		return parcel.BatchRecord{}, ErrBatchActive
	}
	rec, err := o.batches.GetBatch(ctx, id)
	if err != nil {
		if errors.Is(err, parcel.ErrBatchNotFound) {
			return parcel.BatchRecord{}, err
		}
		return parcel.BatchRecord{}, parcel.Fatal("load batch", err)
	}
	if rec.Status.Terminal() {
		return rec, ErrBatchFinished
	}
	units, err := o.batches.ReopenUnits(ctx, id)
	if err != nil {
		return rec, parcel.Fatal("reopen units", err)
	}
	if rec.CancelRequested {
		for _, u := range units {
			if err := o.batches.DropUnit(ctx, id, u.Index); err != nil {
				return rec, parcel.Fatal("drop unit", err)
			}
		}
		return o.Refresh(ctx, id)
	}
	o.logger.Info("resuming batch", zap.String("batch_id", id), zap.Int("units", len(units)))
	if len(units) > 0 {
		o.dispatch(id, rec.Options, units)
	}
	return o.Refresh(ctx, id)
}

// ResumeAll resumes every non-terminal batch and returns how many were
// resumed. It is meant to run once at boot.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	ids, err := o.batches.OpenBatchIDs(ctx)
	if err != nil {
		return 0, parcel.Fatal("list open batches", err)
	}
	resumed := 0
	for _, id := range ids {
		if _, err := o.Resume(ctx, id); err != nil {
			o.logger.Warn("resume batch failed", zap.String("batch_id", id), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed, nil
}
