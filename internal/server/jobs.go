package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/orchestrator"
	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// DefaultPollInterval is how often the one-shot commands check for completion.
const DefaultPollInterval = 2 * time.Second

// RunBatch starts one batch and blocks until it reaches a terminal status.
// Canceling ctx requests cancellation; in-flight units still finish and are
// counted before RunBatch returns.
func (a *App) RunBatch(ctx context.Context, opts parcel.BatchOptions, poll time.Duration) (parcel.BatchRecord, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	bg := context.WithoutCancel(ctx)
	a.StartWorkers(bg)

	rec, err := a.orchestrator.Start(ctx, opts)
	if err != nil {
		return rec, fmt.Errorf("start batch: %w", err)
	}
	logger := a.logger.With(zap.String("batch_id", rec.ID))
	logger.Info("batch started", zap.Int("total_jobs", rec.TotalJobs))

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	interrupted := ctx.Done()
	for !rec.Status.Terminal() {
		select {
		case <-interrupted:
			interrupted = nil
			logger.Info("interrupt received, cancelling batch")
			if _, err := a.orchestrator.Cancel(bg, rec.ID); err != nil && !errors.Is(err, orchestrator.ErrBatchFinished) {
				return rec, fmt.Errorf("cancel batch: %w", err)
			}
		case <-ticker.C:
		}
		rec, err = a.orchestrator.Poll(bg, rec.ID)
		if err != nil {
			return rec, fmt.Errorf("poll batch: %w", err)
		}
		logger.Debug("batch progress",
			zap.String("status", string(rec.Status)),
			zap.Float64("percentage", rec.Percentage()),
		)
	}
	logger.Info("batch finished",
		zap.String("status", string(rec.Status)),
		zap.Int("processed_jobs", rec.ProcessedJobs),
		zap.Int("failed_jobs", rec.FailedJobs),
	)
	return rec, nil
}

// RunScan starts (or, with resume set, continues) the cursor scan and blocks
// until the loop exits. Canceling ctx requests a stop at the next step.
func (a *App) RunScan(ctx context.Context, startID int64, maxID *int64, resume bool, poll time.Duration) (parcel.ScanState, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	bg := context.WithoutCancel(ctx)
	if resume {
		ok, err := a.scanner.Resume(ctx)
		if err != nil {
			return parcel.ScanState{}, fmt.Errorf("resume scan: %w", err)
		}
		if !ok {
			return parcel.ScanState{}, parcel.ErrScanIdle
		}
	} else if _, err := a.scanner.Start(ctx, startID, maxID); err != nil {
		return parcel.ScanState{}, fmt.Errorf("start scan: %w", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	interrupted := ctx.Done()
	for a.scanner.Running() {
		select {
		case <-interrupted:
			interrupted = nil
			a.logger.Info("interrupt received, stopping scan")
			if _, err := a.scanner.Stop(bg); err != nil && !errors.Is(err, parcel.ErrScanIdle) {
				return parcel.ScanState{}, fmt.Errorf("stop scan: %w", err)
			}
		case <-ticker.C:
		}
	}
	st, err := a.scanner.Progress(bg)
	if err != nil {
		return st, fmt.Errorf("scan progress: %w", err)
	}
	a.logger.Info("scan finished", zap.Int64("current_id", st.CurrentID))
	return st, nil
}
