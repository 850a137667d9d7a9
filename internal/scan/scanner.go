// Package scan runs the legacy sequential scan: one cursor walking account
// ids in ascending order, one id per step, with a delay between steps.
//
// The cursor is written after the step's upsert commits. A crash between the
// two refetches the same id on resume, so delivery is at-least-once.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/progress"
	"github.com/openparcels/parcel-ingest/internal/telemetry"
)

// DefaultDelay is the pause between two steps.
const DefaultDelay = time.Second

// ErrInvalidRange is returned by Start for out-of-range bounds.
var ErrInvalidRange = errors.New("invalid scan range")

// Processor fetches and transforms one id.
type Processor interface {
	Process(ctx context.Context, id string) (parcel.Record, error)
}

// Config controls the scan loop.
type Config struct {
	Delay time.Duration
	// StoreTimeout bounds state writes made while the loop is stopping.
	StoreTimeout time.Duration
}

// Scanner drives the cursor loop. At most one loop runs per process.
type Scanner struct {
	store     parcel.ScanStore
	processor Processor
	records   parcel.RecordStore
	clock     parcel.Clock
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	looping bool
}

// New constructs a Scanner. emitter may be nil.
func New(
	store parcel.ScanStore,
	processor Processor,
	records parcel.RecordStore,
	clock parcel.Clock,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Scanner {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		store:     store,
		processor: processor,
		records:   records,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins a scan at startID. maxID is optional.
func (s *Scanner) Start(ctx context.Context, startID int64, maxID *int64) (parcel.ScanState, error) {
	if startID < parcel.DefaultScanStart {
		return parcel.ScanState{}, fmt.Errorf("%w: start id must be >= %d", ErrInvalidRange, parcel.DefaultScanStart)
	}
	if maxID != nil && *maxID < startID {
		return parcel.ScanState{}, fmt.Errorf("%w: max id %d is below start id %d", ErrInvalidRange, *maxID, startID)
	}
	ok, err := s.store.BeginScan(ctx, startID, maxID, s.clock.Now())
	if err != nil {
		return parcel.ScanState{}, parcel.Fatal("begin scan", err)
	}
	if !ok {
		return parcel.ScanState{}, parcel.ErrScanRunning
	}
	s.logger.Info("scan started", zap.Int64("start_id", startID), zap.Int64p("max_id", maxID))
	s.launch()
	return s.Progress(ctx)
}

// Stop asks the running loop to exit at its next step boundary. When this
// process is not driving a loop, as after a crash with resume disabled, the
// stored scan is ended directly.
func (s *Scanner) Stop(ctx context.Context) (parcel.ScanState, error) {
	ok, err := s.store.RequestStop(ctx, s.clock.Now())
	if err != nil {
		return parcel.ScanState{}, parcel.Fatal("request scan stop", err)
	}
	if !ok {
		return parcel.ScanState{}, parcel.ErrScanIdle
	}
	if !s.Running() {
		s.logger.Info("no scan loop in this process, ending stored scan")
		if err := s.store.EndScan(ctx, s.clock.Now()); err != nil {
			return parcel.ScanState{}, parcel.Fatal("end scan", err)
		}
		return s.Progress(ctx)
	}
	s.logger.Info("scan stop requested")
	return s.Progress(ctx)
}

// Progress returns the durable scan state.
func (s *Scanner) Progress(ctx context.Context) (parcel.ScanState, error) {
	st, err := s.store.LoadScan(ctx)
	if err != nil {
		return parcel.ScanState{}, parcel.Fatal("load scan", err)
	}
	return st, nil
}

// Resume restarts the loop from the durable cursor when the stored state
// says a scan was running. It reports whether a loop was started.
func (s *Scanner) Resume(ctx context.Context) (bool, error) {
	st, err := s.Progress(ctx)
	if err != nil {
		return false, err
	}
	if !st.IsRunning {
		return false, nil
	}
	s.logger.Info("resuming scan", zap.Int64("current_id", st.CurrentID))
	return s.launch(), nil
}

// Running reports whether this process is driving the loop.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.looping
}

// Close stops the loop without touching the durable state, so the next
// process resumes from the cursor.
func (s *Scanner) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scanner) launch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.looping || s.ctx.Err() != nil {
		return false
	}
	s.looping = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.looping = false
			s.mu.Unlock()
		}()
		s.loop(s.ctx)
	}()
	return true
}

func (s *Scanner) loop(ctx context.Context) {
	for {
		st, err := s.store.LoadScan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("load scan state failed, ending scan", zap.Error(err))
			s.end(ctx)
			return
		}
		if !st.IsRunning {
			s.logger.Info("scan ended elsewhere", zap.Int64("current_id", st.CurrentID))
			return
		}
		if st.ShouldStop {
			s.logger.Info("scan stopped", zap.Int64("current_id", st.CurrentID))
			s.end(ctx)
			return
		}
		if st.MaxID != nil && st.CurrentID > *st.MaxID {
			s.logger.Info("scan reached max id", zap.Int64("max_id", *st.MaxID))
			s.end(ctx)
			return
		}

		id := st.CurrentID
		s.step(ctx, id)
		if ctx.Err() != nil {
			return
		}
		next := id + 1
		if err := s.store.AdvanceCursor(ctx, next, s.clock.Now()); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("advance scan cursor failed, ending scan", zap.Int64("next", next), zap.Error(err))
			s.end(ctx)
			return
		}
		telemetry.SetScanCursor(next)

		timer := time.NewTimer(s.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// step processes one id. Item failures are logged and the cursor moves on.
func (s *Scanner) step(ctx context.Context, id int64) {
	parcelID := strconv.FormatInt(id, 10)
	logger := s.logger.With(zap.String("parcel_id", parcelID))
	start := s.clock.Now()

	outcome := "ok"
	rec, err := s.processor.Process(ctx, parcelID)
	if err == nil {
		if uerr := s.records.Upsert(ctx, rec); uerr != nil {
			err = &parcel.PersistenceError{Op: "upsert", Count: 1, Err: uerr}
		}
	}
	if err != nil {
		outcome = parcel.Outcome(err)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, parcel.ErrNotFound) {
			logger.Debug("no record card")
		} else {
			logger.Warn("scan step failed", zap.String("outcome", outcome), zap.Error(err))
		}
	}
	telemetry.ObserveItem("scan", outcome)

	evt := progress.Event{TS: s.clock.Now(), Stage: progress.StageScanStep, ParcelID: parcelID, Outcome: outcome}
	if d := evt.TS.Sub(start); d > 0 {
		evt.Dur = d
	}
	if err != nil {
		evt.Note = err.Error()
	}
	s.emitter.Emit(evt)
}

func (s *Scanner) end(ctx context.Context) {
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StoreTimeout)
	defer cancel()
	if err := s.store.EndScan(endCtx, s.clock.Now()); err != nil {
		s.logger.Error("end scan failed", zap.Error(err))
	}
}
