package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/dispatcher"
	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/planner"
	"github.com/openparcels/parcel-ingest/internal/progress"
	pubmem "github.com/openparcels/parcel-ingest/internal/publisher/memory"
	queuemem "github.com/openparcels/parcel-ingest/internal/queue/memory"
	"github.com/openparcels/parcel-ingest/internal/storage/memory"
	"github.com/openparcels/parcel-ingest/internal/worker"
)

type seqIDs struct{ n atomic.Int32 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("batch-%d", s.n.Add(1)), nil
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type failingProcessor struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls int
}

func (p *failingProcessor) Process(_ context.Context, id string) (parcel.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail[id] {
		return parcel.Record{}, &parcel.TransientError{ID: id, StatusCode: 503, Attempts: 3}
	}
	return parcel.Record{ID: id}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *recordingEmitter) count(stage progress.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.stages {
		if s == stage {
			n++
		}
	}
	return n
}

type errSource struct{ err error }

func (s errSource) ListCandidates(context.Context, parcel.CandidateQuery) ([]parcel.Candidate, error) {
	return nil, s.err
}

// flakyBatches fails the first failCommits CompleteUnit calls, or all of
// them when failCommits is negative.
type flakyBatches struct {
	*memory.BatchStore
	mu          sync.Mutex
	failCommits int
}

func (f *flakyBatches) CompleteUnit(
	ctx context.Context,
	batchID string,
	unit int,
	outcome parcel.UnitOutcome,
	at time.Time,
) (bool, error) {
	f.mu.Lock()
	fail := f.failCommits != 0
	if f.failCommits > 0 {
		f.failCommits--
	}
	f.mu.Unlock()
	if fail {
		return false, errors.New("connection reset by peer")
	}
	return f.BatchStore.CompleteUnit(ctx, batchID, unit, outcome, at)
}

type fixture struct {
	candidates *memory.CandidateStore
	batches    *memory.BatchStore
	store      parcel.BatchStore
	workerCfg  worker.Config
	records    *memory.RecordStore
	queue      *queuemem.Queue
	publisher  *pubmem.Publisher
	emitter    *recordingEmitter
	orch       *Orchestrator
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	rows := make([]parcel.Candidate, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, parcel.Candidate{ExternalID: strconv.Itoa(20000000 + i), InternalRef: int64(i)})
	}
	f := &fixture{
		candidates: memory.NewCandidateStore(rows...),
		batches:    memory.NewBatchStore(),
		records:    memory.NewRecordStore(),
		queue:      queuemem.NewQueue(64),
		publisher:  pubmem.New(),
		emitter:    &recordingEmitter{},
	}
	f.store = f.batches
	f.orch = f.newOrchestrator(planner.New(f.candidates, 4, nil))
	t.Cleanup(f.orch.Close)
	return f
}

func (f *fixture) newOrchestrator(p Planner) *Orchestrator {
	return New(p, f.store, f.queue, &seqIDs{}, fakeClock{}, f.publisher, f.emitter,
		Config{Topic: "batch-events"}, zap.NewNop())
}

func (f *fixture) startWorkers(t *testing.T, proc worker.Processor, n int) {
	t.Helper()
	runners := make([]dispatcher.Runner, n)
	for i := range runners {
		runners[i] = worker.New(f.queue, f.store, f.records, proc, fakeClock{}, f.emitter, f.orch,
			f.workerCfg, zap.NewNop())
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.New(f.queue, runners).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) waitStatus(t *testing.T, id string, want parcel.BatchStatus) parcel.BatchRecord {
	t.Helper()
	var last parcel.BatchRecord
	require.Eventually(t, func() bool {
		rec, err := f.orch.Poll(context.Background(), id)
		if err != nil {
			return false
		}
		last = rec
		return rec.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestBatchWithTransientFailuresCompletesWithErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	proc := &failingProcessor{fail: map[string]bool{"20000003": true, "20000007": true}}
	f.startWorkers(t, proc, 2)

	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{UnitSize: 3})
	require.NoError(t, err)
	require.Equal(t, 10, rec.TotalJobs)
	require.Equal(t, 3, rec.Options.UnitSize)

	final := f.waitStatus(t, rec.ID, parcel.BatchCompletedWithErrors)
	require.Equal(t, 8, final.ProcessedJobs)
	require.Equal(t, 2, final.FailedJobs)
	require.Equal(t, 4, final.Units.Done)
	require.NotNil(t, final.FinishedAt)
	require.InDelta(t, 80.0, final.Percentage(), 0.001)
	require.Equal(t, 8, f.records.Len())

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1, "terminal transition publishes once")
	require.Equal(t, "batch-events", msgs[0].Topic)
	evt, ok := msgs[0].Payload.(BatchEvent)
	require.True(t, ok)
	require.Equal(t, parcel.BatchCompletedWithErrors, evt.Status)
	require.InDelta(t, 80.0, evt.Percentage, 0.001)
	require.Equal(t, rec.ID, evt.Attributes()["batch_id"])
	require.Equal(t, 1, f.emitter.count(progress.StageBatchStart))
	require.Equal(t, 1, f.emitter.count(progress.StageBatchDone))
}

func TestBatchWithoutFailuresCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 7)
	f.startWorkers(t, &failingProcessor{}, 3)

	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{})
	require.NoError(t, err)
	final := f.waitStatus(t, rec.ID, parcel.BatchCompleted)
	require.Equal(t, 7, final.ProcessedJobs)
	require.Zero(t, final.FailedJobs)
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, parcel.BatchCompleted, rec.Status)
	require.Zero(t, rec.TotalJobs)
	require.Len(t, f.publisher.Messages(), 1)
}

func TestStartRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	_, err := f.orch.Start(context.Background(), parcel.BatchOptions{UnitSize: planner.MaxUnitSize + 1})
	require.ErrorIs(t, err, ErrInvalidOptions)

	list, err := f.orch.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPlanningFailureFailsBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	orch := f.newOrchestrator(planner.New(errSource{err: errors.New("connection refused")}, 10, nil))
	t.Cleanup(orch.Close)

	rec, err := orch.Start(context.Background(), parcel.BatchOptions{})
	require.ErrorIs(t, err, parcel.ErrOrchestratorFatal)

	stored, err := f.batches.GetBatch(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, parcel.BatchFailed, stored.Status)
	require.Contains(t, stored.Error, "connection refused")
	require.NotNil(t, stored.FinishedAt)
	require.Len(t, f.publisher.Messages(), 1)
}

func TestCreateFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.batches.FailWith(errors.New("db down"))
	_, err := f.orch.Start(context.Background(), parcel.BatchOptions{})
	require.ErrorIs(t, err, parcel.ErrOrchestratorFatal)
}

func TestCancelWithoutWorkersDropsEverything(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 6)
	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{UnitSize: 2})
	require.NoError(t, err)

	rec, err = f.orch.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, parcel.BatchCancelled, rec.Status)
	require.Equal(t, 3, rec.Units.Dropped)
	require.Zero(t, rec.ProcessedJobs+rec.FailedJobs)

	_, err = f.orch.Cancel(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrBatchFinished)
}

func TestCancelWaitsForInFlightUnit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 6)
	rec, err := f.orch.Start(ctx, parcel.BatchOptions{UnitSize: 2})
	require.NoError(t, err)

	claimed, err := f.batches.ClaimUnit(ctx, rec.ID, 0, fakeClock{}.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	rec, err = f.orch.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, parcel.BatchProcessing, rec.Status, "in-flight unit keeps the batch open")

	ok, err := f.batches.CompleteUnit(ctx, rec.ID, 0, parcel.UnitOutcome{Processed: 1, Failed: 1}, fakeClock{}.Now())
	require.NoError(t, err)
	require.True(t, ok)

	rec, err = f.orch.Refresh(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, parcel.BatchCancelled, rec.Status)
	require.Equal(t, 1, rec.ProcessedJobs)
	require.Equal(t, 1, rec.FailedJobs)

	// Counters are frozen once terminal.
	claimed, err = f.batches.ClaimUnit(ctx, rec.ID, 1, fakeClock{}.Now())
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestPollUnknownBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.orch.Poll(context.Background(), "missing")
	require.ErrorIs(t, err, parcel.ErrBatchNotFound)
	_, err = f.orch.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, parcel.ErrBatchNotFound)
}

func TestResumeRequeuesUncountedUnits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 6)
	units := []parcel.WorkUnit{
		{Index: 0, Items: []parcel.Candidate{{ExternalID: "1", InternalRef: 1}, {ExternalID: "2", InternalRef: 2}}},
		{Index: 1, Items: []parcel.Candidate{{ExternalID: "3", InternalRef: 3}, {ExternalID: "4", InternalRef: 4}}},
		{Index: 2, Items: []parcel.Candidate{{ExternalID: "5", InternalRef: 5}, {ExternalID: "6", InternalRef: 6}}},
	}
	require.NoError(t, f.batches.CreateBatch(ctx, parcel.BatchRecord{
		ID: "left-behind", Status: parcel.BatchProcessing, TotalJobs: 6,
	}, units))
	now := fakeClock{}.Now()
	for _, i := range []int{0, 1} {
		ok, err := f.batches.ClaimUnit(ctx, "left-behind", i, now)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := f.batches.CompleteUnit(ctx, "left-behind", 0, parcel.UnitOutcome{Processed: 2}, now)
	require.NoError(t, err)
	require.True(t, ok)

	resumed, err := f.orch.ResumeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	require.Eventually(t, func() bool { return f.queue.Len() == 2 }, time.Second, time.Millisecond)
	_, err = f.orch.Resume(ctx, "left-behind")
	require.ErrorIs(t, err, ErrBatchActive)

	f.startWorkers(t, &failingProcessor{}, 1)
	final := f.waitStatus(t, "left-behind", parcel.BatchCompleted)
	require.Equal(t, 6, final.ProcessedJobs)
}

func TestResumeFinishedBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{})
	require.NoError(t, err)
	_, err = f.orch.Resume(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrBatchFinished)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	for range 3 {
		_, err := f.orch.Start(context.Background(), parcel.BatchOptions{})
		require.NoError(t, err)
	}
	list, err := f.orch.List(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "batch-3", list[0].ID)
	require.Equal(t, "batch-2", list[1].ID)
}

// useFlakyCommits routes orchestrator and workers through a store whose
// CompleteUnit fails n times (always when n < 0).
func (f *fixture) useFlakyCommits(t *testing.T, n int) {
	t.Helper()
	f.store = &flakyBatches{BatchStore: f.batches, failCommits: n}
	f.workerCfg = worker.Config{UnitRetries: 1, RetryBackoff: []time.Duration{time.Millisecond}}
	f.orch = f.newOrchestrator(planner.New(f.candidates, 4, nil))
	t.Cleanup(f.orch.Close)
}

func TestTransientCommitErrorStillCompletesBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.useFlakyCommits(t, 1)
	f.startWorkers(t, &failingProcessor{}, 1)

	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{UnitSize: 2})
	require.NoError(t, err)

	final := f.waitStatus(t, rec.ID, parcel.BatchCompleted)
	require.Equal(t, 4, final.ProcessedJobs)
	require.Zero(t, final.FailedJobs)
	require.Equal(t, 2, final.Units.Done)
	require.Zero(t, final.Units.Running)
}

func TestUnrecordableUnitFailsBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	f.useFlakyCommits(t, -1)
	f.startWorkers(t, &failingProcessor{}, 1)

	rec, err := f.orch.Start(context.Background(), parcel.BatchOptions{UnitSize: 2})
	require.NoError(t, err)

	final := f.waitStatus(t, rec.ID, parcel.BatchFailed)
	require.Contains(t, final.Error, "connection reset by peer")
	require.NotNil(t, final.FinishedAt)
	require.False(t, f.orch.isActive(rec.ID))
	require.Eventually(t, func() bool {
		return f.emitter.count(progress.StageBatchDone) == 1 && len(f.publisher.Messages()) == 1
	}, time.Second, time.Millisecond)

	_, err = f.orch.Resume(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrBatchFinished)
	_, err = f.orch.Cancel(context.Background(), rec.ID)
	require.ErrorIs(t, err, ErrBatchFinished)
}

func TestFailReleasesBatchWhenStatusWriteFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 4)
	rec, err := f.orch.Start(ctx, parcel.BatchOptions{UnitSize: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.queue.Len() == 2 }, time.Second, time.Millisecond)
	require.True(t, f.orch.isActive(rec.ID))

	f.batches.FailWith(errors.New("db down"))
	_, err = f.orch.Fail(ctx, rec.ID, errors.New("commit unit: db down"))
	require.ErrorIs(t, err, parcel.ErrOrchestratorFatal)
	require.False(t, f.orch.isActive(rec.ID), "a batch that could not be failed stays resumable")

	f.batches.FailWith(nil)
	resumed, err := f.orch.Resume(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, parcel.BatchPending, resumed.Status)
}
