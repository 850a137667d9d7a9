package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/parcel"
	"github.com/openparcels/parcel-ingest/internal/storage/memory"
)

type fakeProcessor struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (p *fakeProcessor) Process(_ context.Context, id string) (parcel.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, id)
	if err := p.errs[id]; err != nil {
		return parcel.Record{}, err
	}
	return parcel.Record{ID: id, Active: true}, nil
}

func (p *fakeProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type fixture struct {
	store     *memory.ScanStore
	records   *memory.RecordStore
	processor *fakeProcessor
	scanner   *Scanner
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewScanStore(),
		records:   memory.NewRecordStore(),
		processor: &fakeProcessor{errs: map[string]error{}},
	}
	f.scanner = New(f.store, f.processor, f.records, fakeClock{}, nil, Config{Delay: delay}, zap.NewNop())
	t.Cleanup(f.scanner.Close)
	return f
}

func (f *fixture) waitIdle(t *testing.T) parcel.ScanState {
	t.Helper()
	var st parcel.ScanState
	require.Eventually(t, func() bool {
		var err error
		st, err = f.store.LoadScan(context.Background())
		return err == nil && !st.IsRunning && !f.scanner.Running()
	}, 5*time.Second, time.Millisecond)
	return st
}

func ptr(v int64) *int64 { return &v }

func TestScanWalksRangeToCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	f.processor.errs["10000002"] = parcel.ErrNotFound
	f.processor.errs["10000003"] = &parcel.TransformError{ID: "10000003", Reason: "missing header block"}

	st, err := f.scanner.Start(context.Background(), 10000001, ptr(10000004))
	require.NoError(t, err)
	require.True(t, st.IsRunning)

	st = f.waitIdle(t)
	require.Equal(t, int64(10000005), st.CurrentID)
	require.False(t, st.ShouldStop)
	require.Equal(t, []string{"10000001", "10000002", "10000003", "10000004"}, f.processor.Calls())
	require.Equal(t, 2, f.records.Len())
}

func TestScanStartValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	_, err := f.scanner.Start(context.Background(), 42, nil)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = f.scanner.Start(context.Background(), 10000010, ptr(10000009))
	require.ErrorIs(t, err, ErrInvalidRange)
	require.Empty(t, f.processor.Calls())
}

func TestScanStartWhileRunningConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	_, err := f.scanner.Start(context.Background(), 10000001, nil)
	require.NoError(t, err)
	_, err = f.scanner.Start(context.Background(), 10000001, nil)
	require.ErrorIs(t, err, parcel.ErrScanRunning)
}

func TestScanStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 2*time.Millisecond)
	_, err := f.scanner.Stop(context.Background())
	require.ErrorIs(t, err, parcel.ErrScanIdle)

	_, err = f.scanner.Start(context.Background(), 10000001, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.processor.Calls()) >= 2 }, 5*time.Second, time.Millisecond)

	st, err := f.scanner.Stop(context.Background())
	require.NoError(t, err)
	require.True(t, st.ShouldStop)

	st = f.waitIdle(t)
	require.False(t, st.ShouldStop)
	require.Equal(t, int64(10000001)+int64(len(f.processor.Calls())), st.CurrentID)
}

func TestScanStopWithoutLoopEndsStoredScan(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	// Left running by a process that died; resume on boot was disabled.
	f.store.Seed(parcel.ScanState{CurrentID: 10000042, IsRunning: true})
	require.False(t, f.scanner.Running())

	st, err := f.scanner.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, st.IsRunning)
	require.False(t, st.ShouldStop)
	require.Equal(t, int64(10000042), st.CurrentID)

	_, err = f.scanner.Stop(context.Background())
	require.ErrorIs(t, err, parcel.ErrScanIdle)

	_, err = f.scanner.Start(context.Background(), 10000042, ptr(10000042))
	require.NoError(t, err)
	f.waitIdle(t)
	require.Equal(t, []string{"10000042"}, f.processor.Calls())
}

func TestScanResumeRefetchesCurrentID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	// A crash after processing 10000004 but before the cursor moved past 10000005.
	f.store.Seed(parcel.ScanState{CurrentID: 10000005, MaxID: ptr(10000006), IsRunning: true})

	started, err := f.scanner.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, started)

	st := f.waitIdle(t)
	require.Equal(t, []string{"10000005", "10000006"}, f.processor.Calls())
	require.Equal(t, int64(10000007), st.CurrentID)
}

func TestScanResumeWhenIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	started, err := f.scanner.Resume(context.Background())
	require.NoError(t, err)
	require.False(t, started)
}

func TestScanCloseKeepsDurableState(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Hour)
	_, err := f.scanner.Start(context.Background(), 10000001, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := f.store.LoadScan(context.Background())
		return err == nil && st.CurrentID == 10000002
	}, 5*time.Second, time.Millisecond)

	f.scanner.Close()
	st, err := f.store.LoadScan(context.Background())
	require.NoError(t, err)
	require.True(t, st.IsRunning, "a restart resumes the scan")
	require.Equal(t, int64(10000002), st.CurrentID)
	require.False(t, f.scanner.Running())
}

func TestScanStoreFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Millisecond)
	f.store.FailWith(errors.New("db down"))
	_, err := f.scanner.Start(context.Background(), 10000001, nil)
	require.ErrorIs(t, err, parcel.ErrOrchestratorFatal)
	_, err = f.scanner.Progress(context.Background())
	require.ErrorIs(t, err, parcel.ErrOrchestratorFatal)
}
