package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// ScanStore holds the singleton legacy scan cursor.
type ScanStore struct {
	mu    sync.Mutex
	state parcel.ScanState
	err   error
}

// NewScanStore returns an idle scan positioned at parcel.DefaultScanStart.
func NewScanStore() *ScanStore {
	return &ScanStore{state: parcel.ScanState{CurrentID: parcel.DefaultScanStart}}
}

// FailWith makes every call return err; nil restores success.
func (s *ScanStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Seed overwrites the state, e.g. to simulate a crash mid-scan.
func (s *ScanStore) Seed(state parcel.ScanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// LoadScan returns a copy of the state.
func (s *ScanStore) LoadScan(context.Context) (parcel.ScanState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return parcel.ScanState{}, s.err
	}
	st := s.state
	if st.MaxID != nil {
		v := *st.MaxID
		st.MaxID = &v
	}
	return st, nil
}

// BeginScan marks the scan running from startID.
func (s *ScanStore) BeginScan(_ context.Context, startID int64, maxID *int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.state.IsRunning {
		return false, nil
	}
	var ceiling *int64
	if maxID != nil {
		v := *maxID
		ceiling = &v
	}
	s.state = parcel.ScanState{CurrentID: startID, MaxID: ceiling, IsRunning: true, UpdatedAt: at}
	return true, nil
}

// RequestStop sets should_stop on a running scan.
func (s *ScanStore) RequestStop(_ context.Context, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if !s.state.IsRunning {
		return false, nil
	}
	s.state.ShouldStop = true
	s.state.UpdatedAt = at
	return true, nil
}

// AdvanceCursor moves current_id forward; it never moves backwards.
func (s *ScanStore) AdvanceCursor(_ context.Context, next int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if next > s.state.CurrentID {
		s.state.CurrentID = next
	}
	s.state.UpdatedAt = at
	return nil
}

// EndScan clears the running and stop flags.
func (s *ScanStore) EndScan(_ context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.state.IsRunning = false
	s.state.ShouldStop = false
	s.state.UpdatedAt = at
	return nil
}
