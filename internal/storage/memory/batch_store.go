package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// BatchStore keeps batch snapshots and unit states in memory. Every method
// runs under one mutex, which gives the same atomicity the Postgres store
// gets from single-statement updates.
type BatchStore struct {
	mu      sync.Mutex
	batches map[string]*batchEntry
	order   []string
	err     error
}

type batchEntry struct {
	rec   parcel.BatchRecord
	units []unitEntry
}

type unitEntry struct {
	unit   parcel.WorkUnit
	status parcel.UnitStatus
}

// NewBatchStore constructs an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{batches: make(map[string]*batchEntry)}
}

// FailWith makes every call return err; nil restores success.
func (s *BatchStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// CreateBatch stores batch with all units pending.
func (s *BatchStore) CreateBatch(_ context.Context, batch parcel.BatchRecord, units []parcel.WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if batch.ID == "" {
		return errors.New("batch id is required")
	}
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	entry := &batchEntry{rec: batch, units: make([]unitEntry, len(units))}
	for i, u := range units {
		entry.units[i] = unitEntry{unit: u, status: parcel.UnitPending}
	}
	s.batches[batch.ID] = entry
	s.order = append(s.order, batch.ID)
	return nil
}

// GetBatch returns the snapshot with live unit counts.
func (s *BatchStore) GetBatch(_ context.Context, id string) (parcel.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return parcel.BatchRecord{}, s.err
	}
	entry, ok := s.batches[id]
	if !ok {
		return parcel.BatchRecord{}, parcel.ErrBatchNotFound
	}
	return entry.snapshot(), nil
}

// ListBatches returns batches newest first.
func (s *BatchStore) ListBatches(_ context.Context, limit, offset int) ([]parcel.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ids := slices.Clone(s.order)
	slices.Reverse(ids)
	if offset >= len(ids) {
		return []parcel.BatchRecord{}, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]parcel.BatchRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.batches[id].snapshot())
	}
	return out, nil
}

// OpenBatchIDs returns ids of non-terminal batches, oldest first.
func (s *BatchStore) OpenBatchIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []string
	for _, id := range s.order {
		if !s.batches[id].rec.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

// ClaimUnit moves a pending unit to running unless the batch is terminal or
// cancel was requested.
func (s *BatchStore) ClaimUnit(_ context.Context, batchID string, unit int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, u, err := s.unit(batchID, unit)
	if err != nil {
		return false, err
	}
	if entry.rec.Status.Terminal() || entry.rec.CancelRequested || u.status != parcel.UnitPending {
		return false, nil
	}
	u.status = parcel.UnitRunning
	if entry.rec.StartedAt == nil {
		started := at
		entry.rec.StartedAt = &started
	}
	return true, nil
}

// ReleaseUnit moves a running unit back to pending without counting it.
func (s *BatchStore) ReleaseUnit(_ context.Context, batchID string, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, u, err := s.unit(batchID, unit)
	if err != nil {
		return err
	}
	if u.status == parcel.UnitRunning {
		u.status = parcel.UnitPending
	}
	return nil
}

// CompleteUnit marks a running unit done and adds its outcome to the counters.
func (s *BatchStore) CompleteUnit(
	_ context.Context,
	batchID string,
	unit int,
	outcome parcel.UnitOutcome,
	_ time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, u, err := s.unit(batchID, unit)
	if err != nil {
		return false, err
	}
	if entry.rec.Status.Terminal() || u.status != parcel.UnitRunning {
		return false, nil
	}
	u.status = parcel.UnitDone
	entry.rec.ProcessedJobs += outcome.Processed
	entry.rec.FailedJobs += outcome.Failed
	return true, nil
}

// DropUnit marks a pending or running unit dropped.
func (s *BatchStore) DropUnit(_ context.Context, batchID string, unit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, u, err := s.unit(batchID, unit)
	if err != nil {
		return err
	}
	if u.status == parcel.UnitPending || u.status == parcel.UnitRunning {
		u.status = parcel.UnitDropped
	}
	return nil
}

// ReopenUnits moves running units back to pending and returns every pending
// unit. Callers must ensure no worker still holds one of them.
func (s *BatchStore) ReopenUnits(_ context.Context, batchID string) ([]parcel.WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	entry, ok := s.batches[batchID]
	if !ok {
		return nil, parcel.ErrBatchNotFound
	}
	var out []parcel.WorkUnit
	for i := range entry.units {
		u := &entry.units[i]
		if u.status == parcel.UnitRunning {
			u.status = parcel.UnitPending
		}
		if u.status == parcel.UnitPending {
			out = append(out, u.unit)
		}
	}
	return out, nil
}

// RequestCancel flags the batch and drops every pending unit.
func (s *BatchStore) RequestCancel(_ context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	entry, ok := s.batches[batchID]
	if !ok {
		return false, parcel.ErrBatchNotFound
	}
	if entry.rec.Status.Terminal() {
		return false, nil
	}
	entry.rec.CancelRequested = true
	for i := range entry.units {
		if entry.units[i].status == parcel.UnitPending {
			entry.units[i].status = parcel.UnitDropped
		}
	}
	return true, nil
}

// SetStatus updates a non-terminal batch; terminal statuses stamp finished_at.
func (s *BatchStore) SetStatus(
	_ context.Context,
	batchID string,
	status parcel.BatchStatus,
	errText string,
	at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	entry, ok := s.batches[batchID]
	if !ok {
		return false, parcel.ErrBatchNotFound
	}
	if entry.rec.Status.Terminal() {
		return false, nil
	}
	entry.rec.Status = status
	if errText != "" {
		entry.rec.Error = errText
	}
	if status.Terminal() {
		finished := at
		entry.rec.FinishedAt = &finished
	}
	return true, nil
}

func (s *BatchStore) unit(batchID string, index int) (*batchEntry, *unitEntry, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	entry, ok := s.batches[batchID]
	if !ok {
		return nil, nil, parcel.ErrBatchNotFound
	}
	for i := range entry.units {
		if entry.units[i].unit.Index == index {
			return entry, &entry.units[i], nil
		}
	}
	return nil, nil, fmt.Errorf("batch %s has no unit %d", batchID, index)
}

func (e *batchEntry) snapshot() parcel.BatchRecord {
	rec := e.rec
	rec.Units = parcel.UnitCounts{}
	for _, u := range e.units {
		switch u.status {
		case parcel.UnitPending:
			rec.Units.Pending++
		case parcel.UnitRunning:
			rec.Units.Running++
		case parcel.UnitDone:
			rec.Units.Done++
		case parcel.UnitDropped:
			rec.Units.Dropped++
		}
	}
	return rec
}
