package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// RecordStore is an in-memory parcel sink keyed by parcel id.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]parcel.Record
	now     func() time.Time
	err     error
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]parcel.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// FailWith makes subsequent writes return err; nil restores success.
func (s *RecordStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Upsert inserts or replaces rec, keeping the original created_at.
func (s *RecordStore) Upsert(ctx context.Context, rec parcel.Record) error {
	return s.UpsertMany(ctx, []parcel.Record{rec})
}

// UpsertMany applies every record or none of them.
func (s *RecordStore) UpsertMany(_ context.Context, recs []parcel.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	now := s.now()
	for _, rec := range recs {
		rec.CreatedAt = now
		if prev, ok := s.records[rec.ID]; ok {
			rec.CreatedAt = prev.CreatedAt
		}
		rec.UpdatedAt = now
		s.records[rec.ID] = rec
	}
	return nil
}

// Get returns the stored record for id.
func (s *RecordStore) Get(_ context.Context, id string) (parcel.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return parcel.Record{}, parcel.ErrRecordNotFound
	}
	return rec, nil
}

// ExistsByGPIN reports whether any stored record carries gpin.
func (s *RecordStore) ExistsByGPIN(_ context.Context, gpin string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.GPIN != nil && *rec.GPIN == gpin {
			return true, nil
		}
	}
	return false, nil
}

// Len reports the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
