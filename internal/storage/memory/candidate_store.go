package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// CandidateStore is an in-memory candidate table ordered by InternalRef.
type CandidateStore struct {
	mu   sync.RWMutex
	rows []parcel.Candidate
}

// NewCandidateStore seeds a store with rows in any order.
func NewCandidateStore(rows ...parcel.Candidate) *CandidateStore {
	s := &CandidateStore{}
	s.Add(rows...)
	return s
}

// Add inserts rows, replacing any with the same InternalRef.
func (s *CandidateStore) Add(rows ...parcel.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		i, found := slices.BinarySearchFunc(s.rows, row.InternalRef, func(c parcel.Candidate, ref int64) int {
			switch {
			case c.InternalRef < ref:
				return -1
			case c.InternalRef > ref:
				return 1
			default:
				return 0
			}
		})
		if found {
			s.rows[i] = row
			continue
		}
		s.rows = slices.Insert(s.rows, i, row)
	}
}

// ListCandidates returns up to q.Limit rows with InternalRef > q.After.
func (s *CandidateStore) ListCandidates(_ context.Context, q parcel.CandidateQuery) ([]parcel.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]parcel.Candidate, 0, q.Limit)
	for _, c := range s.rows {
		if c.InternalRef <= q.After {
			continue
		}
		if q.Ceiling > 0 && c.InternalRef > q.Ceiling {
			break
		}
		if q.RequireGPIN && c.GPIN == nil {
			continue
		}
		out = append(out, c)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
