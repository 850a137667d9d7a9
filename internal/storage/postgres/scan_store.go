package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// ScanStore keeps the legacy scan cursor in the single row of fetch_progress
// with id 1.
type ScanStore struct {
	db DB
}

// NewScanStore constructs a ScanStore.
func NewScanStore(db DB) (*ScanStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &ScanStore{db: db}, nil
}

// LoadScan returns the state, or an idle default when the row is missing.
func (s *ScanStore) LoadScan(ctx context.Context) (parcel.ScanState, error) {
	var st parcel.ScanState
	err := s.db.QueryRow(ctx, `
SELECT current_id, max_id, is_running, should_stop, updated_at
FROM fetch_progress WHERE id = 1`).Scan(&st.CurrentID, &st.MaxID, &st.IsRunning, &st.ShouldStop, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return parcel.ScanState{CurrentID: parcel.DefaultScanStart}, nil
		}
		return parcel.ScanState{}, fmt.Errorf("load scan state: %w", err)
	}
	return st, nil
}

// BeginScan creates or resets the row unless a scan is already running.
func (s *ScanStore) BeginScan(ctx context.Context, startID int64, maxID *int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO fetch_progress (id, current_id, max_id, is_running, should_stop, updated_at)
VALUES (1, $1, $2, TRUE, FALSE, $3)
ON CONFLICT (id) DO UPDATE
SET current_id = EXCLUDED.current_id, max_id = EXCLUDED.max_id, is_running = TRUE,
	should_stop = FALSE, updated_at = EXCLUDED.updated_at
WHERE NOT fetch_progress.is_running`, startID, maxID, at)
	if err != nil {
		return false, fmt.Errorf("begin scan: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestStop sets should_stop on a running scan.
func (s *ScanStore) RequestStop(ctx context.Context, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE fetch_progress SET should_stop = TRUE, updated_at = $1 WHERE id = 1 AND is_running`, at)
	if err != nil {
		return false, fmt.Errorf("request scan stop: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceCursor moves current_id forward, never backwards.
func (s *ScanStore) AdvanceCursor(ctx context.Context, next int64, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE fetch_progress SET current_id = GREATEST(current_id, $1), updated_at = $2 WHERE id = 1`, next, at)
	if err != nil {
		return fmt.Errorf("advance scan cursor to %d: %w", next, err)
	}
	return nil
}

// EndScan clears the running and stop flags.
func (s *ScanStore) EndScan(ctx context.Context, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE fetch_progress SET is_running = FALSE, should_stop = FALSE, updated_at = $1 WHERE id = 1`, at)
	if err != nil {
		return fmt.Errorf("end scan: %w", err)
	}
	return nil
}
