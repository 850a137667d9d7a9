package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// openStatuses are the statuses under which counters may still change.
var openStatuses = []string{string(parcel.BatchPending), string(parcel.BatchProcessing)}

const batchSelect = `
SELECT b.id, b.status, b.total_jobs, b.processed_jobs, b.failed_jobs, b.cancel_requested,
	COALESCE(b.error, ''), b.options, b.created_at, b.started_at, b.finished_at,
	COUNT(u.unit_index) FILTER (WHERE u.status = 'pending'),
	COUNT(u.unit_index) FILTER (WHERE u.status = 'running'),
	COUNT(u.unit_index) FILTER (WHERE u.status = 'done'),
	COUNT(u.unit_index) FILTER (WHERE u.status = 'dropped')
FROM batches b
LEFT JOIN batch_units u ON u.batch_id = b.id`

// BatchStore keeps batch rows and their units in the batches and
// batch_units tables. Counter updates are single statements guarded by the
// batch status.
type BatchStore struct {
	db DB
}

// NewBatchStore constructs a BatchStore.
func NewBatchStore(db DB) (*BatchStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	return &BatchStore{db: db}, nil
}

// CreateBatch inserts the batch row and copies its units in one transaction.
func (s *BatchStore) CreateBatch(ctx context.Context, batch parcel.BatchRecord, units []parcel.WorkUnit) error {
	opts, err := json.Marshal(batch.Options)
	if err != nil {
		return fmt.Errorf("marshal batch options: %w", err)
	}
	rows := make([][]any, 0, len(units))
	for _, u := range units {
		items, err := json.Marshal(u.Items)
		if err != nil {
			return fmt.Errorf("marshal unit %d: %w", u.Index, err)
		}
		rows = append(rows, []any{batch.ID, u.Index, items, string(parcel.UnitPending)})
	}
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO batches (id, status, total_jobs, processed_jobs, failed_jobs, cancel_requested, error, options,
	created_at, finished_at)
VALUES ($1, $2, $3, 0, 0, FALSE, NULLIF($4, ''), $5, $6, $7)`,
			batch.ID, string(batch.Status), batch.TotalJobs, batch.Error, opts, batch.CreatedAt, batch.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert batch %s: %w", batch.ID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"batch_units"},
			[]string{"batch_id", "unit_index", "items", "status"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy units of %s: %w", batch.ID, err)
		}
		return nil
	})
}

// GetBatch returns the batch with live unit counts.
func (s *BatchStore) GetBatch(ctx context.Context, id string) (parcel.BatchRecord, error) {
	rows, err := s.db.Query(ctx, batchSelect+"\nWHERE b.id = $1\nGROUP BY b.id", id)
	if err != nil {
		return parcel.BatchRecord{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	recs, err := scanBatches(rows)
	if err != nil {
		return parcel.BatchRecord{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	if len(recs) == 0 {
		return parcel.BatchRecord{}, parcel.ErrBatchNotFound
	}
	return recs[0], nil
}

// ListBatches returns batches newest first.
func (s *BatchStore) ListBatches(ctx context.Context, limit, offset int) ([]parcel.BatchRecord, error) {
	rows, err := s.db.Query(ctx,
		batchSelect+"\nGROUP BY b.id\nORDER BY b.created_at DESC, b.id DESC\nLIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	recs, err := scanBatches(rows)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return recs, nil
}

func scanBatches(rows pgx.Rows) ([]parcel.BatchRecord, error) {
	defer rows.Close()
	out := []parcel.BatchRecord{}
	for rows.Next() {
		var (
			rec    parcel.BatchRecord
			status string
			opts   []byte
			counts [4]int64
		)
		if err := rows.Scan(
			&rec.ID, &status, &rec.TotalJobs, &rec.ProcessedJobs, &rec.FailedJobs, &rec.CancelRequested,
			&rec.Error, &opts, &rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt,
			&counts[0], &counts[1], &counts[2], &counts[3],
		); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		rec.Status = parcel.BatchStatus(status)
		if len(opts) > 0 {
			if err := json.Unmarshal(opts, &rec.Options); err != nil {
				return nil, fmt.Errorf("decode options of %s: %w", rec.ID, err)
			}
		}
		rec.Units = parcel.UnitCounts{
			Pending: int(counts[0]),
			Running: int(counts[1]),
			Done:    int(counts[2]),
			Dropped: int(counts[3]),
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenBatchIDs returns ids of non-terminal batches, oldest first.
func (s *BatchStore) OpenBatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM batches WHERE status = ANY($1) ORDER BY created_at, id`, openStatuses)
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimUnit moves a pending unit to running and stamps started_at once.
func (s *BatchStore) ClaimUnit(ctx context.Context, batchID string, unit int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
WITH claimed AS (
	UPDATE batch_units u SET status = 'running', claimed_at = $3
	FROM batches b
	WHERE u.batch_id = $1 AND u.unit_index = $2 AND u.status = 'pending'
		AND b.id = u.batch_id AND b.status = ANY($4) AND NOT b.cancel_requested
	RETURNING u.batch_id
)
UPDATE batches SET started_at = COALESCE(started_at, $3)
WHERE id IN (SELECT batch_id FROM claimed)`, batchID, unit, at, openStatuses)
	if err != nil {
		return false, fmt.Errorf("claim unit %s/%d: %w", batchID, unit, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseUnit returns a running unit to pending without counting it.
func (s *BatchStore) ReleaseUnit(ctx context.Context, batchID string, unit int) error {
	_, err := s.db.Exec(ctx, `
UPDATE batch_units SET status = 'pending', claimed_at = NULL
WHERE batch_id = $1 AND unit_index = $2 AND status = 'running'`, batchID, unit)
	if err != nil {
		return fmt.Errorf("release unit %s/%d: %w", batchID, unit, err)
	}
	return nil
}

// CompleteUnit marks a running unit done and adds its outcome to the batch
// counters in one statement.
func (s *BatchStore) CompleteUnit(
	ctx context.Context,
	batchID string,
	unit int,
	outcome parcel.UnitOutcome,
	at time.Time,
) (bool, error) {
	tag, err := s.db.Exec(ctx, `
WITH done AS (
	UPDATE batch_units u SET status = 'done', finished_at = $5
	FROM batches b
	WHERE u.batch_id = $1 AND u.unit_index = $2 AND u.status = 'running'
		AND b.id = u.batch_id AND b.status = ANY($6)
	RETURNING u.batch_id
)
UPDATE batches
SET processed_jobs = processed_jobs + $3, failed_jobs = failed_jobs + $4
WHERE id IN (SELECT batch_id FROM done) AND status = ANY($6)`,
		batchID, unit, outcome.Processed, outcome.Failed, at, openStatuses)
	if err != nil {
		return false, fmt.Errorf("complete unit %s/%d: %w", batchID, unit, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DropUnit marks a pending or running unit dropped.
func (s *BatchStore) DropUnit(ctx context.Context, batchID string, unit int) error {
	_, err := s.db.Exec(ctx, `
UPDATE batch_units SET status = 'dropped'
WHERE batch_id = $1 AND unit_index = $2 AND status IN ('pending', 'running')`, batchID, unit)
	if err != nil {
		return fmt.Errorf("drop unit %s/%d: %w", batchID, unit, err)
	}
	return nil
}

// ReopenUnits moves running units back to pending and returns every pending
// unit in index order.
func (s *BatchStore) ReopenUnits(ctx context.Context, batchID string) ([]parcel.WorkUnit, error) {
	var units []parcel.WorkUnit
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
UPDATE batch_units SET status = 'pending', claimed_at = NULL
WHERE batch_id = $1 AND status = 'running'`, batchID); err != nil {
			return fmt.Errorf("reopen units of %s: %w", batchID, err)
		}
		rows, err := tx.Query(ctx, `
SELECT unit_index, items FROM batch_units
WHERE batch_id = $1 AND status = 'pending'
ORDER BY unit_index`, batchID)
		if err != nil {
			return fmt.Errorf("load pending units of %s: %w", batchID, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				u     parcel.WorkUnit
				items []byte
			)
			if err := rows.Scan(&u.Index, &items); err != nil {
				return fmt.Errorf("scan unit: %w", err)
			}
			if err := json.Unmarshal(items, &u.Items); err != nil {
				return fmt.Errorf("decode unit %d: %w", u.Index, err)
			}
			units = append(units, u)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// RequestCancel flags an open batch and drops its pending units.
func (s *BatchStore) RequestCancel(ctx context.Context, batchID string) (bool, error) {
	flagged := false
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE batches SET cancel_requested = TRUE WHERE id = $1 AND status = ANY($2)`, batchID, openStatuses)
		if err != nil {
			return fmt.Errorf("flag cancel on %s: %w", batchID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batches WHERE id = $1)`, batchID).
				Scan(&exists); err != nil {
				return fmt.Errorf("lookup batch %s: %w", batchID, err)
			}
			if !exists {
				return parcel.ErrBatchNotFound
			}
			return nil
		}
		flagged = true
		if _, err := tx.Exec(ctx,
			`UPDATE batch_units SET status = 'dropped' WHERE batch_id = $1 AND status = 'pending'`, batchID); err != nil {
			return fmt.Errorf("drop pending units of %s: %w", batchID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return flagged, nil
}

// SetStatus updates an open batch. Terminal statuses stamp finished_at.
func (s *BatchStore) SetStatus(
	ctx context.Context,
	batchID string,
	status parcel.BatchStatus,
	errText string,
	at time.Time,
) (bool, error) {
	var finished *time.Time
	if status.Terminal() {
		finished = &at
	}
	tag, err := s.db.Exec(ctx, `
UPDATE batches
SET status = $2, error = COALESCE(NULLIF($3, ''), error), finished_at = COALESCE($4, finished_at)
WHERE id = $1 AND status = ANY($5)`, batchID, string(status), errText, finished, openStatuses)
	if err != nil {
		return false, fmt.Errorf("set status of %s: %w", batchID, err)
	}
	return tag.RowsAffected() == 1, nil
}
