package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// CandidateStore pages through the properties table by its serial id.
type CandidateStore struct {
	db    DB
	table string
}

// NewCandidateStore reads candidates from table ("properties" when empty).
func NewCandidateStore(db DB, table string) (*CandidateStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "properties"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CandidateStore{db: db, table: table}, nil
}

// ListCandidates returns the next page after q.After using keyset paging.
func (s *CandidateStore) ListCandidates(ctx context.Context, q parcel.CandidateQuery) ([]parcel.Candidate, error) {
	query := fmt.Sprintf(`
SELECT tax_account_number, id, gpin
FROM %s
WHERE id > $1 AND ($2::bigint = 0 OR id <= $2) AND (NOT $3::boolean OR gpin IS NOT NULL)
ORDER BY id
LIMIT $4`, s.table)
	rows, err := s.db.Query(ctx, query, q.After, q.Ceiling, q.RequireGPIN, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	out := make([]parcel.Candidate, 0, q.Limit)
	for rows.Next() {
		var c parcel.Candidate
		if err := rows.Scan(&c.ExternalID, &c.InternalRef, &c.GPIN); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return out, nil
}
