package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/openparcels/parcel-ingest/internal/parcel"
)

// DefaultRecordChunk bounds rows per INSERT; 29 columns stays well under the
// 65535 bind parameter limit.
const DefaultRecordChunk = 500

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var recordColumns = []string{
	"id",
	"active",
	"property_address",
	"mailing_address",
	"mailing_street",
	"mailing_city",
	"mailing_state",
	"mailing_zip",
	"gpin",
	"owner_name",
	"property_use",
	"building_type",
	"year_built",
	"stories",
	"bedrooms",
	"full_baths",
	"half_baths",
	"finished_living_area",
	"fireplace",
	"latest_sale_owner",
	"latest_sale_date",
	"latest_sale_price",
	"latest_assessment_year",
	"latest_total_value",
	"total_value",
	"latitude",
	"longitude",
	"created_at",
	"updated_at",
}

// RecordStore upserts flattened parcel rows.
type RecordStore struct {
	db    DB
	table string
	chunk int
	now   func() time.Time
}

// NewRecordStore builds a RecordStore writing to table ("parcels" when empty).
func NewRecordStore(db DB, table string) (*RecordStore, error) {
	if db == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "parcels"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{
		db:    db,
		table: table,
		chunk: DefaultRecordChunk,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Upsert writes one record.
func (s *RecordStore) Upsert(ctx context.Context, rec parcel.Record) error {
	return s.UpsertMany(ctx, []parcel.Record{rec})
}

// UpsertMany writes recs atomically. Rows conflicting on id replace every
// column except created_at. Duplicate ids in recs keep the last one.
func (s *RecordStore) UpsertMany(ctx context.Context, recs []parcel.Record) error {
	recs = dedupe(recs)
	if len(recs) == 0 {
		return nil
	}
	now := s.now()
	if len(recs) <= s.chunk {
		query, args := s.upsertSQL(recs, now)
		if _, err := s.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %d parcel(s): %w", len(recs), err)
		}
		return nil
	}
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		for start := 0; start < len(recs); start += s.chunk {
			end := min(start+s.chunk, len(recs))
			query, args := s.upsertSQL(recs[start:end], now)
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert parcels %d-%d: %w", start, end, err)
			}
		}
		return nil
	})
}

func (s *RecordStore) upsertSQL(recs []parcel.Record, now time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(s.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(recordColumns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(recs)*len(recordColumns))
	for i, r := range recs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range recordColumns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(i*len(recordColumns) + j + 1))
		}
		b.WriteByte(')')
		args = append(args,
			r.ID, r.Active, r.PropertyAddress, r.MailingAddress, r.MailingStreet, r.MailingCity,
			r.MailingState, r.MailingZip, r.GPIN, r.OwnerName, r.PropertyUse, r.BuildingType,
			r.YearBuilt, r.Stories, r.Bedrooms, r.FullBaths, r.HalfBaths, r.FinishedLivingArea,
			r.Fireplace, r.LatestSaleOwner, r.LatestSaleDate, r.LatestSalePrice,
			r.LatestAssessmentYear, r.LatestTotalValue, r.TotalValue, r.Latitude, r.Longitude,
			now, now,
		)
	}

	b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	first := true
	for _, col := range recordColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(col)
		b.WriteString(" = EXCLUDED.")
		b.WriteString(col)
	}
	return b.String(), args
}

func dedupe(recs []parcel.Record) []parcel.Record {
	if len(recs) < 2 {
		return recs
	}
	last := make(map[string]int, len(recs))
	for i, r := range recs {
		last[r.ID] = i
	}
	if len(last) == len(recs) {
		return recs
	}
	out := make([]parcel.Record, 0, len(last))
	for i, r := range recs {
		if last[r.ID] == i {
			out = append(out, r)
		}
	}
	return out
}

// Get loads one parcel row.
func (s *RecordStore) Get(ctx context.Context, id string) (parcel.Record, error) {
	query := "SELECT " + strings.Join(recordColumns, ", ") + " FROM " + s.table + " WHERE id = $1"
	var r parcel.Record
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Active, &r.PropertyAddress, &r.MailingAddress, &r.MailingStreet, &r.MailingCity,
		&r.MailingState, &r.MailingZip, &r.GPIN, &r.OwnerName, &r.PropertyUse, &r.BuildingType,
		&r.YearBuilt, &r.Stories, &r.Bedrooms, &r.FullBaths, &r.HalfBaths, &r.FinishedLivingArea,
		&r.Fireplace, &r.LatestSaleOwner, &r.LatestSaleDate, &r.LatestSalePrice,
		&r.LatestAssessmentYear, &r.LatestTotalValue, &r.TotalValue, &r.Latitude, &r.Longitude,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return parcel.Record{}, parcel.ErrRecordNotFound
		}
		return parcel.Record{}, fmt.Errorf("get parcel %s: %w", id, err)
	}
	return r, nil
}

// ExistsByGPIN reports whether a parcel with gpin is stored.
func (s *RecordStore) ExistsByGPIN(ctx context.Context, gpin string) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM " + s.table + " WHERE gpin = $1)"
	if err := s.db.QueryRow(ctx, query, gpin).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup gpin %s: %w", gpin, err)
	}
	return exists, nil
}
