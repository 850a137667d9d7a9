package parcel

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultScanStart is the first account id the legacy cursor scan visits.
const DefaultScanStart int64 = 10000001

// Candidate is one identifier read from the candidate table.
type Candidate struct {
	// ExternalID is the upstream record card id (tax account number).
	ExternalID string `json:"external_id"`
	// InternalRef is the candidate table's ascending key used as the cursor.
	InternalRef int64 `json:"internal_ref"`
	// GPIN is the optional secondary identifier.
	GPIN *string `json:"gpin,omitempty"`
}

// WorkUnit is an ordered, bounded group of candidates consumed by one worker.
type WorkUnit struct {
	Index int         `json:"index"`
	Items []Candidate `json:"items"`
}

// RawRecord is an upstream record card as fetched.
type RawRecord struct {
	ID         string
	StatusCode int
	Body       json.RawMessage
	FetchedAt  time.Time
	Duration   time.Duration
	Attempts   int
}

// Record is the flattened parcel row written by the persistence sink.
type Record struct {
	ID                   string     `json:"id"`
	Active               bool       `json:"active"`
	PropertyAddress      *string    `json:"property_address"`
	MailingAddress       *string    `json:"mailing_address"`
	MailingStreet        *string    `json:"mailing_street"`
	MailingCity          *string    `json:"mailing_city"`
	MailingState         *string    `json:"mailing_state"`
	MailingZip           *string    `json:"mailing_zip"`
	GPIN                 *string    `json:"gpin"`
	OwnerName            *string    `json:"owner_name"`
	PropertyUse          *string    `json:"property_use"`
	BuildingType         *string    `json:"building_type"`
	YearBuilt            *int       `json:"year_built"`
	Stories              *float64   `json:"stories"`
	Bedrooms             *int       `json:"bedrooms"`
	FullBaths            *int       `json:"full_baths"`
	HalfBaths            *int       `json:"half_baths"`
	FinishedLivingArea   *int       `json:"finished_living_area"`
	Fireplace            *bool      `json:"fireplace"`
	LatestSaleOwner      *string    `json:"latest_sale_owner"`
	LatestSaleDate       *time.Time `json:"latest_sale_date"`
	LatestSalePrice      *float64   `json:"latest_sale_price"`
	LatestAssessmentYear *int       `json:"latest_assessment_year"`
	LatestTotalValue     *float64   `json:"latest_total_value"`
	TotalValue           *float64   `json:"total_value"`
	Latitude             *float64   `json:"latitude"`
	Longitude            *float64   `json:"longitude"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// recordJSON shadows the date-only fields of Record on the wire.
type recordJSON struct {
	plainRecord
	LatestSaleDate *string `json:"latest_sale_date"`
}

type plainRecord Record

// MarshalJSON writes LatestSaleDate as YYYY-MM-DD.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{plainRecord: plainRecord(r)}
	if r.LatestSaleDate != nil {
		s := r.LatestSaleDate.Format(time.DateOnly)
		out.LatestSaleDate = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a YYYY-MM-DD LatestSaleDate.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record(in.plainRecord)
	r.LatestSaleDate = nil
	if in.LatestSaleDate != nil {
		t, err := time.Parse(time.DateOnly, *in.LatestSaleDate)
		if err != nil {
			return fmt.Errorf("latest_sale_date: %w", err)
		}
		r.LatestSaleDate = &t
	}
	return nil
}

// BatchStatus is the lifecycle state of an orchestrated batch.
type BatchStatus string

// Supported batch statuses.
const (
	BatchPending             BatchStatus = "pending"
	BatchProcessing          BatchStatus = "processing"
	BatchCompleted           BatchStatus = "completed"
	BatchCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchFailed              BatchStatus = "failed"
	BatchCancelled           BatchStatus = "cancelled"
)

// Terminal reports whether the status freezes the batch.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// UnitStatus tracks one work unit inside a batch.
type UnitStatus string

// Supported unit statuses.
const (
	UnitPending UnitStatus = "pending"
	UnitRunning UnitStatus = "running"
	UnitDone    UnitStatus = "done"
	UnitDropped UnitStatus = "dropped"
)

// UnitCounts summarizes unit states for a batch.
type UnitCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Dropped int `json:"dropped"`
}

// Total returns the number of units tracked.
func (c UnitCounts) Total() int {
	return c.Pending + c.Running + c.Done + c.Dropped
}

// BatchOptions are the knobs a batch was started with.
type BatchOptions struct {
	StartAfter   int64 `json:"start_after"`
	Ceiling      int64 `json:"ceiling,omitempty"`
	UnitSize     int   `json:"unit_size"`
	RequireGPIN  bool  `json:"require_gpin"`
	SkipExisting bool  `json:"skip_existing"`
}

// BatchRecord is the durable snapshot of a batch run.
type BatchRecord struct {
	ID              string       `json:"batch_id"`
	Status          BatchStatus  `json:"status"`
	TotalJobs       int          `json:"total_jobs"`
	ProcessedJobs   int          `json:"processed_jobs"`
	FailedJobs      int          `json:"failed_jobs"`
	CancelRequested bool         `json:"cancel_requested"`
	Error           string       `json:"error,omitempty"`
	Options         BatchOptions `json:"options"`
	Units           UnitCounts   `json:"units"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// Percentage returns processed/total as a percent. Failed items never count
// toward it, so a batch that finishes with errors stays below 100.
func (b BatchRecord) Percentage() float64 {
	if b.TotalJobs <= 0 {
		return 100
	}
	return float64(b.ProcessedJobs) / float64(b.TotalJobs) * 100
}

// UnitOutcome carries the counter deltas of one finished unit.
type UnitOutcome struct {
	Processed int
	Failed    int
}

// UnitItem is the queue payload for one unit of a batch.
type UnitItem struct {
	BatchID string
	Unit    WorkUnit
	Options BatchOptions
	Attempt int
}

// ScanState is the durable cursor of the legacy sequential scan.
type ScanState struct {
	CurrentID  int64     `json:"current_id"`
	MaxID      *int64    `json:"max_id"`
	IsRunning  bool      `json:"is_running"`
	ShouldStop bool      `json:"should_stop"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CandidateQuery selects one page of candidates.
type CandidateQuery struct {
	After       int64
	Ceiling     int64
	Limit       int
	RequireGPIN bool
}
