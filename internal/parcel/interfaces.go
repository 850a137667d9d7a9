package parcel

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one upstream record card.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (RawRecord, error)
}

// Transformer flattens a raw record card into a Record.
type Transformer interface {
	Transform(raw RawRecord) (Record, error)
}

// RecordStore is the idempotent parcel sink.
type RecordStore interface {
	Upsert(ctx context.Context, rec Record) error
	UpsertMany(ctx context.Context, recs []Record) error
	Get(ctx context.Context, id string) (Record, error)
	ExistsByGPIN(ctx context.Context, gpin string) (bool, error)
}

// CandidateSource pages through the candidate table in ascending InternalRef order.
type CandidateSource interface {
	ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
}

// BatchStore persists batch snapshots, their units and counters.
//
// Units move pending -> running -> done, or to dropped once a cancel is
// requested. CompleteUnit must move a unit from running to done and add its
// outcome to the batch counters in one atomic step; it returns false when the
// unit was not running or the batch is already terminal. SetStatus is a
// compare-and-set against non-terminal statuses and stamps finished_at when
// the new status is terminal.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch BatchRecord, units []WorkUnit) error
	GetBatch(ctx context.Context, id string) (BatchRecord, error)
	ListBatches(ctx context.Context, limit, offset int) ([]BatchRecord, error)
	OpenBatchIDs(ctx context.Context) ([]string, error)
	ClaimUnit(ctx context.Context, batchID string, unit int, at time.Time) (bool, error)
	ReleaseUnit(ctx context.Context, batchID string, unit int) error
	CompleteUnit(ctx context.Context, batchID string, unit int, outcome UnitOutcome, at time.Time) (bool, error)
	DropUnit(ctx context.Context, batchID string, unit int) error
	ReopenUnits(ctx context.Context, batchID string) ([]WorkUnit, error)
	RequestCancel(ctx context.Context, batchID string) (bool, error)
	SetStatus(ctx context.Context, batchID string, status BatchStatus, errText string, at time.Time) (bool, error)
}

// ScanStore persists the singleton cursor of the legacy scan. BeginScan and
// RequestStop return false when the scan is already running or idle.
type ScanStore interface {
	LoadScan(ctx context.Context) (ScanState, error)
	BeginScan(ctx context.Context, startID int64, maxID *int64, at time.Time) (bool, error)
	RequestStop(ctx context.Context, at time.Time) (bool, error)
	AdvanceCursor(ctx context.Context, next int64, at time.Time) error
	EndScan(ctx context.Context, at time.Time) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for work units.
type Queue interface {
	Enqueue(ctx context.Context, item UnitItem) error
	Dequeue(ctx context.Context) (UnitItem, error)
}

// Hasher computes digests for archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
