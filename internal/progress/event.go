package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageUnitStart  Stage = "UNIT_START"
	StageUnitDone   Stage = "UNIT_DONE"
	StageItemDone   Stage = "ITEM_DONE"
	StageBatchDone  Stage = "BATCH_DONE"
	StageScanStep   Stage = "SCAN_STEP"
)

// Lifecycle reports whether the stage marks a batch or unit boundary. The hub
// never drops lifecycle events; item and scan steps may be shed under load.
func (s Stage) Lifecycle() bool {
	switch s {
	case StageBatchStart, StageUnitStart, StageUnitDone, StageBatchDone:
		return true
	default:
		return false
	}
}

// Event captures a single pipeline milestone.
type Event struct {
	// BatchID scopes batch stages; scan steps leave it empty.
	BatchID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Unit is the work unit index for unit and item stages.
	Unit int
	// ParcelID is the upstream id for item and scan stages.
	ParcelID string
	// Outcome is the parcel.Outcome classification for items, or the final
	// batch status for BATCH_DONE.
	Outcome   string
	Processed int
	Failed    int
	Dur       time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageUnitStart, StageUnitDone, StageBatchDone:
		if e.BatchID == "" {
			return fmt.Errorf("%s requires batch id", e.Stage)
		}
	case StageItemDone:
		if e.BatchID == "" || e.ParcelID == "" {
			return errors.New("item done requires batch and parcel id")
		}
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	case StageScanStep:
		if e.ParcelID == "" {
			return errors.New("scan step requires parcel id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Processed < 0 || e.Failed < 0 {
		return errors.New("counters must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
