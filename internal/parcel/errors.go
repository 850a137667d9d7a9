package parcel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that the upstream has no record card for an id.
	ErrNotFound = errors.New("record not found upstream")
	// ErrOrchestratorFatal marks failures reading or writing batch or scan state.
	ErrOrchestratorFatal = errors.New("orchestrator state unavailable")
	// ErrBatchNotFound is returned by batch stores for unknown ids.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrRecordNotFound is returned by parcel stores for unknown ids.
	ErrRecordNotFound = errors.New("parcel not found")
	// ErrScanRunning is returned when a scan is started while one is active.
	ErrScanRunning = errors.New("scan already running")
	// ErrScanIdle is returned when stopping a scan that is not running.
	ErrScanIdle = errors.New("scan not running")
	// ErrQueueClosed is returned by queues after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// TransientError is an upstream failure that survived every retry.
type TransientError struct {
	ID         string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream %s: status %d after %d attempt(s)", e.ID, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("upstream %s: %v after %d attempt(s)", e.ID, e.Err, e.Attempts)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// TransformError means the payload lacked a required block or was not JSON.
type TransformError struct {
	ID     string
	Reason string
	Err    error
}

func (e *TransformError) Error() string {
	if e.ID == "" {
		return "transform: " + e.Reason
	}
	return fmt.Sprintf("transform %s: %s", e.ID, e.Reason)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a failed write to the parcel sink.
type PersistenceError struct {
	Op    string
	Count int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (%d record(s)): %v", e.Op, e.Count, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Fatal wraps err so errors.Is(err, ErrOrchestratorFatal) holds.
func Fatal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrOrchestratorFatal, err)
}

// Outcome classifies an item error for counters and metrics.
func Outcome(err error) string {
	var (
		transient *TransientError
		transform *TransformError
		persist   *PersistenceError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &transient):
		return "transient"
	case errors.As(err, &transform):
		return "transform"
	case errors.As(err, &persist):
		return "persistence"
	default:
		return "error"
	}
}
