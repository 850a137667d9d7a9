package parcel

// DeriveStatus recomputes a batch status from its counters and unit states.
// The stored Status is only consulted to keep terminal states frozen.
func DeriveStatus(b BatchRecord) BatchStatus {
	if b.Status.Terminal() {
		return b.Status
	}
	switch {
	case b.CancelRequested && b.Units.Running == 0:
		return BatchCancelled
	case b.ProcessedJobs+b.FailedJobs >= b.TotalJobs && b.Units.Pending == 0 && b.Units.Running == 0:
		if b.FailedJobs > 0 {
			return BatchCompletedWithErrors
		}
		return BatchCompleted
	case b.StartedAt != nil || b.Units.Running > 0 || b.Units.Done > 0:
		return BatchProcessing
	default:
		return BatchPending
	}
}
