// Package progress carries the observability stream emitted by batch workers
// and the legacy scan. Events are batched on a background goroutine and fanned
// out to sinks such as structured logs or Prometheus collectors. Item and scan
// events may be shed under backpressure; batch and unit boundaries are not.
// Durable batch counters never flow through here; they are written by the
// batch store.
package progress
