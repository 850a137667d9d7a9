package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openparcels/parcel-ingest/internal/progress"
)

// PrometheusSink exports batch and unit progress via Prometheus. It owns the
// collectors for batches started/completed/running and per-unit throughput.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	unitsCompleted prometheus.Counter
	unitDuration   prometheus.Histogram
	unitItems      *prometheus.CounterVec
	scanSteps      *prometheus.CounterVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parcel_batches_started_total",
			Help: "Total batches that have started.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_batches_completed_total",
			Help: "Total batches that reached a terminal status.",
		}, []string{"status"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parcel_batches_running",
			Help: "Current number of non-terminal batches seen by this process.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcel_batch_runtime_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"status"}),
		unitsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parcel_units_completed_total",
			Help: "Work units whose counters were committed.",
		}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parcel_unit_duration_seconds",
			Help:    "Wall time per committed work unit.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		unitItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_unit_items_total",
			Help: "Items counted by committed units, partitioned by result.",
		}, []string{"result"}),
		scanSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcel_scan_steps_total",
			Help: "Legacy scan steps partitioned by outcome.",
		}, []string{"outcome"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.unitsCompleted,
		s.unitDuration,
		s.unitItems,
		s.scanSteps,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
		if s.tracker.start(evt.BatchID) {
			s.batchesRunning.Inc()
		}
	case progress.StageBatchDone:
		status := evt.Outcome
		if status == "" {
			status = "unknown"
		}
		s.batchesCompleted.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.batchRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.BatchID) {
			s.batchesRunning.Dec()
		}
	case progress.StageUnitDone:
		s.unitsCompleted.Inc()
		if evt.Dur > 0 {
			s.unitDuration.Observe(evt.Dur.Seconds())
		}
		if evt.Processed > 0 {
			s.unitItems.WithLabelValues("processed").Add(float64(evt.Processed))
		}
		if evt.Failed > 0 {
			s.unitItems.WithLabelValues("failed").Add(float64(evt.Failed))
		}
	case progress.StageScanStep:
		s.scanSteps.WithLabelValues(evt.Outcome).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[string]struct{})}
}

func (t *batchTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
