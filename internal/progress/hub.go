package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/telemetry"
)

// Config controls buffering and batching for the Hub. Zero values fall back to
// a 4096 event buffer, 1000 event batches, a 500ms flush interval and a 10s
// per-sink timeout.
type Config struct {
	// BufferSize bounds the queue of item and scan events. Lifecycle events
	// are held outside this buffer.
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans pipeline events out to registered sinks in batches. Emit never
// blocks a worker. Item and scan events go through a bounded buffer and are
// dropped when it is full; batch and unit boundaries are always delivered.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event

	mu   sync.Mutex
	held []Event
	wake chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog  rateLimiter
	sinceLog atomic.Int64
	dropped  atomic.Int64
	closed   atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit hands an Event to the hub. Invalid events and events emitted after
// Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	if evt.Stage.Lifecycle() {
		h.hold(evt)
		return
	}
	select {
	case h.events <- evt:
	default:
		h.drop(evt)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close drains remaining events, flushes sinks, and blocks until the background
// goroutine exits. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) hold(evt Event) {
	h.mu.Lock()
	h.held = append(h.held, evt)
	h.mu.Unlock()
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) takeHeld() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.held
	h.held = nil
	return out
}

func (h *Hub) drop(evt Event) {
	h.dropped.Add(1)
	h.sinceLog.Add(1)
	telemetry.ObserveProgressDropped(string(evt.Stage))
	if h.dropLog.Allow(time.Now()) {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped", h.sinceLog.Swap(0)),
			zap.Int64("dropped_total", h.dropped.Load()))
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h)
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-h.wake:
			for _, evt := range h.takeHeld() {
				b.add(evt)
			}
		case <-b.timer.C:
			b.flush()
		case <-h.stopCh:
			b.disarm()
			h.drain(b)
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// drain moves everything still queued into b once Close has been called.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		default:
			for _, evt := range h.takeHeld() {
				b.add(evt)
			}
			return
		}
	}
}

func (h *Hub) deliver(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events for the run loop and flushes them by size or
// after MaxBatchWait, whichever comes first.
type batcher struct {
	hub    *Hub
	events []Event
	timer  *time.Timer
	armed  bool
}

func newBatcher(h *Hub) *batcher {
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	return &batcher{
		hub:    h,
		events: make([]Event, 0, h.cfg.MaxBatchEvents),
		timer:  timer,
	}
}

func (b *batcher) add(evt Event) {
	b.events = append(b.events, evt)
	if len(b.events) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		return
	}
	if !b.armed {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
		b.armed = true
	}
}

func (b *batcher) flush() {
	b.disarm()
	if len(b.events) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.events...))
	b.events = b.events[:0]
}

func (b *batcher) disarm() {
	if b.armed {
		b.timer.Stop()
		b.armed = false
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
