package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the intake channel (default 1024).
//   - MaxBatchEvents: flush once this many events are pending (default 100).
//   - MaxBatchWait: flush a partial batch after this long (default 1s).
//   - SinkTimeout: per-sink deadline for each flush (default 5s).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = time.Second
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub buffers events and delivers them to sinks in batches from a single
// goroutine. It is safe for concurrent use.
type Hub struct {
	cfg    Config
	sinks  []Sink
	intake chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  *atomic.Int64
	closed   *atomic.Bool
	dropWarn *rate.Limiter

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		intake:   make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger.Named("events"),
		dropped:  atomic.NewInt64(0),
		closed:   atomic.NewBool(false),
		dropWarn: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
	go h.run()
	return h
}

// Emit enqueues evt without blocking.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.intake <- evt:
	default:
		h.dropped.Inc()
		if h.dropWarn.Allow() {
			h.logger.Warn("verification events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
		}
	}
}

// Dropped reports events dropped since the last backpressure warning.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close flushes pending events, closes the sinks and waits for delivery to
// finish or ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("events hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer *time.Timer
		due   <-chan time.Time
	)
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		due = nil
	}

	for {
		select {
		case evt := <-h.intake:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
				disarm()
				continue
			}
			if due == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				due = timer.C
			}
		case <-due:
			due = nil
			h.flush(batch)
			batch = batch[:0]
		case <-h.stop:
			disarm()
			h.drain(batch)
			return
		}
	}
}

// drain delivers everything still buffered, then closes the sinks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.intake:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			ctx := h.closeCtx
			if ctx == nil {
				ctx = context.Background()
			}
			for _, sink := range h.sinks {
				if err := sink.Close(ctx); err != nil {
					h.logger.Warn("events sink close failed", zap.Error(err))
				}
			}
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("events sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}
