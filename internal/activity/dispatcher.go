// ABOUTME: Dispatcher decouples activity emission from delivery with a bounded queue
// ABOUTME: Events are batched by size or interval and handed to sinks in emission order

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink delivers a batch of activity events somewhere (log, chat room, ...).
type Sink interface {
	Deliver(ctx context.Context, events []Event) error
}

// DispatcherConfig tunes queueing and batching.
type DispatcherConfig struct {
	BufferSize    int           // queued events before new ones are dropped
	BatchSize     int           // flush when this many events are pending
	FlushInterval time.Duration // flush pending events at least this often
	SinkTimeout   time.Duration // per-sink delivery deadline
}

func (c *DispatcherConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 10 * time.Second
	}
}

// Dispatcher is an Observer that never blocks the caller.
type Dispatcher struct {
	cfg     DispatcherConfig
	sinks   []Sink
	queue   chan Event
	logger  *slog.Logger
	dropped atomic.Int64
	running atomic.Bool

	mu      sync.RWMutex
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

var _ Observer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Call Run to start delivery.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		sinks:    sinks,
		queue:    make(chan Event, cfg.BufferSize),
		logger:   logger.With("component", "activity"),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// OnActivity enqueues e, dropping it when the queue is full or the dispatcher stopped.
func (d *Dispatcher) OnActivity(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}

	select {
	case d.queue <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			d.logger.Warn("activity queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers events until ctx is cancelled or Close is called, then flushes what is queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer close(d.finished)

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]Event, 0, d.cfg.BatchSize)
	}

	for {
		select {
		case e := <-d.queue:
			batch = append(batch, e)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			d.stop()
			batch = d.drain(batch)
			flush()
			return nil
		case <-d.done:
			batch = d.drain(batch)
			flush()
			return nil
		}
	}
}

// drain moves everything still queued into batch.
func (d *Dispatcher) drain(batch []Event) []Event {
	for {
		select {
		case e := <-d.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (d *Dispatcher) deliver(batch []Event) {
	for _, sink := range d.sinks {
		if err := d.deliverOne(sink, batch); err != nil {
			d.logger.Warn("activity sink failed", "sink", fmt.Sprintf("%T", sink), "events", len(batch), "error", err)
		}
	}
}

func (d *Dispatcher) deliverOne(sink Sink, batch []Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()

	// Detached from Run's ctx so the final flush still gets a chance.
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SinkTimeout)
	defer cancel()
	return sink.Deliver(ctx, batch)
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.done)
	})
}

// Close stops accepting events and waits for Run to flush, if it is running.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stop()
	if !d.running.Load() {
		return nil
	}
	select {
	case <-d.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
