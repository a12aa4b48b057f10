package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink receives telemetry records.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Discard drops every record.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, Record) error { return nil }

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink decouples the agent loop from slow sinks. Record never
// blocks: when the queue is full the record is dropped and counted.
type AsyncSink struct {
	next   Sink
	queue  chan Record
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	done    chan struct{}
}

// NewAsyncSink starts a worker that forwards records to next.
func NewAsyncSink(next Sink, size int, logger *slog.Logger) *AsyncSink {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1024
	}
	a := &AsyncSink{
		next:   next,
		queue:  make(chan Record, size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Record implements Sink.
func (a *AsyncSink) Record(_ context.Context, rec Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.queue <- rec:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("telemetry queue full, dropping records", "dropped_total", n)
		}
	}
	return nil
}

// Dropped returns how many records were dropped.
func (a *AsyncSink) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records and waits for the queue to drain or ctx
// to expire.
func (a *AsyncSink) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for rec := range a.queue {
		// Records outlive the request that produced them.
		if err := a.next.Record(context.Background(), rec); err != nil {
			a.logger.Warn("telemetry write failed",
				"kind", rec.Kind,
				"name", rec.Name,
				"trace_id", rec.TraceID,
				"error", err,
			)
		}
	}
}
