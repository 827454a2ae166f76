// Package flusher implements BackgroundFlusher: a single cooperative
// worker that periodically drains a pending batch into ColDB and
// triggers WAL segment rotation/cleanup, grounded on
// cmd/dbsp/sink_batch.go's BatchSink (mutex-guarded buffer,
// time.AfterFunc-armed timer, synchronous-drain Close). Unlike the
// teacher's asyncErr latch — which poisons the sink permanently after
// one failure — a flusher sitting in front of a durable store must keep
// retrying, so failures back off exponentially instead (SPEC_FULL.md §4.H).
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/ariyn/fastpersist/internal/fastpersist/events"
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// UpsertFunc drains and persists batch to ColDB. It must be safe to
// call again with the same items if a prior call failed partway
// through (upserts are idempotent by primary key).
type UpsertFunc[T any] func(ctx context.Context, batch []T) error

// RotateFunc is called once per cycle, before the flush, to close any
// WAL segment that has crossed a size/age threshold. It returns nothing;
// deleting flushed segments is left to the UpsertFunc.
type RotateFunc func()

// Flusher is the BackgroundFlusher for one store's pending batch.
type Flusher[T any] struct {
	upsert UpsertFunc[T]
	rotate RotateFunc
	sink   events.Sink

	maxBatchSize int
	interval     time.Duration

	mu      sync.Mutex
	buffer  []T
	closed  bool
	backoff time.Duration

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New returns a Flusher that calls upsert to drain the batch and rotate
// (if non-nil) once per cycle before flushing.
func New[T any](maxBatchSize int, interval time.Duration, upsert UpsertFunc[T], rotate RotateFunc, sink events.Sink) *Flusher[T] {
	if sink == nil {
		sink = events.Noop()
	}
	f := &Flusher[T]{
		upsert:       upsert,
		rotate:       rotate,
		sink:         sink,
		maxBatchSize: maxBatchSize,
		interval:     interval,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	return f
}

// Start launches the background loop. It returns immediately; call
// Close to stop it.
func (f *Flusher[T]) Start(ctx context.Context) {
	go f.loop(ctx)
}

// Add appends item to the pending batch. If the batch has now crossed
// maxBatchSize, it wakes the worker for an immediate flush rather than
// waiting for the next timer tick.
func (f *Flusher[T]) Add(item T) {
	f.mu.Lock()
	f.buffer = append(f.buffer, item)
	shouldNotify := f.maxBatchSize > 0 && len(f.buffer) >= f.maxBatchSize
	f.mu.Unlock()

	if shouldNotify {
		f.wake()
	}
}

// PendingLen reports how many items are currently buffered, for get_stats().
func (f *Flusher[T]) PendingLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer)
}

func (f *Flusher[T]) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *Flusher[T]) loop(ctx context.Context) {
	defer close(f.done)

	interval := f.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-f.notify:
			f.cycle(ctx)
		case <-ticker.C:
			f.cycle(ctx)
		}
	}
}

func (f *Flusher[T]) cycle(ctx context.Context) {
	if f.rotate != nil {
		f.rotate()
	}
	f.flushOnce(ctx)
}

// flushOnce drains the whole buffer and attempts one upsert. On
// failure, the drained items are pushed back to the front of the
// buffer and the next cycle is delayed by an exponentially growing
// backoff, capped at maxBackoff and reset to zero on the next success.
func (f *Flusher[T]) flushOnce(ctx context.Context) {
	f.mu.Lock()
	if len(f.buffer) == 0 {
		f.mu.Unlock()
		return
	}
	batch := f.buffer
	f.buffer = nil
	f.mu.Unlock()

	if err := f.upsert(ctx, batch); err != nil {
		f.sink.Warnf("flusher: upsert failed for %d items, will retry: %v", len(batch), err)
		f.mu.Lock()
		f.buffer = append(batch, f.buffer...)
		if f.backoff == 0 {
			f.backoff = minBackoff
		} else {
			f.backoff *= 2
			if f.backoff > maxBackoff {
				f.backoff = maxBackoff
			}
		}
		delay := f.backoff
		f.mu.Unlock()

		time.AfterFunc(delay, f.wake)
		return
	}

	f.mu.Lock()
	f.backoff = 0
	f.mu.Unlock()
}

// Flush forces an immediate synchronous drain, used by close() to
// guarantee every buffered item reaches ColDB before shutdown completes.
func (f *Flusher[T]) Flush(ctx context.Context) {
	f.flushOnce(ctx)
}

// Close signals the worker to stop, waits for its current cycle to
// finish, and performs one last synchronous flush so close() never
// returns with unflushed data still sitting only in the buffer.
func (f *Flusher[T]) Close(ctx context.Context) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	close(f.stop)
	<-f.done
	f.flushOnce(ctx)
}
