package relay

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// inboundItem is one raw relay frame tagged with the connection generation
// that was active when the socket delivered it.
type inboundItem struct {
	generation uint64
	raw        []byte
}

// Queue is a fixed-capacity FIFO drained by exactly one goroutine. The
// socket read path enqueues without ever blocking; when the buffer is full
// the newest frame is dropped. Items whose generation is no longer current
// at processing time are discarded instead of handled.
type Queue struct {
	items     chan inboundItem
	current   func() uint64
	processor func(raw []byte)
	onDrop    func()
	onStale   func()
	logger    *slog.Logger

	dropped atomic.Int64
	stale   atomic.Int64
	active  atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewQueue creates a Queue holding at most capacity undelivered frames.
// current reports the generation that is valid right now.
func NewQueue(capacity int, current func() uint64, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		items:   make(chan inboundItem, capacity),
		current: current,
		logger:  logger,
	}
}

// Start launches the single consumer goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.drain()
}

// Stop cancels the consumer and waits for the in-flight frame to finish.
// Frames still buffered are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a frame for the given generation. It reports false when the
// queue is full or stopped and the frame was dropped.
func (q *Queue) Enqueue(generation uint64, raw []byte) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return false
	}
	select {
	case q.items <- inboundItem{generation: generation, raw: raw}:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("inbound queue full, dropping newest frame", "capacity", cap(q.items), "dropped_total", n)
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		select {
		case item := <-q.items:
			q.process(item)
		case <-q.ctx.Done():
			return
		}
	}
}

// process applies the generation fence and hands the frame to the
// processor. A panicking processor is logged and the loop continues.
func (q *Queue) process(item inboundItem) {
	if item.generation != q.current() {
		q.stale.Add(1)
		if q.onStale != nil {
			q.onStale()
		}
		return
	}
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("inbound processor panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	q.processor(item.raw)
}

// SetProcessor sets the function invoked for each current-generation frame.
// Must be called before Start.
func (q *Queue) SetProcessor(fn func(raw []byte)) {
	q.processor = fn
}

// SetObserver registers callbacks for dropped and fenced frames.
// Must be called before Start.
func (q *Queue) SetObserver(onDrop, onStale func()) {
	q.onDrop = onDrop
	q.onStale = onStale
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int { return len(q.items) }

// Dropped returns how many frames were rejected because the queue was full.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Stale returns how many frames were discarded by the generation fence.
func (q *Queue) Stale() int64 { return q.stale.Load() }
