package banter

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Priority orders queue events. Lower value is served first; FIFO within a
// level.
type Priority int

const (
	P1 Priority = iota
	P2
	P3
)

// EventKind discriminates queue events.
type EventKind int

const (
	EventWindowClosed EventKind = iota
	EventEpisodeTick
)

// Event is one unit of asynchronous work.
type Event struct {
	ID         string // correlation id for logs
	Kind       EventKind
	Priority   Priority
	Window     *Window // set for EventWindowClosed
	Attempts   int     // completed processing attempts
	EnqueuedAt time.Time
}

// QueueStats are cumulative counters, safe to read while the queue runs.
type QueueStats struct {
	Pushed   int64
	Popped   int64
	Evicted  int64
	Rejected int64
}

// Queue is a bounded three-level priority queue. Admission control: once the
// queue is at or past 80% of capacity, pushing a higher-priority event
// evicts the oldest strictly-lower-priority event; with nothing to evict the
// push is rejected with ErrQueueFull.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	levels   [3][]*Event
	size     int
	capacity int
	closed   bool
	stats    QueueStats
}

// NewQueue creates a queue with the given capacity (default 1000).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	q := &Queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push admits an event or returns ErrQueueFull. Never blocks.
func (q *Queue) Push(ev *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}

	threshold := (q.capacity * 8) / 10
	if q.size >= threshold {
		if !q.evictBelowLocked(ev.Priority) && q.size >= q.capacity {
			q.stats.Rejected++
			return ErrQueueFull
		}
	}

	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now()
	}
	q.levels[ev.Priority] = append(q.levels[ev.Priority], ev)
	q.size++
	q.stats.Pushed++
	q.cond.Signal()
	return nil
}

// evictBelowLocked drops the oldest event with priority strictly lower than
// p. Reports whether anything was evicted.
func (q *Queue) evictBelowLocked(p Priority) bool {
	for lvl := P3; lvl > p; lvl-- {
		if len(q.levels[lvl]) > 0 {
			q.levels[lvl] = q.levels[lvl][1:]
			q.size--
			q.stats.Evicted++
			return true
		}
	}
	return false
}

// Pop blocks until an event is available, the queue is closed (nil, nil on
// drain completion), or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (*Event, error) {
	// Wake the cond wait when ctx fires.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for lvl := P1; lvl <= P3; lvl++ {
			if len(q.levels[lvl]) > 0 {
				ev := q.levels[lvl][0]
				q.levels[lvl] = q.levels[lvl][1:]
				q.size--
				q.stats.Popped++
				return ev, nil
			}
		}
		if q.closed {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
}

// Close stops admissions. Blocked Pop calls drain remaining events, then
// return (nil, nil).
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Depth returns the current number of queued events.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the cumulative counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Handler processes one event. Returning an error fails the event only;
// returning an ErrStoreCorrupt-wrapped error kills the worker (the pool
// respawns it).
type Handler func(ctx context.Context, ev *Event) error

// WorkerPoolConfig controls the pool.
type WorkerPoolConfig struct {
	// Workers is the pool size. Default 3.
	Workers int
	// StaleAfter drops events older than this at dequeue. Default 60s.
	StaleAfter time.Duration
	// Logger for worker lifecycle and event failures.
	Logger *slog.Logger
}

// WorkerPool runs a fixed number of workers over a Queue.
type WorkerPool struct {
	queue   *Queue
	handler Handler
	cfg     WorkerPoolConfig

	mu      sync.Mutex
	dropped int64
	wg      sync.WaitGroup
}

// NewWorkerPool creates a pool draining q with handler h.
func NewWorkerPool(q *Queue, h Handler, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	return &WorkerPool{queue: q, handler: h, cfg: cfg}
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// is closed and drained. Wait for completion with Wait.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Dropped returns the count of stale events discarded at dequeue.
func (p *WorkerPool) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.cfg.Logger.With("worker", id)
	for {
		ev, err := p.queue.Pop(ctx)
		if err != nil {
			return // cancelled
		}
		if ev == nil {
			return // queue closed and drained
		}

		if time.Since(ev.EnqueuedAt) > p.cfg.StaleAfter {
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
			logger.Warn("dropping stale event", "event", ev.ID, "age", time.Since(ev.EnqueuedAt))
			continue
		}

		if err := p.handler(ctx, ev); err != nil {
			if IsFatal(err) {
				// Invariant violation: dump and die. The pool respawns the
				// worker so the rest of the queue keeps moving.
				logger.Error("worker died on corrupt state", "event", ev.ID, "error", err)
				p.wg.Add(1)
				go p.runWorker(ctx, id)
				return
			}
			logger.Warn("event failed", "event", ev.ID, "error", err)
		}
	}
}
