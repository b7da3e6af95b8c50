// Package queue provides the single-worker priority dispatcher that
// serializes all engine mutations while permitting concurrent client
// submissions.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hellblazer/seagoat/internal/errors"
)

// Task priorities; lower runs earlier. Equal priorities are served FIFO.
const (
	PriorityQuery        = 0
	PriorityStats        = 0
	PriorityAnalyzeChunk = 5
	PriorityMaintenance  = 9
)

// DefaultCapacity bounds the submission queue.
const DefaultCapacity = 1024

// DefaultIdleInterval is how long the worker idles before a maintenance
// task is synthesized.
const DefaultIdleInterval = 10 * time.Second

// TaskFunc is the work a task performs. It runs on the single worker
// goroutine; the context carries the task's deadline, checked at coarse
// yield points.
type TaskFunc func(ctx context.Context) (any, error)

// StepFunc is one bounded unit of maintenance work. It returns the next
// step, or nil when the pass is complete. Each step runs as its own
// analyze_chunk task so queries are never starved.
type StepFunc func(ctx context.Context) (StepFunc, error)

// MaintenanceFunc prepares a maintenance pass. Returning a nil step means
// there is nothing to do.
type MaintenanceFunc func(ctx context.Context) (StepFunc, error)

// Outcome resolves a completion handle.
type outcome struct {
	value any
	err   error
}

// Handle is a one-shot completion handle for a submitted task.
type Handle struct {
	ch chan outcome
}

func newHandle() *Handle {
	return &Handle{ch: make(chan outcome, 1)}
}

func (h *Handle) resolve(value any, err error) {
	h.ch <- outcome{value: value, err: err}
}

// Wait blocks until the task completes or the context is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Cancelled("gave up waiting for task")
	case o := <-h.ch:
		return o.value, o.err
	}
}

// task is one queued unit of work.
type task struct {
	priority int
	seq      uint64
	deadline time.Time // zero means none
	run      TaskFunc
	handle   *Handle
	internal bool // internal tasks bypass the capacity bound
}

// taskHeap orders by (priority, seq).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Config configures the queue.
type Config struct {
	// Capacity bounds external submissions (default 1024).
	Capacity int

	// IdleInterval is the idle time before maintenance is synthesized
	// (default 10s).
	IdleInterval time.Duration

	// Maintenance prepares the periodic maintenance pass. Optional.
	Maintenance MaintenanceFunc
}

// Queue is a bounded priority queue with a single long-lived worker.
type Queue struct {
	mu      sync.Mutex
	tasks   taskHeap
	nextSeq uint64
	closed  bool

	capacity     int
	idleInterval time.Duration
	maintenance  MaintenanceFunc

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates and starts the queue's worker.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	q := &Queue{
		capacity:     cfg.Capacity,
		idleInterval: cfg.IdleInterval,
		maintenance:  cfg.Maintenance,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go q.worker()
	return q
}

// SubmitOptions modify a submission.
type SubmitOptions struct {
	// Deadline drops the task if it has not begun executing by this time.
	Deadline time.Time
}

// Submit enqueues a task at the given priority and returns its completion
// handle. A full queue fails with Overloaded.
func (q *Queue) Submit(priority int, fn TaskFunc, opts SubmitOptions) (*Handle, error) {
	return q.submit(priority, fn, opts.Deadline, false)
}

func (q *Queue) submit(priority int, fn TaskFunc, deadline time.Time, internal bool) (*Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.Cancelled("queue is shut down")
	}
	if !internal && len(q.tasks) >= q.capacity {
		depth := len(q.tasks)
		q.mu.Unlock()
		return nil, errors.Overloaded(depth)
	}

	t := &task{
		priority: priority,
		seq:      q.nextSeq,
		deadline: deadline,
		run:      fn,
		handle:   newHandle(),
		internal: internal,
	}
	q.nextSeq++
	heap.Push(&q.tasks, t)
	q.mu.Unlock()

	q.signal()
	return t.handle, nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// worker is the single long-lived task loop.
func (q *Queue) worker() {
	defer close(q.done)
	idle := time.NewTimer(q.idleInterval)
	defer idle.Stop()

	for {
		select {
		case <-q.stop:
			q.drain()
			return
		default:
		}

		t := q.pop()
		if t != nil {
			q.execute(t)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(q.idleInterval)

		select {
		case <-q.stop:
			q.drain()
			return
		case <-q.wake:
		case <-idle.C:
			q.runMaintenance()
		}
	}
}

func (q *Queue) pop() *task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	return heap.Pop(&q.tasks).(*task)
}

// execute runs one task, honoring its deadline.
func (q *Queue) execute(t *task) {
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.handle.resolve(nil, errors.Cancelled("deadline passed before execution began"))
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if !t.deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, t.deadline)
	}
	defer cancel()

	value, err := t.run(ctx)
	t.handle.resolve(value, err)
}

// runMaintenance synthesizes a maintenance task after an idle interval and
// chains its steps as analyze_chunk tasks.
func (q *Queue) runMaintenance() {
	if q.maintenance == nil {
		return
	}

	step, err := q.maintenance(context.Background())
	if err != nil {
		slog.Warn("maintenance failed", slog.String("error", err.Error()))
		return
	}
	if step != nil {
		q.enqueueStep(step)
	}
}

// enqueueStep schedules one maintenance step as an internal analyze_chunk
// task; its continuation is enqueued when it completes, so pending queries
// run in between.
func (q *Queue) enqueueStep(step StepFunc) {
	_, err := q.submit(PriorityAnalyzeChunk, func(ctx context.Context) (any, error) {
		next, err := step(ctx)
		if err != nil {
			slog.Warn("analysis step failed", slog.String("error", err.Error()))
			return nil, err
		}
		if next != nil {
			q.enqueueStep(next)
		}
		return nil, nil
	}, time.Time{}, true)
	if err != nil {
		slog.Warn("failed to schedule analysis step", slog.String("error", err.Error()))
	}
}

// drain resolves every remaining task with Cancelled.
func (q *Queue) drain() {
	q.mu.Lock()
	remaining := q.tasks
	q.tasks = nil
	q.mu.Unlock()

	for _, t := range remaining {
		t.handle.resolve(nil, errors.Cancelled("queue shut down"))
	}
}

// Close stops the worker after the in-flight task finishes. Remaining
// queued tasks resolve with Cancelled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	<-q.done
}
