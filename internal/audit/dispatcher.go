package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/recordkeeper/recordkeeper/internal/safego"
	"github.com/recordkeeper/recordkeeper/internal/telemetry"
)

var (
	// ErrQueueFull is returned by TrySubmit when every queue slot is taken.
	ErrQueueFull = errors.New("audit queue is full")
	// ErrDispatcherClosed is returned by TrySubmit after Close has been called.
	ErrDispatcherClosed = errors.New("audit dispatcher is closed")
)

// Dispatcher runs jobs on a fixed pool of workers fed by a bounded channel.
// Submitting never blocks: when the queue is full the job is rejected.
type Dispatcher struct {
	queue   chan func()
	workers int

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given queue capacity and worker
// count. Non-positive values are raised to 1.
func NewDispatcher(queueSize, workers int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:   make(chan func(), queueSize),
		workers: workers,
	}
}

// Start launches the workers. Calling Start more than once is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		telemetry.AuditQueueDepth.Set(float64(len(d.queue)))
		_ = safego.Run(job)
	}
}

// TrySubmit enqueues job without blocking. It returns ErrQueueFull or
// ErrDispatcherClosed when the job was not accepted.
func (d *Dispatcher) TrySubmit(job func()) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- job:
		telemetry.AuditQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued jobs.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

// Close stops intake and waits for queued jobs to finish or for ctx to
// expire, whichever comes first. Jobs still queued when ctx expires keep
// running in the background but are no longer waited for.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		telemetry.AuditQueueDepth.Set(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
