package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrQueueFull        = errors.New("generation queue is full")
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Runner executes a generation request
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

type job struct {
	ctx    context.Context
	req    Request
	result chan outcome
}

type outcome struct {
	res *Result
	err error
}

// DispatcherStats contains dispatcher statistics
type DispatcherStats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Dispatcher feeds requests to a Runner from a bounded queue with a single worker,
// so at most one generation uses the loaded models at a time.
type Dispatcher struct {
	runner Runner
	queue  chan job
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewDispatcher starts the worker. queueSize is the number of requests that may wait
// behind the running one.
func NewDispatcher(runner Runner, queueSize int, logger *zap.Logger) *Dispatcher {
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		runner: runner,
		queue:  make(chan job, queueSize),
		logger: logger.With(zap.String("component", "dispatcher")),
	}
	d.wg.Add(1)
	go d.worker()
	return d
}

// Submit enqueues req and waits for its result. It fails fast with ErrQueueFull
// when the queue has no room.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Result, error) {
	j := job{ctx: ctx, req: req, result: make(chan outcome, 1)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrDispatcherClosed
	}
	d.submitted.Add(1)
	select {
	case d.queue <- j:
		d.mu.RUnlock()
	default:
		d.mu.RUnlock()
		d.rejected.Add(1)
		return nil, ErrQueueFull
	}

	select {
	case out := <-j.result:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		if err := j.ctx.Err(); err != nil {
			d.failed.Add(1)
			j.result <- outcome{err: err}
			continue
		}

		d.active.Add(1)
		res, err := d.execute(j)
		d.active.Add(-1)

		if err != nil {
			d.failed.Add(1)
		} else {
			d.completed.Add(1)
		}
		j.result <- outcome{res: res, err: err}
	}
}

func (d *Dispatcher) execute(j job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("generation panicked", zap.String("concept", j.req.Concept), zap.Any("panic", r))
			res, err = nil, fmt.Errorf("generation panicked: %v", r)
		}
	}()
	return d.runner.Run(j.ctx, j.req)
}

// Close stops accepting requests and waits for queued ones to finish
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    len(d.queue),
		Active:    int(d.active.Load()),
		Submitted: d.submitted.Load(),
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
	}
}
