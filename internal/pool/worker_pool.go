// Package pool provides the worker pool crew executions run on. Each
// execution is one independently scheduled unit of work; workers are
// expected to block for long stretches (LLM calls, tool I/O, human-input
// waits), so the pool sizes for long-blocked occupancy rather than
// throughput.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is a unit of background work.
type Job func(ctx context.Context) error

// Config sizes the pool.
type Config struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultConfig returns sensible defaults. MaxWorkers is deliberately
// generous because a large fraction of workers sit blocked on external
// calls at any given time.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   256,
		IdleTimeout: 60 * time.Second,
	}
}

type jobWrapper struct {
	job    Job
	ctx    context.Context
	result chan error
}

// WorkerPool runs jobs on a bounded set of goroutines, spawning workers
// on demand and retiring them after IdleTimeout.
type WorkerPool struct {
	maxWorkers  int
	queue       chan jobWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

// New creates a worker pool.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan jobWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a job for asynchronous execution. ctx is the job's own
// context; cancelling it cancels the job, not the submission.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	w := jobWrapper{job: job, ctx: ctx}
	select {
	case p.queue <- w:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- w:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a job and blocks until it finishes or ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	w := jobWrapper{job: job, ctx: ctx, result: make(chan error, 1)}
	select {
	case p.queue <- w:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-w.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case w, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.runJob(w)
			p.activeCount.Add(-1)

			if w.result != nil {
				w.result <- err
				close(w.result)
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) runJob(w jobWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("job panicked")
		}
	}()
	return w.job(w.ctx)
}

// Close stops intake and waits for in-flight jobs.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns current pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
