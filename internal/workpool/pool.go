// Package workpool runs submitted jobs on a fixed set of workers fed by a
// bounded queue. Callers choose between blocking (Submit) and shedding
// (TrySubmit) when the queue is full.
package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	logs "github.com/danmuck/roundctl/internal/logging"
)

var (
	ErrQueueFull = errors.New("workpool: queue full")
	ErrClosed    = errors.New("workpool: closed")
)

// Job receives the pool context, cancelled by Stop.
type Job func(ctx context.Context)

type Pool struct {
	name   string
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	running atomic.Int64
}

func New(name string, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i)
	}
	logs.Debugf("workpool.New name=%s workers=%d queue=%d", name, workers, queue)
	return p
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool) run(id int, job Job) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("workpool.Pool.run name=%s worker=%d panic=%v", p.name, id, r)
		}
	}()
	job(p.ctx)
}

// Submit blocks until the job is queued, ctx ends, or the pool closes.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues job only if there is room right now.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) Queued() int { return len(p.jobs) }

func (p *Pool) Running() int { return int(p.running.Load()) }

// Close stops intake, lets queued jobs finish and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	p.cancel()
}

// Stop cancels the context handed to running jobs, then closes.
func (p *Pool) Stop() {
	p.cancel()
	p.Close()
}
