package engine

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool bounds how many task attempts execute concurrently across
// all runs. Jobs are plain closures; scheduling order between jobs is
// not guaranteed.
type WorkerPool struct {
	log      Logger
	size     int
	jobs     chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool creates a pool with the given number of workers. A
// size below one falls back to runtime.NumCPU.
func NewWorkerPool(size int, log Logger) *WorkerPool {
	if size < 1 {
		size = runtime.NumCPU()
	}
	return &WorkerPool{
		log:  log,
		size: size,
		jobs: make(chan func(), size),
	}
}

// Start launches the workers. It must be called exactly once.
func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Infof("worker pool started with %d workers", p.size)
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues a job, blocking while every worker is busy and the
// queue is full. It returns the context error if ctx ends first.
// Submit must not be called after Stop.
func (p *WorkerPool) Submit(ctx context.Context, job func()) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes intake and waits for queued and in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}
