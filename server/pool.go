package server

import (
	"context"
	"fmt"
)

// toolOutcome is the future value of a pooled tool invocation.
type toolOutcome struct {
	value interface{}
	err   error
}

// workerPool runs blocking tool handlers on a fixed number of goroutines so
// they cannot stall a transport's read/write loop. Submitting returns a
// channel the caller selects on alongside its context.
type workerPool struct {
	jobs chan poolJob
	done chan struct{}
}

type poolJob struct {
	ctx context.Context
	fn  func(ctx context.Context) (interface{}, error)
	out chan toolOutcome
}

// newWorkerPool starts size workers. Size must be at least one.
func newWorkerPool(size int) *workerPool {
	if size < 1 {
		size = 1
	}
	p := &workerPool{
		jobs: make(chan poolJob),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		go p.work()
	}
	return p
}

func (p *workerPool) work() {
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			job.out <- runJob(job)
		}
	}
}

// runJob isolates one invocation: a panicking handler surfaces as an error
// on the outcome channel instead of taking the worker goroutine down.
func runJob(job poolJob) (out toolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = toolOutcome{err: fmt.Errorf("tool panicked: %v", r)}
		}
	}()
	value, err := job.fn(job.ctx)
	return toolOutcome{value: value, err: err}
}

// Submit hands fn to the pool and returns its outcome channel. The channel
// is buffered, so an abandoned outcome never wedges a worker.
func (p *workerPool) Submit(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (<-chan toolOutcome, error) {
	out := make(chan toolOutcome, 1)
	select {
	case p.jobs <- poolJob{ctx: ctx, fn: fn, out: out}:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("worker pool closed")
	}
}

// Close stops the workers. In-flight jobs finish; queued submissions fail.
func (p *workerPool) Close() {
	close(p.done)
}
