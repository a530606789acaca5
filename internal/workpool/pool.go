// Package workpool bounds concurrent work with a semaphore. It backs both the
// client's solve step and the gateway's in-flight request cap.
package workpool

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrPoolFull is returned by TryAcquire callers that map a full pool to an error.
var ErrPoolFull = errors.New("worker pool is full")

// Pool manages a fixed number of worker slots using a semaphore pattern.
type Pool struct {
	sem     chan struct{}
	max     int
	active  atomic.Int64
	waiting atomic.Int64
}

// New creates a pool with the given number of slots.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}

	return &Pool{
		sem: make(chan struct{}, size),
		max: size,
	}
}

// TryAcquire takes a slot without blocking. It returns false if the pool is full.
func (p *Pool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		p.active.Add(1)
		return true
	default:
		return false
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	p.waiting.Add(1)
	defer p.waiting.Add(-1)

	select {
	case p.sem <- struct{}{}:
		p.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the pool.
// Must be called exactly once for each successful Acquire or TryAcquire.
func (p *Pool) Release() {
	select {
	case <-p.sem:
		p.active.Add(-1)
	default:
	}
}

// Active returns the number of occupied slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Waiting returns the number of goroutines waiting for a slot.
func (p *Pool) Waiting() int {
	return int(p.waiting.Load())
}

// Max returns the pool capacity.
func (p *Pool) Max() int {
	return p.max
}

// Stats holds a snapshot of pool usage.
type Stats struct {
	Active    int
	Available int
	Waiting   int
	Max       int
}

// Stats returns the current pool statistics.
func (p *Pool) Stats() Stats {
	active := int(p.active.Load())
	return Stats{
		Active:    active,
		Available: p.max - active,
		Waiting:   int(p.waiting.Load()),
		Max:       p.max,
	}
}

// Result carries the outcome of a submitted job.
type Result[T any] struct {
	Value T
	Err   error
}

// Submit runs fn on p once a slot is free and delivers its outcome on the
// returned channel. The slot is released before the result is sent and the
// channel is buffered, so an abandoned result never holds a slot. If ctx
// ends before a slot frees up, the result carries ctx.Err() and fn is not
// called.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)

	go func() {
		if err := p.Acquire(ctx); err != nil {
			out <- Result[T]{Err: err}
			return
		}

		v, err := fn(ctx)
		p.Release()
		out <- Result[T]{Value: v, Err: err}
	}()

	return out
}
