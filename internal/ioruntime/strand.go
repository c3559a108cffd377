// Package ioruntime provides a small cooperative scheduler modeled on
// boost::asio's strand discipline: a fixed pool of worker goroutines
// shares one job queue, and each session confines its
// mutable state to its own Strand, a serialization token that guarantees
// at most one posted callable runs at a time and that posted order is
// preserved.
//
// Go has no native equivalent of an asio strand, so this package builds one
// out of a mutex-guarded FIFO queue plus a "currently draining" flag: Post
// appends to the queue and, if nothing is already draining it, hands a
// drain closure to the shared worker pool. The drain closure runs queued
// callables one at a time until the queue goes empty, then releases the
// flag — any callable posted in the meantime is guaranteed to be seen
// before the flag clears (see Strand.Post), so no post is ever lost.
package ioruntime

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Runtime owns the shared pool of worker goroutines that every Strand in
// the process ultimately runs on: one object, N ≥ 2 workers, shared by
// every session.
type Runtime struct {
	jobs chan func()

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRuntime creates a Runtime whose job queue is a channel buffered for
// 4096 pending jobs. Scheduling onto a full queue blocks until a worker
// takes a job or Stop is called; jobs are short executions, not
// long-running work.
func NewRuntime() *Runtime {
	return &Runtime{
		jobs:   make(chan func(), 4096),
		closed: make(chan struct{}),
	}
}

// Run starts n worker goroutines pulling from the shared job queue and
// blocks until ctx is cancelled, Stop is called, or a worker handler
// panics. n should be ≥ 2, matching "N ≥ 2 OS threads share one async I/O
// driver".
//
// A handler that panics is not recovered: a panic escaping a handler stops
// the driver and propagates to tear down the whole worker group, the same
// way an exception escaping a handler would reach process exit.
func (r *Runtime) Run(ctx context.Context, n int) error {
	if n < 2 {
		n = 2
	}

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-r.closed:
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		})
	}

	return group.Wait()
}

// Stop signals the workers to exit and unblocks any strand still trying to
// schedule work. Safe to call more than once.
func (r *Runtime) Stop() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// schedule hands a single closure to the shared worker pool.
func (r *Runtime) schedule(job func()) {
	select {
	case r.jobs <- job:
	case <-r.closed:
	}
}

// Strand is a serialization token: Post preserves call order and
// guarantees at most one posted callable executes at a time, without
// pinning a dedicated OS thread to the strand.
type Strand struct {
	runtime *Runtime

	mu      sync.Mutex
	queue   []func()
	running bool
}

// NewStrand creates a strand bound to rt's shared worker pool.
func NewStrand(rt *Runtime) *Strand {
	return &Strand{runtime: rt}
}

// Post appends fn to the strand's queue. If the strand is idle, this also
// schedules a drain run on the shared pool; if a drain is already running,
// fn is guaranteed to be observed by that drain before it exits (the drain
// only clears the running flag while holding the same mutex it checks the
// queue under).
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	alreadyRunning := s.running
	s.running = true
	s.mu.Unlock()

	if !alreadyRunning {
		s.runtime.schedule(s.drain)
	}
}

func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}
