// Package pool implements the work-stealing worker pool the fiber runtime
// runs on. It is the "underlying" collaborator spec.md §5 describes
// ("parallel multi-worker work-stealing pool beneath; per fiber, strictly
// sequential and cooperative") and whose interface the core consumes per
// §6 ("submit/fork semantics sufficient to run a task on an arbitrary
// worker and later continue it on any worker").
//
// Shape: each worker owns a LIFO local deque; a shared FIFO global queue
// absorbs external submissions and local overflow; an idle worker whose
// local deque and the global queue are both empty steals from a random
// sibling. This mirrors the classic G/P/M run-queue arrangement (local
// queue, global overflow, steal-on-empty) rather than a full per-core
// scheduler implementation.
package pool

import (
	"math/rand/v2"
	"sync"

	"github.com/joeycumines/go-strand/task"
	"github.com/joeycumines/go-strand/tls"
)

// localQueueCapacity bounds a worker's local deque before it spills to the
// global queue.
const localQueueCapacity = 256

// Pool is a fixed-size work-stealing worker pool.
type Pool struct {
	workers []*Worker

	globalMu sync.Mutex
	global   []*task.Task
	globalCV chan struct{} // buffered(1), signals "work may be available"

	wg     sync.WaitGroup
	stop   chan struct{}
	closed bool
	mu     sync.Mutex // guards closed
}

// Worker is one pool worker: a goroutine with a local run queue and its
// own TLS substitution surface (package tls).
type Worker struct {
	id    int
	pool  *Pool
	tls   *tls.Worker
	mu    sync.Mutex
	local []*task.Task
}

// TLS returns the worker's context-switch surface.
func (w *Worker) TLS() *tls.Worker { return w.tls }

// ID returns the worker's pool-assigned index.
func (w *Worker) ID() int { return w.id }

// New starts a pool of n workers. An n below 1 is treated as 1.
func New(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{
		stop:     make(chan struct{}),
		globalCV: make(chan struct{}, 1),
	}
	p.workers = make([]*Worker, n)
	for i := range p.workers {
		p.workers[i] = &Worker{id: i, pool: p, tls: tls.NewWorker()}
	}
	p.wg.Add(n)
	for _, w := range p.workers {
		go p.runWorker(w)
	}
	return p
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int { return len(p.workers) }

// Submit enqueues t for execution, claiming it (RUNNABLE -> LEASED) on
// the caller's behalf. It returns false without enqueuing if t could not
// be claimed (it was not RUNNABLE) or the pool is closed. t.OnRunnable is
// wired to resubmit automatically on every future wakeup.
func (p *Pool) Submit(t *task.Task) bool {
	t.OnRunnable = func() { p.resubmit(t) }
	return p.enqueueClaimed(t)
}

// enqueueClaimed claims t and pushes it to the global queue; used both
// for first submission and for re-submission after an Unpark.
func (p *Pool) enqueueClaimed(t *task.Task) bool {
	if !t.Claim() {
		return false
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	p.globalMu.Lock()
	p.global = append(p.global, t)
	p.globalMu.Unlock()
	p.wake()
	return true
}

func (p *Pool) resubmit(t *task.Task) {
	p.enqueueClaimed(t)
}

func (p *Pool) wake() {
	select {
	case p.globalCV <- struct{}{}:
	default:
	}
}

// Shutdown stops all workers. In-flight slices run to completion; queued
// but unclaimed tasks are dropped.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) runWorker(w *Worker) {
	defer p.wg.Done()
	for {
		t := w.popLocal()
		if t == nil {
			t = p.popGlobal()
		}
		if t == nil {
			t = p.steal(w)
		}
		if t == nil {
			select {
			case <-p.stop:
				return
			case <-p.globalCV:
				continue
			}
		}
		if t.Slice != nil {
			t.Slice(w)
		}
		select {
		case <-p.stop:
			return
		default:
		}
	}
}

// pushLocal is used by a running slice to fork additional work onto its
// own worker's queue, spilling to the global queue past capacity.
func (w *Worker) pushLocal(t *task.Task) {
	w.mu.Lock()
	if len(w.local) >= localQueueCapacity {
		w.mu.Unlock()
		w.pool.globalMu.Lock()
		w.pool.global = append(w.pool.global, t)
		w.pool.globalMu.Unlock()
		w.pool.wake()
		return
	}
	w.local = append(w.local, t)
	w.mu.Unlock()
	w.pool.wake()
}

// Fork submits t onto the calling worker's own local queue (LIFO), for
// cheap same-worker continuation, per the "fork semantics" the core
// consumes from the pool (spec.md §6). It is a no-op reporting false if t
// is not currently RUNNABLE.
func (w *Worker) Fork(t *task.Task) bool {
	t.OnRunnable = func() { w.pool.resubmit(t) }
	if !t.Claim() {
		return false
	}
	w.pushLocal(t)
	return true
}

func (w *Worker) popLocal() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.local)
	if n == 0 {
		return nil
	}
	t := w.local[n-1]
	w.local = w.local[:n-1]
	return t
}

func (p *Pool) popGlobal() *task.Task {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	if len(p.global) == 0 {
		return nil
	}
	t := p.global[0]
	p.global = p.global[1:]
	return t
}

// steal takes one task from the back of a random sibling worker's local
// deque (FIFO end, to avoid contending with the victim's own LIFO pops).
func (p *Pool) steal(self *Worker) *task.Task {
	n := len(p.workers)
	if n <= 1 {
		return nil
	}
	start := rand.N(n)
	for i := 0; i < n; i++ {
		victim := p.workers[(start+i)%n]
		if victim == self {
			continue
		}
		if t := victim.stealOne(); t != nil {
			return t
		}
	}
	return nil
}

func (w *Worker) stealOne() *task.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.local) == 0 {
		return nil
	}
	t := w.local[0]
	w.local = w.local[1:]
	return t
}
