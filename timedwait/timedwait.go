// Package timedwait implements the Timed Wait Service: a single
// background scheduler that, after a delay, delivers an unpark to a
// target Parkable Task, used for park(timeout) and sleep (spec.md §4.5).
//
// A wakeup scheduled for one wait must never fire into a later, unrelated
// wait on the same task: a fiber that parks more than once over its
// lifetime accumulates one heap entry per park, and a stale entry from an
// already-resolved wait would otherwise call Unpark unconditionally while
// the task is PARKED on a completely different, current wait. Within a
// single wait, cancellation is implicit (Unpark is idempotent on an
// already-RUNNABLE task, so an early external unpark followed by the
// scheduled timeout firing later is a harmless no-op); across waits, a
// target that implements epochUnparker (package task's *Task does) is
// asked to recheck its park generation before firing, so a stale cross-
// cycle entry becomes a no-op instead of an incorrect wakeup.
package timedwait

import (
	"container/heap"
	"sync"
	"time"
)

// unparker is the subset of *task.Task the service needs. It is an
// interface, not a concrete dependency on package task, so the service
// never needs to import the fiber-facing packages that build on top of
// it.
type unparker interface {
	Unpark() bool
}

// epochUnparker is implemented by unparkers (package task's *Task) that
// can recognize a stale park generation. When Schedule's target implements
// it, the scheduled wakeup checks that the wait it was scheduled for is
// still current before firing, instead of calling Unpark unconditionally.
type epochUnparker interface {
	unparker
	Epoch() uint64
	UnparkEpoch(epoch uint64) bool
}

type entry struct {
	when time.Time
	fire func()
}

// entryHeap is a min-heap of entries ordered by deadline, modelled on
// eventloop/loop.go's timerHeap (container/heap.Interface over a slice of
// deadline-ordered timers).
type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Service is the Timed Wait Service. The zero value is not usable;
// construct with New.
type Service struct {
	mu      sync.Mutex
	heap    entryHeap
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New constructs and starts a Timed Wait Service. Callers own its
// lifetime and should call Shutdown for test hygiene or graceful process
// exit; per spec.md §9 there is no requirement to do so in production use.
func New() *Service {
	s := &Service{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

var (
	defaultOnce sync.Once
	defaultSvc  *Service
)

// Default returns the process-wide Timed Wait Service singleton, lazily
// initialized on first use (spec.md §9: "process-wide singletons with
// documented init (on first fiber) and no explicit teardown").
func Default() *Service {
	defaultOnce.Do(func() {
		defaultSvc = New()
	})
	return defaultSvc
}

// Schedule arranges for t.Unpark() to be called once delay has elapsed. If
// t implements epochUnparker, its park generation is snapshotted now and
// rechecked at fire time, so this specific wait's wakeup never lands on a
// later, unrelated wait the task has since moved on to; otherwise (a plain
// unparker, as used by tests) Unpark is called unconditionally.
func (s *Service) Schedule(t unparker, delay time.Duration) {
	fire := func() { t.Unpark() }
	if eu, ok := t.(epochUnparker); ok {
		epoch := eu.Epoch()
		fire = func() { eu.UnparkEpoch(epoch) }
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	heap.Push(&s.heap, entry{when: time.Now().Add(delay), fire: fire})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops the background goroutine. Pending entries are discarded
// without being unparked; callers that need guaranteed delivery should
// not rely on Shutdown racing a near-future deadline.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Service) run() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		hasEntry := s.heap.Len() > 0
		if hasEntry {
			wait = time.Until(s.heap[0].when)
		}
		s.mu.Unlock()

		if !hasEntry {
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}

		if wait <= 0 {
			s.fireDue()
			continue
		}

		timer.Reset(wait)
		select {
		case <-s.done:
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops and unparks every entry whose deadline has passed.
func (s *Service) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].when.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(entry)
		s.mu.Unlock()
		e.fire()
	}
}
