package fiber

import (
	"runtime"
	"sync/atomic"

	"github.com/joeycumines/go-strand/pool"
	"github.com/joeycumines/go-strand/timedwait"
)

// Scheduler owns the worker pool and timed-wait service a collection of
// fibers runs on (spec.md §5: "a parallel multi-worker work-stealing pool
// beneath; per fiber, strictly sequential and cooperative"). Fibers created
// against the same Scheduler compete for the same workers and share the
// same timer service.
type Scheduler struct {
	pool      *pool.Pool
	timedwait *timedwait.Service
	logger    Logger

	uncaughtHandler      func(*Fiber, error)
	instrumentationCheck func(fn any) (instrumented, waived bool)
}

// NewScheduler constructs and starts a Scheduler. The default worker count
// is runtime.GOMAXPROCS(0); override with WithWorkers.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	cfg := resolveSchedulerOptions(opts)
	n := cfg.workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Scheduler{
		pool:                 pool.New(n),
		timedwait:            timedwait.New(),
		logger:               cfg.logger,
		uncaughtHandler:      cfg.uncaughtHandler,
		instrumentationCheck: cfg.instrumentationCheck,
	}
}

// Shutdown stops the scheduler's worker pool and timed-wait service.
// In-flight fiber slices run to completion; fibers that are PARKED or not
// yet started are abandoned.
func (s *Scheduler) Shutdown() {
	s.pool.Shutdown()
	s.timedwait.Shutdown()
}

func (s *Scheduler) log() Logger {
	if s.logger != nil {
		return s.logger
	}
	return getGlobalLogger()
}

// defaultUncaughtHandler is the process-wide fallback consulted when a
// fiber terminates with an error that neither a per-fiber WithOnException
// handler nor the owning Scheduler's WithUncaughtExceptionHandler consumed.
var defaultUncaughtHandler atomic.Pointer[func(*Fiber, error)]

// SetDefaultUncaughtExceptionHandler installs the process-wide fallback
// uncaught-exception handler (spec.md §7: "propagation policy ... handlers
// are opt-in"). Passing nil clears it.
func SetDefaultUncaughtExceptionHandler(h func(*Fiber, error)) {
	if h == nil {
		defaultUncaughtHandler.Store(nil)
		return
	}
	defaultUncaughtHandler.Store(&h)
}

// dispatchUncaught runs the per-fiber, scheduler, then process-wide
// handlers in order, stopping at the first one that reports it handled the
// error. If none do, the error is logged (not re-panicked across the
// worker goroutine boundary, which in Go would take down an unrelated
// worker and everything else scheduled on it) and remains available to
// any caller of Join.
func (f *Fiber) dispatchUncaught(err error) {
	if f.onException != nil && f.onException(f, err) {
		return
	}
	if f.scheduler.uncaughtHandler != nil {
		f.scheduler.uncaughtHandler(f, err)
		return
	}
	if p := defaultUncaughtHandler.Load(); p != nil {
		(*p)(f, err)
		return
	}
	f.scheduler.log().Log(LogEntry{
		Level:    LevelError,
		Category: "fiber",
		FiberID:  f.id,
		Message:  "fiber terminated with unhandled error",
		Err:      err,
	})
}
