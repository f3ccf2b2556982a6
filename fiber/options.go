package fiber

// schedulerOptions holds configuration for NewScheduler.
type schedulerOptions struct {
	workers             int
	logger              Logger
	uncaughtHandler     func(*Fiber, error)
	instrumentationCheck func(fn any) (instrumented, waived bool)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions)
}

type schedulerOptionFunc func(*schedulerOptions)

func (f schedulerOptionFunc) applyScheduler(o *schedulerOptions) { f(o) }

// WithWorkers sets the number of pool workers backing the scheduler.
// Default is runtime.GOMAXPROCS(0).
func WithWorkers(n int) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.workers = n })
}

// WithLogger installs a Logger used by every fiber the scheduler creates,
// in preference to the package-wide one installed via SetStructuredLogger.
func WithLogger(l Logger) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.logger = l })
}

// WithUncaughtExceptionHandler installs the scheduler-wide fallback invoked
// when a fiber terminates with an error and no per-fiber handler (set via
// WithOnException) consumed it. It takes priority over the process-wide
// default installed by SetDefaultUncaughtExceptionHandler.
func WithUncaughtExceptionHandler(h func(*Fiber, error)) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.uncaughtHandler = h })
}

// WithInstrumentationChecker installs a predicate consulted at fiber
// construction time: if it reports a suspendable computation as neither
// instrumented nor waived, construction fails with a StructuralError
// instead of deferring the failure to first suspension. A nil checker (the
// default) disables this construction-time check.
func WithInstrumentationChecker(f func(fn any) (instrumented, waived bool)) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.instrumentationCheck = f })
}

func resolveSchedulerOptions(opts []SchedulerOption) *schedulerOptions {
	cfg := &schedulerOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyScheduler(cfg)
	}
	return cfg
}

// fiberOptions holds per-fiber configuration.
type fiberOptions struct {
	stackCapacityHint int
	parent            *Fiber
	onParked          func(*Fiber)
	onResume          func(*Fiber)
	onCompletion      func(f *Fiber, result any, err error)
	onException       func(f *Fiber, err error) (handled bool)
}

// FiberOption configures a Fiber at construction.
type FiberOption interface {
	applyFiber(*fiberOptions)
}

type fiberOptionFunc func(*fiberOptions)

func (f fiberOptionFunc) applyFiber(o *fiberOptions) { f(o) }

// WithStackCapacityHint preallocates the fiber's continuation stack's
// frame slice with the given capacity. Purely an allocation-avoidance
// hint; it never bounds actual stack depth.
func WithStackCapacityHint(n int) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.stackCapacityHint = n })
}

// withParent links a fiber to the fiber that spawned it, for the
// weak-pointer parent back-reference (spec.md §3, invariant I4). Unexported:
// set automatically by Context.Spawn, since the parent relationship only
// ever makes sense when creation happens from within another fiber's body.
func withParent(p *Fiber) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.parent = p })
}

// WithOnParked registers a hook invoked (on the pool worker goroutine
// running the slice, not the fiber's own goroutine) immediately after the
// fiber's task has committed to PARKED.
func WithOnParked(h func(*Fiber)) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.onParked = h })
}

// WithOnResume registers a hook invoked immediately after a parked fiber's
// slice resumes, before control returns to user code.
func WithOnResume(h func(*Fiber)) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.onResume = h })
}

// WithOnCompletion registers a hook invoked once, after the fiber's
// function has returned or panicked and the fiber has reached TERMINATED.
func WithOnCompletion(h func(f *Fiber, result any, err error)) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.onCompletion = h })
}

// WithOnException registers a per-fiber handler consulted before the
// scheduler-wide and process-wide uncaught-exception handlers, when the
// fiber terminates with a non-nil error. Returning true marks the error as
// handled, suppressing the fallback handlers; Join still returns the error
// regardless.
func WithOnException(h func(f *Fiber, err error) (handled bool)) FiberOption {
	return fiberOptionFunc(func(o *fiberOptions) { o.onException = h })
}

func resolveFiberOptions(opts []FiberOption) *fiberOptions {
	cfg := &fiberOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyFiber(cfg)
	}
	return cfg
}
