package fiber

import (
	"sync/atomic"
	"time"
	"weak"

	"github.com/joeycumines/go-strand/contstack"
	"github.com/joeycumines/go-strand/pool"
	"github.com/joeycumines/go-strand/task"
	"github.com/joeycumines/go-strand/tls"
)

// State is a value of the Fiber state machine (spec.md §4.3):
//
//	NEW --Start--> STARTED --first slice--> RUNNING
//	RUNNING --park commits--> WAITING --resume--> RUNNING
//	RUNNING --fn returns/panics--> TERMINATED
type State int32

const (
	StateNew State = iota
	StateStarted
	StateRunning
	StateWaiting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// sliceEventKind distinguishes why the fiber goroutine handed control back
// to the slice invocation running it.
type sliceEventKind int

const (
	evParked sliceEventKind = iota
	evFinished
)

// sliceEvent is passed from the fiber goroutine (running user code) to
// whichever pool worker goroutine is currently executing the fiber's
// slice, over Fiber.eventCh.
type sliceEvent struct {
	kind       sliceEventKind
	blocker    any
	hasTimeout bool
	timeout    time.Duration
	yield      bool
	result     any
	err        error
}

// yieldBlocker is the synthetic blocker identity recorded while a fiber is
// parked purely to yield its turn; it never matches any real external
// waiter, so no blocker-matching collaborator (task.Task.Exec) resumes it.
// It is woken by the self-administered Unpark in runSlice, or earlier by
// an Interrupt or a direct Fiber.Unpark.
type yieldBlocker struct{ fiberID int64 }

// sleepBlocker is the synthetic blocker identity recorded while a fiber is
// parked for Context.Sleep.
type sleepBlocker struct{ fiberID int64 }

// Fiber is a single cooperative, suspendable computation: spec.md's unit
// of scheduling. Two goroutines cooperate to run one: a long-lived "fiber
// goroutine" that is the actual suspended continuation (it blocks on a
// channel receive while parked, so a parked fiber holds no OS thread), and
// a sequence of short-lived pool-worker invocations of its Task's Slice,
// one per run, which hand off to the fiber goroutine and wait for it to
// either park or finish.
type Fiber struct {
	id        int64
	name      string
	scheduler *Scheduler

	state       atomic.Int32
	interrupted atomic.Bool
	launched    atomic.Bool

	task  *task.Task
	stack *contstack.Stack
	view  tls.View

	currentWorker atomic.Pointer[pool.Worker]

	parent weak.Pointer[Fiber]

	fn     func(ctx *Context) (any, error)
	result any
	err    error

	eventCh  chan sliceEvent
	resumeCh chan struct{}
	doneCh   chan struct{}

	onParked     func(*Fiber)
	onResume     func(*Fiber)
	onCompletion func(f *Fiber, result any, err error)
	onException  func(f *Fiber, err error) bool
}

// New constructs a fiber bound to scheduler, running fn once started. It
// does not start running until Start is called.
//
// If scheduler carries an instrumentation checker (WithInstrumentationChecker),
// and it reports fn as neither instrumented nor waived, New fails
// immediately with a StructuralError rather than deferring the failure to
// the fiber's first suspension attempt (spec.md §8 scenario 6).
func New(scheduler *Scheduler, name string, fn func(*Context) (any, error), opts ...FiberOption) (*Fiber, error) {
	if scheduler == nil {
		return nil, &StructuralError{Op: "New", Msg: "nil scheduler"}
	}
	if fn == nil {
		return nil, &StructuralError{Op: "New", Msg: "nil fiber function"}
	}
	cfg := resolveFiberOptions(opts)
	if scheduler.instrumentationCheck != nil {
		instrumented, waived := scheduler.instrumentationCheck(fn)
		if !instrumented && !waived {
			return nil, &StructuralError{Op: "New", Msg: "uninstrumented computation on a suspendable path"}
		}
	}

	f := &Fiber{
		id:           nextFiberID(),
		name:         name,
		scheduler:    scheduler,
		fn:           fn,
		eventCh:      make(chan sliceEvent),
		resumeCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
		onParked:     cfg.onParked,
		onResume:     cfg.onResume,
		onCompletion: cfg.onCompletion,
		onException:  cfg.onException,
	}

	if cfg.stackCapacityHint > 0 {
		f.stack = contstack.NewWithCapacity(cfg.stackCapacityHint)
	} else {
		f.stack = contstack.New()
	}

	if cfg.parent != nil {
		// Spawn (the only caller that sets this) always runs on the
		// parent's own fiber goroutine, so this read cannot race the
		// parent's slice execution.
		f.view = cfg.parent.view.Snapshot()
		f.parent = weak.Make(cfg.parent)
	} else {
		f.view = tls.NewView()
	}

	f.task = task.New(f.runSlice)
	return f, nil
}

// ID returns the fiber's process-unique, monotonically assigned ID.
func (f *Fiber) ID() int64 { return f.id }

// Name returns the fiber's name, as given to New.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Parent returns the fiber that spawned this one via Context.Spawn, or nil
// for a top-level fiber or one whose parent has since been garbage
// collected (the link is a weak, non-owning reference; spec.md §3
// invariant I4).
func (f *Fiber) Parent() *Fiber { return f.parent.Value() }

// Start submits the fiber to its scheduler's pool for its first execution
// slice. It returns ErrAlreadyStarted if called more than once.
func (f *Fiber) Start() error {
	if !f.state.CompareAndSwap(int32(StateNew), int32(StateStarted)) {
		return ErrAlreadyStarted
	}
	if !f.scheduler.pool.Submit(f.task) {
		f.state.Store(int32(StateTerminated))
		return &StructuralError{Op: "Start", Msg: "scheduler is shut down"}
	}
	return nil
}

// Unpark wakes the fiber if it is currently parked (or about to park), the
// counterpart external synchronization primitives built on top of Context
// use to resolve a Park/ParkTimeout the fiber is blocked in. It returns
// true iff this call performed the underlying task's transition to
// runnable; see task.Task.Unpark for the exact race semantics.
func (f *Fiber) Unpark() bool { return f.task.Unpark() }

// Blocker returns the opaque identity passed to the Park/ParkTimeout call
// the fiber is currently suspended in, or nil if it isn't parked. External
// collaborators use it to confirm they're unparking the wait they think
// they are before calling Unpark.
func (f *Fiber) Blocker() any { return f.task.Blocker() }

// Interrupt sets the fiber's interrupted flag and unparks it unconditionally.
// If the fiber is currently parked, the pending park resolves with an
// InterruptedError; if it is running or not yet parked, the flag is
// consulted the next time it parks or, if it never parks again, has no
// further effect (spec.md §7).
func (f *Fiber) Interrupt() {
	f.interrupted.Store(true)
	f.task.Unpark()
}

// Join blocks until the fiber terminates and returns its result and error.
func (f *Fiber) Join() (any, error) {
	<-f.doneCh
	return f.result, f.err
}

// JoinTimeout blocks until the fiber terminates or d elapses, whichever
// comes first. A timeout does not affect the fiber itself, which keeps
// running; it only gives up waiting on it.
func (f *Fiber) JoinTimeout(d time.Duration) (any, error) {
	select {
	case <-f.doneCh:
		return f.result, f.err
	case <-time.After(d):
		return nil, &TimeoutError{}
	}
}

// Done returns a channel closed when the fiber terminates, for callers
// that want to select on it alongside other events.
func (f *Fiber) Done() <-chan struct{} { return f.doneCh }

// Snapshot captures the fiber's serializable lifecycle state: its ID,
// name, State, and continuation-stack depth. It is the surface intended to
// back suspend-to-storage use cases (spec.md §4.1); it fails with a
// StructuralError if the fiber is currently RUNNING, since its stack is
// mid-mutation and not safely observable.
type Snapshot struct {
	ID         int64
	Name       string
	State      State
	StackDepth int
}

func (f *Fiber) Snapshot() (Snapshot, error) {
	if f.State() == StateRunning {
		return Snapshot{}, &StructuralError{Op: "Snapshot", Msg: "cannot snapshot a fiber while RUNNING"}
	}
	return Snapshot{
		ID:         f.id,
		Name:       f.name,
		State:      f.State(),
		StackDepth: f.stack.Depth(),
	}, nil
}

func (f *Fiber) invokeOnParked() {
	if f.onParked != nil {
		f.onParked(f)
	}
}

func (f *Fiber) invokeOnResume() {
	if f.onResume != nil {
		f.onResume(f)
	}
}

// park is the shared implementation behind Context.Park, ParkTimeout,
// Yield, and Sleep. It always runs on the fiber's own goroutine (called
// from within fn), never on a pool worker goroutine.
func (f *Fiber) park(blocker any, hasTimeout bool, timeout time.Duration, yield bool) error {
	// A Context only ever calls in here while its fiber's function is
	// actually executing (State is RUNNING for the whole body of runSlice
	// that invokes fn). Seeing anything else means the Context was
	// retained past its fiber's own lifetime -- e.g. handed to a detached
	// goroutine that calls a suspension primitive after fn already
	// returned -- in which case there is nobody left reading f.eventCh and
	// sending on it below would block forever.
	if f.State() == StateTerminated {
		return ErrFiberTerminated
	}
	f.task.SetBlocker(blocker)
	if !f.task.BeginPark() {
		f.task.SetBlocker(nil)
		return &StructuralError{Op: "park", Msg: "task was not in a leased state"}
	}
	f.eventCh <- sliceEvent{kind: evParked, blocker: blocker, hasTimeout: hasTimeout, timeout: timeout, yield: yield}
	<-f.resumeCh
	f.task.SetBlocker(nil)
	if f.interrupted.Load() {
		return &InterruptedError{}
	}
	return nil
}

// runSlice is the Task's Slice: it is invoked once per pool worker pickup
// (spec.md §5/§6). On the first invocation it launches the long-lived
// fiber goroutine; on every subsequent invocation it hands control back to
// that same goroutine (already blocked on resumeCh from its last park) and
// waits for the next event.
func (f *Fiber) runSlice(workerCtx any) {
	w, _ := workerCtx.(*pool.Worker)
	var savedWorkerView tls.View

	swapIn := func() {
		if w == nil {
			return
		}
		savedWorkerView = w.TLS().Swap(f.view)
		if err := w.TLS().SetCurrentFiber(f); err != nil {
			f.scheduler.log().Log(LogEntry{
				Level: LevelError, Category: "fiber", FiberID: f.id,
				Message: "current-fiber slot violation", Err: err,
			})
		}
		f.currentWorker.Store(w)
	}
	// swapOut publishes this slice's final TLS view back into f.view and
	// clears the worker's current-fiber slot. It must run before any
	// operation that could let another worker start a new slice for this
	// same fiber (CommitPark succeeding, or finishing) -- otherwise that
	// worker's own swapIn could read f.view concurrently with this
	// goroutine's write to it. Ordering it before CommitPark rather than
	// in a defer after return is what closes that window; the CommitPark
	// CAS that follows acts as the memory barrier publishing the write.
	swapOut := func() {
		if w == nil {
			return
		}
		f.view = w.TLS().Swap(savedWorkerView)
		_ = w.TLS().SetCurrentFiber(nil)
		f.currentWorker.Store(nil)
	}

	swapIn()
	f.state.Store(int32(StateRunning))

	if f.launched.CompareAndSwap(false, true) {
		go f.runBody()
	} else {
		f.invokeOnResume()
		f.resumeCh <- struct{}{}
	}

	for ev := range f.eventCh {
		switch ev.kind {
		case evParked:
			swapOut()
			if !f.task.CommitPark() {
				// Raced: an Unpark already landed while this park was
				// still in flight (task.CommitPark's documented races).
				// The originating slice invocation -- this call -- is
				// still alive, so resuming here directly is what keeps
				// "at most one worker per fiber at a time" true; handing
				// back to the pool would let it resubmit and risk a
				// second worker picking the same task up concurrently.
				swapIn()
				f.invokeOnResume()
				f.resumeCh <- struct{}{}
				continue
			}
			f.state.Store(int32(StateWaiting))
			if ev.hasTimeout {
				f.scheduler.timedwait.Schedule(f.task, ev.timeout)
			}
			f.invokeOnParked()
			if ev.yield {
				f.task.Unpark()
			}
			return
		case evFinished:
			swapOut()
			// The task was claimed (RUNNABLE -> LEASED) by the pool before
			// this slice ran and never parked, so it's still LEASED; release
			// it back to RUNNABLE so its state word doesn't strand itself
			// there forever. Nothing will ever claim or park it again -- the
			// fiber goroutine is about to exit -- so the RUNNABLE it lands on
			// is inert, never resubmitted.
			f.task.Release()
			f.finish(ev.result, ev.err)
			return
		}
	}
}

func (f *Fiber) finish(result any, err error) {
	f.result = result
	f.err = err
	f.state.Store(int32(StateTerminated))
	f.stack.Clear()
	if err != nil {
		f.dispatchUncaught(err)
	}
	if f.onCompletion != nil {
		f.onCompletion(f, result, err)
	}
	close(f.doneCh)
}

// runBody is the fiber goroutine: it runs for the fiber's entire lifetime,
// executing fn and, on every suspension, blocking on resumeCh rather than
// returning -- so a parked fiber consumes no OS thread and no pool worker
// slot, only this one blocked goroutine (spec.md §3, §4.3).
func (f *Fiber) runBody() {
	f.stack.Enter(0, 0)

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r}
			}
		}()
		ctx := &Context{fiber: f}
		result, err = f.fn(ctx)
	}()

	// Leave must run before the event send below, not in a deferred call
	// around it: the receiving goroutine's finish() calls f.stack.Clear()
	// as soon as it observes evFinished, and Clear racing a later Leave on
	// the same *contstack.Stack is a data race, not just a logical one.
	f.stack.Leave()
	f.eventCh <- sliceEvent{kind: evFinished, result: result, err: err}
}
