// Package task implements the Parkable Task: the unit of work submitted to
// the worker pool that mediates a fiber's park/unpark transitions with
// lost-wakeup-safe compare-and-swap state changes.
//
// The state machine (spec.md §4.2) is:
//
//	RUNNABLE --claim--> LEASED --normal return--> RUNNABLE
//	LEASED --user signals park--> PARKING --unpark-before-commit--> RUNNABLE
//	PARKING --commit--> PARKED --unpark--> RUNNABLE
//
// Two races are handled explicitly: an Unpark arriving while the commit is
// still in flight (PARKING window) must not be lost, and an Unpark arriving
// while the task is LEASED (user code still executing) must be latched so
// the park the code is about to perform resolves immediately instead of
// blocking forever. The LEASED latch is itself raced by BeginPark/CommitPark
// running to completion before the latch is visible, so Unpark re-checks
// state after storing it and resolves the wakeup directly rather than
// leaving an unconsulted latch behind.
package task

import (
	"sync/atomic"
)

// State is a value of the Parkable Task's state word.
type State uint32

const (
	// Runnable is eligible to be claimed and executed by a worker.
	Runnable State = iota
	// Leased means a worker has claimed the task for a slice.
	Leased
	// Parking means user code has signalled suspension; finalization
	// (CommitPark) is pending.
	Parking
	// Parked means the task is waiting for Unpark.
	Parked
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Runnable:
		return "RUNNABLE"
	case Leased:
		return "LEASED"
	case Parking:
		return "PARKING"
	case Parked:
		return "PARKED"
	default:
		return "UNKNOWN"
	}
}

// execSpinAttempts bounds the number of CAS attempts Exec makes before
// giving up; it is small and implementation-defined per spec.md §4.2.
const execSpinAttempts = 8

// Task is a Parkable Task. The zero value is not usable; construct with
// New.
type Task struct {
	state atomic.Uint32

	// pendingUnpark latches an Unpark that arrives while the task is
	// Leased (the corresponding park has not yet been requested by user
	// code). It is consulted and cleared by CommitPark.
	pendingUnpark atomic.Bool

	// blocker is an opaque identity for what the fiber is waiting on,
	// wrapped in *any so a single atomic.Pointer can hold any concrete
	// type without the atomic.Value same-type restriction.
	blocker atomic.Pointer[any]

	// epoch counts park generations: it is bumped every time a PARKED or
	// PARKING wait resolves, by whichever path resolves it (Unpark,
	// TryUnpark, or CommitPark consuming a latched pendingUnpark). A
	// collaborator that schedules a deferred wakeup for a specific wait
	// (package timedwait) snapshots it via Epoch at schedule time and
	// presents it back through UnparkEpoch, so a wakeup left over from an
	// already-resolved wait recognizes it's stale instead of firing into
	// whatever unrelated wait the task is in by the time it runs.
	epoch atomic.Uint64

	// Slice is invoked to run one execution slice of the owning fiber. It
	// is set once at construction and invoked by the worker pool, which
	// passes its own worker context (opaque here to avoid a dependency
	// on package tls), or inline by Exec, which passes nil.
	Slice func(workerCtx any)

	// OnRunnable, if set, is invoked whenever Unpark moves a PARKED task
	// to RUNNABLE. The worker pool uses it to resubmit the task for
	// execution. It is never invoked by CommitPark or by Unpark's PARKING
	// case, whose originating slice is still running, nor by TryUnpark or
	// Exec, which are used by callers that run the slice themselves rather
	// than rely on the pool.
	OnRunnable func()
}

// New constructs a Runnable task that will invoke slice when run.
func New(slice func(workerCtx any)) *Task {
	t := &Task{Slice: slice}
	t.state.Store(uint32(Runnable))
	return t
}

// State returns the current state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Blocker returns the opaque object the fiber is currently waiting on, or
// nil.
func (t *Task) Blocker() any {
	p := t.blocker.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetBlocker records what the fiber is waiting on.
func (t *Task) SetBlocker(b any) {
	v := b
	t.blocker.Store(&v)
}

// Claim attempts the RUNNABLE -> LEASED transition a worker performs when
// picking up the task for a slice.
func (t *Task) Claim() bool {
	return t.state.CompareAndSwap(uint32(Runnable), uint32(Leased))
}

// Release performs the LEASED -> RUNNABLE transition taken on a normal
// (non-parking) slice return. Any latched pending unpark is consumed,
// since RUNNABLE is already the state it would have produced.
func (t *Task) Release() {
	t.pendingUnpark.Store(false)
	t.state.Store(uint32(Runnable))
}

// BeginPark performs the LEASED -> PARKING transition taken when the
// slice observes the suspension signal during unwind.
func (t *Task) BeginPark() bool {
	return t.state.CompareAndSwap(uint32(Leased), uint32(Parking))
}

// CommitPark finalizes a park. It returns true iff the task ends up
// PARKED (the caller should report the slice as not-done); it returns
// false if the task is immediately resubmittable as RUNNABLE, which
// happens in two cases:
//
//   - an Unpark was latched while the task was still LEASED, observed
//     here and consumed;
//   - an Unpark raced the commit while the task was PARKING, moving the
//     state to RUNNABLE before this CAS could land.
//
// Note on OnRunnable: it is deliberately NOT invoked here. Both races this
// method resolves happen while the originating slice invocation is still
// alive (it has not yet returned to the pool), so there is nobody else to
// resubmit the task to; the caller of CommitPark is expected to notice a
// false return and simply continue running the same slice rather than
// returning control to the pool. Calling OnRunnable here would risk a
// second worker concurrently picking up a task whose slice is still
// executing, violating "at most one worker executes a fiber's slice at a
// time" (spec.md §3, invariant I2).
func (t *Task) CommitPark() bool {
	if t.pendingUnpark.CompareAndSwap(true, false) {
		t.state.Store(uint32(Runnable))
		t.epoch.Add(1)
		return false
	}
	if t.state.CompareAndSwap(uint32(Parking), uint32(Parked)) {
		return true
	}
	// The CAS failed: an Unpark observed PARKING and raced it to RUNNABLE
	// directly (see Unpark below). The task is already RUNNABLE.
	return false
}

// Epoch returns the task's current park generation. See the epoch field
// doc comment.
func (t *Task) Epoch() uint64 { return t.epoch.Load() }

// UnparkEpoch calls Unpark only if epoch still matches the task's current
// park generation. It returns false without effect if a newer wait has
// begun, or the wait epoch refers to has already resolved, since epoch
// was captured -- the mechanism package timedwait uses to let a stale
// scheduled wakeup recognize it no longer applies.
func (t *Task) UnparkEpoch(epoch uint64) bool {
	if t.epoch.Load() != epoch {
		return false
	}
	return t.Unpark()
}

// Unpark delivers a wakeup. Its effect depends on the state observed:
//
//   - PARKED: moves to RUNNABLE (the ordinary wake). This is the only
//     case where the originating slice invocation has already returned
//     to the pool, so it is also the only case that invokes OnRunnable.
//   - PARKING: moves to RUNNABLE directly, pre-empting CommitPark so the
//     park never completes and no wakeup is lost (the "unpark-before-
//     commit" edge in the state diagram). The owning slice invocation is
//     still in flight and will observe this via CommitPark's failed CAS.
//   - LEASED: latches pendingUnpark for CommitPark to observe.
//   - RUNNABLE: no-op, already eligible.
//
// It returns true iff this call performed a transition to RUNNABLE;
// for the LEASED latch case it returns false, since no task-eligibility
// change happened yet.
func (t *Task) Unpark() bool {
	for {
		switch State(t.state.Load()) {
		case Parked:
			if t.state.CompareAndSwap(uint32(Parked), uint32(Runnable)) {
				t.epoch.Add(1)
				if t.OnRunnable != nil {
					t.OnRunnable()
				}
				return true
			}
		case Parking:
			if t.state.CompareAndSwap(uint32(Parking), uint32(Runnable)) {
				t.epoch.Add(1)
				return true
			}
		case Leased:
			t.pendingUnpark.Store(true)
			// The Store above and the Load that put us in this case are
			// not atomic together: BeginPark+CommitPark can run to
			// completion in between, committing PARKED without ever
			// observing the latch, which would otherwise strand it
			// unconsulted -- a lost wakeup. Re-check state now that the
			// latch is in place; if it's no longer LEASED or PARKING, the
			// latch either already got consumed (state is RUNNABLE) or
			// never will be (state raced past it to PARKED or a later
			// RUNNABLE), so fall through to resolve the wakeup directly
			// via the ordinary CAS paths instead of returning.
			switch State(t.state.Load()) {
			case Leased, Parking:
				return false
			case Parked:
				t.pendingUnpark.CompareAndSwap(true, false)
				if t.state.CompareAndSwap(uint32(Parked), uint32(Runnable)) {
					t.epoch.Add(1)
					if t.OnRunnable != nil {
						t.OnRunnable()
					}
					return true
				}
				// Lost the CAS to a concurrent winner; the transition still
				// happened, just not because of this call -- same convention
				// as the top-level PARKED case's CAS-loser path.
				return false
			default: // Runnable: latch already consumed or moot.
				t.pendingUnpark.CompareAndSwap(true, false)
				return false
			}
		case Runnable:
			return false
		default:
			return false
		}
	}
}

// TryUnpark returns true iff it moves the task from PARKED to RUNNABLE.
// Unlike Unpark, it never touches PARKING or the LEASED latch; it is used
// by synchronization primitives that must know specifically whether they
// were the one to wake a parked task.
func (t *Task) TryUnpark() bool {
	if t.state.CompareAndSwap(uint32(Parked), uint32(Runnable)) {
		t.epoch.Add(1)
		return true
	}
	return false
}

// Exec is the bounded-spin inline-resume primitive (spec.md §4.2). It is
// used by specialized external collaborators that want to run a fiber on
// the calling goroutine immediately after confirming it is parked on a
// specific blocker, avoiding a round trip through the pool.
//
// Exec succeeds, runs the slice inline, and returns true iff, within a
// small bounded number of attempts, it observes the task PARKED with a
// matching blocker and wins the TryUnpark race. It never blocks.
func (t *Task) Exec(blocker any) bool {
	for i := 0; i < execSpinAttempts; i++ {
		if State(t.state.Load()) != Parked {
			return false
		}
		if t.Blocker() != blocker {
			return false
		}
		if t.TryUnpark() {
			if t.Slice != nil {
				t.Slice(nil)
			}
			return true
		}
	}
	return false
}
