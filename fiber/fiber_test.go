package fiber

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalReturnWithoutSuspension(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	f, err := New(s, "plain", func(ctx *Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	result, err := f.Join()
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.Equal(t, StateTerminated, f.State())
}

// TestSingleParkRoundTrip reproduces spec.md §8 scenario 1: a fiber parks
// once on a blocker and is unparked by an external actor; it must resume
// and complete normally.
func TestSingleParkRoundTrip(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	parked := make(chan struct{})
	var target *Fiber
	f, err := New(s, "parker", func(ctx *Context) (any, error) {
		if err := ctx.Park("gate"); err != nil {
			return nil, err
		}
		return "resumed", nil
	}, WithOnParked(func(fb *Fiber) { close(parked) }))
	require.NoError(t, err)
	target = f
	require.NoError(t, f.Start())

	select {
	case <-parked:
	case <-time.After(time.Second):
		t.Fatal("fiber never parked")
	}
	require.Equal(t, StateWaiting, target.State())

	require.True(t, target.Unpark())

	result, err := f.Join()
	require.NoError(t, err)
	require.Equal(t, "resumed", result)
}

// TestParkTimeoutFiresAutomatically covers park(timeout) when nothing ever
// unparks externally: the Timed Wait Service must deliver the wakeup.
func TestParkTimeoutFiresAutomatically(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	f, err := New(s, "timeout-parker", func(ctx *Context) (any, error) {
		if err := ctx.ParkTimeout("never-signaled", 20*time.Millisecond); err != nil {
			return nil, err
		}
		return "woke-on-timeout", nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	result, err := f.JoinTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, "woke-on-timeout", result)
}

// TestEarlyExternalUnparkMakesTimeoutANoOp covers the other half of §4.5:
// an external unpark arriving before the deadline must win, and the timer
// firing later is a harmless no-op rather than a double-resume.
func TestEarlyExternalUnparkMakesTimeoutANoOp(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	parked := make(chan struct{})
	var target *Fiber
	f, err := New(s, "raced-parker", func(ctx *Context) (any, error) {
		if err := ctx.ParkTimeout("gate", time.Hour); err != nil {
			return nil, err
		}
		return "woke-externally", nil
	}, WithOnParked(func(fb *Fiber) { close(parked) }))
	require.NoError(t, err)
	target = f
	require.NoError(t, f.Start())

	<-parked
	require.True(t, target.Unpark())

	result, err := f.JoinTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, "woke-externally", result)
}

func TestYieldReturnsControlAndContinues(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	var steps []string
	f, err := New(s, "yielder", func(ctx *Context) (any, error) {
		steps = append(steps, "before")
		if err := ctx.Yield(); err != nil {
			return nil, err
		}
		steps = append(steps, "after")
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Join()
	require.NoError(t, err)
	require.Equal(t, []string{"before", "after"}, steps)
}

func TestSleepWaitsAtLeastTheRequestedDuration(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	start := time.Now()
	f, err := New(s, "sleeper", func(ctx *Context) (any, error) {
		return nil, ctx.Sleep(30 * time.Millisecond)
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Join()
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// TestInterruptAcrossParkPropagatesAsError covers spec.md §7: an
// interrupt delivered while parked must surface to user code as an error
// from the suspension call it was blocked in, and that error, if
// returned, becomes the fiber's terminal error.
func TestInterruptAcrossParkPropagatesAsError(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	parked := make(chan struct{})
	f, err := New(s, "interruptible", func(ctx *Context) (any, error) {
		if err := ctx.Park("gate"); err != nil {
			return nil, err
		}
		return "should not reach here", nil
	}, WithOnParked(func(fb *Fiber) { close(parked) }))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	<-parked
	f.Interrupt()

	result, err := f.Join()
	require.Nil(t, result)
	var interrupted *InterruptedError
	require.True(t, errors.As(err, &interrupted))
}

func TestPanicInsideFiberBecomesTerminalError(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	f, err := New(s, "panicker", func(ctx *Context) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Join()
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))
	require.Equal(t, "kaboom", panicErr.Value)
}

func TestStartTwiceReturnsAlreadyStarted(t *testing.T) {
	s := NewScheduler(WithWorkers(1))
	defer s.Shutdown()

	f, err := New(s, "once", func(ctx *Context) (any, error) { return nil, nil })
	require.NoError(t, err)
	require.NoError(t, f.Start())
	require.ErrorIs(t, f.Start(), ErrAlreadyStarted)
	f.Join()
}

// TestSpawnInheritsTLSAndLinksParent covers invariant I4 (weak,
// non-owning parent reference) and the inheritable-TLS snapshot-at-
// construction rule (spec.md §4.4).
func TestSpawnInheritsTLSAndLinksParent(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	type key struct{}

	var childSeen any
	var childParentID int64
	childDone := make(chan struct{})

	f, err := New(s, "parent", func(ctx *Context) (any, error) {
		ctx.SetInheritable(key{}, "inherited-value")

		child, err := ctx.Spawn("child", func(cctx *Context) (any, error) {
			v, _ := cctx.Inheritable(key{})
			childSeen = v
			childParentID = cctx.Fiber().Parent().ID()
			close(childDone)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		if err := child.Start(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	<-childDone
	_, err = f.Join()
	require.NoError(t, err)
	require.Equal(t, "inherited-value", childSeen)
	require.Equal(t, f.ID(), childParentID)
}

func TestNonInheritableLocalDoesNotCrossToChild(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	type key struct{}

	var childSawOK bool
	childDone := make(chan struct{})

	f, err := New(s, "parent", func(ctx *Context) (any, error) {
		ctx.SetLocal(key{}, "local-only")

		child, err := ctx.Spawn("child", func(cctx *Context) (any, error) {
			_, ok := cctx.Local(key{})
			childSawOK = ok
			close(childDone)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		return nil, child.Start()
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	<-childDone
	_, err = f.Join()
	require.NoError(t, err)
	require.False(t, childSawOK)
}

// TestUninstrumentedConstructionFails covers spec.md §8 scenario 6:
// construction must fail fast when the instrumentation checker rejects
// the fiber's function, rather than deferring to first suspension.
func TestUninstrumentedConstructionFails(t *testing.T) {
	s := NewScheduler(WithInstrumentationChecker(func(fn any) (instrumented, waived bool) {
		return false, false
	}))
	defer s.Shutdown()

	_, err := New(s, "rejected", func(ctx *Context) (any, error) { return nil, nil })
	var structural *StructuralError
	require.True(t, errors.As(err, &structural))
}

func TestUncaughtExceptionHandlerIsConsulted(t *testing.T) {
	var handled error
	s := NewScheduler(WithWorkers(1), WithUncaughtExceptionHandler(func(f *Fiber, err error) {
		handled = err
	}))
	defer s.Shutdown()

	sentinel := errors.New("boom")
	f, err := New(s, "erroring", func(ctx *Context) (any, error) {
		return nil, sentinel
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Join()
	require.ErrorIs(t, err, sentinel)
	require.ErrorIs(t, handled, sentinel)
}

func TestPerFiberOnExceptionSuppressesSchedulerHandler(t *testing.T) {
	var schedulerSaw bool
	s := NewScheduler(WithWorkers(1), WithUncaughtExceptionHandler(func(f *Fiber, err error) {
		schedulerSaw = true
	}))
	defer s.Shutdown()

	sentinel := errors.New("boom")
	var fiberSaw bool
	f, err := New(s, "erroring", func(ctx *Context) (any, error) {
		return nil, sentinel
	}, WithOnException(func(f *Fiber, err error) bool {
		fiberSaw = true
		return true
	}))
	require.NoError(t, err)
	require.NoError(t, f.Start())

	_, err = f.Join()
	require.ErrorIs(t, err, sentinel)
	require.True(t, fiberSaw)
	require.False(t, schedulerSaw)
}

func TestSnapshotFailsWhileRunningAndSucceedsAfterTermination(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	entered := make(chan struct{})
	release := make(chan struct{})
	f, err := New(s, "snapshotted", func(ctx *Context) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	<-entered
	_, err = f.Snapshot()
	var structural *StructuralError
	require.True(t, errors.As(err, &structural))

	close(release)
	_, err = f.Join()
	require.NoError(t, err)

	snap, err := f.Snapshot()
	require.NoError(t, err)
	require.Equal(t, StateTerminated, snap.State)
	require.Equal(t, 0, snap.StackDepth)
}

// TestNilContextSuspensionReturnsErrNotInFiber covers a zero-value Context
// that was never bound to a fiber: every suspension primitive must report
// ErrNotInFiber rather than panicking.
func TestNilContextSuspensionReturnsErrNotInFiber(t *testing.T) {
	var c Context
	assert.ErrorIs(t, c.Park("x"), ErrNotInFiber)
	assert.ErrorIs(t, c.ParkTimeout("x", time.Millisecond), ErrNotInFiber)
	assert.ErrorIs(t, c.Yield(), ErrNotInFiber)
	assert.ErrorIs(t, c.Sleep(time.Millisecond), ErrNotInFiber)
	_, err := c.Spawn("child", func(*Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotInFiber)
	_, ok := c.Local("key")
	assert.False(t, ok)
}

// TestSuspensionAfterTerminationReturnsErrFiberTerminated covers a Context
// retained past its owning fiber's return -- e.g. handed to a detached
// goroutine -- and used afterward: the suspension primitive must report
// ErrFiberTerminated instead of blocking forever on an eventCh nobody
// reads anymore.
func TestSuspensionAfterTerminationReturnsErrFiberTerminated(t *testing.T) {
	s := NewScheduler(WithWorkers(2))
	defer s.Shutdown()

	var leaked *Context
	captured := make(chan struct{})
	f, err := New(s, "leaks-context", func(ctx *Context) (any, error) {
		leaked = ctx
		close(captured)
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, f.Start())

	<-captured
	_, err = f.Join()
	require.NoError(t, err)

	require.ErrorIs(t, leaked.Park("too-late"), ErrFiberTerminated)
}

func TestManyFibersAcrossWorkers(t *testing.T) {
	s := NewScheduler(WithWorkers(8))
	defer s.Shutdown()

	const n = 100
	fibers := make([]*Fiber, n)
	for i := 0; i < n; i++ {
		f, err := New(s, "worker-fiber", func(ctx *Context) (any, error) {
			if err := ctx.Yield(); err != nil {
				return nil, err
			}
			return nil, ctx.Sleep(time.Millisecond)
		})
		require.NoError(t, err)
		require.NoError(t, f.Start())
		fibers[i] = f
	}

	for _, f := range fibers {
		_, err := f.JoinTimeout(5 * time.Second)
		require.NoError(t, err)
	}
}
