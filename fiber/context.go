package fiber

import "time"

// Context is the explicit handle a fiber's function uses to suspend
// itself, spawn children, and read/write fiber-local storage. It is
// passed to the function given to New/Spawn rather than looked up
// ambiently (spec.md §6 leaves the lookup mechanism open; an explicit
// handle is the idiomatic Go choice over a goroutine-local/TLS-style
// ambient lookup -- see the Context design decision in DESIGN.md).
//
// A Context is only valid for the lifetime of the fiber's function and
// must not be retained past its return.
type Context struct {
	fiber *Fiber
}

// Fiber returns the fiber this Context belongs to.
func (c *Context) Fiber() *Fiber { return c.fiber }

// Park suspends the fiber until something calls Unpark on it (Unpark does
// not compare blockers), or the fiber is interrupted. blocker
// is an opaque identity recorded for diagnostics and for Task.Exec-style
// inline-resume collaborators to match against; it is typically the
// synchronization primitive the fiber is waiting on.
func (c *Context) Park(blocker any) error {
	if c.fiber == nil {
		return ErrNotInFiber
	}
	return c.fiber.park(blocker, false, 0, false)
}

// ParkTimeout is Park with a bound: if no external Unpark arrives within
// timeout, the fiber's Timed Wait Service unparks it automatically. The
// two races (external unpark, timeout) are resolved by the underlying
// task's Unpark idempotence: whichever fires first wins, the other is a
// no-op (spec.md §4.5).
func (c *Context) ParkTimeout(blocker any, timeout time.Duration) error {
	if c.fiber == nil {
		return ErrNotInFiber
	}
	return c.fiber.park(blocker, true, timeout, false)
}

// Yield gives other runnable work a chance to run on this fiber's
// scheduler before continuing. It is implemented as a park on a private
// blocker identity that nothing external can ever match, immediately
// followed by a self-administered unpark once the park commits -- so the
// fiber is briefly requeued behind whatever else is runnable rather than
// monopolizing its worker.
func (c *Context) Yield() error {
	if c.fiber == nil {
		return ErrNotInFiber
	}
	return c.fiber.park(yieldBlocker{fiberID: c.fiber.id}, false, 0, true)
}

// Sleep suspends the fiber for at least d. It is a loop around
// ParkTimeout computed from a monotonic deadline, so a spurious early
// wakeup (an external Unpark racing the timer, or the timed-wait service's
// own coarse scheduling) is accommodated by recomputing the remaining
// delay and parking again, rather than returning early (spec.md §4.3).
func (c *Context) Sleep(d time.Duration) error {
	if c.fiber == nil {
		return ErrNotInFiber
	}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if err := c.fiber.park(sleepBlocker{fiberID: c.fiber.id}, true, remaining, false); err != nil {
			return err
		}
	}
}

// Spawn creates a new fiber as a child of this one: it inherits a snapshot
// of this fiber's inheritable TLS view (tls.View.Snapshot) and carries a
// weak back-reference to it via Fiber.Parent. It does not start the child;
// call Start explicitly, mirroring New/Start at the top level.
func (c *Context) Spawn(name string, fn func(*Context) (any, error), opts ...FiberOption) (*Fiber, error) {
	if c.fiber == nil {
		return nil, ErrNotInFiber
	}
	allOpts := make([]FiberOption, 0, len(opts)+1)
	allOpts = append(allOpts, withParent(c.fiber))
	allOpts = append(allOpts, opts...)
	return New(c.fiber.scheduler, name, fn, allOpts...)
}

// Local reads a non-inheritable, fiber-local value by key. It is only
// meaningful while called from within the fiber's own function, where a
// worker is actively executing its slice.
func (c *Context) Local(key any) (any, bool) {
	if c.fiber == nil {
		return nil, false
	}
	w := c.fiber.currentWorker.Load()
	if w == nil {
		return nil, false
	}
	v, ok := w.TLS().View().Local[key]
	return v, ok
}

// SetLocal writes a non-inheritable, fiber-local value by key.
func (c *Context) SetLocal(key, val any) {
	if c.fiber == nil {
		return
	}
	w := c.fiber.currentWorker.Load()
	if w == nil {
		return
	}
	w.TLS().View().Local[key] = val
}

// Inheritable reads a fiber-local value from the inheritable view: one
// that Spawn copies into new children at construction time.
func (c *Context) Inheritable(key any) (any, bool) {
	if c.fiber == nil {
		return nil, false
	}
	w := c.fiber.currentWorker.Load()
	if w == nil {
		return nil, false
	}
	v, ok := w.TLS().View().Inheritable[key]
	return v, ok
}

// SetInheritable writes a value into the inheritable view.
func (c *Context) SetInheritable(key, val any) {
	if c.fiber == nil {
		return
	}
	w := c.fiber.currentWorker.Load()
	if w == nil {
		return
	}
	w.TLS().View().Inheritable[key] = val
}
