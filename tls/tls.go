// Package tls implements the worker context switch: the symmetric
// substitution of a worker's thread-local storage view with a fiber's
// saved view on slice entry and exit (spec.md §4.4), plus the worker's
// single "current fiber" slot.
//
// Go has no native thread-local storage primitive; a Worker here plays
// the role the spec assigns to "the worker's TLS view" directly, since in
// this port a Worker is a concrete long-lived value (one per pool
// goroutine) rather than an implicit property of an OS thread. Swapping a
// Worker's View in and out is the idiomatic equivalent of swapping a real
// thread's TLS.
package tls

import (
	"fmt"
	"sync/atomic"
)

// View is a snapshot of fiber-local state: a non-inheritable map and an
// inheritable-fiber-local map, mirroring the two TLS flavors kernel
// threads expose.
type View struct {
	Local       map[any]any
	Inheritable map[any]any
}

// NewView returns an empty, usable View.
func NewView() View {
	return View{Local: map[any]any{}, Inheritable: map[any]any{}}
}

// Snapshot returns a shallow copy of v, suitable for seeding a child
// fiber's inheritable-TLS at construction time (spec.md §4.4: "New fibers
// ... inherit a snapshot of the inheritable view at construction time").
func (v View) Snapshot() View {
	out := NewView()
	for k, val := range v.Inheritable {
		out.Inheritable[k] = val
	}
	return out
}

// StructuralError reports a fatal TLS-discipline violation: double-setting
// a worker's current-fiber slot (spec.md §7).
type StructuralError struct {
	Msg string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("tls: %s", e.Msg)
}

// Worker owns one TLS view and one "current fiber" slot. Exactly one
// slice runs per Worker at a time, so the current-fiber slot is a
// single-writer value in practice (spec.md §5); reads use an atomic
// pointer so diagnostics on other goroutines observe a consistent value.
type Worker struct {
	view         View
	currentFiber atomic.Pointer[any]
}

// NewWorker returns a Worker with an empty TLS view and no current fiber.
func NewWorker() *Worker {
	return &Worker{view: NewView()}
}

// Swap installs in as the worker's TLS view and returns what was
// previously installed. Calling it twice with the intermediate result
// restores the original view exactly, which is how slice entry and exit
// cooperate: entry does `saved := w.Swap(fiberView)`, exit does
// `fiberView = w.Swap(saved)`.
func (w *Worker) Swap(in View) View {
	out := w.view
	w.view = in
	return out
}

// View returns the worker's current TLS view without swapping it. User
// code running within a slice reads/writes through this, which is what
// makes TLS lookups transparently address fiber-local state.
func (w *Worker) View() View {
	return w.view
}

// CurrentFiber returns the fiber currently installed on this worker, or
// nil.
func (w *Worker) CurrentFiber() any {
	p := w.currentFiber.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetCurrentFiber installs f as the worker's current fiber. Installing a
// non-nil fiber while another is already installed is a fatal structural
// error (spec.md §4.4, §7); clearing (f == nil) always succeeds.
func (w *Worker) SetCurrentFiber(f any) error {
	if f == nil {
		w.currentFiber.Store(nil)
		return nil
	}
	if existing := w.CurrentFiber(); existing != nil {
		return &StructuralError{Msg: "worker already has a current fiber installed"}
	}
	v := f
	w.currentFiber.Store(&v)
	return nil
}
