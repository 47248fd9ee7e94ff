// Package entity implements the per-object in-memory handle of spec
// section 2 ("Entity"): a state machine view over the Tracking Index,
// readiness events callers can wait on, and an in-flight reference
// count ("contention") that guards eviction and deletion (section 3,
// invariant 3).
package entity

import (
	"sync"
	"time"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// Entity is the Precache Manager's in-memory handle for one data
// object. Worker jobs must not hold a reference to an Entity: they
// hold its ID and re-resolve through the Manager under its lock
// before mutating (spec section 3, Ownership; section 9).
type Entity struct {
	mu sync.Mutex

	ID           string
	UpstreamPath string
	PrecacheDir  string

	contention int

	// readiness holds one channel per datatype, closed by MarkReady
	// when that datatype reaches a terminal status (Finished or Failed)
	// and replaced by ResetReadiness on a reset, so a waiter can block
	// on it up to a deadline instead of polling (section 9,
	// "coroutine-style await ETA"). The HTTP handlers do not wait on it.
	readiness map[trackingindex.Datatype]chan struct{}
}

// New creates an Entity handle with fresh readiness gates.
func New(id, upstreamPath, precacheDir string) *Entity {
	e := &Entity{
		ID:           id,
		UpstreamPath: upstreamPath,
		PrecacheDir:  precacheDir,
		readiness:    make(map[trackingindex.Datatype]chan struct{}, 3),
	}
	for _, dt := range trackingindex.AllDatatypes {
		e.readiness[dt] = make(chan struct{})
	}
	return e
}

// Contention returns the current in-flight reference count.
func (e *Entity) Contention() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contention
}

// Acquire increments contention. Called on successful admission.
func (e *Entity) Acquire() {
	e.mu.Lock()
	e.contention++
	e.mu.Unlock()
}

// Release decrements contention. Idempotent at zero (spec section 4.4,
// "release ... idempotent").
func (e *Entity) Release() {
	e.mu.Lock()
	if e.contention > 0 {
		e.contention--
	}
	e.mu.Unlock()
}

// Evictable reports whether the entity currently has no open handles
// (invariant 3, section 3).
func (e *Entity) Evictable() bool {
	return e.Contention() == 0
}

// MarkReady closes the readiness gate for dt, waking every waiter.
// Call exactly once per terminal transition; callers must replace the
// gate via ResetReadiness before the next Queued->Started cycle (e.g.
// after a reset).
func (e *Entity) MarkReady(dt trackingindex.Datatype) {
	e.mu.Lock()
	ch := e.readiness[dt]
	e.mu.Unlock()

	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

// ResetReadiness reopens the gate for dt, used when a reset sends the
// datatype back to Queued.
func (e *Entity) ResetReadiness(dt trackingindex.Datatype) {
	e.mu.Lock()
	e.readiness[dt] = make(chan struct{})
	e.mu.Unlock()
}

// WaitReady blocks until dt's gate closes or the deadline elapses,
// whichever comes first, honoring the configured response timeout
// (spec section 5, "Cancellation and timeouts").
func (e *Entity) WaitReady(dt trackingindex.Datatype, deadline time.Time) bool {
	e.mu.Lock()
	ch := e.readiness[dt]
	e.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}
