package fused

import "time"

// ExclusiveGuard proves unique read-write access to the payload of the lock
// that issued it. Exactly one ExclusiveGuard can be live per lock. A guard is
// not safe for concurrent use by multiple goroutines.
type ExclusiveGuard[T any] struct {
	lock       *Lock[T]
	acquiredAt time.Time
}

// Value returns a mutable pointer to the payload. The pointer must not be
// retained past Release.
func (g *ExclusiveGuard[T]) Value() *T {
	if g.lock == nil {
		panic("fuselock: use of released exclusive guard")
	}
	return &g.lock.value
}

// Release returns the lock to the free state. Releasing a guard twice panics.
func (g *ExclusiveGuard[T]) Release() {
	if g.lock == nil {
		panic("fuselock: exclusive guard released twice")
	}
	l := g.lock
	g.lock = nil
	l.releaseExclusive(g.acquiredAt)
}

// SharedGuard proves shared read-only access to the payload of the lock that
// issued it. Any number of SharedGuards may be live at once, each counting as
// one holder unit.
type SharedGuard[T any] struct {
	lock *Lock[T]
}

// Value returns a pointer to the payload. Callers must treat the payload as
// read-only; the lock cannot enforce this through the type system.
func (g *SharedGuard[T]) Value() *T {
	if g.lock == nil {
		panic("fuselock: use of released shared guard")
	}
	return &g.lock.value
}

// Clone returns an independent guard for the same lock by adding one holder
// unit, without going through acquisition. It never blocks: the lock is
// already shared-held through g.
func (g *SharedGuard[T]) Clone() *SharedGuard[T] {
	if g.lock == nil {
		panic("fuselock: clone of released shared guard")
	}
	g.lock.cloneShared()
	return &SharedGuard[T]{lock: g.lock}
}

// Release drops one holder unit. The last release returns the lock to the
// free state; the fuse stays set. Releasing a guard twice panics.
func (g *SharedGuard[T]) Release() {
	if g.lock == nil {
		panic("fuselock: shared guard released twice")
	}
	l := g.lock
	g.lock = nil
	l.releaseShared()
}
