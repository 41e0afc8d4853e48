package fused

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fuselock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fuselock/v1/fused")

// ErrFused is returned by blocking exclusive acquisition once the lock has
// fused. The condition is permanent: retrying can never succeed for the
// remaining lifetime of the lock.
var ErrFused = errors.New("fuselock: lock is fused, exclusive access is permanently unavailable")

// State word layout. A single uint64 encodes the whole lock state so that
// every transition is one compare-and-swap, with no window between observing
// "not fused" and acquiring exclusively.
const (
	exclusiveBit uint64 = 1 << 63
	fusedBit     uint64 = 1 << 62
	countMask    uint64 = fusedBit - 1
)

// Lock is a read-write lock over a single payload of type T. Exclusive
// acquisition works like an ordinary write lock until the first shared
// acquisition fuses the lock; from then on the write side is gone forever and
// readers can use the guard-free Read fast path.
//
// A Lock must not be copied after first use.
type Lock[T any] struct {
	state atomic.Uint64

	mu     sync.Mutex
	notify chan struct{}

	value T

	name         string
	id           string
	traceEnabled bool

	exclusiveCounter  prometheus.Counter
	sharedCounter     prometheus.Counter
	contentionCounter prometheus.Counter
	holdHist          prometheus.Histogram
}

// New returns an unfused lock owning value.
func New[T any](value T, opts ...Option[T]) *Lock[T] {
	l := &Lock[T]{
		value:  value,
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryExclusive attempts to acquire exclusive read-write access without
// blocking. It fails while any holder is active and it fails forever once the
// lock has fused; the two cases are not distinguished here, use IsFused to
// tell them apart.
func (l *Lock[T]) TryExclusive() (*ExclusiveGuard[T], bool) {
	if !l.state.CompareAndSwap(0, exclusiveBit) {
		if l.contentionCounter != nil {
			l.contentionCounter.Inc()
		}
		return nil, false
	}
	if l.exclusiveCounter != nil {
		l.exclusiveCounter.Inc()
	}
	g := &ExclusiveGuard[T]{lock: l}
	if l.holdHist != nil {
		g.acquiredAt = time.Now()
	}
	return g, true
}

// Exclusive blocks until exclusive access is acquired or ctx is done. Once
// the lock is fused, Exclusive returns ErrFused instead of waiting on a
// condition that can never hold; it never returns a guard for a fused lock.
func (l *Lock[T]) Exclusive(ctx context.Context) (*ExclusiveGuard[T], error) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "FusedLock.Exclusive", trace.WithAttributes(
			attribute.String("fuselock.id", l.id),
			attribute.String("fuselock.name", l.name),
		))
		defer span.End()
	}
	for {
		if l.IsFused() {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "fused"))
			}
			return nil, ErrFused
		}
		if g, ok := l.TryExclusive(); ok {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "acquired"))
			}
			return g, nil
		}
		ch := l.wakeup()
		// Retry after fetching the channel: any release that happened in
		// between closes the channel we now hold, so the wait below cannot
		// miss it.
		if g, ok := l.TryExclusive(); ok {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "acquired"))
			}
			return g, nil
		}
		if l.IsFused() {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "fused"))
			}
			return nil, ErrFused
		}
		metrics.WaiterGauge.Inc()
		select {
		case <-ch:
			metrics.WaiterGauge.Dec()
		case <-ctx.Done():
			metrics.WaiterGauge.Dec()
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "cancelled"))
			}
			return nil, ctx.Err()
		}
	}
}

// TryShared attempts to acquire shared read-only access without blocking. It
// fails only while an exclusive holder is active. The first successful shared
// acquisition fuses the lock as part of the same atomic transition.
func (l *Lock[T]) TryShared() (*SharedGuard[T], bool) {
	for {
		s := l.state.Load()
		if s&exclusiveBit != 0 {
			if l.contentionCounter != nil {
				l.contentionCounter.Inc()
			}
			return nil, false
		}
		if l.state.CompareAndSwap(s, (s|fusedBit)+1) {
			if s&fusedBit == 0 {
				metrics.FuseCounter.Inc()
				// Parked exclusive waiters are now doomed; wake them so they
				// can observe ErrFused instead of waiting forever.
				l.notifyAll()
			}
			if l.sharedCounter != nil {
				l.sharedCounter.Inc()
			}
			return &SharedGuard[T]{lock: l}, true
		}
	}
}

// Shared blocks until shared access is acquired or ctx is done. Fusing never
// refuses a reader, so Shared waits only for an active exclusive holder.
func (l *Lock[T]) Shared(ctx context.Context) (*SharedGuard[T], error) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "FusedLock.Shared", trace.WithAttributes(
			attribute.String("fuselock.id", l.id),
			attribute.String("fuselock.name", l.name),
		))
		defer span.End()
	}
	for {
		if g, ok := l.TryShared(); ok {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "acquired"))
			}
			return g, nil
		}
		ch := l.wakeup()
		if g, ok := l.TryShared(); ok {
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "acquired"))
			}
			return g, nil
		}
		metrics.WaiterGauge.Inc()
		select {
		case <-ch:
			metrics.WaiterGauge.Dec()
		case <-ctx.Done():
			metrics.WaiterGauge.Dec()
			if l.traceEnabled {
				span.SetAttributes(attribute.String("fuselock.outcome", "cancelled"))
			}
			return nil, ctx.Err()
		}
	}
}

// TryFuse fuses the lock without taking a guard, equivalent to acquiring and
// immediately releasing a shared guard. It fails while an exclusive holder is
// active and reports true if the lock is already fused.
func (l *Lock[T]) TryFuse() bool {
	for {
		s := l.state.Load()
		if s&fusedBit != 0 {
			return true
		}
		if s&exclusiveBit != 0 {
			return false
		}
		if l.state.CompareAndSwap(s, s|fusedBit) {
			metrics.FuseCounter.Inc()
			l.notifyAll()
			return true
		}
	}
}

// Fuse blocks until the lock is fused or ctx is done.
func (l *Lock[T]) Fuse(ctx context.Context) error {
	for {
		if l.TryFuse() {
			return nil
		}
		ch := l.wakeup()
		if l.TryFuse() {
			return nil
		}
		metrics.WaiterGauge.Inc()
		select {
		case <-ch:
			metrics.WaiterGauge.Dec()
		case <-ctx.Done():
			metrics.WaiterGauge.Dec()
			return ctx.Err()
		}
	}
}

// Read returns a direct pointer to the payload if the lock has fused. The
// returned pointer stays valid for the lifetime of the lock: once fused no
// writer can ever exist, so no guard is needed. Before fusing it returns
// (nil, false).
func (l *Lock[T]) Read() (*T, bool) {
	if l.state.Load()&fusedBit == 0 {
		return nil, false
	}
	return &l.value, true
}

// Get fuses the lock on demand and returns a direct payload pointer, waiting
// for any active exclusive holder to release first.
func (l *Lock[T]) Get(ctx context.Context) (*T, error) {
	if err := l.Fuse(ctx); err != nil {
		return nil, err
	}
	return &l.value, nil
}

// IsFused reports whether the lock has fused. Once true it stays true for all
// subsequent observations.
func (l *Lock[T]) IsFused() bool {
	return l.state.Load()&fusedBit != 0
}

func (l *Lock[T]) releaseExclusive(acquiredAt time.Time) {
	if !l.state.CompareAndSwap(exclusiveBit, 0) {
		panic("fuselock: exclusive release without a live exclusive holder")
	}
	if l.holdHist != nil && !acquiredAt.IsZero() {
		l.holdHist.Observe(time.Since(acquiredAt).Seconds())
	}
	l.notifyAll()
}

func (l *Lock[T]) releaseShared() {
	for {
		s := l.state.Load()
		if s&countMask == 0 {
			panic("fuselock: shared release without a live shared holder")
		}
		if l.state.CompareAndSwap(s, s-1) {
			if (s-1)&countMask == 0 {
				// Last reader out.
				l.notifyAll()
			}
			return
		}
	}
}

func (l *Lock[T]) cloneShared() {
	for {
		s := l.state.Load()
		if l.state.CompareAndSwap(s, s+1) {
			if l.sharedCounter != nil {
				l.sharedCounter.Inc()
			}
			return
		}
	}
}

// notifyAll wakes every goroutine parked in a blocking acquisition. Waiters
// re-check the state word, so a spurious wake is harmless.
func (l *Lock[T]) notifyAll() {
	l.mu.Lock()
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

func (l *Lock[T]) wakeup() <-chan struct{} {
	l.mu.Lock()
	ch := l.notify
	l.mu.Unlock()
	return ch
}
