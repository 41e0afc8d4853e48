package registry

import (
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/mirkobrombin/go-fuselock/v1/fused"
	"github.com/mirkobrombin/go-fuselock/v1/metrics"
)

// Entry describes a registered lock.
type Entry struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Fused     bool
}

type entry[T any] struct {
	id      string
	created time.Time
	lock    *fused.Lock[T]
}

// Registry maps names to fused locks.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*entry[T])}
}

// GetOrCreate returns the lock registered under name, creating it with the
// value produced by init if it does not exist yet. A nil init creates the
// lock over the zero value of T. Concurrent callers for the same name all
// receive the same lock instance.
func (r *Registry[T]) GetOrCreate(name string, init func() T, opts ...fused.Option[T]) (*fused.Lock[T], error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e.lock, nil
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.lock, nil
	}
	var value T
	if init != nil {
		value = init()
	}
	e = &entry[T]{
		id:      id,
		created: time.Now(),
		lock:    fused.New(value, opts...),
	}
	r.entries[name] = e
	metrics.RegistryGauge.Inc()
	return e.lock, nil
}

// Get returns the lock registered under name, if any.
func (r *Registry[T]) Get(name string) (*fused.Lock[T], bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.lock, true
}

// Info returns metadata for the lock registered under name.
func (r *Registry[T]) Info(name string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	return Entry{
		ID:        e.id,
		Name:      name,
		CreatedAt: e.created,
		Fused:     e.lock.IsFused(),
	}, true
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Remove drops the registration for name. The lock itself is unaffected;
// holders of it keep a valid instance. It reports whether name was registered.
func (r *Registry[T]) Remove(name string) bool {
	r.mu.Lock()
	_, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
		metrics.RegistryGauge.Dec()
	}
	r.mu.Unlock()
	return ok
}
