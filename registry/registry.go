// Package registry implements the generic lifecycle container shared by all
// brokers (tasks, workers, channels, tools, resources, trackers, document
// repositories) and the Manager locator brokers use to reach each other.
//
// A Registry maps object ids to live configuration snapshots and tracks the
// event subscriptions each object opened, keyed "{ownerId}-{targetId}".
// Removing an object releases every subscription it opened; removing an
// absent object or subscription is a no-op.
package registry

import (
	"sort"
	"sync"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Registry is an in-memory mapping of object id to live snapshot plus the
// subscriptions those objects hold on other objects. Safe for concurrent use.
type Registry[T core.Object] struct {
	kind   core.Kind
	logger logging.Logger

	mu      sync.RWMutex
	objects map[string]T
	subs    map[string]func() // "{ownerId}-{targetId}" -> unsubscribe
}

// New constructs an empty registry for one object kind.
func New[T core.Object](kind core.Kind, logger logging.Logger) *Registry[T] {
	return &Registry[T]{
		kind:    kind,
		logger:  logging.OrNoOp(logger),
		objects: map[string]T{},
		subs:    map[string]func(){},
	}
}

// Kind returns the object family this registry holds.
func (r *Registry[T]) Kind() core.Kind { return r.kind }

// Put stores obj, replacing any previous snapshot with the same id. The
// previous snapshot's subscriptions stay tracked; callers re-wiring an object
// rely on Track's replace semantics to avoid duplicates.
func (r *Registry[T]) Put(obj T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[obj.ObjectID()] = obj
}

// Get returns the live snapshot for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// Has reports whether id is registered.
func (r *Registry[T]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[id]
	return ok
}

// IDs returns all registered ids in stable order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns all registered snapshots ordered by id.
func (r *Registry[T]) All() []T {
	objs := make([]T, 0)
	for _, id := range r.IDs() {
		if obj, ok := r.Get(id); ok {
			objs = append(objs, obj)
		}
	}
	return objs
}

// Len returns the number of registered objects.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Track records a subscription ownerID opened on targetID. If a subscription
// with the same key exists it is released first, so re-registering an object
// leaves exactly one set of subscriptions.
func (r *Registry[T]) Track(ownerID, targetID string, cancel func()) {
	key := ownerID + "-" + targetID
	r.mu.Lock()
	prev := r.subs[key]
	r.subs[key] = cancel
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Remove deletes the object and releases every subscription it opened.
// Removing an unknown id is a no-op.
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	_, existed := r.objects[id]
	delete(r.objects, id)
	prefix := id + "-"
	var cancels []func()
	for key, cancel := range r.subs {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			cancels = append(cancels, cancel)
			delete(r.subs, key)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
	if existed {
		r.logger.Debug("object removed", "kind", string(r.kind), "id", id)
	}
}

// Destroy removes all objects and releases all subscriptions. Used only at
// process shutdown or test teardown.
func (r *Registry[T]) Destroy() {
	for _, id := range r.IDs() {
		r.Remove(id)
	}
}

// SubscriptionCount returns the number of tracked subscriptions. Intended
// for tests asserting leak-free removal.
func (r *Registry[T]) SubscriptionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
