// Package watch implements the Listener Registry (C3) and the per-kind
// Watch Entity (C4): the in-memory projection of remote state, its
// watch-set, and the fanout of change events to registered callbacks.
// Grounded on huskar_sdk_v2's HookMixIn (http/patterns.py) and the
// Component class (http/ioloops/entity.py).
package watch

import (
	"log/slog"
	"sync"
)

// Key identifies a listener scope: a single (app_id, cluster) pair.
type Key struct {
	AppID   string
	Cluster string
}

// Callback receives a delivered Event. It must not block the owning loop
// goroutine — per spec.md §5, callbacks run synchronously on the loop that
// produced them.
type Callback func(Event)

// Handle is an opaque registration token returned by Listeners.Add, used
// to unregister a specific callback later. Listeners never hand back a
// reference the registry itself doesn't also keep — there are no weak
// references in Go, so unregistration is always explicit by handle.
type Handle uint64

// Listeners is a keyed multi-set of callbacks with fanout-on-notify
// semantics: one misbehaving callback is logged and never suppresses its
// siblings, and a callback added mid-notification is not invoked until the
// next event (Notify always fans out over a point-in-time snapshot).
type Listeners struct {
	mu   sync.Mutex
	seq  Handle
	subs map[Key]map[Handle]Callback
}

// NewListeners returns an empty registry.
func NewListeners() *Listeners {
	return &Listeners{subs: make(map[Key]map[Handle]Callback)}
}

// Add registers cb under key and returns a handle for later removal.
func (l *Listeners) Add(key Key, cb Callback) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	h := l.seq
	if l.subs[key] == nil {
		l.subs[key] = make(map[Handle]Callback)
	}
	l.subs[key][h] = cb
	return h
}

// Remove unregisters a specific callback by handle.
func (l *Listeners) Remove(key Key, h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs[key], h)
}

// Clear removes every callback registered for key.
func (l *Listeners) Clear(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, key)
}

// MergeFrom set-unions every key's callbacks from other into l — used when
// an IOLoop replacement migrates listeners from its predecessor.
func (l *Listeners) MergeFrom(other *Listeners) {
	other.mu.Lock()
	defer other.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, cbs := range other.subs {
		if l.subs[key] == nil {
			l.subs[key] = make(map[Handle]Callback)
		}
		for h, cb := range cbs {
			l.subs[key][h] = cb
		}
	}
}

// Notify invokes every callback registered for key with ev. The set of
// callbacks is snapshotted before invocation so that a listener added
// during notification waits for the next event, and a callback panic is
// recovered, logged, and never prevents its siblings from running.
func (l *Listeners) Notify(key Key, ev Event) {
	l.mu.Lock()
	snapshot := make([]Callback, 0, len(l.subs[key]))
	for _, cb := range l.subs[key] {
		snapshot = append(snapshot, cb)
	}
	l.mu.Unlock()

	for _, cb := range snapshot {
		invokeSafely(cb, ev)
	}
}

func invokeSafely(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener callback panicked", "recovered", r, "app_id", ev.AppID, "cluster", ev.Cluster, "key", ev.Key)
		}
	}()
	cb(ev)
}
