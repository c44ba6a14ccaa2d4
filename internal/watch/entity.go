package watch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/huskar/internal/cache"
)

// Kind distinguishes the three watch domains sharing the wire protocol and
// the IOLoop facade.
type Kind string

const (
	KindConfig  Kind = "config"
	KindSwitch  Kind = "switch"
	KindService Kind = "service"
)

// OverallCluster is the reserved cluster name facades fall back to when a
// key is absent from the caller's own cluster.
const OverallCluster = "overall"

// EventKind distinguishes an update from a delete.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventDelete
)

// Event is a single change delivered to listeners after update/delete
// processing.
type Event struct {
	Kind    EventKind
	AppID   string
	Cluster string
	Key     string
	Value   cache.Value
}

// FailStrategy controls get()'s behavior when the cache is cold and the
// connection is down.
type FailStrategy int

const (
	FailIgnore FailStrategy = iota
	FailRaise
)

// ErrStartupFailed is returned by Get when raises is requested and
// the entity has neither a warm cache nor a live connection.
var ErrStartupFailed = errors.New("huskar: startup failed waiting for connection")

// ErrProcessorRejected, returned by a Processor, drops the update for that
// key only — it never aborts the surrounding batch.
var ErrProcessorRejected = errors.New("huskar: value processor rejected update")

// Processor transforms an inbound value before it is stored (e.g. decode a
// stringified JSON body, coerce a string to a float). Returning
// ErrProcessorRejected drops the key for this update.
type Processor func(cache.Value) (cache.Value, error)

// Loop is the subset of an IOLoop's behavior a Watch Entity depends on, so
// that watch.Entity never imports the concrete long-poll/file-cache/
// tree-watch loop packages — see internal/ioloop for the wiring.
type Loop interface {
	// OnWatchListChanged is invoked when the entity's watch-set changes,
	// so the loop can force a session refresh upstream.
	OnWatchListChanged(kind Kind)
	// Wait blocks up to timeout for the loop to become connected (or to
	// have connected at least once), returning whether it did.
	Wait(timeout time.Duration) bool
	// IsConnected reports the loop's current liveness.
	IsConnected() bool
	// WaitForNextLoop blocks up to timeout for the next full round-trip
	// after a watch-set change, returning whether it completed in time.
	WaitForNextLoop(timeout time.Duration) bool
}

// backing is the persistence interface a Watch Entity stores values
// through — satisfied by *cache.Store in both its file-backed and
// memory-only modes.
type backing interface {
	Get(app, cluster, key string) (cache.Value, bool)
	Cluster(app, cluster string) map[string]cache.Value
	Set(app, cluster, key string, v cache.Value)
	Delete(app, cluster, key string)
	ReplaceCluster(app, cluster string, next map[string]cache.Value) map[string]cache.Value
	IsLoaded() bool
}

// Entity is one kind's store: (app, cluster, key) -> value, the watch-set
// driving the upstream request, and the listeners fed by update/delete.
// Grounded on http/ioloops/entity.py:Component.
type Entity struct {
	mu   sync.RWMutex
	kind Kind
	loop Loop
	store backing

	watchSet map[string]map[string]struct{} // app_id -> set of clusters
	listeners *Listeners

	failMode            bool
	defaultFailStrategy FailStrategy
	processors          []Processor
}

// NewEntity constructs an entity of kind, backed by store, bound to loop.
// store may be a *cache.Store created with an empty path for memory-only
// operation.
func NewEntity(kind Kind, loop Loop, store *cache.Store) *Entity {
	return &Entity{
		kind:      kind,
		loop:      loop,
		store:     store,
		watchSet:  make(map[string]map[string]struct{}),
		listeners: NewListeners(),
	}
}

// Kind returns the entity's kind.
func (e *Entity) Kind() Kind { return e.kind }

// SetDefaultFailStrategy sets the behavior of Get when the cache is cold
// and the connection is unavailable.
func (e *Entity) SetDefaultFailStrategy(s FailStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultFailStrategy = s
}

// AddValueProcessor appends a processor to the chain run over every
// inbound value. Processors run in registration order; the first
// rejection short-circuits the rest for that key.
func (e *Entity) AddValueProcessor(p Processor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processors = append(e.processors, p)
}

// AddListener registers cb for (app, cluster) and returns a handle.
func (e *Entity) AddListener(app, cluster string, cb Callback) Handle {
	return e.listeners.Add(Key{AppID: app, Cluster: cluster}, cb)
}

// RemoveListener unregisters a specific callback.
func (e *Entity) RemoveListener(app, cluster string, h Handle) {
	e.listeners.Remove(Key{AppID: app, Cluster: cluster}, h)
}

// AddWatch adds cluster to the watch-set of app if absent. If timeout is
// non-zero and the watch-set changed, it blocks up to timeout for the next
// round-trip to complete, returning whether it did.
func (e *Entity) AddWatch(ctx context.Context, app, cluster string, timeout time.Duration) bool {
	e.mu.Lock()
	if e.watchSet[app] == nil {
		e.watchSet[app] = make(map[string]struct{})
	}
	_, present := e.watchSet[app][cluster]
	if !present {
		e.watchSet[app][cluster] = struct{}{}
	}
	e.mu.Unlock()

	if !present {
		e.loop.OnWatchListChanged(e.kind)
		if timeout > 0 {
			return e.loop.WaitForNextLoop(timeout)
		}
	}
	return true
}

// BatchAddWatch unions mappings (app -> clusters) into the watch-set with
// a single refresh notification, matching the "batch_add_watch" union
// semantics.
func (e *Entity) BatchAddWatch(mappings map[string][]string, timeout time.Duration) bool {
	added := false
	e.mu.Lock()
	for app, clusters := range mappings {
		if e.watchSet[app] == nil {
			e.watchSet[app] = make(map[string]struct{})
		}
		for _, cluster := range clusters {
			if _, ok := e.watchSet[app][cluster]; !ok {
				e.watchSet[app][cluster] = struct{}{}
				added = true
			}
		}
	}
	e.mu.Unlock()

	if added {
		e.loop.OnWatchListChanged(e.kind)
		if timeout > 0 {
			return e.loop.WaitForNextLoop(timeout)
		}
	}
	return true
}

// RemoveWatch removes (app, cluster) from the watch-set and clears its
// listeners.
func (e *Entity) RemoveWatch(app, cluster string, timeout time.Duration) bool {
	e.mu.Lock()
	removed := false
	if clusters, ok := e.watchSet[app]; ok {
		if _, ok := clusters[cluster]; ok {
			delete(clusters, cluster)
			removed = true
		}
	}
	e.mu.Unlock()

	if removed {
		e.listeners.Clear(Key{AppID: app, Cluster: cluster})
		if timeout > 0 {
			return e.loop.WaitForNextLoop(timeout)
		}
	}
	return true
}

// WatchSet returns the app -> clusters watch-set, in the shape the
// long-poll request body needs.
func (e *Entity) WatchSet() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]string, len(e.watchSet))
	for app, clusters := range e.watchSet {
		list := make([]string, 0, len(clusters))
		for c := range clusters {
			list = append(list, c)
		}
		out[app] = list
	}
	return out
}

func (e *Entity) isWatched(app, cluster string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	clusters, ok := e.watchSet[app]
	if !ok {
		return false
	}
	_, ok = clusters[cluster]
	return ok
}

// IsLoaded reports whether the backing store has completed its first
// successful read.
func (e *Entity) IsLoaded() bool { return e.store.IsLoaded() }

// Close releases the backing store's resources (its writer lock, for a
// file-backed *cache.Store), if the backing implementation supports it.
func (e *Entity) Close() {
	if c, ok := e.store.(interface{ Close() }); ok {
		c.Close()
	}
}

func (e *Entity) enterFailMode() {
	e.mu.Lock()
	e.failMode = true
	e.mu.Unlock()
	slog.Warn("entering fail mode: huskar connection unavailable", "kind", e.kind)
}

// testFailMode clears fail_mode if the loop has recovered, and returns the
// (possibly just-cleared) current fail_mode.
func (e *Entity) testFailMode() bool {
	e.mu.RLock()
	inFailMode := e.failMode
	e.mu.RUnlock()
	if inFailMode && e.loop.IsConnected() {
		e.mu.Lock()
		e.failMode = false
		e.mu.Unlock()
		slog.Info("leaving fail mode: huskar connection re-established", "kind", e.kind)
		return false
	}
	return inFailMode
}

// GetOptions configures a single Get call.
type GetOptions struct {
	// NoWait skips the initial wait-for-connection step.
	NoWait bool
	// Raises causes a cold, disconnected read to fail with
	// ErrStartupFailed instead of returning a nil value.
	Raises bool
}

// Get implements the read-path contract of spec.md §4.4: a healthy cache
// answers reads even through a total backend outage; only a cold start (no
// cache and no connection) is a mandatory failure.
func (e *Entity) Get(app, cluster, key string, opts GetOptions) (cache.Value, error) {
	if !opts.NoWait {
		e.mu.RLock()
		inFailMode := e.failMode
		e.mu.RUnlock()

		if !inFailMode && !e.loop.Wait(10*time.Second) {
			if !e.IsLoaded() && opts.Raises {
				return nil, ErrStartupFailed
			}
			e.enterFailMode()
		}
	}

	inFailMode := e.testFailMode()

	e.mu.RLock()
	strategy := e.defaultFailStrategy
	e.mu.RUnlock()

	if inFailMode && !e.IsLoaded() && strategy == FailRaise {
		return nil, ErrStartupFailed
	}

	if v, ok := e.store.Get(app, cluster, key); ok {
		return v, nil
	}

	if opts.Raises {
		return nil, ErrStartupFailed
	}
	if inFailMode {
		slog.Warn("key not found while in fail mode", "kind", e.kind, "app_id", app, "cluster", cluster, "key", key)
	}
	return nil, nil
}

// Exists reports membership, applying the same wait/fail-mode logic as Get
// (without the raise path — Exists never errors).
func (e *Entity) Exists(app, cluster, key string, nowait bool) bool {
	if !nowait {
		e.mu.RLock()
		inFailMode := e.failMode
		e.mu.RUnlock()
		if !inFailMode && !e.loop.Wait(10*time.Second) {
			e.enterFailMode()
		}
	}
	_, ok := e.store.Get(app, cluster, key)
	return ok
}

// Cluster returns every key currently cached for (app, cluster), the
// listing operation service discovery needs on top of the single-key Get
// every other facade uses. Applies the same wait/fail-mode handling as Get
// but never raises — an absent or unreachable cluster is simply empty.
func (e *Entity) Cluster(app, cluster string) map[string]cache.Value {
	e.mu.RLock()
	inFailMode := e.failMode
	e.mu.RUnlock()

	if !inFailMode && !e.loop.Wait(10*time.Second) {
		e.enterFailMode()
	}

	return e.store.Cluster(app, cluster)
}

// runProcessors passes value through the processor chain. ok is false if
// any processor rejected the value.
func (e *Entity) runProcessors(value cache.Value) (cache.Value, bool) {
	e.mu.RLock()
	chain := append([]Processor(nil), e.processors...)
	e.mu.RUnlock()

	for _, p := range chain {
		next, err := p(value)
		if err != nil {
			return nil, false
		}
		value = next
	}
	return value, true
}

// Update merges an inbound server message into local state, emitting
// Events for changed keys. If full is true, any watched (app, cluster)
// whose body is absent from values is drained entirely, and
// any key present locally but absent from the supplied body for a present
// (app, cluster) is synthetically deleted. If raw is true, the processor
// chain is skipped (used by the file-cache tail loop: the writer already
// applied processors before persisting).
func (e *Entity) Update(values map[string]map[string]map[string]cache.Value, full, raw bool) {
	for app, clusters := range values {
		for cluster, entities := range clusters {
			if !e.isWatched(app, cluster) {
				continue
			}

			for key, value := range entities {
				final := value
				if !raw {
					var ok bool
					final, ok = e.runProcessors(value)
					if !ok {
						continue
					}
				}
				old, existed := e.store.Get(app, cluster, key)
				if existed && valuesEqual(old, final) {
					continue
				}
				e.store.Set(app, cluster, key, final)
				e.listeners.Notify(Key{AppID: app, Cluster: cluster}, Event{
					Kind: EventUpdate, AppID: app, Cluster: cluster, Key: key, Value: final,
				})
			}
		}
	}

	if full {
		e.drainAbsent(values)
	}
}

// drainAbsent synthesizes DELETE events for every watched (app, cluster)
// whose keys are no longer present in a full snapshot body.
func (e *Entity) drainAbsent(values map[string]map[string]map[string]cache.Value) {
	for app, clusters := range e.watchSetSnapshot() {
		for cluster := range clusters {
			incoming := map[string]cache.Value{}
			if clusters, ok := values[app]; ok {
				if entities, ok := clusters[cluster]; ok {
					incoming = entities
				}
			}
			current := e.store.Cluster(app, cluster)
			for key, value := range current {
				if _, ok := incoming[key]; ok {
					continue
				}
				e.store.Delete(app, cluster, key)
				e.listeners.Notify(Key{AppID: app, Cluster: cluster}, Event{
					Kind: EventDelete, AppID: app, Cluster: cluster, Key: key, Value: value,
				})
			}
		}
	}
}

// watchSetSnapshot returns the watch-set as nested sets, for internal iteration.
func (e *Entity) watchSetSnapshot() map[string]map[string]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]map[string]struct{}, len(e.watchSet))
	for app, clusters := range e.watchSet {
		out[app] = make(map[string]struct{}, len(clusters))
		for c := range clusters {
			out[app][c] = struct{}{}
		}
	}
	return out
}

// Delete removes the listed keys from local state, emitting DELETE events.
func (e *Entity) Delete(values map[string]map[string]map[string]cache.Value) {
	for app, clusters := range values {
		for cluster, entities := range clusters {
			for key, value := range entities {
				if _, ok := e.store.Get(app, cluster, key); !ok {
					continue
				}
				e.store.Delete(app, cluster, key)
				e.listeners.Notify(Key{AppID: app, Cluster: cluster}, Event{
					Kind: EventDelete, AppID: app, Cluster: cluster, Key: key, Value: value,
				})
			}
		}
	}
}

// MigrateFrom deep-copies watch-set, listeners, and default fail strategy
// from a predecessor entity during an IOLoop replacement (spec.md §4.7).
func (e *Entity) MigrateFrom(prev *Entity) {
	prev.mu.RLock()
	watchSetCopy := make(map[string]map[string]struct{}, len(prev.watchSet))
	for app, clusters := range prev.watchSet {
		watchSetCopy[app] = make(map[string]struct{}, len(clusters))
		for c := range clusters {
			watchSetCopy[app][c] = struct{}{}
		}
	}
	strategy := prev.defaultFailStrategy
	prev.mu.RUnlock()

	e.mu.Lock()
	e.watchSet = watchSetCopy
	e.defaultFailStrategy = strategy
	e.mu.Unlock()

	e.listeners.MergeFrom(prev.listeners)
}

// valuesEqual reports whether a and b are the same WatchValue. cache.Value
// is an opaque JSON object (spec.md §3) — its "value" field may itself be a
// nested map or slice, neither of which Go lets you compare with `==`/`!=`
// without panicking. Marshal-and-compare sidesteps that the same way
// internal/cache.mapsEqual does, instead of risking a raw interface compare.
func valuesEqual(a, b cache.Value) bool {
	if len(a) != len(b) {
		return false
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
