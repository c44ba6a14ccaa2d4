package huskar

import (
	"sync"

	"github.com/ocx/huskar/internal/watch"
)

// ListenHandle identifies a facade-level Watch registration for later
// Unwatch, distinct from watch.Handle: a single facade Watch call may sit
// behind up to two raw entity listeners (own cluster and overall), and
// ListenHandle lets the caller drop just its own callback without
// disturbing any other key or callback sharing that mount.
type ListenHandle uint64

// watchGroup is the facade-layer half of spec.md §4.8's notify(key,
// latest_from_get) contract: it mounts at most one raw watch.Entity
// listener per (own cluster, overall cluster) pair — AddListener is not
// idempotent, so a second Watch call for a different key in an
// already-mounted cluster must reuse the existing raw listener rather than
// registering a duplicate — and fans out to every registered facade
// callback by re-running the caller-supplied resolver instead of trusting
// whatever value the triggering watch.Event carried. This mirrors
// huskar_sdk_v2's Watchable.notify_watchers(name, getter), which re-
// acquires the value through a getter callback at notify time rather than
// passing through the value pushed by kazoo.
type watchGroup struct {
	mu      sync.Mutex
	nextID  ListenHandle
	mounted map[string]bool // own cluster -> raw listener(s) already mounted
	byKey   map[string]map[string]map[ListenHandle]func()
}

func newWatchGroup() *watchGroup {
	return &watchGroup{
		mounted: make(map[string]bool),
		byKey:   make(map[string]map[string]map[ListenHandle]func()),
	}
}

// add registers resolve to run whenever (app, cluster) or (app,
// watch.OverallCluster) reports a change relevant to key ("" means any key
// in cluster — used by ServiceConsumer, which watches a whole cluster
// rather than a single key). resolve is expected to re-fetch the current
// overlay-resolved value itself; add never passes a raw Event's value
// through.
func (g *watchGroup) add(entity *watch.Entity, app, cluster, key string, resolve func()) ListenHandle {
	g.mu.Lock()
	if g.byKey[cluster] == nil {
		g.byKey[cluster] = make(map[string]map[ListenHandle]func())
	}
	if g.byKey[cluster][key] == nil {
		g.byKey[cluster][key] = make(map[ListenHandle]func())
	}
	g.nextID++
	id := g.nextID
	g.byKey[cluster][key][id] = resolve
	needMount := !g.mounted[cluster]
	g.mounted[cluster] = true
	g.mu.Unlock()

	if needMount {
		dispatch := func(ev watch.Event) { g.dispatch(cluster, ev.Key) }
		entity.AddListener(app, cluster, dispatch)
		if cluster != watch.OverallCluster {
			entity.AddListener(app, watch.OverallCluster, dispatch)
		}
	}
	return id
}

// dispatch re-runs every resolver registered for (cluster, key) plus every
// cluster-wide ("") resolver, regardless of which raw cluster the
// triggering event actually came from — a change to the overall cluster
// can just as well flip what the caller's own cluster resolves to.
func (g *watchGroup) dispatch(cluster, key string) {
	g.mu.Lock()
	var fns []func()
	if byKey, ok := g.byKey[cluster]; ok {
		for _, fn := range byKey[key] {
			fns = append(fns, fn)
		}
		if key != "" {
			for _, fn := range byKey[""] {
				fns = append(fns, fn)
			}
		}
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// remove drops a single registration. The raw entity listener(s) mounted
// for cluster stay in place — they are shared by every key watched in that
// cluster and harmlessly dispatch to nothing once byKey is empty.
func (g *watchGroup) remove(cluster, key string, h ListenHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if byKey, ok := g.byKey[cluster]; ok {
		delete(byKey[key], h)
	}
}
