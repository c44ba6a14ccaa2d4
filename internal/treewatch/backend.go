package treewatch

import (
	"strings"
	"sync"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/pathenc"
	"github.com/ocx/huskar/internal/syncutil"
	"github.com/ocx/huskar/internal/watch"
)

// Config configures a Backend.
type Config struct {
	URL           string        // ws:// or wss:// tree-watch endpoint
	BasePath      string        // default "/huskar"
	Cluster       string        // this process's home cluster, for service registration
	RetryTimes    int           // default 3, for Create
	RetryInterval time.Duration // default 2s, for Create
}

// Backend is the Tree-Watch Backend's implementation of the observation
// contract: it owns the same three WatchEntity stores the HTTP backends do,
// fed by BaseClient children/data watches instead of long-poll frames.
type Backend struct {
	cfg    Config
	client *BaseClient

	configs  *watch.Entity
	switches *watch.Entity
	services *watch.Entity

	mu                sync.Mutex
	running           bool
	connectedOnce     *syncutil.Flag
	nextLoopCompleted *syncutil.Flag

	bridges map[string]*clusterBridge // "kind|app|cluster" -> bridge
}

// clusterBridge tracks which pathenc-encoded child keys are currently
// data-watched under one (kind, app, cluster) directory, so a children
// watch firing again only adds/removes the delta.
type clusterBridge struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewBackend constructs a Backend and its three WatchEntity stores. Store
// is memory-only (path "") since the tree-watch backend is always
// connected to a live session or explicitly in fail mode — it has no
// multi-process peer file-cache story of its own.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.BasePath == "" {
		cfg.BasePath = "/huskar"
	}
	if cfg.RetryTimes <= 0 {
		cfg.RetryTimes = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}

	configStore, err := cache.NewStore("")
	if err != nil {
		return nil, err
	}
	switchStore, err := cache.NewStore("")
	if err != nil {
		return nil, err
	}
	serviceStore, err := cache.NewStore("")
	if err != nil {
		return nil, err
	}

	b := &Backend{
		cfg:               cfg,
		client:            NewBaseClient(cfg.URL),
		connectedOnce:     syncutil.NewFlag(),
		nextLoopCompleted: syncutil.NewFlag(),
		bridges:           make(map[string]*clusterBridge),
	}
	b.configs = watch.NewEntity(watch.KindConfig, b, configStore)
	b.switches = watch.NewEntity(watch.KindSwitch, b, switchStore)
	b.services = watch.NewEntity(watch.KindService, b, serviceStore)

	b.client.OnStateChange(func(s State) {
		if s == StateConnected {
			b.connectedOnce.Set()
			b.nextLoopCompleted.Set()
			b.resyncAllWatchSets()
		}
	})

	return b, nil
}

func (b *Backend) Configs() *watch.Entity  { return b.configs }
func (b *Backend) Switches() *watch.Entity { return b.switches }
func (b *Backend) Services() *watch.Entity { return b.services }

// --- watch.Loop interface -------------------------------------------------

// OnWatchListChanged ensures every (app, cluster) pair now in that kind's
// watch-set has a live directory bridge.
func (b *Backend) OnWatchListChanged(kind watch.Kind) {
	b.resyncWatchSet(kind)
}

func (b *Backend) Wait(timeout time.Duration) bool {
	if b.connectedOnce.IsSet() {
		return true
	}
	return b.connectedOnce.Wait(timeout)
}

func (b *Backend) IsConnected() bool { return b.client.State() == StateConnected }

// WaitForNextLoop has no literal round-trip notion for a push-based
// children watch; a connected session always satisfies it, matching the
// base IOLoop contract treewatch never overrides.
func (b *Backend) WaitForNextLoop(timeout time.Duration) bool {
	return b.nextLoopCompleted.Wait(timeout)
}

// --- lifecycle -------------------------------------------------------------

func (b *Backend) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Backend) Run() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()
	b.client.Start()
}

func (b *Backend) Stop(timeout time.Duration, closeComponents bool) bool {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.client.Stop(timeout)
	if closeComponents {
		b.configs.Close()
		b.switches.Close()
		b.services.Close()
	}
	return true
}

// --- watch-set bridging ---------------------------------------------------

func (b *Backend) resyncAllWatchSets() {
	b.resyncWatchSet(watch.KindConfig)
	b.resyncWatchSet(watch.KindSwitch)
	b.resyncWatchSet(watch.KindService)
}

// resyncWatchSet mirrors the entity's current watch-set directly: mounting
// the reserved overall cluster alongside the caller's cluster is the
// facade's job (pkg/huskar adds an explicit AddWatch(app, "overall") watch
// the same way huskar_sdk_v2's Config._provision calls watch_path twice),
// not something this backend synthesizes on its own — Entity.Update
// silently drops updates for an (app, cluster) pair that was never
// actually added to the watch-set.
func (b *Backend) resyncWatchSet(kind watch.Kind) {
	entity := b.entityByKind(kind)
	for app, clusters := range entity.WatchSet() {
		for _, cluster := range clusters {
			b.ensureClusterBridge(kind, entity, app, cluster)
		}
	}
}

func (b *Backend) entityByKind(kind watch.Kind) *watch.Entity {
	switch kind {
	case watch.KindConfig:
		return b.configs
	case watch.KindSwitch:
		return b.switches
	case watch.KindService:
		return b.services
	default:
		return nil
	}
}

func (b *Backend) ensureClusterBridge(kind watch.Kind, entity *watch.Entity, app, cluster string) {
	bridgeKey := string(kind) + "|" + app + "|" + cluster
	b.mu.Lock()
	_, exists := b.bridges[bridgeKey]
	if !exists {
		b.bridges[bridgeKey] = &clusterBridge{keys: make(map[string]struct{})}
	}
	bridge := b.bridges[bridgeKey]
	b.mu.Unlock()
	if exists {
		return
	}

	dirPath := b.dirPath(kind, app, cluster)
	_ = b.client.EnsurePath(dirPath)
	b.client.WatchPath(dirPath, func(children []string) {
		b.onChildrenChanged(entity, bridge, dirPath, app, cluster, children)
	})
}

func (b *Backend) dirPath(kind watch.Kind, app, cluster string) string {
	return strings.Join([]string{b.cfg.BasePath, string(kind), app, cluster}, "/")
}

// onChildrenChanged implements _register_config/_register_switch: watch
// every newly-seen child key and unwatch (and drop from local state) every
// key no longer present, driving the same WatchEntity Update/Delete path
// the HTTP backends use.
func (b *Backend) onChildrenChanged(entity *watch.Entity, bridge *clusterBridge, dirPath, app, cluster string, children []string) {
	seen := make(map[string]struct{}, len(children))
	for _, encodedKey := range children {
		seen[encodedKey] = struct{}{}
		keyPath := dirPath + "/" + encodedKey

		bridge.mu.Lock()
		_, already := bridge.keys[encodedKey]
		if !already {
			bridge.keys[encodedKey] = struct{}{}
		}
		bridge.mu.Unlock()
		if already {
			continue
		}

		decodedKey := pathenc.Decode(encodedKey)
		b.client.WatchKey(keyPath, func(value []byte, meta Meta) {
			b.onKeyChanged(entity, bridge, app, cluster, encodedKey, decodedKey, value, meta)
		})
	}

	bridge.mu.Lock()
	var removed []string
	for encodedKey := range bridge.keys {
		if _, ok := seen[encodedKey]; !ok {
			removed = append(removed, encodedKey)
		}
	}
	for _, encodedKey := range removed {
		delete(bridge.keys, encodedKey)
	}
	bridge.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	// entity.Delete notifies with a nil value here, same as
	// huskar_sdk_v2's Component.delete — the overlay fallback value
	// (spec.md §4.8's notify(key, latest_from_get)) isn't resolved at
	// this raw layer. pkg/huskar's facade-level Watch re-runs Get/List
	// against the entity on every such event instead of trusting this
	// value, so the caller still observes the correct fallback.
	del := map[string]map[string]map[string]cache.Value{app: {cluster: {}}}
	for _, encodedKey := range removed {
		b.client.UnwatchKey(dirPath + "/" + encodedKey)
		del[app][cluster][pathenc.Decode(encodedKey)] = nil
	}
	entity.Delete(del)
}

// onKeyChanged handles a single data-watch callback: a live update updates
// the WatchEntity; a deletion removes the key and stops watching it,
// mirroring huskar_sdk_v2's _trigger_config/_trigger_switch.
func (b *Backend) onKeyChanged(entity *watch.Entity, bridge *clusterBridge, app, cluster, encodedKey, decodedKey string, value []byte, meta Meta) {
	if meta.IsDeleted {
		bridge.mu.Lock()
		delete(bridge.keys, encodedKey)
		bridge.mu.Unlock()
		// See the comment in onChildrenChanged: the nil value notified
		// here is overlay-resolved one layer up, by pkg/huskar's facade
		// listeners, not here.
		entity.Delete(map[string]map[string]map[string]cache.Value{
			app: {cluster: {decodedKey: nil}},
		})
		return
	}
	entity.Update(map[string]map[string]map[string]cache.Value{
		app: {cluster: {decodedKey: cache.Value{"value": string(value)}}},
	}, false, false)
}

// Create registers a node (typically an ephemeral service instance) via
// the underlying session, retrying per Config.
func (b *Backend) Create(path string, value []byte, ephemeral, makepath bool) error {
	return b.client.Create(path, value, ephemeral, makepath, b.cfg.RetryTimes, b.cfg.RetryInterval)
}

// ServicePath returns the path of the ephemeral node a service instance
// with fingerprint under (service, cluster) would register, for callers
// building C8-backed service registration on top of this backend.
func (b *Backend) ServicePath(service, cluster, fingerprint string) string {
	return strings.Join([]string{b.cfg.BasePath, "service", service, cluster, pathenc.Encode(fingerprint)}, "/")
}
