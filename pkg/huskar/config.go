package huskar

import (
	"context"

	"github.com/ocx/huskar/internal/watch"
)

// Config is the overlay-read facade over configuration keys: it mounts
// both the caller's own cluster and the reserved "overall" cluster on
// first use and resolves Get by preferring the former. Grounded on
// huskar_sdk_v2's bootstrap/components/config.py Config component.
type Config struct {
	entity   func() *watch.Entity
	app      string
	watchers *watchGroup
}

func newConfig(entity func() *watch.Entity, app string) *Config {
	return &Config{entity: entity, app: app, watchers: newWatchGroup()}
}

// Get returns the configured value for key in cluster, or def if the key
// is absent from both the caller's cluster and the overall cluster.
func (c *Config) Get(ctx context.Context, cluster, key, def string) string {
	entity := c.entity()
	mountOverlay(ctx, entity, c.app, cluster)

	v, ok := overlayGet(entity, c.app, cluster, key)
	if !ok {
		return def
	}
	s, ok := unwrapString(v)
	if !ok {
		return def
	}
	return s
}

// Exists reports whether key is present in either the caller's cluster or
// the overall cluster, without waiting on a cold connection.
func (c *Config) Exists(cluster, key string) bool {
	entity := c.entity()
	if entity.Exists(c.app, cluster, key, true) {
		return true
	}
	return cluster != watch.OverallCluster && entity.Exists(c.app, watch.OverallCluster, key, true)
}

// Watch registers cb to be called with key's current overlay-resolved
// value every time an update or delete on either the caller's cluster or
// the overall cluster could have changed it — including a deletion from
// the caller's own cluster, which re-resolves to the overall cluster's
// value (or def, if neither layer has it) rather than the stale value
// that was just removed. This implements spec.md §4.8's notify(key,
// latest_from_get): cb never receives a raw event's value directly, only
// a fresh Get.
func (c *Config) Watch(ctx context.Context, cluster, key, def string, cb func(value string)) ListenHandle {
	entity := c.entity()
	mountOverlay(ctx, entity, c.app, cluster)
	resolve := func() { cb(c.Get(ctx, cluster, key, def)) }
	return c.watchers.add(entity, c.app, cluster, key, resolve)
}

// Unwatch cancels a registration returned by Watch.
func (c *Config) Unwatch(cluster, key string, h ListenHandle) {
	c.watchers.remove(cluster, key, h)
}
