package huskar

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/watch"
)

// watchTimeout bounds how long mountOverlay's AddWatch calls wait for the
// backing IOLoop to complete its next round after a watch is added. It is
// shorter than the 10s connection wait watch.Entity.Get falls back to.
const watchTimeout = 5 * time.Second

// mountOverlay registers the caller's watch on both its own cluster and
// the reserved watch.OverallCluster, the facade-layer half of spec.md's
// "local cluster shadows overall" contract (the backend-agnostic half
// lives in watch.Entity itself).
func mountOverlay(ctx context.Context, entity *watch.Entity, app, cluster string) {
	entity.AddWatch(ctx, app, cluster, watchTimeout)
	if cluster != watch.OverallCluster {
		entity.AddWatch(ctx, app, watch.OverallCluster, watchTimeout)
	}
}

// overlayGet resolves key by preferring the caller's own cluster and
// falling back to watch.OverallCluster, returning ok=false only when
// neither layer has the key.
func overlayGet(entity *watch.Entity, app, cluster, key string) (cache.Value, bool) {
	if v, err := entity.Get(app, cluster, key, watch.GetOptions{}); err == nil && v != nil {
		return v, true
	}
	if cluster != watch.OverallCluster {
		if v, err := entity.Get(app, watch.OverallCluster, key, watch.GetOptions{}); err == nil && v != nil {
			return v, true
		}
	}
	return nil, false
}

// unwrapString extracts the wire-level "value" field of a cache.Value as
// a string, coercing non-string scalars. The wire protocol's value objects
// are opaque to internal/cache and internal/watch; unwrapping them is a
// facade concern per spec.md §6.
func unwrapString(v cache.Value) (string, bool) {
	raw, ok := v["value"]
	if !ok {
		return "", false
	}
	if s, ok := raw.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", raw), true
}

// unwrapFloat extracts the "value" field as a float64, accepting both a
// JSON number and a numeric string (tree-watch encodes switch percentages
// as numeric strings; long-poll may deliver either).
func unwrapFloat(v cache.Value) (float64, bool) {
	raw, ok := v["value"]
	if !ok {
		return 0, false
	}
	switch t := raw.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
