package huskar

import (
	"context"
	"math/rand"

	"github.com/ocx/huskar/internal/watch"
)

// Switch is the overlay-read facade over the switch WatchEntity: feature
// flags expressed as a rollout percentage in [0, 100]. Grounded on
// huskar_sdk_v2's bootstrap/components/switch.py.
type Switch struct {
	entity   func() *watch.Entity
	app      string
	watchers *watchGroup
}

func newSwitch(entity func() *watch.Entity, app string) *Switch {
	return &Switch{entity: entity, app: app, watchers: newWatchGroup()}
}

// IsSwitchedOn reports whether this call falls inside name's configured
// rollout percentage, consulting defaultPercent when the switch is absent
// from both the caller's cluster and the overall cluster, or when the value
// found is not numeric. 0 and
// 100 are always exact per spec.md's switch float-precision decision
// (see DESIGN.md) — only a percentage strictly between the two consults
// the random sample.
func (s *Switch) IsSwitchedOn(ctx context.Context, cluster, name string, defaultPercent float64) bool {
	entity := s.entity()
	mountOverlay(ctx, entity, s.app, cluster)

	v, ok := overlayGet(entity, s.app, cluster, name)
	value := defaultPercent
	if ok {
		if f, ok := unwrapFloat(v); ok {
			value = f
		}
	}

	switch {
	case value <= 0:
		return false
	case value >= 100:
		return true
	default:
		return rand.Float64()*100 <= value
	}
}

// Watch registers cb to be re-evaluated — via IsSwitchedOn, so it
// consults a fresh random sample for fractional rollouts — every time an
// update or delete on the caller's cluster or the overall cluster could
// have changed name's resolved rollout percentage. See Config.Watch for
// the notify(key, latest_from_get) rationale.
func (s *Switch) Watch(ctx context.Context, cluster, name string, defaultPercent float64, cb func(on bool)) ListenHandle {
	entity := s.entity()
	mountOverlay(ctx, entity, s.app, cluster)
	resolve := func() { cb(s.IsSwitchedOn(ctx, cluster, name, defaultPercent)) }
	return s.watchers.add(entity, s.app, cluster, name, resolve)
}

// Unwatch cancels a registration returned by Watch.
func (s *Switch) Unwatch(cluster, name string, h ListenHandle) {
	s.watchers.remove(cluster, name, h)
}
