package huskar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoop struct{ connected bool }

func (f *fakeLoop) OnWatchListChanged(kind watch.Kind)         {}
func (f *fakeLoop) Wait(timeout time.Duration) bool            { return f.connected }
func (f *fakeLoop) IsConnected() bool                          { return f.connected }
func (f *fakeLoop) WaitForNextLoop(timeout time.Duration) bool { return true }

func newTestEntity(t *testing.T, kind watch.Kind) *watch.Entity {
	t.Helper()
	store, err := cache.NewStore("")
	require.NoError(t, err)
	return watch.NewEntity(kind, &fakeLoop{connected: true}, store)
}

func seed(e *watch.Entity, app, cluster, key string, value interface{}) {
	e.AddWatch(context.Background(), app, cluster, 0)
	e.Update(map[string]map[string]map[string]cache.Value{
		app: {cluster: {key: cache.Value{"value": value}}},
	}, false, false)
}

func TestConfigGetPrefersOwnClusterOverOverall(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	seed(entity, "A", "overall", "K", "from-overall")
	seed(entity, "A", "altA", "K", "from-own-cluster")

	cfg := newConfig(func() *watch.Entity { return entity }, "A")
	assert.Equal(t, "from-own-cluster", cfg.Get(context.Background(), "altA", "K", "default"))
}

func TestConfigGetFallsBackToOverallWhenOwnClusterAbsent(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	seed(entity, "A", "overall", "K", "from-overall")

	cfg := newConfig(func() *watch.Entity { return entity }, "A")
	assert.Equal(t, "from-overall", cfg.Get(context.Background(), "altA", "K", "default"))
}

func TestConfigGetReturnsDefaultWhenKeyAbsentEverywhere(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	cfg := newConfig(func() *watch.Entity { return entity }, "A")
	assert.Equal(t, "default", cfg.Get(context.Background(), "altA", "K", "default"))
}

func TestSwitchIsSwitchedOnExactAtZeroAndHundred(t *testing.T) {
	entity := newTestEntity(t, watch.KindSwitch)
	seed(entity, "A", "altA", "off", "0")
	seed(entity, "A", "altA", "on", "100")

	sw := newSwitch(func() *watch.Entity { return entity }, "A")
	assert.False(t, sw.IsSwitchedOn(context.Background(), "altA", "off", 50))
	assert.True(t, sw.IsSwitchedOn(context.Background(), "altA", "on", 50))
}

func TestSwitchIsSwitchedOnUsesDefaultWhenAbsent(t *testing.T) {
	entity := newTestEntity(t, watch.KindSwitch)
	sw := newSwitch(func() *watch.Entity { return entity }, "A")

	assert.False(t, sw.IsSwitchedOn(context.Background(), "altA", "missing", 0))
	assert.True(t, sw.IsSwitchedOn(context.Background(), "altA", "missing", 100))
}

func TestSwitchIsSwitchedOnFractionalRateWithinTolerance(t *testing.T) {
	entity := newTestEntity(t, watch.KindSwitch)
	seed(entity, "A", "altA", "half", "50")
	sw := newSwitch(func() *watch.Entity { return entity }, "A")

	const trials = 20000
	on := 0
	for i := 0; i < trials; i++ {
		if sw.IsSwitchedOn(context.Background(), "altA", "half", 0) {
			on++
		}
	}
	ratio := float64(on) / float64(trials)
	assert.InDelta(t, 0.5, ratio, 0.03)
}

func TestServiceConsumerListDecodesPayloadsAndFiltersBroken(t *testing.T) {
	entity := newTestEntity(t, watch.KindService)
	seed(entity, "svc", "altA", "10.0.0.1_8080", `{"ip":"10.0.0.1","port":{"main":8080},"state":"up"}`)
	seed(entity, "svc", "altA", "broken", `not-json`)

	consumer := newServiceConsumer(func() *watch.Entity { return entity }, "svc")
	instances := consumer.List(context.Background(), "altA")

	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1_8080", instances[0].Fingerprint)
	assert.Equal(t, "up", instances[0].Payload["state"])
}

func TestServiceConsumerListFallsBackToOverallWhenOwnClusterEmpty(t *testing.T) {
	entity := newTestEntity(t, watch.KindService)
	seed(entity, "svc", "overall", "10.0.0.1_8080", `{"ip":"10.0.0.1","port":{"main":8080},"state":"up"}`)

	consumer := newServiceConsumer(func() *watch.Entity { return entity }, "svc")
	instances := consumer.List(context.Background(), "altA")

	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1_8080", instances[0].Fingerprint)
}

func TestServiceDescriptorFingerprintFallsBackToIPPort(t *testing.T) {
	t.Setenv("MESOS_TASK_ID", "")
	d := ServiceDescriptor{IP: "10.0.0.1", Ports: map[string]int{"main": 8080}, State: ServiceUp}
	assert.Equal(t, "10.0.0.1_8080", d.Fingerprint())
}

func TestServiceDescriptorFingerprintPrefersMesosTaskID(t *testing.T) {
	t.Setenv("MESOS_TASK_ID", "task-123")
	d := ServiceDescriptor{IP: "10.0.0.1", Ports: map[string]int{"main": 8080}, State: ServiceUp}
	assert.Equal(t, "task-123", d.Fingerprint())
}

func TestServiceDescriptorValidateRequiresMainPort(t *testing.T) {
	d := ServiceDescriptor{IP: "10.0.0.1", Ports: map[string]int{}, State: ServiceUp}
	assert.Error(t, d.validate())
}

// TestConfigWatchFiresOnceOnUpdate is spec.md §8 scenario S1: a listener
// registered on a key is called once with the new value after an update.
func TestConfigWatchFiresOnceOnUpdate(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	seed(entity, "A", "altA", "K", "v1")

	cfg := newConfig(func() *watch.Entity { return entity }, "A")

	var mu sync.Mutex
	var seen []string
	cfg.Watch(context.Background(), "altA", "K", "default", func(v string) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	entity.Update(map[string]map[string]map[string]cache.Value{
		"A": {"altA": {"K": cache.Value{"value": "v2"}}},
	}, false, false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "v2", seen[0])
}

// TestConfigWatchFallsBackToOverallOnOwnClusterDelete is spec.md §8
// scenario S3: deleting a key from the caller's own cluster fires the
// listener once with the overall-cluster fallback value, not a stale or
// nil value.
func TestConfigWatchFallsBackToOverallOnOwnClusterDelete(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	seed(entity, "A", "overall", "K", "global")
	seed(entity, "A", "cluster1", "K", "local")

	cfg := newConfig(func() *watch.Entity { return entity }, "A")
	require.Equal(t, "local", cfg.Get(context.Background(), "cluster1", "K", "default"))

	var mu sync.Mutex
	var seen []string
	cfg.Watch(context.Background(), "cluster1", "K", "default", func(v string) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})

	entity.Delete(map[string]map[string]map[string]cache.Value{
		"A": {"cluster1": {"K": nil}},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "global", seen[0])
	assert.Equal(t, "global", cfg.Get(context.Background(), "cluster1", "K", "default"))
}

// TestServiceConsumerWatchTriggerDeliversInitialListSynchronously covers
// spec.md §9's get_service_list_change_signal open question: registering
// with trigger=true calls back immediately with the current list, in
// addition to firing on every subsequent change.
func TestServiceConsumerWatchTriggerDeliversInitialListSynchronously(t *testing.T) {
	entity := newTestEntity(t, watch.KindService)
	seed(entity, "svc", "altA", "10.0.0.1_8080", `{"ip":"10.0.0.1","port":{"main":8080},"state":"up"}`)

	consumer := newServiceConsumer(func() *watch.Entity { return entity }, "svc")

	var mu sync.Mutex
	var calls int
	consumer.Watch(context.Background(), "altA", true, func(instances []Instance) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()

	entity.Update(map[string]map[string]map[string]cache.Value{
		"svc": {"altA": {"10.0.0.2_8080": cache.Value{"value": `{"ip":"10.0.0.2","port":{"main":8080},"state":"up"}`}}},
	}, false, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

// TestServiceConsumerWatchWithoutTriggerOnlyFiresOnChange confirms
// trigger=false registers the listener without an immediate call.
func TestServiceConsumerWatchWithoutTriggerOnlyFiresOnChange(t *testing.T) {
	entity := newTestEntity(t, watch.KindService)
	consumer := newServiceConsumer(func() *watch.Entity { return entity }, "svc")

	var mu sync.Mutex
	var calls int
	consumer.Watch(context.Background(), "altA", false, func(instances []Instance) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()

	entity.Update(map[string]map[string]map[string]cache.Value{
		"svc": {"altA": {"10.0.0.1_8080": cache.Value{"value": `{"ip":"10.0.0.1","port":{"main":8080},"state":"up"}`}}},
	}, false, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestConfigUnwatchStopsFurtherCallbacks confirms a cancelled registration
// does not fire on subsequent updates.
func TestConfigUnwatchStopsFurtherCallbacks(t *testing.T) {
	entity := newTestEntity(t, watch.KindConfig)
	seed(entity, "A", "altA", "K", "v1")
	cfg := newConfig(func() *watch.Entity { return entity }, "A")

	var mu sync.Mutex
	calls := 0
	h := cfg.Watch(context.Background(), "altA", "K", "default", func(v string) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	cfg.Unwatch("altA", "K", h)

	entity.Update(map[string]map[string]map[string]cache.Value{
		"A": {"altA": {"K": cache.Value{"value": "v2"}}},
	}, false, false)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}
