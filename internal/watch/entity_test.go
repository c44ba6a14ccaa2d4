package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoop struct {
	connected bool
	changed   []Kind
}

func (f *fakeLoop) OnWatchListChanged(kind Kind) { f.changed = append(f.changed, kind) }
func (f *fakeLoop) Wait(timeout time.Duration) bool { return f.connected }
func (f *fakeLoop) IsConnected() bool               { return f.connected }
func (f *fakeLoop) WaitForNextLoop(timeout time.Duration) bool { return true }

func newMemEntity(t *testing.T, loop Loop) *Entity {
	store, err := cache.NewStore("")
	require.NoError(t, err)
	return NewEntity(KindConfig, loop, store)
}

func TestAddWatchNotifiesOnce(t *testing.T) {
	loop := &fakeLoop{connected: true}
	e := newMemEntity(t, loop)

	e.AddWatch(context.Background(), "A", "overall", 0)
	e.AddWatch(context.Background(), "A", "overall", 0) // already present: no second notify

	assert.Equal(t, []Kind{KindConfig}, loop.changed)
	assert.Equal(t, map[string][]string{"A": {"overall"}}, e.WatchSet())
}

func TestFullSnapshotDrainsAbsentKeys(t *testing.T) {
	loop := &fakeLoop{connected: true}
	e := newMemEntity(t, loop)
	e.AddWatch(context.Background(), "A", "overall", 0)

	var mu sync.Mutex
	var events []Event
	e.AddListener("A", "overall", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	e.Update(body("A", "overall", map[string]cache.Value{
		"K1": {"value": "v1"},
		"K2": {"value": "v2"},
	}), false, false)

	e.Update(body("A", "overall", map[string]cache.Value{
		"K1": {"value": "v1"}, // K2 absent -> synthesized delete
	}), true, false)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventUpdate, events[0].Kind)
	assert.Equal(t, EventUpdate, events[1].Kind)
	assert.Equal(t, EventDelete, events[2].Kind)
	assert.Equal(t, "K2", events[2].Key)

	v, err := e.Get("A", "overall", "K2", GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestListenerPanicDoesNotSuppressOthers(t *testing.T) {
	loop := &fakeLoop{connected: true}
	e := newMemEntity(t, loop)
	e.AddWatch(context.Background(), "A", "overall", 0)

	called := 0
	e.AddListener("A", "overall", func(ev Event) { panic("boom") })
	e.AddListener("A", "overall", func(ev Event) { called++ })

	e.Update(body("A", "overall", map[string]cache.Value{"K": {"value": "v"}}), false, false)
	assert.Equal(t, 1, called)
}

func TestGetRaisesStartupFailedWhenCold(t *testing.T) {
	loop := &fakeLoop{connected: false}
	e := newMemEntity(t, loop)

	_, err := e.Get("A", "overall", "K", GetOptions{Raises: true})
	assert.ErrorIs(t, err, ErrStartupFailed)
}

func TestGetReturnsCachedValueWhenDisconnected(t *testing.T) {
	loop := &fakeLoop{connected: true}
	e := newMemEntity(t, loop)
	e.AddWatch(context.Background(), "A", "overall", 0)
	e.Update(body("A", "overall", map[string]cache.Value{"K": {"value": "v1"}}), false, false)

	loop.connected = false
	v, err := e.Get("A", "overall", "K", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", v["value"])
}

func TestProcessorRejectionDropsKey(t *testing.T) {
	loop := &fakeLoop{connected: true}
	e := newMemEntity(t, loop)
	e.AddWatch(context.Background(), "A", "overall", 0)
	e.AddValueProcessor(func(v cache.Value) (cache.Value, error) {
		if v["value"] == "bad" {
			return nil, ErrProcessorRejected
		}
		return v, nil
	})

	e.Update(body("A", "overall", map[string]cache.Value{
		"good": {"value": "ok"},
		"bad":  {"value": "bad"},
	}), false, false)

	assert.True(t, e.Exists("A", "overall", "good", true))
	assert.False(t, e.Exists("A", "overall", "bad", true))
}

func body(app, cluster string, entities map[string]cache.Value) map[string]map[string]map[string]cache.Value {
	return map[string]map[string]map[string]cache.Value{
		app: {cluster: entities},
	}
}
