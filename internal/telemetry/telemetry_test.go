package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/watch"
)

type fakeLoop struct{}

func (fakeLoop) OnWatchListChanged(watch.Kind)      {}
func (fakeLoop) Wait(time.Duration) bool            { return true }
func (fakeLoop) IsConnected() bool                  { return true }
func (fakeLoop) WaitForNextLoop(time.Duration) bool { return true }

type fakeBackend struct {
	configs, switches, services *watch.Entity
	connected, running          bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	store, err := cache.NewStore("")
	require.NoError(t, err)
	loop := fakeLoop{}
	return &fakeBackend{
		configs:  watch.NewEntity(watch.KindConfig, loop, store),
		switches: watch.NewEntity(watch.KindSwitch, loop, store),
		services: watch.NewEntity(watch.KindService, loop, store),
	}
}

func (b *fakeBackend) Configs() *watch.Entity  { return b.configs }
func (b *fakeBackend) Switches() *watch.Entity { return b.switches }
func (b *fakeBackend) Services() *watch.Entity { return b.services }
func (b *fakeBackend) IsConnected() bool       { return b.connected }
func (b *fakeBackend) IsRunning() bool         { return b.running }

func TestCollectorRecordPollingErrorIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	hook := c.RecordPollingError("longpoll")
	hook(errors.New("boom"))
	hook(errors.New("boom again"))

	assert.Equal(t, float64(2), testutil.ToFloat64(c.pollingErrors.WithLabelValues("longpoll")))
}

func TestCollectorRecordPromotionIncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPromotion()
	c.RecordPromotion()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.promotions))
}

func TestPollerSamplesBackendIntoGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	b := newFakeBackend(t)
	b.connected = true
	b.running = true
	require.True(t, b.Configs().AddWatch(context.Background(), "app", "overall", 0))

	p := NewPoller(c, 20*time.Millisecond, func() Observable { return b })
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(c.watchSetSize.WithLabelValues(string(watch.KindConfig))) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordPromotion()

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
