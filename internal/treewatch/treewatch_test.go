package treewatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/huskar/internal/watch"
)

// fakeServer is a scriptable tree-watch server: handle decides how to react
// to each inbound clientFrame, writing zero or more serverFrames back.
type fakeServer struct {
	upgrader websocket.Upgrader
	handle   func(conn *websocket.Conn, f clientFrame)
}

func newFakeServer(handle func(conn *websocket.Conn, f clientFrame)) *fakeServer {
	return &fakeServer{handle: handle}
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		s.handle(conn, f)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sendFrame(t *testing.T, conn *websocket.Conn, f serverFrame) {
	t.Helper()
	b, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func TestBaseClientDeliversDataWatchValue(t *testing.T) {
	srv := httptest.NewServer(newFakeServer(func(conn *websocket.Conn, f clientFrame) {
		if f.Op == "watch_key" {
			sendFrame(t, conn, serverFrame{Event: "data", Path: f.Path, Value: "v1", Version: 1})
		}
	}))
	defer srv.Close()

	c := NewBaseClient(wsURL(srv))
	c.Start()
	defer c.Stop(time.Second)

	got := make(chan string, 1)
	c.WatchKey("/huskar/config/app/overall/K", func(value []byte, meta Meta) {
		if !meta.IsDeleted {
			got <- string(value)
		}
	})

	select {
	case v := <-got:
		assert.Equal(t, "v1", v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data watch callback")
	}
}

func TestBaseClientReconnectsAndResubscribes(t *testing.T) {
	var watchCount int32

	srv := httptest.NewServer(newFakeServer(func(conn *websocket.Conn, f clientFrame) {
		if f.Op == "watch_key" {
			atomic.AddInt32(&watchCount, 1)
			sendFrame(t, conn, serverFrame{Event: "data", Path: f.Path, Value: "v", Version: 1})
		}
	}))
	defer srv.Close()

	c := NewBaseClient(wsURL(srv))
	c.minBackoff = 10 * time.Millisecond
	c.maxBackoff = 20 * time.Millisecond
	c.Start()
	defer c.Stop(time.Second)

	c.WatchKey("/p", func(value []byte, meta Meta) {})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&watchCount) >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Force the transport to drop; the session loop must reconnect and
	// resend the watch_key control frame without the caller re-registering
	// anything.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	require.NotNil(t, conn)
	_ = conn.Close()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&watchCount) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestBackendBridgesChildrenAndKeyWatchesIntoEntity(t *testing.T) {
	srv := httptest.NewServer(newFakeServer(func(conn *websocket.Conn, f clientFrame) {
		switch f.Op {
		case "watch_path":
			sendFrame(t, conn, serverFrame{Event: "children", Path: f.Path, Children: []string{"K"}})
		case "watch_key":
			sendFrame(t, conn, serverFrame{Event: "data", Path: f.Path, Value: "v1", Version: 1})
		}
	}))
	defer srv.Close()

	b, err := NewBackend(Config{URL: wsURL(srv), BasePath: "/huskar"})
	require.NoError(t, err)
	b.Run()
	defer b.Stop(time.Second, true)

	require.True(t, b.Configs().AddWatch(context.Background(), "app", "overall", 2*time.Second))

	require.Eventually(t, func() bool {
		val, err := b.Configs().Get("app", "overall", "K", watch.GetOptions{NoWait: true})
		return err == nil && val != nil && val["value"] == "v1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBackendDropsKeyOnChildrenListShrinking(t *testing.T) {
	srv := httptest.NewServer(newFakeServer(func(conn *websocket.Conn, f clientFrame) {
		switch f.Op {
		case "watch_path":
			sendFrame(t, conn, serverFrame{Event: "children", Path: f.Path, Children: []string{"K1", "K2"}})
		case "watch_key":
			sendFrame(t, conn, serverFrame{Event: "data", Path: f.Path, Value: "v", Version: 1})
		}
	}))
	defer srv.Close()

	b, err := NewBackend(Config{URL: wsURL(srv), BasePath: "/huskar"})
	require.NoError(t, err)
	b.Run()
	defer b.Stop(time.Second, true)

	require.True(t, b.Configs().AddWatch(context.Background(), "app", "overall", 2*time.Second))
	require.Eventually(t, func() bool {
		val, err := b.Configs().Get("app", "overall", "K2", watch.GetOptions{NoWait: true})
		return err == nil && val != nil
	}, 2*time.Second, 10*time.Millisecond)

	// Re-deliver a shrunk children list directly, the way a real
	// directory-change push would arrive after K2 is removed upstream.
	dirPath := b.dirPath(watch.KindConfig, "app", "overall")
	bridgeKey := string(watch.KindConfig) + "|app|overall"
	b.mu.Lock()
	bridge := b.bridges[bridgeKey]
	b.mu.Unlock()
	b.onChildrenChanged(b.Configs(), bridge, dirPath, "app", "overall", []string{"K1"})

	val, err := b.Configs().Get("app", "overall", "K2", watch.GetOptions{NoWait: true})
	require.NoError(t, err)
	assert.Nil(t, val)
}
