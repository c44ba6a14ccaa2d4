package longpoll

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/huskar/internal/watch"
)

// scriptedServer replays a fixed sequence of newline-delimited-JSON
// responses, one per request, then holds the connection open (or closes
// it) depending on the script entry.
type scriptedServer struct {
	mu      sync.Mutex
	calls   int32
	replies []func(w http.ResponseWriter, r *http.Request)
}

func (s *scriptedServer) handler(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&s.calls, 1) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(n) >= len(s.replies) {
		// Beyond the scripted sequence: idle forever-ish, so the loop
		// doesn't spin; the test will have stopped it by then.
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		if flusher != nil {
			flusher.Flush()
		}
		<-r.Context().Done()
		return
	}
	s.replies[n](w, r)
}

func writeFrames(w http.ResponseWriter, lines ...string) {
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		fmt.Fprintln(w, l)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestFullSnapshotPopulatesConfigEntity(t *testing.T) {
	srv := &scriptedServer{replies: []func(w http.ResponseWriter, r *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			writeFrames(w, `{"message":"all","body":{"config":{"A":{"overall":{"K":{"value":"v1"}}}}}}`)
		},
	}}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	loop, err := NewLoop(Config{BaseURL: ts.URL, TokenSource: StaticToken("tok")})
	require.NoError(t, err)
	loop.Configs().AddWatch(context.Background(), "A", "overall", 0)

	loop.Run()
	defer loop.Stop(time.Second, true)

	require.Eventually(t, func() bool {
		v, _ := loop.Configs().Get("A", "overall", "K", watch.GetOptions{})
		return v != nil
	}, 2*time.Second, 10*time.Millisecond)

	v, err := loop.Configs().Get("A", "overall", "K", watch.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", v["value"])
	assert.True(t, loop.IsConnected())
}

func TestUnauthorized401ClassifiesAsUserError(t *testing.T) {
	srv := &scriptedServer{replies: []func(w http.ResponseWriter, r *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"status":"Unauthorized"}`)
		},
		func(w http.ResponseWriter, r *http.Request) {
			writeFrames(w, `{"message":"ping","body":{}}`)
			<-r.Context().Done()
		},
	}}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	var mu sync.Mutex
	var errs []error
	loop, err := NewLoop(Config{
		BaseURL:      ts.URL,
		TokenSource:  StaticToken("bad-token"),
		ReconnectGap: 10 * time.Millisecond,
		PollingErrorHook: func(e error) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, e)
		},
	})
	require.NoError(t, err)

	loop.Run()
	defer loop.Stop(time.Second, true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var userErr *UserError
	require.ErrorAs(t, errs[0], &userErr)
	assert.Equal(t, http.StatusUnauthorized, userErr.StatusCode)
}

func TestWatchListChangeForcesSessionRefresh(t *testing.T) {
	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		if n >= 2 {
			fmt.Fprintln(w, `{"message":"all","body":{"config":{"A":{"overall":{"K":{"value":"v2"}}}}}}`)
			if flusher != nil {
				flusher.Flush()
			}
		}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintln(w, `{"message":"ping","body":{}}`)
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	}))
	defer srv.Close()

	loop, err := NewLoop(Config{BaseURL: srv.URL, TokenSource: StaticToken("tok")})
	require.NoError(t, err)
	loop.Run()
	defer loop.Stop(time.Second, true)

	require.Eventually(t, func() bool { return loop.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	ok := loop.Configs().AddWatch(context.Background(), "A", "overall", 2*time.Second)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		v, _ := loop.Configs().Get("A", "overall", "K", watch.GetOptions{})
		return v != nil
	}, 2*time.Second, 10*time.Millisecond)
}
