// Package longpoll implements the Long-Poll Loop (C5): an HTTP streaming
// client against `POST {base}/api/data/long_poll` that keeps three
// WatchEntity stores (service, config, switch) current via a persistent
// session of newline-delimited JSON frames. Grounded on huskar_sdk_v2's
// HuskarApiIOLoop (http/ioloops/http.py) and, for the reconnect/backoff
// idiom, the teacher's internal/circuitbreaker retry bookkeeping.
package longpoll

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/syncutil"
	"github.com/ocx/huskar/internal/watch"
)

// SOAMode is the routing header value describing how the backend should
// interpret the caller's service topology.
type SOAMode string

const (
	SOAModeOrig   SOAMode = "orig"
	SOAModePrefix SOAMode = "prefix"
	SOAModeRoute  SOAMode = "route"
)

const (
	userAgentPrefix  = "huskar-go-sdk"
	soaModeHeader    = "X-SOA-Mode"
	soaClusterHeader = "X-Cluster-Name"
	longPollPath     = "/api/data/long_poll"
)

// State is the loop's position in the INIT -> STARTED -> (CONNECTED <->
// DISCONNECTED)* -> STOPPED state machine.
type State int32

const (
	StateInit State = iota
	StateStarted
	StateConnected
	StateDisconnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarted:
		return "STARTED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Loop.
type Config struct {
	BaseURL      string
	TokenSource  TokenSource
	CacheDir     string
	MaxAliveTime time.Duration // default 10 minutes, jittered +/-20%
	ReconnectGap time.Duration // default 60 seconds
	SOAMode      SOAMode       // optional; empty means unset
	SOACluster   string
	HTTPClient   *http.Client
	// PollingErrorHook, if set, is invoked with every classified UserError
	// or ServerError produced by a failed session, mirroring the
	// `polling_error` event of huskar_sdk_v2's HookMixIn.
	PollingErrorHook func(error)
}

// Loop runs the long-poll event loop and satisfies watch.Loop for each of
// the three WatchEntity kinds it owns.
type Loop struct {
	cfg Config

	urlPath    string
	httpClient *http.Client

	configs  *watch.Entity
	switches *watch.Entity
	services *watch.Entity

	mu                    sync.Mutex
	running               bool
	lastSessionCreated    time.Time
	maxAliveTime          time.Duration
	forceRefreshRequested bool
	soaMode               SOAMode
	soaCluster            string

	connected         *syncutil.Flag
	stopLoopRequested *syncutil.Flag
	stopped           *syncutil.Flag
	nextLoopCompleted *syncutil.Flag
	hasOnceConnected  bool

	state State
}

// NewLoop constructs a Loop and its three backing WatchEntity stores. The
// stores are created immediately (file-backed if cfg.CacheDir is set); Run
// must be called to start polling.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.MaxAliveTime <= 0 {
		cfg.MaxAliveTime = 10 * time.Minute
	}
	if cfg.ReconnectGap <= 0 {
		cfg.ReconnectGap = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 3 * time.Second}
	}
	if cfg.TokenSource == nil {
		cfg.TokenSource = StaticToken("")
	}

	l := &Loop{
		cfg:               cfg,
		urlPath:           strings.TrimRight(cfg.BaseURL, "/") + longPollPath,
		httpClient:        cfg.HTTPClient,
		soaMode:           cfg.SOAMode,
		soaCluster:        cfg.SOACluster,
		connected:         syncutil.NewFlag(),
		stopLoopRequested: syncutil.NewFlag(),
		stopped:           syncutil.NewSetFlag(),
		nextLoopCompleted: syncutil.NewFlag(),
		state:             StateInit,
	}
	// jittered by +/-20%, de-synchronizing fleet-wide reconnects.
	l.maxAliveTime = time.Duration(float64(cfg.MaxAliveTime) * (0.8 + 0.4*rand.Float64()))

	configStore, err := cache.NewStore(cachePath(cfg.CacheDir, "configs"))
	if err != nil {
		return nil, fmt.Errorf("longpoll: init config cache: %w", err)
	}
	switchStore, err := cache.NewStore(cachePath(cfg.CacheDir, "switches"))
	if err != nil {
		return nil, fmt.Errorf("longpoll: init switch cache: %w", err)
	}
	serviceStore, err := cache.NewStore(cachePath(cfg.CacheDir, "services"))
	if err != nil {
		return nil, fmt.Errorf("longpoll: init service cache: %w", err)
	}

	l.configs = watch.NewEntity(watch.KindConfig, l, configStore)
	l.switches = watch.NewEntity(watch.KindSwitch, l, switchStore)
	l.services = watch.NewEntity(watch.KindService, l, serviceStore)

	return l, nil
}

func cachePath(dir, name string) string {
	if dir == "" {
		return ""
	}
	return dir + "/" + name + "_cache.json"
}

// Configs, Switches, Services expose the three WatchEntity stores this loop
// drives, for facades built on top (pkg/huskar).
func (l *Loop) Configs() *watch.Entity  { return l.configs }
func (l *Loop) Switches() *watch.Entity { return l.switches }
func (l *Loop) Services() *watch.Entity { return l.services }

// SetSOAMode updates the routing headers attached to every future session,
// mirroring huskar_sdk_v2's process-global `set_soa_mode_cluster`: it takes
// effect on the next request built, never retroactively on an in-flight one.
func (l *Loop) SetSOAMode(mode SOAMode, cluster string) {
	l.mu.Lock()
	l.soaMode = mode
	l.soaCluster = cluster
	l.mu.Unlock()
}

// --- watch.Loop interface ---------------------------------------------

// OnWatchListChanged forces the next session to re-init immediately,
// matching force_reinit_session_next_round: only meaningful once a session
// is already established, otherwise the forthcoming first session already
// carries the up-to-date watch-set.
func (l *Loop) OnWatchListChanged(kind watch.Kind) {
	if l.connected.IsSet() {
		l.mu.Lock()
		l.lastSessionCreated = time.Time{}
		l.forceRefreshRequested = true
		l.mu.Unlock()
		l.nextLoopCompleted.Clear()
	}
}

// Wait blocks for the loop to become connected, returning true immediately
// if it has ever connected before.
func (l *Loop) Wait(timeout time.Duration) bool {
	l.mu.Lock()
	already := l.hasOnceConnected
	l.mu.Unlock()
	if already || l.connected.IsSet() {
		return true
	}
	return l.connected.Wait(timeout)
}

// IsConnected reports current (not historical) liveness.
func (l *Loop) IsConnected() bool { return l.connected.IsSet() }

// WaitForNextLoop blocks for the next full session round-trip to complete.
func (l *Loop) WaitForNextLoop(timeout time.Duration) bool {
	return l.nextLoopCompleted.Wait(timeout)
}

// --- lifecycle ----------------------------------------------------------

// IsRunning reports whether the background loop goroutine is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// State reports the loop's current position in the INIT/STARTED/CONNECTED/
// DISCONNECTED/STOPPED state machine, for telemetry.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Run starts the background event loop if it is not already running.
// Idempotent, mirroring `if not self.greenlet: gevent.spawn(...)`.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.connected.Clear()
	l.stopped.Clear()
	l.stopLoopRequested.Clear()
	l.setState(StateStarted)

	go func() {
		defer func() {
			l.stopped.Set()
			l.stopLoopRequested.Clear()
			l.connected.Clear()
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			l.setState(StateStopped)
		}()
		l.eventLoop()
	}()
}

// Stop requests the loop to terminate and, when closeComponents is true,
// closes the backing stores. If timeout is non-zero it blocks up to that long for clean shutdown,
// returning whether it completed in time.
func (l *Loop) Stop(timeout time.Duration, closeComponents bool) bool {
	l.stopLoopRequested.Set()
	if closeComponents {
		l.configs.Close()
		l.services.Close()
		l.switches.Close()
	}
	if timeout > 0 {
		return l.stopped.Wait(timeout)
	}
	return true
}

// --- event loop -----------------------------------------------------

func (l *Loop) eventLoop() {
	failCount := 0
	l.initSession()

	for {
		if l.stopLoopRequested.IsSet() {
			return
		}

		stop, err := l.runOneSession()
		if stop {
			return
		}
		if err == nil {
			failCount = 0
			continue
		}

		l.connected.Clear()
		l.setState(StateDisconnected)
		failCount++
		if l.cfg.PollingErrorHook != nil {
			l.cfg.PollingErrorHook(err)
		}
		slog.Warn("huskar connection disconnected, retrying", "err", err, "fail_count", failCount)

		if l.stopLoopRequested.IsSet() {
			return
		}
		wait := time.Duration(float64(failCount) * (0.5 + rand.Float64()) * float64(l.cfg.ReconnectGap))
		select {
		case <-time.After(wait):
		case <-l.stopLoopRequested.Chan():
			return
		}
	}
}

// runOneSession issues one long-poll POST and reads frames until the
// session's max-alive-time elapses, a watch-list change forces a refresh,
// stop is requested, or an error occurs. Returns (shouldStopLoopEntirely,
// error).
func (l *Loop) runOneSession() (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stopLoopRequested.Chan():
			cancel()
		case <-ctx.Done():
		}
	}()

	body, err := json.Marshal(l.buildRequestBody())
	if err != nil {
		return false, classifyTransportErr(l.urlPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.urlPath, bytes.NewReader(body))
	if err != nil {
		return false, classifyTransportErr(l.urlPath, err)
	}
	l.applyHeaders(req)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return false, classifyTransportErr(l.urlPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("failed to watch", "status", resp.StatusCode, "body", string(respBody))
		return false, classifyStatus(l.urlPath, resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		l.handleMessage(line)

		if !l.connected.IsSet() {
			l.connected.Set()
			l.setState(StateConnected)
		}
		l.mu.Lock()
		l.hasOnceConnected = true
		l.mu.Unlock()

		if l.stopLoopRequested.IsSet() {
			return true, nil
		}
		if l.checkRefreshSession() {
			return false, nil
		}
	}
	if l.stopLoopRequested.IsSet() {
		return true, nil
	}
	if err := scanner.Err(); err != nil {
		return false, classifyTransportErr(l.urlPath, err)
	}
	// Server closed the stream cleanly; treat like a session expiry.
	return false, nil
}

func (l *Loop) buildRequestBody() map[string]map[string][]string {
	out := make(map[string]map[string][]string, 3)
	if ws := l.services.WatchSet(); len(ws) > 0 {
		out["service"] = ws
	}
	if ws := l.configs.WatchSet(); len(ws) > 0 {
		out["config"] = ws
	}
	if ws := l.switches.WatchSet(); len(ws) > 0 {
		out["switch"] = ws
	}
	return out
}

func (l *Loop) applyHeaders(req *http.Request) {
	token, err := l.cfg.TokenSource.Token()
	if err != nil {
		slog.Warn("minting huskar token failed", "err", err)
	}
	req.Header.Set("User-Agent", userAgentPrefix+" "+req.Header.Get("User-Agent"))
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	l.mu.Lock()
	mode, cluster := l.soaMode, l.soaCluster
	l.mu.Unlock()
	if mode != "" {
		req.Header.Set(soaModeHeader, string(mode))
		req.Header.Set(soaClusterHeader, cluster)
	}
}

// initSession records a new session creation time (and, if a refresh was
// pending, clears the flag that requested it).
func (l *Loop) initSession() {
	l.mu.Lock()
	l.lastSessionCreated = time.Now()
	l.forceRefreshRequested = false
	l.mu.Unlock()
}

// checkRefreshSession mirrors check_refresh_session: it marks the pending
// next-loop wait as satisfied once a session exists, and reports whether
// max_alive_time has elapsed (or a watch-list change forced a refresh),
// requiring the caller to break out and start a new session.
func (l *Loop) checkRefreshSession() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.nextLoopCompleted.IsSet() && !l.lastSessionCreated.IsZero() {
		l.nextLoopCompleted.Set()
	}
	if l.forceRefreshRequested || time.Since(l.lastSessionCreated) > l.maxAliveTime {
		l.lastSessionCreated = time.Now()
		l.forceRefreshRequested = false
		return true
	}
	return false
}

// frame is one newline-delimited JSON message from the long-poll stream.
type frame struct {
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

type frameBody struct {
	Service map[string]map[string]map[string]cache.Value `json:"service"`
	Config  map[string]map[string]map[string]cache.Value `json:"config"`
	Switch  map[string]map[string]map[string]cache.Value `json:"switch"`
}

func (l *Loop) handleMessage(line string) {
	if l.stopped.IsSet() {
		return
	}

	var f frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		slog.Warn("error parsing huskar message", "line", line, "err", err)
		return
	}

	switch f.Message {
	case "ping":
		return
	case "update":
		l.dispatch(f.Body, false)
	case "delete":
		l.dispatchDelete(f.Body)
	case "all":
		l.dispatch(f.Body, true)
	default:
		slog.Debug("ignoring unknown huskar message kind", "message", f.Message)
	}
}

func (l *Loop) dispatch(raw json.RawMessage, full bool) {
	var b frameBody
	if err := json.Unmarshal(raw, &b); err != nil {
		slog.Warn("error handling huskar api message body", "err", err)
		return
	}
	if b.Service != nil {
		l.services.Update(b.Service, full, false)
	}
	if b.Config != nil {
		l.configs.Update(b.Config, full, false)
	}
	if b.Switch != nil {
		l.switches.Update(b.Switch, full, false)
	}
}

func (l *Loop) dispatchDelete(raw json.RawMessage) {
	var b frameBody
	if err := json.Unmarshal(raw, &b); err != nil {
		slog.Warn("error handling huskar api delete message", "err", err)
		return
	}
	if b.Service != nil {
		l.services.Delete(b.Service)
	}
	if b.Config != nil {
		l.configs.Delete(b.Config)
	}
	if b.Switch != nil {
		l.switches.Delete(b.Switch)
	}
}
