// Package filecache implements the File-Cache Loop (C6): a read-only peer
// that tails the three snapshot files a writer process maintains, and
// periodically attempts to promote itself to writer when the host writer
// lock (C2) is vacant. Grounded on huskar_sdk_v2's FileCacheIOLoop
// (http/ioloops/file.py).
package filecache

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/syncutil"
	"github.com/ocx/huskar/internal/watch"
)

// Config configures a Loop.
type Config struct {
	CacheDir         string
	LockPath         string // default: CacheDir + "/huskar.writer"
	RetryAcquireGap  time.Duration // default 60s
	CheckFileStatGap time.Duration // default 5s
	RedisClient      *redis.Client // optional fast-path accelerator
	RedisChannel     string
	// OnPromoted is invoked, on a dedicated goroutine, the instant this
	// process acquires the host writer lock. The loop has already stopped
	// itself with closeComponents=false (its WatchEntity stores, and their
	// in-memory values, remain live) by the time this fires — the
	// IOLoop facade installs a Long-Poll Loop in response.
	OnPromoted func()
}

// Loop tails the snapshot files and, opportunistically, contends for the
// host writer lock.
type Loop struct {
	cfg Config

	configs  *watch.Entity
	switches *watch.Entity
	services *watch.Entity

	wlock *cache.WriterLock

	mu      sync.Mutex
	running bool

	started *syncutil.Flag
	stopped *syncutil.Flag

	fileMTime map[string]time.Time
	fastPath  <-chan struct{}
}

var kindPaths = []string{"configs", "switches", "services"}

// NewLoop constructs a Loop and its three file-tailed WatchEntity stores.
// Each store is created with the real cache-file path. The tail task reads
// those files directly and feeds their contents through Entity.Update, whose
// Store.Set/Delete calls attempt a Save; that Save is skipped while the
// writer process holds the per-file lock.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.RetryAcquireGap <= 0 {
		cfg.RetryAcquireGap = 60 * time.Second
	}
	if cfg.CheckFileStatGap <= 0 {
		cfg.CheckFileStatGap = 5 * time.Second
	}
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.CacheDir + "/huskar.writer"
	}

	l := &Loop{
		cfg:       cfg,
		wlock:     cache.NewWriterLock(cfg.LockPath),
		started:   syncutil.NewFlag(),
		stopped:   syncutil.NewSetFlag(),
		fileMTime: make(map[string]time.Time, 3),
	}

	configStore, err := cache.NewStore(cfg.CacheDir + "/configs_cache.json")
	if err != nil {
		return nil, err
	}
	switchStore, err := cache.NewStore(cfg.CacheDir + "/switches_cache.json")
	if err != nil {
		return nil, err
	}
	serviceStore, err := cache.NewStore(cfg.CacheDir + "/services_cache.json")
	if err != nil {
		return nil, err
	}

	l.configs = watch.NewEntity(watch.KindConfig, l, configStore)
	l.switches = watch.NewEntity(watch.KindSwitch, l, switchStore)
	l.services = watch.NewEntity(watch.KindService, l, serviceStore)

	if cfg.RedisClient != nil && cfg.RedisChannel != "" {
		l.fastPath = subscribeFastPath(cfg.RedisClient, cfg.RedisChannel)
	}

	return l, nil
}

func (l *Loop) Configs() *watch.Entity  { return l.configs }
func (l *Loop) Switches() *watch.Entity { return l.switches }
func (l *Loop) Services() *watch.Entity { return l.services }

// WriterLock exposes the host writer lock this loop contends for, so a
// façade can take over ownership of it after a successful promotion instead
// of tracking a second, never-acquired handle on the same path.
func (l *Loop) WriterLock() *cache.WriterLock { return l.wlock }

func (l *Loop) entityByName(name string) *watch.Entity {
	switch name {
	case "configs":
		return l.configs
	case "switches":
		return l.switches
	case "services":
		return l.services
	default:
		return nil
	}
}

func (l *Loop) filePath(name string) string {
	return l.cfg.CacheDir + "/" + name + "_cache.json"
}

// --- watch.Loop interface -----------------------------------------------

// OnWatchListChanged re-reads that kind's file immediately: this loop never
// drives the upstream watch-set, so a newly-added watch may already have a
// value sitting in a file a writer peer produced.
func (l *Loop) OnWatchListChanged(kind watch.Kind) {
	name := kindToFileName(kind)
	e := l.entityByName(name)
	if e == nil {
		return
	}
	e.Update(readSnapshotRaw(l.filePath(name)), true, true)
}

// Wait mirrors FileCacheIOLoop.wait's quirk: the first caller to find
// `started` unset blocks for it and then unconditionally marks it set,
// regardless of whether the wait actually succeeded — every call after
// that short-circuits true.
func (l *Loop) Wait(timeout time.Duration) bool {
	if !l.started.IsSet() {
		res := l.started.Wait(timeout)
		l.started.Set()
		return res
	}
	return true
}

func (l *Loop) IsConnected() bool { return l.started.IsSet() }

// WaitForNextLoop always returns true: this loop never drives an upstream
// session, so there is no round-trip to wait for.
func (l *Loop) WaitForNextLoop(timeout time.Duration) bool { return true }

// --- lifecycle ------------------------------------------------------

func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Run starts the tail task and the promotion task.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	l.started.Clear()
	l.stopped.Clear()

	go l.tailLoop()
	go l.promotionLoop()
}

// Stop halts both background tasks. If closeComponents is true, the
// backing stores (and their writer locks) are released.
func (l *Loop) Stop(timeout time.Duration, closeComponents bool) bool {
	l.started.Clear()
	l.stopped.Set()
	if closeComponents {
		l.configs.Close()
		l.services.Close()
		l.switches.Close()
	}
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return true
}

// --- tail task ------------------------------------------------------

func (l *Loop) tailLoop() {
	firstChanged := make(map[string]struct{}, 3)

	for !l.stopped.IsSet() {
		for _, name := range kindPaths {
			fpath := l.filePath(name)
			mtime, ok := statMTime(fpath)
			if !ok || mtime.Equal(l.fileMTime[name]) {
				continue
			}
			if !l.started.IsSet() {
				firstChanged[name] = struct{}{}
			}
			l.fileMTime[name] = mtime
			l.entityByName(name).Update(readSnapshotRaw(fpath), true, true)
		}

		if !l.started.IsSet() {
			if len(firstChanged) == len(kindPaths) {
				l.started.Set()
			} else {
				l.sleepOrFastPath(300 * time.Millisecond)
				continue
			}
		}
		l.sleepOrFastPath(l.cfg.CheckFileStatGap)
	}
}

func (l *Loop) sleepOrFastPath(d time.Duration) {
	select {
	case <-time.After(d):
	case <-l.fastPathChan():
	case <-l.stopped.Chan():
	}
}

func (l *Loop) fastPathChan() <-chan struct{} {
	if l.fastPath == nil {
		return nil // a nil channel blocks forever in a select, which is what we want
	}
	return l.fastPath
}

// --- promotion task ---------------------------------------------------

func (l *Loop) promotionLoop() {
	for !l.stopped.IsSet() {
		if l.wlock.Acquire() {
			if err := os.Chmod(l.wlock.Path(), 0o666); err != nil {
				slog.Debug("changing huskar writer lock permission failed", "err", err)
			}
			l.Stop(500*time.Millisecond, false)
			slog.Warn("writer process is down, this process is becoming writer", "pid", os.Getpid())
			if l.cfg.OnPromoted != nil {
				l.cfg.OnPromoted()
			}
			return
		}
		select {
		case <-time.After(l.cfg.RetryAcquireGap):
		case <-l.stopped.Chan():
			return
		}
	}
}

func kindToFileName(kind watch.Kind) string {
	switch kind {
	case watch.KindConfig:
		return "configs"
	case watch.KindSwitch:
		return "switches"
	case watch.KindService:
		return "services"
	default:
		return ""
	}
}

func statMTime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// readSnapshotRaw loads a snapshot file directly off disk, the way
// _file_content() does — independent of any in-memory cache.Store, since
// the writer peer that produced this file is a different process.
func readSnapshotRaw(path string) map[string]map[string]map[string]cache.Value {
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Debug("read cache file failed", "path", path, "err", err)
		return nil
	}
	var data map[string]map[string]map[string]cache.Value
	if err := json.Unmarshal(content, &data); err != nil {
		slog.Warn("malformed cache file", "path", path, "err", err)
		return nil
	}
	return data
}

func subscribeFastPath(client *redis.Client, channel string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	pubsub := client.Subscribe(context.Background(), channel)
	go func() {
		for range pubsub.Channel() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}
