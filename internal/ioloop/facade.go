// Package ioloop implements the IOLoop Façade (C7): a pluggable factory
// that runs a Long-Poll Loop when this process wins the host writer lock
// election and a File-Cache Loop otherwise, transparently promoting the
// latter to the former once a periodic retry acquires the lock. Grounded on
// huskar_sdk_v2's `http/ioloops/__init__.py` (`IOLoop.current`, `install`,
// `clear_instance`) and `http/patterns.py:Configurable`.
package ioloop

import (
	"sync"
	"time"

	"github.com/ocx/huskar/internal/cache"
	"github.com/ocx/huskar/internal/filecache"
	"github.com/ocx/huskar/internal/longpoll"
	"github.com/ocx/huskar/internal/watch"
)

// Backend is the subset of longpoll.Loop and filecache.Loop the façade
// drives and exposes through facades. Both concrete loops already satisfy
// this (and watch.Loop, which their owned Entities require).
type Backend interface {
	watch.Loop
	Configs() *watch.Entity
	Switches() *watch.Entity
	Services() *watch.Entity
	Run()
	Stop(timeout time.Duration, closeComponents bool) bool
}

// Config configures a Manager. LongPoll and FileCache are passed through
// verbatim to the respective constructors except for CacheDir/LockPath,
// which the Manager fills in so both backends share one cache directory
// and one host writer lock.
type Config struct {
	CacheDir string
	LockPath string // default: CacheDir + "/huskar.writer"

	LongPoll  longpoll.Config
	FileCache filecache.Config

	// PollingErrorHook, if set, is installed onto every Long-Poll Loop the
	// Manager ever constructs (directly, or via a later promotion), the
	// façade-level equivalent of huskar_sdk_v2's `polling_error` hook.
	PollingErrorHook func(error)
}

// Manager owns the currently-active Backend and mediates its replacement.
// It is an explicit struct rather than package-level mutable state so a
// process can (in tests, or a multi-tenant host) run more than one huskar
// client side by side.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	wlock   *cache.WriterLock
	current Backend
	fcLoop  *filecache.Loop // set while the active backend is a File-Cache Loop
	stopped bool
}

// NewManager tries to acquire the host writer lock; on success it
// constructs and starts a Long-Poll Loop, otherwise a File-Cache Loop whose
// OnPromoted hook will install a Long-Poll Loop in its place once a later
// acquisition attempt, retried every FileCache.RetryAcquireGap, succeeds
// (e.g. after the previous writer process exits).
func NewManager(cfg Config) (*Manager, error) {
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.CacheDir + "/huskar.writer"
	}
	cfg.LongPoll.CacheDir = cfg.CacheDir
	cfg.FileCache.CacheDir = cfg.CacheDir
	cfg.FileCache.LockPath = cfg.LockPath

	m := &Manager{cfg: cfg, wlock: cache.NewWriterLock(cfg.LockPath)}

	if m.wlock.Acquire() {
		loop, err := m.newLongPollLoop()
		if err != nil {
			m.wlock.Release()
			return nil, err
		}
		m.install(loop)
		return m, nil
	}

	loop, err := m.newFileCacheLoop()
	if err != nil {
		return nil, err
	}
	m.install(loop)
	return m, nil
}

func (m *Manager) newLongPollLoop() (*longpoll.Loop, error) {
	cfg := m.cfg.LongPoll
	if m.cfg.PollingErrorHook != nil {
		cfg.PollingErrorHook = m.cfg.PollingErrorHook
	}
	return longpoll.NewLoop(cfg)
}

func (m *Manager) newFileCacheLoop() (*filecache.Loop, error) {
	cfg := m.cfg.FileCache
	cfg.OnPromoted = func() { m.onPromoted() }
	loop, err := filecache.NewLoop(cfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.fcLoop = loop
	m.mu.Unlock()
	return loop, nil
}

// onPromoted runs on the file-cache loop's own promotion goroutine the
// instant it wins the host writer lock: it takes over ownership of the
// lock handle that loop actually acquired (the Manager's own attempt at
// construction time failed and holds nothing), builds the Long-Poll Loop
// that replaces it, and installs it, migrating live state across.
func (m *Manager) onPromoted() {
	m.mu.Lock()
	if m.fcLoop != nil {
		m.wlock = m.fcLoop.WriterLock()
		m.fcLoop = nil
	}
	m.mu.Unlock()

	loop, err := m.newLongPollLoop()
	if err != nil {
		// The lock is already ours; there is no sane fallback besides
		// leaving the file-cache loop stopped, since going back to
		// file-cache would mean releasing a lock we are entitled to hold.
		return
	}
	m.install(loop)
}

// Current returns the active backend, or nil before the first install.
func (m *Manager) Current() Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Configs() *watch.Entity  { return m.Current().Configs() }
func (m *Manager) Switches() *watch.Entity { return m.Current().Switches() }
func (m *Manager) Services() *watch.Entity { return m.Current().Services() }

// SetSOAMode is the process-global equivalent of `set_soa_mode_cluster`: it
// applies immediately if a Long-Poll Loop is currently active, and is
// remembered so a later promotion from File-Cache to Long-Poll carries it
// forward too.
func (m *Manager) SetSOAMode(mode longpoll.SOAMode, cluster string) {
	m.mu.Lock()
	m.cfg.LongPoll.SOAMode = mode
	m.cfg.LongPoll.SOACluster = cluster
	current := m.current
	m.mu.Unlock()

	if lp, ok := current.(*longpoll.Loop); ok {
		lp.SetSOAMode(mode, cluster)
	}
}

// install replaces the active backend, migrating watch-sets, listener
// registries, and default fail strategies from the predecessor (if any) per
// kind, then starts the new backend and stops the old one with
// closeComponents=true so its file handles are released.
func (m *Manager) install(next Backend) {
	m.mu.Lock()
	prev := m.current
	m.current = next
	stopped := m.stopped
	m.mu.Unlock()

	if prev != nil {
		next.Configs().MigrateFrom(prev.Configs())
		next.Switches().MigrateFrom(prev.Switches())
		next.Services().MigrateFrom(prev.Services())
	}

	if stopped {
		// A Close() raced this install (e.g. a last-moment promotion after
		// shutdown was requested): don't resurrect a running backend.
		next.Stop(0, true)
		return
	}

	next.Run()

	if prev != nil {
		prev.Stop(5*time.Second, true)
	}
}

// Close stops the active backend and releases the host writer lock if this
// process held it, mirroring `clear_instance()`.
func (m *Manager) Close() {
	m.mu.Lock()
	m.stopped = true
	current := m.current
	m.mu.Unlock()

	if current != nil {
		current.Stop(5*time.Second, true)
	}
	m.wlock.Release()
}
