// Package cache implements the replicated, fail-safe snapshot substrate:
// an atomic file-backed projection of one Watch Entity's values (C1), and
// the advisory host writer lock that elects the single per-host writer
// (C2). Both are grounded on huskar_sdk_v2's CachedDict and FileLock.
package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Value is an opaque, JSON-encodable watch value. It minimally carries a
// "value" field at the facade layer; the core treats it as opaque bytes.
type Value map[string]interface{}

// Snapshot is the full in-memory projection of one kind's values:
// app_id -> cluster -> key -> value.
type Snapshot map[string]map[string]map[string]Value

// Store is a file-backed mirror of a Snapshot. Reads are served from
// memory; writes go through an advisory per-file writer lock so that only
// the elected writer process for a host ever persists to disk — peers
// observe the file as read-only and tail it via mtime (see
// internal/filecache).
type Store struct {
	mu       sync.RWMutex
	path     string
	data     Snapshot
	isLoaded bool
	wlock    *WriterLock
	notifier *RedisNotifier
}

// SetNotifier attaches an optional fast-path notifier, published to after
// every successful Save.
func (s *Store) SetNotifier(n *RedisNotifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// NewStore creates a store backed by path and loads it. The parent
// directory is created if missing. An initial Reload is attempted;
// a missing or malformed file is not an error — the store simply starts
// empty, exactly as CachedDict.init() does.
func NewStore(path string) (*Store, error) {
	s := &Store{data: make(Snapshot)}
	if path == "" {
		// Memory-only store (no cache_dir configured): never touches disk,
		// and is "loaded" from the moment it exists — there is no file to
		// wait for. Mirrors the Component fallback to a plain in-memory
		// dict when CachedDict construction is skipped.
		s.isLoaded = true
		return s, nil
	}

	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o777); err != nil && !os.IsExist(err) {
			slog.Debug("create cache dir failed", "dir", dir, "err", err)
		}
		_ = os.Chmod(dir, 0o777)
	}

	s.path = path
	s.wlock = NewWriterLock(path + ".wlock")
	s.Reload()
	return s, nil
}

// IsLoaded reports whether the backing file has been parsed successfully
// at least once in this process's lifetime. Monotonic: never reset to
// false once set.
func (s *Store) IsLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isLoaded
}

// Reload re-reads the backing file. On any I/O or parse error, the
// previous in-memory snapshot is kept untouched and IsLoaded is left
// unchanged — a transient read during a concurrent atomic-replace must
// never corrupt the process's view of the world.
func (s *Store) Reload() {
	if s.path == "" {
		return
	}
	content, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("reading cache file failed", "path", s.path, "err", err)
		}
		return
	}
	if len(content) == 0 {
		return
	}

	var obj Snapshot
	if err := json.Unmarshal(content, &obj); err != nil {
		slog.Warn("malformed cache file", "path", s.path, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = obj
	s.isLoaded = true
}

// Get returns the value at (app, cluster, key) and whether it is present.
func (s *Store) Get(app, cluster, key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clusters, ok := s.data[app]
	if !ok {
		return nil, false
	}
	keys, ok := clusters[cluster]
	if !ok {
		return nil, false
	}
	v, ok := keys[key]
	return v, ok
}

// Cluster returns a shallow copy of the key->value map for (app, cluster).
func (s *Store) Cluster(app, cluster string) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value)
	if clusters, ok := s.data[app]; ok {
		for k, v := range clusters[cluster] {
			out[k] = v
		}
	}
	return out
}

// Set stores value at (app, cluster, key) and persists it. A no-op write
// (identical to the current value) is skipped, matching CachedDict's
// "redundant write ignored" behavior.
func (s *Store) Set(app, cluster, key string, value Value) {
	s.mu.Lock()
	if s.data[app] == nil {
		s.data[app] = make(map[string]map[string]Value)
	}
	if s.data[app][cluster] == nil {
		s.data[app][cluster] = make(map[string]Value)
	}
	if existing, ok := s.data[app][cluster][key]; ok && mapsEqual(existing, value) {
		s.mu.Unlock()
		return
	}
	s.data[app][cluster][key] = value
	s.mu.Unlock()
	s.Save()
}

// Delete removes (app, cluster, key) and persists the change. Deleting a
// key that is not present is a no-op, matching CachedDict.
func (s *Store) Delete(app, cluster, key string) {
	s.mu.Lock()
	clusters, ok := s.data[app]
	if !ok {
		s.mu.Unlock()
		return
	}
	keys, ok := clusters[cluster]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := keys[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(keys, key)
	s.mu.Unlock()
	s.Save()
}

// ReplaceCluster atomically swaps the key set for (app, cluster) and
// returns the previous key set, for callers that need to compute a diff
// (e.g. to synthesize deletes for a full-snapshot message).
func (s *Store) ReplaceCluster(app, cluster string, next map[string]Value) map[string]Value {
	s.mu.Lock()
	if s.data[app] == nil {
		s.data[app] = make(map[string]map[string]Value)
	}
	prev := s.data[app][cluster]
	s.data[app][cluster] = next
	s.mu.Unlock()
	s.Save()
	return prev
}

// Snapshot returns a deep copy of the entire projection.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.data))
	for app, clusters := range s.data {
		out[app] = make(map[string]map[string]Value, len(clusters))
		for cluster, keys := range clusters {
			out[app][cluster] = make(map[string]Value, len(keys))
			for k, v := range keys {
				out[app][cluster][k] = v
			}
		}
	}
	return out
}

// Save acquires the per-file writer lock and persists the current
// snapshot via atomic temp-file-plus-rename. If the lock cannot be
// acquired, a peer process is the writer and this call is a no-op — the
// in-memory state remains authoritative for this process regardless.
func (s *Store) Save() {
	if s.path == "" {
		return
	}
	if !s.wlock.Acquire() {
		slog.Debug("writer lock held by a peer, skipping save", "path", s.path)
		return
	}

	s.mu.RLock()
	// encoding/json already renders map keys in sorted order, giving the
	// same write-determinism CachedDict gets from json.dumps(sort_keys=True).
	payload, err := json.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		slog.Error("serializing cache snapshot failed", "path", s.path, "err", err)
		s.wlock.Release()
		return
	}

	if err := atomicWrite(s.path, payload); err != nil {
		slog.Error("writing cache file failed", "path", s.path, "err", err)
		return
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		slog.Debug("cache file permission change failed", "path", s.path, "err", err)
	}

	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	notifier.publish()
}

// Close releases the writer lock, if held.
func (s *Store) Close() {
	if s.wlock == nil {
		return
	}
	s.wlock.Release()
}

// atomicWrite writes data to a temp file in the same directory then
// renames it over path, so readers (the file-cache tail loop) never
// observe a half-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o666); err != nil {
		slog.Debug("temp cache file permission change failed", "path", tmpName, "err", err)
	}
	return os.Rename(tmpName, path)
}

func mapsEqual(a, b Value) bool {
	if len(a) != len(b) {
		return false
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
