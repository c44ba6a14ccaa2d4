package treewatch

import (
	"fmt"
	"log/slog"
	"time"
)

// WatchKey installs a single-node data watch, idempotent re-registration:
// calling it again for a path that already has one just swaps the callback.
// At most one data watch exists per path at a time.
func (c *BaseClient) WatchKey(path string, cb ValueCallback) {
	c.mu.Lock()
	gen := c.generation
	c.dataWatches[path] = &dataWatch{generation: gen, cb: cb}
	c.mu.Unlock()

	if err := c.send(clientFrame{Op: "watch_key", Path: path}); err != nil {
		slog.Debug("watch_key send deferred until reconnect", "path", path, "err", err)
	}
}

// UnwatchKey removes a previously installed data watch.
func (c *BaseClient) UnwatchKey(path string) {
	c.mu.Lock()
	delete(c.dataWatches, path)
	c.mu.Unlock()
	_ = c.send(clientFrame{Op: "unwatch_key", Path: path})
}

// WatchPath installs both a data watch and a children watch on a directory.
// The children watch is what config.py/switch.py's register_config calls
// use to discover the current key set; the paired data watch lets a
// CREATED event on the directory node itself (signalling the parent was
// deleted then recreated) auto-restart a children watch that had stopped.
func (c *BaseClient) WatchPath(path string, cb ChildrenCallback) {
	c.mu.Lock()
	gen := c.generation
	c.pathWatches[path] = &pathWatch{generation: gen, cb: cb, watchingData: true}
	c.mu.Unlock()

	if err := c.send(clientFrame{Op: "watch_path", Path: path}); err != nil {
		slog.Debug("watch_path send deferred until reconnect", "path", path, "err", err)
	}

	// The parent directory's own data watch restarts the children watch on
	// a CREATED event, handling delete-then-recreate races.
	c.WatchKey(path, func(_ []byte, meta Meta) {
		if meta.IsDeleted {
			return
		}
		c.mu.Lock()
		w, ok := c.pathWatches[path]
		if ok {
			w.watchingData = true
		}
		c.mu.Unlock()
		if ok {
			_ = c.send(clientFrame{Op: "watch_path", Path: path})
		}
	})
}

// UnwatchPath removes a previously installed children+data watch pair.
func (c *BaseClient) UnwatchPath(path string) {
	c.mu.Lock()
	delete(c.pathWatches, path)
	delete(c.dataWatches, path)
	c.mu.Unlock()
	_ = c.send(clientFrame{Op: "unwatch_path", Path: path})
	_ = c.send(clientFrame{Op: "unwatch_key", Path: path})
}

// EnsurePath asks the server to create every missing node along path,
// mirroring kazoo's ensure_path — required before WatchPath's children
// watch can observe anything.
func (c *BaseClient) EnsurePath(path string) error {
	return c.send(clientFrame{Op: "ensure_path", Path: path, MakePath: true})
}

// Create creates path with value, retrying retryTimes times at interval
// between attempts. Ephemeral nodes vanish when this session ends — used
// so a service instance can re-register immediately after a brief session
// loss rather than waiting for an external TTL to expire.
func (c *BaseClient) Create(path string, value []byte, ephemeral, makepath bool, retryTimes int, interval time.Duration) error {
	if retryTimes <= 0 {
		retryTimes = 1
	}

	var lastErr error
	for attempt := 0; attempt < retryTimes; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}
		if err := c.createOnce(path, value, ephemeral, makepath); err != nil {
			lastErr = err
			slog.Warn("tree-watch create attempt failed", "path", path, "attempt", attempt, "err", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("treewatch: create %q failed after %d attempts: %w", path, retryTimes, lastErr)
}

func (c *BaseClient) createOnce(path string, value []byte, ephemeral, makepath bool) error {
	ch := make(chan serverFrame, 1)
	c.pendingCreates.Store(path, ch)
	defer c.pendingCreates.Delete(path)

	if err := c.send(clientFrame{Op: "create", Path: path, Value: string(value), Ephemeral: ephemeral, MakePath: makepath}); err != nil {
		return err
	}

	select {
	case f := <-ch:
		if !f.OK {
			return fmt.Errorf("treewatch: server rejected create %q: %s", path, f.Error)
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("treewatch: create %q timed out waiting for ack", path)
	}
}
