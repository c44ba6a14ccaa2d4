package cache

import (
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// WriterLock is an advisory, non-blocking exclusive file lock, held for the
// lifetime of a writer loop. It is safe to call Acquire repeatedly from the
// same owning process (it is idempotent), and it self-invalidates across
// fork: a child process sees a fresh, unlocked handle rather than silently
// inheriting the parent's lock ownership, because flock() locks attach to
// the open file description and would otherwise be shared across fork.
type WriterLock struct {
	mu     sync.Mutex
	path   string
	pid    int
	file   *os.File
	locked bool
}

// NewWriterLock returns a lock bound to path. The lock file itself is not
// opened until the first Acquire call.
func NewWriterLock(path string) *WriterLock {
	return &WriterLock{path: path, pid: os.Getpid()}
}

// Path returns the backing lock file path.
func (w *WriterLock) Path() string { return w.path }

// Acquire attempts a non-blocking exclusive flock. It returns whether this
// process now holds the lock. Safe to call again while already held (no-op,
// returns true).
func (w *WriterLock) Acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalidateAcrossFork()

	if w.locked {
		return true
	}

	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR, 0o666)
		if err != nil {
			slog.Error("acquiring writer lock failed", "path", w.path, "err", err)
			return false
		}
		w.file = f
	}

	if err := unix.Flock(int(w.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	w.locked = true

	if err := os.Chmod(w.path, 0o666); err != nil {
		slog.Debug("changing writer lock permission failed", "path", w.path, "err", err)
	}
	return true
}

// Release releases the lock if held by this process.
func (w *WriterLock) Release() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalidateAcrossFork()

	if !w.locked || w.file == nil {
		return true
	}
	err := unix.Flock(int(w.file.Fd()), unix.LOCK_UN)
	w.file.Close()
	w.file = nil
	w.locked = false
	return err == nil
}

// invalidateAcrossFork discards a stale file handle if the current PID
// differs from the PID that created it — a fork()'d child must never
// observe itself as already holding the parent's lock.
func (w *WriterLock) invalidateAcrossFork() {
	if os.Getpid() == w.pid {
		return
	}
	w.pid = os.Getpid()
	w.file = nil
	w.locked = false
}

// Held reports whether this process currently believes it holds the lock.
func (w *WriterLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalidateAcrossFork()
	return w.locked
}
