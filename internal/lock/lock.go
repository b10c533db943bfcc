// Package lock provides cross-process exclusive locking for a library root
// directory, enforcing the single-writer discipline a library's on-disk
// state depends on.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// WriterLock guards a library root against concurrent writers using
// gofrs/flock. Build, insert, and promote all take this lock for their
// duration; readers never need it since a fully-built library's arrays are
// read-only. Works on all platforms (Unix, Linux, macOS, Windows).
type WriterLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a writer lock for the given library root. The lock file is
// created at <root>/.write.lock.
func New(root string) *WriterLock {
	lockPath := filepath.Join(root, ".write.lock")
	return &WriterLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Lock acquires the exclusive lock, blocking until available, then stamps
// the lock file with this process's PID so a later caller that finds the
// library root locked (Stale, Owner) can report who is holding it instead
// of just "busy".
func (l *WriterLock) Lock() error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	l.locked = true
	// Best-effort: a failure to stamp the owner doesn't affect locking
	// correctness, only the quality of a later staleness diagnostic.
	_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
	return nil
}

// TryLock attempts to acquire the lock without blocking. Returns false if
// another process (or goroutine) currently holds it.
func (l *WriterLock) TryLock() (bool, error) {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire write lock: %w", err)
	}

	if acquired {
		l.locked = true
		_ = os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call multiple times or when unlocked.
func (l *WriterLock) Unlock() error {
	if !l.locked {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		l.locked = false
		return fmt.Errorf("release write lock: %w", err)
	}

	l.locked = false
	return nil
}

// Path returns the path to the lock file.
func (l *WriterLock) Path() string {
	return l.path
}

// IsLocked reports whether the lock is currently held by this instance.
func (l *WriterLock) IsLocked() bool {
	return l.locked
}

// Owner returns the PID stamped by whichever process most recently
// acquired this lock file, and whether a readable PID was found at all. A
// lock file that predates the PID stamp, or was written mid-update by a
// concurrent acquirer, reports ok=false rather than a guessed value.
func (l *WriterLock) Owner() (pid int, ok bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Stale reports whether the lock file at this path is older than maxAge:
// the signature of a writer that crashed mid-build/write/promote without
// ever reaching Unlock (spec §7 KindIO: a failed write must leave the
// library unchanged, but the lock file itself is not part of that atomic
// rename and can outlive the process that created it). A caller blocked in
// Lock() can poll this to decide whether to keep waiting or surface a
// diagnostic naming the stamped Owner instead.
func (l *WriterLock) Stale(maxAge time.Duration) bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= maxAge
}
