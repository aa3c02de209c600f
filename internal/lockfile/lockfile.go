// Package lockfile provides advisory file locking with bounded retry.
//
// Locks are flock(2) based and therefore advisory: every writer of the
// guarded files must go through this package. Network filesystems with
// unreliable flock semantics (NFS) are not supported.
package lockfile

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Lock acquisition parameters.
const (
	ExclusiveTimeout = 5 * time.Second
	SharedTimeout    = 2 * time.Second
	retryInterval    = 100 * time.Millisecond
)

// Lock holds an open, locked file.
type Lock struct {
	f *os.File
}

// Exclusive opens path (creating it if missing) and acquires an exclusive
// advisory lock, retrying every 100ms until the timeout.
func Exclusive(path string, timeout time.Duration) (*Lock, error) {
	return acquire(path, unix.LOCK_EX, timeout)
}

// Shared opens path and acquires a shared advisory lock for reading.
func Shared(path string, timeout time.Duration) (*Lock, error) {
	return acquire(path, unix.LOCK_SH, timeout)
}

func acquire(path string, how int, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lockfile open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			f.Close() //nolint:errcheck // lock was never acquired
			return nil, fmt.Errorf("lockfile flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			f.Close() //nolint:errcheck // lock was never acquired
			return nil, fmt.Errorf("lockfile %s: timeout after %v", path, timeout)
		}
		time.Sleep(retryInterval)
	}
}

// File exposes the locked file for reading and writing.
func (l *Lock) File() *os.File {
	return l.f
}

// Unlock releases the lock and closes the file.
func (l *Lock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close() //nolint:errcheck // report the flock error instead
		return fmt.Errorf("lockfile unlock: %w", err)
	}
	return l.f.Close()
}
