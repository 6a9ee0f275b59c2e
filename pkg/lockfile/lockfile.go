// Package lockfile provides advisory file locks for serializing
// crontab rewrites and other read-modify-write sequences across
// processes. Locks are kernel-managed, so a crashed holder releases its
// lock automatically and no stale-lock cleanup is needed.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/concretebackup/concrete-backup/pkg/util"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// retryInterval paces AcquireContext polls.
const retryInterval = 100 * time.Millisecond

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock without blocking. It returns ErrLocked when the
// lock is held elsewhere. The lock file is created if missing and left
// in place on release; only the kernel lock state matters.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, util.UserWritableFilePerms)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := flock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &Lock{f: f, path: path}, nil
}

// AcquireContext retries Acquire until it succeeds or the context ends.
func AcquireContext(ctx context.Context, path string) (*Lock, error) {
	for {
		l, err := Acquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := funlock(l.f); err != nil {
		l.f.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return l.f.Close()
}
