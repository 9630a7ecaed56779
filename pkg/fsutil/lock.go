package fsutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/glorpus-work/pahkat/pkg/errors"
)

// Lock is an advisory lock backed by an O_EXCL sidecar file. It
// serializes access to a prefix, the config file, or a cache slot
// across processes on the same machine.
type Lock struct {
	path string
}

// Retry cadence while waiting on a contended lock.
const lockPollInterval = 250 * time.Millisecond

// AcquireLock takes the lock at path, failing immediately with
// ErrLockHeld if another process holds it.
func AcquireLock(path string) (*Lock, error) {
	if err := EnsureFileDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileModeSecure)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(errors.ErrLockHeld, "lock file %s exists", path)
		}
		return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()
	return &Lock{path: path}, nil
}

// WaitLock takes the lock at path, polling until it is free or the
// timeout elapses. A ctx cancellation also ends the wait.
func WaitLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		lock, err := AcquireLock(path)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errors.ErrLockHeld) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, errors.Wrapf(errors.ErrLockTimeout, "waited %s for %s", timeout, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}
