package worklist

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another run already holds the run lock.
var ErrLocked = errors.New("another reconciliation run is in progress")

// RunLock is an advisory lock held for the duration of one run. It sits next
// to the worklist file so that two runs can never race on it.
type RunLock struct {
	flock *flock.Flock
}

// LockPath returns the lock file path guarding the worklist at path.
func LockPath(path string) string {
	return path + ".lock"
}

// AcquireRunLock takes the run lock for the worklist at path without blocking.
func AcquireRunLock(path string) (*RunLock, error) {
	fl := flock.New(LockPath(path))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, fl.Path())
	}
	return &RunLock{flock: fl}, nil
}

// Release drops the lock. Safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	return l.flock.Unlock()
}
