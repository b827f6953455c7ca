package workspace

import (
	"fmt"

	"github.com/gofrs/flock"
)

// Lock is an inter-process workspace lock.
// The ingest writer takes it exclusively; servers take it shared so a
// writer cannot swap files under a half-open reader set.
type Lock struct {
	fl *flock.Flock
}

// AcquireExclusive takes the writer lock, failing fast if held.
func (l Layout) AcquireExclusive() (*Lock, error) {
	fl := flock.New(l.LockPath())
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s is locked by another process", l.WorkspaceDir())
	}
	return &Lock{fl: fl}, nil
}

// AcquireShared takes a reader lock, failing fast if a writer holds it.
func (l Layout) AcquireShared() (*Lock, error) {
	fl := flock.New(l.LockPath())
	ok, err := fl.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("acquire shared workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s is locked for writing", l.WorkspaceDir())
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. Safe to call once.
func (lk *Lock) Release() error {
	return lk.fl.Unlock()
}
