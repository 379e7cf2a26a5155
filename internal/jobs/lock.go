package jobs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName is the single-process guard file under the data directory.
const LockFileName = "redub.lock"

// ProcessLock holds the single-process flock for a data directory.
type ProcessLock struct {
	path string
	lock *flock.Flock
}

// Acquire takes the process lock under the data directory. The daemon and
// the batch commands both take it, so two processes never walk the same
// store at once. A held lock is refused, not waited on.
func Acquire(dataDir string) (*ProcessLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire process lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another redub process is already running (lock %s)", path)
	}
	return &ProcessLock{path: path, lock: lock}, nil
}

// Path returns the lock file location.
func (p *ProcessLock) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Release drops the lock. Safe to call on nil.
func (p *ProcessLock) Release() {
	if p == nil || p.lock == nil {
		return
	}
	_ = p.lock.Unlock()
}
