package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Locker provides per-spec mutual exclusion: an in-process semaphore plus an
// advisory file lock at <dir>/<spec>.lock so separate processes on the same
// host serialize too. Distinct spec ids never contend.
type Locker struct {
	dir   string
	retry time.Duration

	mu   sync.Mutex
	sems map[string]chan struct{}
	held map[string]*flock.Flock
}

// NewLocker creates a Locker that keeps lock files in dir.
func NewLocker(dir string) *Locker {
	return &Locker{
		dir:   dir,
		retry: 25 * time.Millisecond,
		sems:  make(map[string]chan struct{}),
		held:  make(map[string]*flock.Flock),
	}
}

func (l *Locker) sem(specID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.sems[specID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.sems[specID] = ch
	}
	return ch
}

// Lock blocks until the spec's lock is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, specID string) error {
	ch := l.sem(specID)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", specID, ctx.Err())
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		<-ch
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}
	fl := flock.New(filepath.Join(l.dir, specID+".lock"))
	ok, err := fl.TryLockContext(ctx, l.retry)
	if err != nil || !ok {
		<-ch
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("lock %s: %w", specID, err)
	}

	l.mu.Lock()
	l.held[specID] = fl
	l.mu.Unlock()
	return nil
}

// Unlock releases a lock taken with Lock. Unlocking a spec that is not held is an error.
func (l *Locker) Unlock(specID string) error {
	l.mu.Lock()
	fl, ok := l.held[specID]
	delete(l.held, specID)
	ch := l.sems[specID]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("unlock %s: not locked", specID)
	}
	err := fl.Unlock()
	<-ch
	if err != nil {
		return fmt.Errorf("unlock %s: %w", specID, err)
	}
	return nil
}
