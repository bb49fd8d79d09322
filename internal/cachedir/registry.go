package cachedir

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// LockFileName is the lock file created inside a claimed directory.
const LockFileName = ".hybridhost.lock"

// ErrBusy is returned when the directory is held by a live runtime or by
// another process.
var ErrBusy = errors.New("cache directory in use")

// Claim is exclusive ownership of one cache directory.
type Claim struct {
	reg   *Registry
	dir   string
	owner string
	lock  *flock.Flock

	releasing bool          // guarded by reg.mu
	done      chan struct{} // closed by Release
	once      sync.Once
}

// Dir returns the claimed directory.
func (c *Claim) Dir() string { return c.dir }

// Owner returns the owner passed to Acquire.
func (c *Claim) Owner() string { return c.owner }

// BeginRelease marks the claim as shutting down. Acquire calls for the same
// directory wait for Release instead of failing with ErrBusy.
func (c *Claim) BeginRelease() {
	c.reg.mu.Lock()
	c.releasing = true
	c.reg.mu.Unlock()
}

// Release unlocks the directory and wakes waiting Acquire calls.
// It is idempotent.
func (c *Claim) Release() error {
	var err error
	c.once.Do(func() {
		err = c.lock.Unlock()

		c.reg.mu.Lock()
		if c.reg.claims[c.dir] == c {
			delete(c.reg.claims, c.dir)
		}
		c.reg.mu.Unlock()

		close(c.done)
	})
	return err
}

// Registry tracks claims made through it. One Registry is shared by every
// runtime that may use the same directory.
type Registry struct {
	mu     sync.Mutex
	claims map[string]*Claim
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{claims: make(map[string]*Claim)}
}

// Acquire claims dir for owner. If a previous claim is being released,
// Acquire waits for it (bounded by ctx). A claim that is not being released,
// or a lock held by another process, fails immediately with ErrBusy.
func (r *Registry) Acquire(ctx context.Context, dir, owner string) (*Claim, error) {
	dir = filepath.Clean(dir)
	for {
		r.mu.Lock()
		existing := r.claims[dir]
		if existing == nil {
			claim, err := r.claimLocked(dir, owner)
			r.mu.Unlock()
			return claim, err
		}
		if !existing.releasing {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is held by %s", ErrBusy, dir, existing.owner)
		}
		done := existing.done
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s to release %s: %w", existing.owner, dir, ctx.Err())
		}
	}
}

func (r *Registry) claimLocked(dir, owner string) (*Claim, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cache directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is locked by another process", ErrBusy, dir)
	}

	claim := &Claim{
		reg:   r,
		dir:   dir,
		owner: owner,
		lock:  lock,
		done:  make(chan struct{}),
	}
	r.claims[dir] = claim
	return claim, nil
}

// Holder reports who currently holds dir.
func (r *Registry) Holder(dir string) (owner string, releasing bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.claims[filepath.Clean(dir)]
	if !ok {
		return "", false, false
	}
	return c.owner, c.releasing, true
}

// Held reports whether another process holds the lock on dir. A directory
// without a lock file is reported as free.
func Held(dir string) (inUse bool, err error) {
	path := filepath.Join(dir, LockFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", path, err)
	}
	if !ok {
		return true, nil
	}
	return false, lock.Unlock()
}
