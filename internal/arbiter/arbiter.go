// Package arbiter implements the per-resource binary permit manager (spec
// §4.3), grounded on common/ratelimit's per-key admission-control concept
// (there: a Redis+Lua counter shared across replicas; here: an in-process
// map since one edge node has no peer to share state with) and on
// golang.org/x/sync/semaphore for the permit itself.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Logger is the narrow logging surface this package depends on.
type Logger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// ErrTimeout is returned when a permit could not be acquired within the
// configured wait window.
type ErrTimeout struct {
	Key       string
	MaxWaitMS int
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("arbiter: timed out acquiring permit %q after %dms", e.Key, e.MaxWaitMS)
}

// defaultGraceMS is the short grace window used when max_wait_ms == 0
// (spec §4.3).
const defaultGraceMS = 50

// Arbiter hands out one binary permit per named resource key.
type Arbiter struct {
	mu    sync.RWMutex
	perms map[string]*semaphore.Weighted
	log   Logger
}

// New creates an empty Arbiter.
func New(log Logger) *Arbiter {
	return &Arbiter{
		perms: make(map[string]*semaphore.Weighted),
		log:   log,
	}
}

// permit returns the semaphore for key, creating it under a write lock with
// double-checked insertion if it doesn't yet exist (spec §4.3).
func (a *Arbiter) permit(key string) *semaphore.Weighted {
	a.mu.RLock()
	p, ok := a.perms[key]
	a.mu.RUnlock()
	if ok {
		return p
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok = a.perms[key]; ok {
		return p
	}
	p = semaphore.NewWeighted(1)
	a.perms[key] = p
	return p
}

// Release is returned by Acquire; callers must invoke it on scope exit.
type Release func()

// Acquire blocks up to maxWaitMS acquiring the binary permit for key. A
// maxWaitMS of 0 uses the short default grace window. Returns an ErrTimeout
// on expiry so the fallback engine can react distinctly from other errors.
func (a *Arbiter) Acquire(ctx context.Context, key string, maxWaitMS int) (Release, error) {
	wait := time.Duration(maxWaitMS) * time.Millisecond
	if maxWaitMS == 0 {
		wait = defaultGraceMS * time.Millisecond
	}

	p := a.permit(key)

	acqCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if err := p.Acquire(acqCtx, 1); err != nil {
		return nil, &ErrTimeout{Key: key, MaxWaitMS: maxWaitMS}
	}

	a.log.Debug("arbiter: permit acquired", "key", key)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		p.Release(1)
		a.log.Debug("arbiter: permit released", "key", key)
	}, nil
}
