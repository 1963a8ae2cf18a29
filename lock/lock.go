// Package lock provides short-lived named locks used to keep concurrent
// processes from refreshing the same session at once.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/internal/uuid"
)

// Locker acquires expiring named locks without blocking.
type Locker interface {
	// TryLock attempts to take key for ttl. ok is false when another holder
	// has it. release is non-nil only when ok is true; it frees the lock if
	// this holder still owns it and is safe to call more than once.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type localEntry struct {
	token   string
	expires time.Time
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	held  map[string]localEntry
	nowFn func() time.Time
}

// NewLocal returns an empty Local.
func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry), nowFn: time.Now}
}

func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.New()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; ok && e.token == token {
				delete(l.held, key)
			}
		})
	}, true, nil
}
