// Package lock provides the per-source mutual exclusion used to keep two
// sweep runs of the same account from interleaving their batches, both
// in-process and across daemons sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("lock: already held")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires a lock without waiting; contention returns ErrLocked.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), now: time.Now}
}

// Acquire implements Locker. Expired entries are treated as free; a
// non-positive ttl holds the key until Release.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.held[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return nil, ErrLocked
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.held[key] = expires
	return &memoryLease{owner: m, key: key, expires: expires}, nil
}

type memoryLease struct {
	owner   *Memory
	key     string
	expires time.Time
	once    sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		defer l.owner.mu.Unlock()
		// 过期后被他人重新获取时不能误删。
		if current, ok := l.owner.held[l.key]; ok && current.Equal(l.expires) {
			delete(l.owner.held, l.key)
		}
	})
	return nil
}

// Nop never contends. It is used when locking is disabled in config.
type Nop struct{}

// Acquire implements Locker.
func (Nop) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(context.Context) error { return nil }
