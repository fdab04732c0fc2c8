package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
	"github.com/stellardevsa/marketplace/services/common/clock"
)

// RedisLocker hands out locks shared by every checkout instance using the
// same Redis. Acquisition never waits: a held key fails with
// services.ErrLockHeld.
type RedisLocker struct {
	rs *redsync.Redsync
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client))}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (services.Lock, error) {
	m := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, services.ErrLockHeld
		}
		return nil, fmt.Errorf("locking %s: %w", key, err)
	}
	return redisLock{m: m}, nil
}

type redisLock struct {
	m *redsync.Mutex
}

func (l redisLock) Release(ctx context.Context) error {
	ok, err := l.m.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s was not held", l.m.Name())
	}
	return nil
}

// MemoryLocker is a Locker for a single instance.
type MemoryLocker struct {
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]memoryEntry
}

type memoryEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker(c clock.Clock) *MemoryLocker {
	if c == nil {
		c = clock.NewSystem()
	}
	return &MemoryLocker{clock: c, locks: make(map[string]memoryEntry)}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (services.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if e, ok := l.locks[key]; ok && now.Before(e.expires) {
		return nil, services.ErrLockHeld
	}
	token := uuid.NewString()
	l.locks[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLock{owner: l, key: key, token: token}, nil
}

// Held returns the number of unexpired locks.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	n := 0
	for _, e := range l.locks {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

type memoryLock struct {
	owner *MemoryLocker
	key   string
	token string
}

// Release drops the lock if this holder still owns it.
func (m *memoryLock) Release(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if e, ok := m.owner.locks[m.key]; ok && e.token == m.token {
		delete(m.owner.locks, m.key)
	}
	return nil
}
