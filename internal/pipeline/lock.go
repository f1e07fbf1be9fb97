package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLock guards the one-run-per-user invariant. Acquire returns false when
// another run holds the lock.
type RunLock interface {
	Acquire(ctx context.Context, userID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, userID string) error
}

// RedisLock is a distributed run lock backed by SETNX with a TTL so a
// crashed process cannot hold a user's lock forever.
type RedisLock struct {
	Rdb *redis.Client
}

func (l *RedisLock) key(userID string) string { return "run:lock:" + userID }

func (l *RedisLock) Acquire(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return l.Rdb.SetNX(ctx, l.key(userID), "1", ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context, userID string) error {
	return l.Rdb.Del(ctx, l.key(userID)).Err()
}

// MemoryLock is a process-local RunLock for single-node deployments and
// tests.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]time.Time)}
}

func (l *MemoryLock) Acquire(_ context.Context, userID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[userID]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	l.held[userID] = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, userID)
	return nil
}
