package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSweepLock implements SweepLock with SET NX PX and a token check on release
type RedisSweepLock struct {
	client *redis.Client
	token  string
}

// NewRedisSweepLock creates a sweep lock owned by this process
func NewRedisSweepLock(client *redis.Client) *RedisSweepLock {
	return &RedisSweepLock{
		client: client,
		token:  uuid.New().String(),
	}
}

// TryAcquire takes the lock for ttl
func (l *RedisSweepLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, l.token, ttl).Result()
}

// Release frees the lock if this process still holds it
func (l *RedisSweepLock) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, l.client, []string{key}, l.token).Err()
}

// Ping checks the Redis connection
func (l *RedisSweepLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// LocalSweepLock implements SweepLock for a single process
type LocalSweepLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewLocalSweepLock creates an in-process sweep lock
func NewLocalSweepLock() *LocalSweepLock {
	return &LocalSweepLock{
		held:  make(map[string]time.Time),
		nowFn: time.Now,
	}
}

// TryAcquire takes the lock unless an unexpired holder owns it
func (l *LocalSweepLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if expiresAt, ok := l.held[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

// Release frees the lock
func (l *LocalSweepLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.held, key)
	return nil
}

// Ping always succeeds
func (l *LocalSweepLock) Ping(ctx context.Context) error {
	return nil
}
