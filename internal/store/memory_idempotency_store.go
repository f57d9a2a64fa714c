package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryIdempotencyStore implements IdempotencyStore in process memory.
// It is used when Redis is disabled and by tests.
type MemoryIdempotencyStore struct {
	data    map[string]*cacheEntry
	mu      sync.RWMutex
	maxSize int
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
	logger  *zap.Logger
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory store holding at most maxSize keys
func NewMemoryIdempotencyStore(maxSize int, logger *zap.Logger) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		data:    make(map[string]*cacheEntry),
		maxSize: maxSize,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}

	// Start cleanup goroutine
	go s.cleanup(time.Minute)

	return s
}

// Get retrieves a cached response
func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.data[key]
	if !exists || s.now().After(entry.expiresAt) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Set stores a response with TTL
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl)
	return nil
}

// SetNX stores a value with TTL unless a live entry holds the key
func (s *MemoryIdempotencyStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.data[key]; exists && !s.now().After(entry.expiresAt) {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *MemoryIdempotencyStore) setLocked(key string, value []byte, ttl time.Duration) {
	now := s.now()
	if _, exists := s.data[key]; !exists && s.maxSize > 0 && len(s.data) >= s.maxSize {
		s.evictLocked(now)
	}

	s.data[key] = &cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
}

// evictLocked drops expired entries, or the entry closest to expiry when none are
func (s *MemoryIdempotencyStore) evictLocked(now time.Time) {
	var (
		victim string
		oldest time.Time
	)
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(oldest) {
			victim, oldest = k, e.expiresAt
		}
	}
	if len(s.data) >= s.maxSize && victim != "" {
		delete(s.data, victim)
	}
}

// Delete removes an idempotency key
func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Ping always succeeds
func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (s *MemoryIdempotencyStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

// Size returns the number of stored keys
func (s *MemoryIdempotencyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cleanup periodically removes expired entries
func (s *MemoryIdempotencyStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, entry := range s.data {
				if now.After(entry.expiresAt) {
					delete(s.data, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}
