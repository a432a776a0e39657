// Package inbox records which incoming messages were already handled so that
// redeliveries can be skipped.
package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a marker is kept. Redeliveries arrive well within
// it; a marker that expires only costs one redundant publish.
const DefaultTTL = 24 * time.Hour

// Redis keeps markers as expiring keys.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis inbox. Keys are stored under prefix.
func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *Redis) key(k string) string { return s.prefix + k }

// Seen reports whether key was marked.
func (s *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "exists")
	}
	return n > 0, nil
}

// Mark records key.
func (s *Redis) Mark(ctx context.Context, key string) error {
	if err := s.rdb.Set(ctx, s.key(key), "1", s.ttl).Err(); err != nil {
		return errors.Wrap(err, "set")
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Redis) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Memory keeps markers in process memory.
type Memory struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	keys      map[string]time.Time
	lastSweep time.Time
}

// NewMemory creates an in-memory inbox.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, keys: make(map[string]time.Time)}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.keys[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.keys, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if now.Sub(m.lastSweep) >= m.ttl {
		m.sweepLocked(now)
	}
	m.keys[key] = now.Add(m.ttl)
	return nil
}

// sweepLocked drops expired markers. Mark runs it at most once per ttl, so
// memory stays bounded by the keys marked within two ttl windows.
func (m *Memory) sweepLocked(now time.Time) {
	for k, exp := range m.keys {
		if !now.Before(exp) {
			delete(m.keys, k)
		}
	}
	m.lastSweep = now
}
