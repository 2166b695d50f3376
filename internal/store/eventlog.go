package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventKeyPrefix = "recurrente:event:"

// EventKey builds the deduplication key of an (event type, correlation id) pair.
func EventKey(eventType, correlationID string) string {
	return fmt.Sprintf("%s%s:%s", eventKeyPrefix, eventType, correlationID)
}

// RedisEventLog records processed webhook events in Redis with a TTL.
type RedisEventLog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEventLog(client *redis.Client, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{client: client, ttl: ttl}
}

// Reserve claims key. It returns false when the key was already claimed.
func (l *RedisEventLog) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a reservation so a redelivery of the event is processed again.
func (l *RedisEventLog) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

type MemoryEventLog struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]time.Time
	now  func() time.Time
}

func NewMemoryEventLog(ttl time.Duration) *MemoryEventLog {
	return &MemoryEventLog{ttl: ttl, keys: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryEventLog) Reserve(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if expires, ok := l.keys[key]; ok && (l.ttl <= 0 || now.Before(expires)) {
		return false, nil
	}
	l.keys[key] = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryEventLog) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}
