package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries the caller's token.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.find(v, ARGV[1], 1, true) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSemaphoreStore shares occupancy between processes through Redis.
// Staleness is enforced by key expiry.
type RedisSemaphoreStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSemaphoreStore(client *redis.Client, prefix string) *RedisSemaphoreStore {
	if prefix == "" {
		prefix = "semaphore:"
	}
	return &RedisSemaphoreStore{client: client, prefix: prefix}
}

func (s *RedisSemaphoreStore) redisKey(name, key string) string {
	return s.prefix + name + ":" + key
}

func (s *RedisSemaphoreStore) TryAcquire(ctx context.Context, name, key string, occ Occupant, staleAfter time.Duration) (*Occupant, bool, error) {
	bytes, err := json.Marshal(occ)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal occupant: %w", err)
	}
	rk := s.redisKey(name, key)
	ok, err := s.client.SetNX(ctx, rk, bytes, staleAfter).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set semaphore %s: %w", rk, err)
	}
	if ok {
		return &occ, true, nil
	}

	val, err := s.client.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		// released or expired between SETNX and GET
		return nil, false, fmt.Errorf("semaphore %s: %w", rk, ErrSemaphoreTransient)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get semaphore %s: %w", rk, err)
	}
	var holder Occupant
	if err := json.Unmarshal([]byte(val), &holder); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal occupant of %s: %w", rk, err)
	}
	return &holder, false, nil
}

func (s *RedisSemaphoreStore) Release(ctx context.Context, name, key, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.redisKey(name, key)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release semaphore %s: %w", s.redisKey(name, key), err)
	}
	return nil
}
