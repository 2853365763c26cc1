// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache is the short-TTL cache used to reject proof replays. A jti is
// accepted at most once within its validity window; the insert must be
// atomic (get-or-add in one operation) so two concurrent presentations of
// the same proof cannot both pass.
type ReplayCache interface {
	// AddIfAbsent records jti for ttl. It returns true when the jti was not
	// already present.
	AddIfAbsent(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// MemoryReplayCache is a process-local ReplayCache for development and tests.
type MemoryReplayCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewMemoryReplayCache creates an empty MemoryReplayCache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{seen: make(map[string]time.Time)}
}

// AddIfAbsent records jti for ttl. Expired entries are swept opportunistically
// on every insert, bounding the map by the proof validity window.
func (c *MemoryReplayCache) AddIfAbsent(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, k)
		}
	}

	if exp, ok := c.seen[jti]; ok && now.Before(exp) {
		return false, nil
	}
	c.seen[jti] = now.Add(ttl)
	return true, nil
}

// RedisReplayCache is a ReplayCache shared across server instances.
type RedisReplayCache struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisReplayCache creates a RedisReplayCache using the given client and
// key prefix.
func NewRedisReplayCache(client redis.UniversalClient, keyPrefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, keyPrefix: keyPrefix}
}

// AddIfAbsent records jti for ttl via SETNX, which is the required atomic
// get-or-add in a single operation.
func (c *RedisReplayCache) AddIfAbsent(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	added, err := c.client.SetNX(ctx, c.keyPrefix+"dpop:jti:"+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record DPoP jti: %w", err)
	}
	return added, nil
}

// Compile-time interface checks.
var (
	_ ReplayCache = (*MemoryReplayCache)(nil)
	_ ReplayCache = (*RedisReplayCache)(nil)
)
