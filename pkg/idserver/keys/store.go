// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idserver/pkg/logger"
)

// Store is the shared signing-key store. It is accessed by every server
// instance; AddIfStale is the cross-process half of rotation safety and must
// be atomic (check-then-insert in one store operation).
type Store interface {
	// All returns every key in the key set, newest first.
	All(ctx context.Context, keySet string) ([]*Key, error)

	// AddIfStale persists key unless the key set already holds a key newer
	// than maxAge. It returns false when another caller (possibly in another
	// process) already rotated; the caller must then use the existing key
	// and perform no write.
	AddIfStale(ctx context.Context, keySet string, key *Key, maxAge time.Duration) (bool, error)

	// Delete removes a fully retired key.
	Delete(ctx context.Context, keySet, keyID string) error
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string][]*Key
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string][]*Key)}
}

// All returns the key set's keys, newest first.
func (s *MemoryStore) All(_ context.Context, keySet string) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]*Key, len(s.sets[keySet]))
	copy(keys, s.sets[keySet])
	sortNewestFirst(keys)
	return keys, nil
}

// AddIfStale inserts key unless a fresh key already exists. The check and
// insert happen under one lock acquisition, so concurrent callers observe
// exactly one winner.
func (s *MemoryStore) AddIfStale(_ context.Context, keySet string, key *Key, maxAge time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for _, existing := range s.sets[keySet] {
		if existing.CreatedAt.After(cutoff) {
			return false, nil
		}
	}
	s.sets[keySet] = append(s.sets[keySet], key)
	return true, nil
}

// Delete removes the key with keyID from the key set.
func (s *MemoryStore) Delete(_ context.Context, keySet, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.sets[keySet]
	for i, k := range keys {
		if k.ID == keyID {
			s.sets[keySet] = append(keys[:i], keys[i+1:]...)
			return nil
		}
	}
	return nil
}

// RedisStore is a Store backed by Redis, shared across server instances.
// Keys live in a hash per key set; the rotation freshness marker is a
// SETNX'd key with a TTL equal to the rotation interval, which makes the
// check-then-insert a single atomic operation fleet-wide.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a RedisStore using the given client and key prefix.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) setKey(keySet string) string {
	return s.keyPrefix + "signingkeys:" + keySet
}

func (s *RedisStore) markerKey(keySet string) string {
	return s.keyPrefix + "signingkeys:" + keySet + ":fresh"
}

// All returns the key set's keys, newest first. Entries that fail to parse
// are skipped and logged; a single corrupt entry must not take down JWKS.
func (s *RedisStore) All(ctx context.Context, keySet string) ([]*Key, error) {
	raw, err := s.client.HGetAll(ctx, s.setKey(keySet)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	keys := make([]*Key, 0, len(raw))
	for keyID, data := range raw {
		k, err := UnmarshalKey([]byte(data))
		if err != nil {
			logger.Warnw("skipping unparseable signing key", "key_set", keySet, "key_id", keyID, "error", err)
			continue
		}
		keys = append(keys, k)
	}
	sortNewestFirst(keys)
	return keys, nil
}

// AddIfStale wins only if the freshness marker is absent. SETNX sets the
// marker with TTL maxAge in one round trip, so exactly one instance in the
// fleet can win per rotation window.
func (s *RedisStore) AddIfStale(ctx context.Context, keySet string, key *Key, maxAge time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, s.markerKey(keySet), key.ID, maxAge).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire rotation marker: %w", err)
	}
	if !won {
		return false, nil
	}

	data, err := key.Marshal()
	if err != nil {
		// Give the marker back so another instance can rotate.
		_ = s.client.Del(ctx, s.markerKey(keySet)).Err()
		return false, err
	}
	if err := s.client.HSet(ctx, s.setKey(keySet), key.ID, data).Err(); err != nil {
		_ = s.client.Del(ctx, s.markerKey(keySet)).Err()
		return false, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return true, nil
}

// Delete removes the key with keyID from the key set.
func (s *RedisStore) Delete(ctx context.Context, keySet, keyID string) error {
	if err := s.client.HDel(ctx, s.setKey(keySet), keyID).Err(); err != nil {
		return fmt.Errorf("failed to delete signing key: %w", err)
	}
	return nil
}

func sortNewestFirst(keys []*Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
