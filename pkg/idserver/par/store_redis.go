// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package par

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumedMarker replaces the record value once consumed. The key keeps its
// original TTL, so a replay inside the validity window still resolves to
// "consumed" instead of "unknown".
const consumedMarker = "consumed"

// RedisStore is a Store shared across server instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a RedisStore using the given client and key prefix.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(reference string) string {
	return s.keyPrefix + "par:" + reference
}

// Create persists the record with a TTL matching its expiry, so Redis itself
// enforces the expiry contract.
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record.Reference == "" {
		return fmt.Errorf("reference cannot be empty")
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("record already expired")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(record.Reference), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist pushed authorization request: %w", err)
	}
	return nil
}

// Get returns the record while unconsumed and unexpired, else ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, reference string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(reference)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pushed authorization request: %w", err)
	}
	if data == consumedMarker {
		return nil, ErrNotFound
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		// Unreadable record: self-heal by deleting it.
		_ = s.client.Del(ctx, s.key(reference)).Err()
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Consume replaces the value with the consumed marker in a single SET XX
// KEEPTTL, which is atomic server-side: concurrent consumers observe one
// transition, and consuming an absent or already consumed record is a no-op.
func (s *RedisStore) Consume(ctx context.Context, reference string) error {
	err := s.client.SetArgs(ctx, s.key(reference), consumedMarker, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if errors.Is(err, redis.Nil) {
		// SET XX on a missing key reports no-op via nil reply.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to consume pushed authorization request: %w", err)
	}
	return nil
}

// Delete removes the record outright.
func (s *RedisStore) Delete(ctx context.Context, reference string) error {
	if err := s.client.Del(ctx, s.key(reference)).Err(); err != nil {
		return fmt.Errorf("failed to delete pushed authorization request: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
