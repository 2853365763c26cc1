// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redeemedMarker replaces a code's value once redeemed. The key keeps its
// original TTL, so reuse inside the validity window is detected instead of
// reading as an unknown code.
const redeemedMarker = "redeemed"

// RedisCodeStore is a CodeStore shared across server instances.
type RedisCodeStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisCodeStore creates a RedisCodeStore using the given client and key
// prefix.
func NewRedisCodeStore(client redis.UniversalClient, keyPrefix string) *RedisCodeStore {
	return &RedisCodeStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisCodeStore) key(value string) string {
	return s.keyPrefix + "code:" + value
}

func (s *RedisCodeStore) tokensKey(value string) string {
	return s.keyPrefix + "code-tokens:" + value
}

// Create persists the code with a TTL matching its expiry.
func (s *RedisCodeStore) Create(ctx context.Context, code *Code) error {
	if code.Value == "" {
		return fmt.Errorf("code value cannot be empty")
	}

	ttl := time.Until(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("code already expired")
	}

	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal code: %w", err)
	}
	if err := s.client.Set(ctx, s.key(code.Value), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist authorization code: %w", err)
	}
	return nil
}

// Redeem replaces the stored value with the redeemed marker and returns the
// previous value, all in one SET XX GET KEEPTTL, which Redis executes
// atomically: two racing redeemers observe exactly one success.
func (s *RedisCodeStore) Redeem(ctx context.Context, value string) (*Code, error) {
	previous, err := s.client.SetArgs(ctx, s.key(value), redeemedMarker, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
		Get:     true,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if previous == redeemedMarker {
		return nil, ErrCodeReused
	}

	var code Code
	if err := json.Unmarshal([]byte(previous), &code); err != nil {
		_ = s.client.Del(ctx, s.key(value)).Err()
		return nil, ErrCodeNotFound
	}
	return &code, nil
}

// BindTokens records issued token identifiers alongside the redeemed code,
// retained as long as the code itself would have lived.
func (s *RedisCodeStore) BindTokens(ctx context.Context, value string, tokenIDs []string) error {
	ttl, err := s.client.TTL(ctx, s.key(value)).Result()
	if err != nil || ttl <= 0 {
		// The code is gone; nothing to bind against.
		return nil
	}

	data, err := json.Marshal(tokenIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal token ids: %w", err)
	}
	if err := s.client.Set(ctx, s.tokensKey(value), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist token bindings: %w", err)
	}
	return nil
}

// TokensFor returns the token identifiers bound to the code.
func (s *RedisCodeStore) TokensFor(ctx context.Context, value string) ([]string, error) {
	data, err := s.client.Get(ctx, s.tokensKey(value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token bindings: %w", err)
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(data), &tokenIDs); err != nil {
		return nil, nil
	}
	return tokenIDs, nil
}

var _ CodeStore = (*RedisCodeStore)(nil)
