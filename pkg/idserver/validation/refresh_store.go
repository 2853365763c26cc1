// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound indicates the refresh token is unknown, expired, or
// revoked.
var ErrTokenNotFound = errors.New("refresh token not found")

// RefreshToken is the server-side state of an issued refresh token.
type RefreshToken struct {
	// Handle is the opaque token value held by the client.
	Handle string

	// ClientID is the client the token was issued to.
	ClientID string

	// Subject and SessionID identify the session the token belongs to.
	Subject   string
	SessionID string

	// Scopes and Resources are the originally authorized sets; refresh
	// requests may only narrow them.
	Scopes    []string
	Resources []string

	// DPoPThumbprint binds the token to a client-held key. Empty when not
	// DPoP-bound.
	DPoPThumbprint string

	// ExpiresAt bounds use.
	ExpiresAt time.Time
}

// RefreshTokenStore persists refresh tokens. Consume removes the token
// atomically with reading it, backing one-time-use rotation without a
// check-then-delete window.
type RefreshTokenStore interface {
	// Create persists a new token.
	Create(ctx context.Context, token *RefreshToken) error

	// Get returns the token while valid, else ErrTokenNotFound.
	Get(ctx context.Context, handle string) (*RefreshToken, error)

	// Consume returns the token and deletes it in one atomic step.
	Consume(ctx context.Context, handle string) (*RefreshToken, error)

	// Delete revokes the token. Deleting an absent token is a no-op.
	Delete(ctx context.Context, handle string) error
}

// MemoryRefreshTokenStore is a process-local RefreshTokenStore.
type MemoryRefreshTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*RefreshToken
}

// NewMemoryRefreshTokenStore creates an empty MemoryRefreshTokenStore.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{tokens: make(map[string]*RefreshToken)}
}

// Create persists the token.
func (s *MemoryRefreshTokenStore) Create(_ context.Context, token *RefreshToken) error {
	if token.Handle == "" {
		return fmt.Errorf("token handle cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.tokens[token.Handle] = &clone
	return nil
}

// Get returns the token while valid.
func (s *MemoryRefreshTokenStore) Get(_ context.Context, handle string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[handle]
	if !ok || time.Now().After(token.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	clone := *token
	return &clone, nil
}

// Consume returns and removes the token under one lock acquisition.
func (s *MemoryRefreshTokenStore) Consume(_ context.Context, handle string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[handle]
	if !ok || time.Now().After(token.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	delete(s.tokens, handle)
	clone := *token
	return &clone, nil
}

// Delete revokes the token.
func (s *MemoryRefreshTokenStore) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, handle)
	return nil
}

var _ RefreshTokenStore = (*MemoryRefreshTokenStore)(nil)

// RedisRefreshTokenStore is a RefreshTokenStore shared across server
// instances.
type RedisRefreshTokenStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRefreshTokenStore creates a RedisRefreshTokenStore using the given
// client and key prefix.
func NewRedisRefreshTokenStore(client redis.UniversalClient, keyPrefix string) *RedisRefreshTokenStore {
	return &RedisRefreshTokenStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisRefreshTokenStore) key(handle string) string {
	return s.keyPrefix + "refresh:" + handle
}

// Create persists the token with a TTL matching its expiry.
func (s *RedisRefreshTokenStore) Create(ctx context.Context, token *RefreshToken) error {
	if token.Handle == "" {
		return fmt.Errorf("token handle cannot be empty")
	}

	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token.Handle), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return nil
}

// Get returns the token while valid.
func (s *RedisRefreshTokenStore) Get(ctx context.Context, handle string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, s.key(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	return s.decode(ctx, handle, data)
}

// Consume returns and removes the token via GETDEL, which is atomic
// server-side: two racing rotations observe exactly one success.
func (s *RedisRefreshTokenStore) Consume(ctx context.Context, handle string) (*RefreshToken, error) {
	data, err := s.client.GetDel(ctx, s.key(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return s.decode(ctx, handle, data)
}

// Delete revokes the token.
func (s *RedisRefreshTokenStore) Delete(ctx context.Context, handle string) error {
	if err := s.client.Del(ctx, s.key(handle)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

func (s *RedisRefreshTokenStore) decode(ctx context.Context, handle, data string) (*RefreshToken, error) {
	var token RefreshToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		_ = s.client.Del(ctx, s.key(handle)).Err()
		return nil, ErrTokenNotFound
	}
	return &token, nil
}

var _ RefreshTokenStore = (*RedisRefreshTokenStore)(nil)
