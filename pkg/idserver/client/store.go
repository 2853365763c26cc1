// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idserver/pkg/logger"
)

// ErrNotFound indicates the client identifier is not registered.
var ErrNotFound = errors.New("client not found")

// ErrAuthenticationFailed indicates the presented credential did not match
// any unexpired secret.
var ErrAuthenticationFailed = errors.New("client authentication failed")

// PolicyStore is the read-only lookup of a client's registered security
// policy, consumed by the validators.
type PolicyStore interface {
	// FindClientByID returns the client for id, or ErrNotFound.
	// Disabled clients are returned as stored; callers decide policy.
	FindClientByID(ctx context.Context, id string) (*Client, error)
}

// MemoryPolicyStore is a PolicyStore backed by a map populated at
// construction time. It is read-only afterwards and therefore safe for
// concurrent use without locking.
type MemoryPolicyStore struct {
	clients map[string]*Client
}

// NewMemoryPolicyStore builds a store from the given clients.
func NewMemoryPolicyStore(clients ...*Client) *MemoryPolicyStore {
	m := make(map[string]*Client, len(clients))
	for _, c := range clients {
		m[c.ID] = c.Clone()
	}
	return &MemoryPolicyStore{clients: m}
}

// FindClientByID returns a copy of the registered client, or ErrNotFound.
func (s *MemoryPolicyStore) FindClientByID(_ context.Context, id string) (*Client, error) {
	c, ok := s.clients[id]
	if !ok {
		logger.Debugw("client not found", "client_id", id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// HashSecret bcrypt-hashes a plaintext client secret for registration.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
}

// Authenticate resolves the client and verifies the presented secret against
// its unexpired secrets. Public clients authenticate with an empty secret.
// Disabled or unknown clients never authenticate.
func Authenticate(ctx context.Context, store PolicyStore, id, secret string) (*Client, error) {
	c, err := store.FindClientByID(ctx, id)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if !c.Enabled {
		logger.Debugw("authentication attempt for disabled client", "client_id", id)
		return nil, ErrAuthenticationFailed
	}

	if c.Public {
		if secret != "" {
			return nil, ErrAuthenticationFailed
		}
		return c, nil
	}

	now := time.Now()
	for i := range c.Secrets {
		s := &c.Secrets[i]
		if s.Type != SecretTypeSharedBcrypt || s.IsExpired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword(s.Value, []byte(secret)) == nil {
			return c, nil
		}
	}
	return nil, ErrAuthenticationFailed
}

var _ PolicyStore = (*MemoryPolicyStore)(nil)
