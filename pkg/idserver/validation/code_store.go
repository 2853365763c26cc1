// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Authorization code store errors.
var (
	// ErrCodeNotFound indicates the code is unknown or expired.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeReused indicates the code was already redeemed. Distinct from
	// ErrCodeNotFound so callers can treat reuse as a compromise signal.
	ErrCodeReused = errors.New("authorization code already redeemed")
)

// Code is a single-use authorization code with the request state bound into
// it at issuance.
type Code struct {
	// Value is the opaque code handed to the client.
	Value string

	// ClientID is the client the code was issued to.
	ClientID string

	// Subject and SessionID identify the authenticated session the code
	// was minted for.
	Subject   string
	SessionID string

	// RedirectURI is the exact URI the authorization request used; the
	// token request must repeat it.
	RedirectURI string

	// Scopes and Resources are the granted scopes and resource indicators.
	Scopes    []string
	Resources []string

	// CodeChallenge and CodeChallengeMethod carry the PKCE binding.
	CodeChallenge       string
	CodeChallengeMethod string

	// DPoPThumbprint binds the code to a client-held key. Empty when the
	// code is not DPoP-bound.
	DPoPThumbprint string

	// Nonce is echoed into the ID token.
	Nonce string

	// RequestURI is the pushed authorization reference the code came from,
	// consumed on redemption.
	RequestURI string

	// ExpiresAt bounds redemption.
	ExpiresAt time.Time
}

// CodeStore persists authorization codes with exactly-once redemption.
// Redeem invalidates the code atomically with reading it: there is no window
// where two callers can both redeem the same code.
type CodeStore interface {
	// Create persists a new code.
	Create(ctx context.Context, code *Code) error

	// Redeem returns the code and invalidates it in one atomic step.
	// Returns ErrCodeNotFound for unknown or expired codes and
	// ErrCodeReused when the code was already redeemed.
	Redeem(ctx context.Context, value string) (*Code, error)

	// BindTokens records the token identifiers issued from a redeemed
	// code, so a later reuse can revoke them.
	BindTokens(ctx context.Context, value string, tokenIDs []string) error

	// TokensFor returns the token identifiers bound to a redeemed code.
	TokensFor(ctx context.Context, value string) ([]string, error)
}

// memoryCode wraps a stored code with its redemption state. Redeemed codes
// are retained until expiry so reuse is detectable.
type memoryCode struct {
	code     Code
	redeemed bool
	tokenIDs []string
}

// MemoryCodeStore is a process-local CodeStore for development and tests.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*memoryCode
}

// NewMemoryCodeStore creates an empty MemoryCodeStore.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]*memoryCode)}
}

// Create persists the code.
func (s *MemoryCodeStore) Create(_ context.Context, code *Code) error {
	if code.Value == "" {
		return fmt.Errorf("code value cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	s.codes[code.Value] = &memoryCode{code: *code}
	return nil
}

// Redeem invalidates and returns the code under a single lock acquisition.
func (s *MemoryCodeStore) Redeem(_ context.Context, value string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[value]
	if !ok || time.Now().After(entry.code.ExpiresAt) {
		return nil, ErrCodeNotFound
	}
	if entry.redeemed {
		return nil, ErrCodeReused
	}
	entry.redeemed = true
	clone := entry.code
	return &clone, nil
}

// BindTokens records issued token identifiers on the redeemed code.
func (s *MemoryCodeStore) BindTokens(_ context.Context, value string, tokenIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.codes[value]; ok {
		entry.tokenIDs = append(entry.tokenIDs, tokenIDs...)
	}
	return nil
}

// TokensFor returns the token identifiers bound to the code.
func (s *MemoryCodeStore) TokensFor(_ context.Context, value string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[value]
	if !ok {
		return nil, nil
	}
	out := make([]string, len(entry.tokenIDs))
	copy(out, entry.tokenIDs)
	return out, nil
}

// sweepLocked drops expired codes. Called with the lock held.
func (s *MemoryCodeStore) sweepLocked() {
	now := time.Now()
	for value, entry := range s.codes {
		if now.After(entry.code.ExpiresAt) {
			delete(s.codes, value)
		}
	}
}

var _ CodeStore = (*MemoryCodeStore)(nil)
