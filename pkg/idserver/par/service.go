// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package par

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/logger"
)

// Service mints, resolves, and consumes pushed authorization requests on top
// of a Store, protecting the serialized parameters with an Encryptor before
// they are persisted.
type Service struct {
	store           Store
	encryptor       *crypto.Encryptor
	defaultLifetime time.Duration

	// now is injected for tests.
	now func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock injects a clock. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// WithDefaultLifetime overrides the server-wide default request lifetime.
func WithDefaultLifetime(lifetime time.Duration) ServiceOption {
	return func(s *Service) {
		s.defaultLifetime = lifetime
	}
}

// NewService creates a Service over the given store and encryptor.
func NewService(store Store, encryptor *crypto.Encryptor, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		encryptor:       encryptor,
		defaultLifetime: DefaultLifetime,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists the validated parameter set under a fresh random reference
// and returns the request_uri response. The lifetime is the client's
// configured PAR lifetime, falling back to the server default.
func (s *Service) Create(ctx context.Context, params url.Values, c *client.Client) (*Response, error) {
	lifetime := s.defaultLifetime
	if c.Lifetimes.PushedAuthorizationRequest > 0 {
		lifetime = c.Lifetimes.PushedAuthorizationRequest
	}

	serialized, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize parameters: %w", err)
	}
	payload, err := s.encryptor.Encrypt(serialized)
	if err != nil {
		return nil, fmt.Errorf("failed to protect parameters: %w", err)
	}

	reference, err := crypto.NewHandle()
	if err != nil {
		return nil, err
	}

	record := &Record{
		Reference: reference,
		Payload:   payload,
		ExpiresAt: s.now().Add(lifetime),
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	logger.Debugw("stored pushed authorization request", "client_id", c.ID, "expires_in", int64(lifetime.Seconds()))
	return &Response{
		RequestURI: RequestURIPrefix + reference,
		ExpiresIn:  int64(lifetime.Seconds()),
	}, nil
}

// Resolve returns the original parameters for a request_uri while the record
// is unconsumed and unexpired. Unknown, expired, and consumed references all
// yield ErrNotFound.
func (s *Service) Resolve(ctx context.Context, requestURI string) (url.Values, error) {
	reference, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok || reference == "" {
		return nil, ErrNotFound
	}

	record, err := s.store.Get(ctx, reference)
	if err != nil {
		return nil, err
	}

	serialized, err := s.encryptor.Decrypt(record.Payload)
	if err != nil {
		// Protection keys rotated out from under the record: self-heal.
		logger.Warnw("deleting undecryptable pushed authorization request", "error", err)
		_ = s.store.Delete(ctx, reference)
		return nil, ErrNotFound
	}

	var params url.Values
	if err := json.Unmarshal(serialized, &params); err != nil {
		_ = s.store.Delete(ctx, reference)
		return nil, ErrNotFound
	}
	return params, nil
}

// Consume makes the request_uri permanently unusable for future exchanges.
// Consuming twice is a no-op.
func (s *Service) Consume(ctx context.Context, requestURI string) error {
	reference, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok || reference == "" {
		return nil
	}
	return s.store.Consume(ctx, reference)
}
