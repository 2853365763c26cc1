// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/idserver/pkg/logger"
)

// RefreshTokenRevoker revokes a refresh token by handle. Revoking an
// unknown handle must be a no-op.
type RefreshTokenRevoker interface {
	Revoke(ctx context.Context, handle string) error
}

// RevokerFunc adapts a function to the RefreshTokenRevoker interface.
type RevokerFunc func(ctx context.Context, handle string) error

// Revoke implements RefreshTokenRevoker.
func (f RevokerFunc) Revoke(ctx context.Context, handle string) error {
	return f(ctx, handle)
}

// RevocationConfig controls logout revocation behavior.
type RevocationConfig struct {
	// RevokeAllSessions broadcasts a revocation to every session of the
	// subject, regardless of which session triggered it. Back-channel
	// logout semantics.
	RevokeAllSessions bool

	// RevokeRefreshTokenOnLogout revokes each session's stored refresh
	// token before its row is deleted.
	RevokeRefreshTokenOnLogout bool

	// RevocationRetries bounds the retry attempts for a failing refresh
	// token revocation call.
	RevocationRetries uint

	// RevocationRetryInterval is the initial backoff interval between
	// retries.
	RevocationRetryInterval time.Duration
}

func (c *RevocationConfig) applyDefaults() {
	if c.RevocationRetries == 0 {
		c.RevocationRetries = 3
	}
	if c.RevocationRetryInterval == 0 {
		c.RevocationRetryInterval = 200 * time.Millisecond
	}
}

// RevocationService deletes sessions and their refresh tokens on logout and
// back-channel logout.
type RevocationService struct {
	cfg     RevocationConfig
	store   TicketStore
	revoker RefreshTokenRevoker
}

// NewRevocationService creates a RevocationService. The revoker may be nil
// when refresh token revocation is disabled.
func NewRevocationService(cfg RevocationConfig, store TicketStore, revoker RefreshTokenRevoker) *RevocationService {
	cfg.applyDefaults()
	return &RevocationService{cfg: cfg, store: store, revoker: revoker}
}

// Revoke deletes the sessions matching the filter. Refresh tokens are
// revoked before their session rows disappear: the token handle lives on the
// ticket, so the ordering is load-bearing.
func (s *RevocationService) Revoke(ctx context.Context, filter Filter) error {
	if s.cfg.RevokeAllSessions {
		filter.SessionID = ""
	}

	tickets, err := s.store.GetUserTickets(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to load sessions for revocation: %w", err)
	}

	for _, ticket := range tickets {
		if s.cfg.RevokeRefreshTokenOnLogout && ticket.RefreshToken != "" && s.revoker != nil {
			if err := s.revokeRefreshToken(ctx, ticket.RefreshToken); err != nil {
				logger.Errorw("failed to revoke refresh token during logout",
					"subject", ticket.SubjectID, "session", ticket.SessionID, "error", err)
				// The session still goes away; a live refresh token is
				// preferable to a live session.
			}
		}
		if err := s.store.Remove(ctx, ticket.PartitionKey, ticket.Key); err != nil {
			return fmt.Errorf("failed to remove session: %w", err)
		}
		logger.Infow("session revoked", "subject", ticket.SubjectID, "session", ticket.SessionID)
	}
	return nil
}

// revokeRefreshToken calls the revoker with bounded exponential backoff.
func (s *RevocationService) revokeRefreshToken(ctx context.Context, handle string) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RevocationRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.revoker.Revoke(ctx, handle)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(s.cfg.RevocationRetries))
	return err
}
