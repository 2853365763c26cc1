// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/logger"
)

// redisTicket is the persisted row layout. The payload is stored encrypted.
type redisTicket struct {
	SubjectID    string    `json:"subject_id"`
	SessionID    string    `json:"session_id"`
	Created      time.Time `json:"created"`
	Renewed      time.Time `json:"renewed"`
	Expires      time.Time `json:"expires"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Protected    string    `json:"protected"`
}

// RedisStore is a TicketStore shared across server instances. Rows expire
// through Redis TTLs; the per-subject membership sets are cleaned up lazily
// during iteration.
type RedisStore struct {
	client    redis.UniversalClient
	encryptor *crypto.Encryptor
	keyPrefix string
}

// NewRedisStore creates a RedisStore using the given client, encryptor, and
// key prefix.
func NewRedisStore(client redis.UniversalClient, encryptor *crypto.Encryptor, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, encryptor: encryptor, keyPrefix: keyPrefix}
}

func (s *RedisStore) rowKey(partitionKey, key string) string {
	return s.keyPrefix + "session:" + partitionKey + ":" + key
}

func (s *RedisStore) idxKey(partitionKey, subjectID, sessionID string) string {
	return s.keyPrefix + "session-idx:" + partitionKey + ":" + subjectID + ":" + sessionID
}

func (s *RedisStore) subjectKey(partitionKey, subjectID string) string {
	return s.keyPrefix + "session-subj:" + partitionKey + ":" + subjectID
}

// Store persists the ticket under a fresh key. The (partition, subject,
// session) index is swapped to the new key with a single SET GET, and the
// superseded row deleted, so two racing sign-ins leave exactly one row.
func (s *RedisStore) Store(ctx context.Context, ticket *Ticket) (string, error) {
	ttl := time.Until(ticket.Expires)
	if ttl <= 0 {
		return "", fmt.Errorf("ticket already expired")
	}

	protected, err := s.encryptor.Encrypt(ticket.Payload)
	if err != nil {
		return "", err
	}
	key, err := crypto.NewHandle()
	if err != nil {
		return "", err
	}

	if err := s.writeRow(ctx, ticket, key, protected, ttl); err != nil {
		return "", err
	}

	// Atomic index swap: the old key comes back from the same SET that
	// installs the new one.
	oldKey, err := s.client.SetArgs(ctx, s.idxKey(ticket.PartitionKey, ticket.SubjectID, ticket.SessionID), key, redis.SetArgs{
		TTL: ttl,
		Get: true,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to update session index: %w", err)
	}
	if oldKey != "" && oldKey != key {
		if err := s.client.Del(ctx, s.rowKey(ticket.PartitionKey, oldKey)).Err(); err != nil {
			logger.Warnw("failed to delete superseded session", "error", err)
		}
		_ = s.client.SRem(ctx, s.subjectKey(ticket.PartitionKey, ticket.SubjectID), oldKey).Err()
	}

	if err := s.client.SAdd(ctx, s.subjectKey(ticket.PartitionKey, ticket.SubjectID), key).Err(); err != nil {
		logger.Warnw("failed to index session by subject", "error", err)
	}
	return key, nil
}

// Retrieve returns the ticket, or nil when the row is absent, expired, or
// unreadable. Unreadable rows are deleted.
func (s *RedisStore) Retrieve(ctx context.Context, partitionKey, key string) (*Ticket, error) {
	data, err := s.client.Get(ctx, s.rowKey(partitionKey, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	ticket, ok := s.decodeRow(ctx, partitionKey, key, data)
	if !ok {
		return nil, nil
	}
	return ticket, nil
}

// Renew updates the row for a sliding renewal. A concurrently deleted row is
// recreated fresh by the same SET.
func (s *RedisStore) Renew(ctx context.Context, partitionKey, key string, ticket *Ticket) error {
	ttl := time.Until(ticket.Expires)
	if ttl <= 0 {
		return fmt.Errorf("ticket already expired")
	}

	protected, err := s.encryptor.Encrypt(ticket.Payload)
	if err != nil {
		return err
	}

	renewed := *ticket
	renewed.PartitionKey = partitionKey
	renewed.Renewed = time.Now()
	if err := s.writeRow(ctx, &renewed, key, protected, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.idxKey(partitionKey, ticket.SubjectID, ticket.SessionID), key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to update session index: %w", err)
	}
	if err := s.client.SAdd(ctx, s.subjectKey(partitionKey, ticket.SubjectID), key).Err(); err != nil {
		logger.Warnw("failed to index session by subject", "error", err)
	}
	return nil
}

// Remove deletes the row and its index entries.
func (s *RedisStore) Remove(ctx context.Context, partitionKey, key string) error {
	data, err := s.client.Get(ctx, s.rowKey(partitionKey, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	var row redisTicket
	if jsonErr := json.Unmarshal([]byte(data), &row); jsonErr == nil {
		_ = s.client.SRem(ctx, s.subjectKey(partitionKey, row.SubjectID), key).Err()
		_ = s.client.Del(ctx, s.idxKey(partitionKey, row.SubjectID, row.SessionID)).Err()
	}
	if err := s.client.Del(ctx, s.rowKey(partitionKey, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetUserTickets returns the subject's sessions matching the filter.
// Missing and unreadable rows are pruned from the membership set as a side
// effect of iteration.
func (s *RedisStore) GetUserTickets(ctx context.Context, filter Filter) ([]*Ticket, error) {
	subjKey := s.subjectKey(filter.PartitionKey, filter.SubjectID)
	members, err := s.client.SMembers(ctx, subjKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var out []*Ticket
	for _, key := range members {
		data, err := s.client.Get(ctx, s.rowKey(filter.PartitionKey, key)).Result()
		if errors.Is(err, redis.Nil) {
			// Row expired; drop the stale membership.
			_ = s.client.SRem(ctx, subjKey, key).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		ticket, ok := s.decodeRow(ctx, filter.PartitionKey, key, data)
		if !ok {
			_ = s.client.SRem(ctx, subjKey, key).Err()
			continue
		}
		if filter.SessionID != "" && ticket.SessionID != filter.SessionID {
			continue
		}
		out = append(out, ticket)
	}
	return out, nil
}

func (s *RedisStore) writeRow(ctx context.Context, ticket *Ticket, key, protected string, ttl time.Duration) error {
	data, err := json.Marshal(redisTicket{
		SubjectID:    ticket.SubjectID,
		SessionID:    ticket.SessionID,
		Created:      ticket.Created,
		Renewed:      ticket.Renewed,
		Expires:      ticket.Expires,
		RefreshToken: ticket.RefreshToken,
		Protected:    protected,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.rowKey(ticket.PartitionKey, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// decodeRow turns a persisted row back into a ticket. Unreadable rows are
// deleted and reported as absent.
func (s *RedisStore) decodeRow(ctx context.Context, partitionKey, key, data string) (*Ticket, bool) {
	var row redisTicket
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		logger.Warnw("deleting unreadable session", "partition", partitionKey, "error", err)
		_ = s.client.Del(ctx, s.rowKey(partitionKey, key)).Err()
		return nil, false
	}

	payload, err := s.encryptor.Decrypt(row.Protected)
	if err != nil {
		logger.Warnw("deleting undecryptable session", "partition", partitionKey, "error", err)
		_ = s.client.Del(ctx, s.rowKey(partitionKey, key)).Err()
		_ = s.client.Del(ctx, s.idxKey(partitionKey, row.SubjectID, row.SessionID)).Err()
		_ = s.client.SRem(ctx, s.subjectKey(partitionKey, row.SubjectID), key).Err()
		return nil, false
	}

	return &Ticket{
		PartitionKey: partitionKey,
		Key:          key,
		SubjectID:    row.SubjectID,
		SessionID:    row.SessionID,
		Created:      row.Created,
		Renewed:      row.Renewed,
		Expires:      row.Expires,
		Payload:      payload,
		RefreshToken: row.RefreshToken,
	}, true
}

var _ TicketStore = (*RedisStore)(nil)
