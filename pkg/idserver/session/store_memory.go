// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/logger"
)

// storedTicket is a persisted row: the metadata plus the encrypted payload.
type storedTicket struct {
	ticket    Ticket
	protected string
}

// MemoryStore is a process-local TicketStore for development and tests.
// Payloads are encrypted at rest like in the Redis store, so decrypt
// failures behave identically across both.
type MemoryStore struct {
	mu        sync.Mutex
	encryptor *crypto.Encryptor
	rows      map[string]*storedTicket
	index     map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(encryptor *crypto.Encryptor) *MemoryStore {
	return &MemoryStore{
		encryptor: encryptor,
		rows:      make(map[string]*storedTicket),
		index:     make(map[string]string),
	}
}

func rowKey(partitionKey, key string) string {
	return partitionKey + "\x00" + key
}

func indexKey(partitionKey, subjectID, sessionID string) string {
	return partitionKey + "\x00" + subjectID + "\x00" + sessionID
}

// Store supersedes any row with the same (partition, subject, session) and
// persists the ticket under a fresh key, all under one lock acquisition.
func (s *MemoryStore) Store(_ context.Context, ticket *Ticket) (string, error) {
	protected, err := s.encryptor.Encrypt(ticket.Payload)
	if err != nil {
		return "", err
	}
	key, err := crypto.NewHandle()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexKey(ticket.PartitionKey, ticket.SubjectID, ticket.SessionID)
	if oldKey, ok := s.index[idx]; ok {
		delete(s.rows, rowKey(ticket.PartitionKey, oldKey))
	}

	row := *ticket
	row.Key = key
	row.Payload = nil
	s.rows[rowKey(ticket.PartitionKey, key)] = &storedTicket{ticket: row, protected: protected}
	s.index[idx] = key
	return key, nil
}

// Retrieve returns the ticket, or nil when the row is absent, expired, or
// unreadable. Unreadable rows are deleted.
func (s *MemoryStore) Retrieve(_ context.Context, partitionKey, key string) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[rowKey(partitionKey, key)]
	if !ok {
		return nil, nil
	}
	if time.Now().After(row.ticket.Expires) {
		s.deleteLocked(partitionKey, key, row)
		return nil, nil
	}

	payload, err := s.encryptor.Decrypt(row.protected)
	if err != nil {
		logger.Warnw("deleting unreadable session", "partition", partitionKey, "error", err)
		s.deleteLocked(partitionKey, key, row)
		return nil, nil
	}

	ticket := row.ticket
	ticket.Payload = payload
	return &ticket, nil
}

// Renew updates the row for a sliding renewal. A concurrently deleted row is
// recreated fresh rather than failing, so a renewal race cannot log the
// user out.
func (s *MemoryStore) Renew(_ context.Context, partitionKey, key string, ticket *Ticket) error {
	protected, err := s.encryptor.Encrypt(ticket.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := *ticket
	row.PartitionKey = partitionKey
	row.Key = key
	row.Renewed = time.Now()
	if existing, ok := s.rows[rowKey(partitionKey, key)]; ok {
		row.Created = existing.ticket.Created
	}
	row.Payload = nil
	s.rows[rowKey(partitionKey, key)] = &storedTicket{ticket: row, protected: protected}
	s.index[indexKey(partitionKey, ticket.SubjectID, ticket.SessionID)] = key
	return nil
}

// Remove deletes the row.
func (s *MemoryStore) Remove(_ context.Context, partitionKey, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[rowKey(partitionKey, key)]; ok {
		s.deleteLocked(partitionKey, key, row)
	}
	return nil
}

// GetUserTickets returns the sessions matching the filter. Unreadable rows
// are deleted as a side effect of iteration and excluded from the result.
func (s *MemoryStore) GetUserTickets(_ context.Context, filter Filter) ([]*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Ticket
	for _, row := range s.rows {
		t := row.ticket
		if t.PartitionKey != filter.PartitionKey || t.SubjectID != filter.SubjectID {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}

		payload, err := s.encryptor.Decrypt(row.protected)
		if err != nil {
			logger.Warnw("deleting unreadable session during iteration", "partition", t.PartitionKey, "error", err)
			s.deleteLocked(t.PartitionKey, t.Key, row)
			continue
		}
		ticket := t
		ticket.Payload = payload
		out = append(out, &ticket)
	}
	return out, nil
}

// deleteLocked removes a row and its index entry. Called with the lock held.
func (s *MemoryStore) deleteLocked(partitionKey, key string, row *storedTicket) {
	delete(s.rows, rowKey(partitionKey, key))
	idx := indexKey(partitionKey, row.ticket.SubjectID, row.ticket.SessionID)
	if s.index[idx] == key {
		delete(s.index, idx)
	}
}

var _ TicketStore = (*MemoryStore)(nil)
