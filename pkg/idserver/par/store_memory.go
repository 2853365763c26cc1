// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package par

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for development and tests.
// Consumed records are retained until their expiry passes, so replays inside
// the original validity window still resolve to "consumed" rather than
// silently vanishing.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create persists the record.
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if record.Reference == "" {
		return fmt.Errorf("reference cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked()
	clone := *record
	s.records[record.Reference] = &clone
	return nil
}

// Get returns the record while unconsumed and unexpired, else ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, reference string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[reference]
	if !ok || rec.Consumed || time.Now().After(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// Consume flips the consumed flag under the store lock; check and update are
// one atomic step, so concurrent consumers of the same reference observe a
// single transition. Consuming twice is a no-op.
func (s *MemoryStore) Consume(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[reference]; ok {
		rec.Consumed = true
	}
	return nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, reference)
	return nil
}

// sweepLocked drops expired records. Called with the lock held.
func (s *MemoryStore) sweepLocked() {
	now := time.Now()
	for ref, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, ref)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
