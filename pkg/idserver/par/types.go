// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package par implements pushed authorization requests (RFC 9126): the
// consume-once reference store and the response generator for the pushed
// authorization endpoint.
package par

import (
	"context"
	"errors"
	"time"
)

// RequestURIPrefix is the fixed scheme prefix for PAR reference URIs.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// DefaultLifetime bounds pushed request validity when the client has no
// specific lifetime configured.
const DefaultLifetime = 90 * time.Second

// ErrNotFound indicates the reference is unknown, expired, or already
// consumed. All three degrade to the same invalid-request-class outcome so
// callers cannot distinguish guessing from replay.
var ErrNotFound = errors.New("pushed authorization request not found")

// Record is a single-use pushed authorization request. The original
// parameters are protected (encrypted) before persistence, so the store is
// never a plaintext secret store.
type Record struct {
	// Reference is the unguessable one-time reference value (the suffix of
	// the request_uri).
	Reference string

	// Payload carries the protected serialized parameters.
	Payload string

	// ExpiresAt is when the record stops resolving.
	ExpiresAt time.Time

	// Consumed marks the record permanently unusable for future exchanges.
	Consumed bool
}

// Store persists pushed authorization requests keyed by reference, with
// expiry and consume-once semantics. All mutations are atomic store
// operations; callers never read-modify-write a record.
type Store interface {
	// Create persists a new record.
	Create(ctx context.Context, record *Record) error

	// Get returns the record only while it is unconsumed and unexpired;
	// otherwise ErrNotFound.
	Get(ctx context.Context, reference string) (*Record, error)

	// Consume makes the record permanently unusable. Consuming an already
	// consumed record is a no-op, not an error.
	Consume(ctx context.Context, reference string) error

	// Delete removes the record outright.
	Delete(ctx context.Context, reference string) error
}

// Response is the pushed authorization endpoint's success payload.
type Response struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}
