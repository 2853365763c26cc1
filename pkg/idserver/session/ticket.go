// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the server-side authentication session store
// and the logout revocation service built on top of it. The browser cookie
// only carries an opaque key; the decoded ticket lives here.
package session

import (
	"context"
	"time"
)

// Ticket is the server-side twin of a browser authentication cookie.
type Ticket struct {
	// PartitionKey scopes sessions belonging to different logical
	// applications sharing one store.
	PartitionKey string

	// Key is the opaque session key the cookie carries. Generated by the
	// store on first Store.
	Key string

	// SubjectID and SessionID identify the authenticated session.
	// (SubjectID, SessionID) is unique within a partition.
	SubjectID string
	SessionID string

	// Created, Renewed, and Expires track the ticket lifecycle. Renewed
	// moves forward on sliding renewal.
	Created time.Time
	Renewed time.Time
	Expires time.Time

	// Payload is the serialized authentication state. Stores encrypt it
	// before persisting.
	Payload []byte

	// RefreshToken is the refresh token handle bound to this session, if
	// any. Read by the revocation service before deleting the row.
	RefreshToken string
}

// Filter selects sessions for retrieval or revocation. An empty SessionID
// matches every session of the subject.
type Filter struct {
	PartitionKey string
	SubjectID    string
	SessionID    string
}

// TicketStore persists authentication tickets keyed by (partition, key).
//
// Store supersedes any existing rows with the same (partition, subject,
// session) inside the one call, so a re-triggered sign-in never leaves
// duplicates. Retrieve degrades corrupt rows to a nil ticket, deleting them
// as a side effect; a broken session must read as "logged out", never as an
// error that breaks the request pipeline.
type TicketStore interface {
	// Store persists the ticket under a fresh key and returns the key.
	Store(ctx context.Context, ticket *Ticket) (string, error)

	// Retrieve returns the ticket for (partition, key), or nil when the
	// row is absent, expired, or unreadable.
	Retrieve(ctx context.Context, partitionKey, key string) (*Ticket, error)

	// Renew updates the row for a sliding renewal, recreating it when it
	// was deleted concurrently.
	Renew(ctx context.Context, partitionKey, key string, ticket *Ticket) error

	// Remove deletes the row. Removing an absent row is a no-op.
	Remove(ctx context.Context, partitionKey, key string) error

	// GetUserTickets returns the sessions matching the filter, deleting
	// any unreadable rows it encounters along the way.
	GetUserTickets(ctx context.Context, filter Filter) ([]*Ticket, error)
}
