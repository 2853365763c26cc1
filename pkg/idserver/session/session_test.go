// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idserver/pkg/idserver/crypto"
)

func newEncryptor(t *testing.T) *crypto.Encryptor {
	t.Helper()
	key, err := crypto.GenerateEncryptionKey()
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key)
	require.NoError(t, err)
	return enc
}

func testTicket() *Ticket {
	now := time.Now()
	return &Ticket{
		PartitionKey: "app1",
		SubjectID:    "alice",
		SessionID:    "s1",
		Created:      now,
		Renewed:      now,
		Expires:      now.Add(time.Hour),
		Payload:      []byte(`{"name":"alice"}`),
		RefreshToken: "rt-1",
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	key, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := store.Retrieve(ctx, "app1", key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.SubjectID)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, []byte(`{"name":"alice"}`), got.Payload)
	assert.Equal(t, "rt-1", got.RefreshToken)
}

func TestMemoryStoreUnknownKeyIsNil(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	got, err := store.Retrieve(context.Background(), "app1", "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreSupersedesSameSession(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	first, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	second, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The first row is gone; only one row remains for the tuple.
	got, err := store.Retrieve(ctx, "app1", first)
	require.NoError(t, err)
	assert.Nil(t, got)

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestMemoryStoreConcurrentSignIns(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	const signIns = 16
	var wg sync.WaitGroup
	for range signIns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Store(ctx, testTicket())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1, "racing sign-ins must leave one row")
}

func TestMemoryStoreRenewRecreatesMissingRow(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	ticket := testTicket()
	key, err := store.Store(ctx, ticket)
	require.NoError(t, err)

	// Deleted concurrently, e.g. by expiry cleanup.
	require.NoError(t, store.Remove(ctx, "app1", key))

	require.NoError(t, store.Renew(ctx, "app1", key, ticket))

	got, err := store.Retrieve(ctx, "app1", key)
	require.NoError(t, err)
	require.NotNil(t, got, "a renewal race must not log the user out")
	assert.Equal(t, "alice", got.SubjectID)
}

func TestMemoryStoreCorruptRowDegradesToNil(t *testing.T) {
	t.Parallel()

	enc := newEncryptor(t)
	store := NewMemoryStore(enc)
	ctx := context.Background()

	key, err := store.Store(ctx, testTicket())
	require.NoError(t, err)

	// Simulate the encryption key rotating out from under the row.
	store.encryptor = newEncryptor(t)

	got, err := store.Retrieve(ctx, "app1", key)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The broken row was deleted, not left to fail forever.
	store.encryptor = enc
	got, err = store.Retrieve(ctx, "app1", key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreGetUserTicketsCleansCorruptRows(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	other := testTicket()
	other.SessionID = "s2"
	_, err = store.Store(ctx, other)
	require.NoError(t, err)

	// Corrupt one of the two rows.
	store.encryptor = newEncryptor(t)
	aliceS3 := testTicket()
	aliceS3.SessionID = "s3"
	_, err = store.Store(ctx, aliceS3)
	require.NoError(t, err)

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1, "unreadable rows are excluded")
	assert.Equal(t, "s3", tickets[0].SessionID)

	// And deleted as a side effect.
	tickets, err = store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestMemoryStorePartitionIsolation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	key, err := store.Store(ctx, testTicket())
	require.NoError(t, err)

	got, err := store.Retrieve(ctx, "other-app", key)
	require.NoError(t, err)
	assert.Nil(t, got)

	otherPartition := testTicket()
	otherPartition.PartitionKey = "app2"
	_, err = store.Store(ctx, otherPartition)
	require.NoError(t, err)

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

// recordingRevoker records revoked handles and can fail a number of times
// first.
type recordingRevoker struct {
	mu       sync.Mutex
	revoked  []string
	failures int
}

func (r *recordingRevoker) Revoke(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("revocation endpoint unavailable")
	}
	r.revoked = append(r.revoked, handle)
	return nil
}

func TestRevocationRevokesTokensThenSessions(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	second := testTicket()
	second.SessionID = "s2"
	second.RefreshToken = "rt-2"
	_, err = store.Store(ctx, second)
	require.NoError(t, err)

	revoker := &recordingRevoker{}
	svc := NewRevocationService(RevocationConfig{
		RevokeRefreshTokenOnLogout: true,
	}, store, revoker)

	require.NoError(t, svc.Revoke(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"}))

	assert.ElementsMatch(t, []string{"rt-1", "rt-2"}, revoker.revoked)
	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, tickets, "zero session rows remain after revocation")
}

func TestRevocationBroadcastClearsSessionFilter(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	second := testTicket()
	second.SessionID = "s2"
	_, err = store.Store(ctx, second)
	require.NoError(t, err)

	svc := NewRevocationService(RevocationConfig{RevokeAllSessions: true}, store, nil)
	require.NoError(t, svc.Revoke(ctx, Filter{
		PartitionKey: "app1",
		SubjectID:    "alice",
		SessionID:    "s1", // ignored under broadcast semantics
	}))

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestRevocationSingleSessionFilter(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)
	second := testTicket()
	second.SessionID = "s2"
	_, err = store.Store(ctx, second)
	require.NoError(t, err)

	svc := NewRevocationService(RevocationConfig{}, store, nil)
	require.NoError(t, svc.Revoke(ctx, Filter{
		PartitionKey: "app1",
		SubjectID:    "alice",
		SessionID:    "s1",
	}))

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "s2", tickets[0].SessionID)
}

func TestRevocationRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)

	revoker := &recordingRevoker{failures: 2}
	svc := NewRevocationService(RevocationConfig{
		RevokeRefreshTokenOnLogout: true,
		RevocationRetries:          4,
		RevocationRetryInterval:    time.Millisecond,
	}, store, revoker)

	require.NoError(t, svc.Revoke(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"}))
	assert.Equal(t, []string{"rt-1"}, revoker.revoked)
}

func TestRevocationSessionGoesAwayEvenIfTokenRevocationFails(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(newEncryptor(t))
	ctx := context.Background()

	_, err := store.Store(ctx, testTicket())
	require.NoError(t, err)

	revoker := &recordingRevoker{failures: 100}
	svc := NewRevocationService(RevocationConfig{
		RevokeRefreshTokenOnLogout: true,
		RevocationRetries:          2,
		RevocationRetryInterval:    time.Millisecond,
	}, store, revoker)

	require.NoError(t, svc.Revoke(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"}))

	tickets, err := store.GetUserTickets(ctx, Filter{PartitionKey: "app1", SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, tickets)
}
