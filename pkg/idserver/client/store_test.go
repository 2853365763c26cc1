// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, secret string) *Client {
	t.Helper()

	hash, err := HashSecret(secret)
	require.NoError(t, err)

	return &Client{
		ID:           "web1",
		Enabled:      true,
		GrantTypes:   []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		RedirectURIs: []string{"https://app/cb"},
		Scopes:       []string{"openid", "profile"},
		RequirePKCE:  true,
		Secrets: []Secret{
			{Type: SecretTypeSharedBcrypt, Value: hash},
		},
	}
}

func TestFindClientByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryPolicyStore(testClient(t, "s3cret"))

	c, err := store.FindClientByID(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, "web1", c.ID)

	_, err = store.FindClientByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindClientReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryPolicyStore(testClient(t, "s3cret"))

	a, err := store.FindClientByID(ctx, "web1")
	require.NoError(t, err)
	a.RedirectURIs[0] = "https://evil/cb"

	b, err := store.FindClientByID(ctx, "web1")
	require.NoError(t, err)
	assert.Equal(t, "https://app/cb", b.RedirectURIs[0])
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryPolicyStore(testClient(t, "s3cret"))

	c, err := Authenticate(ctx, store, "web1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "web1", c.ID)

	_, err = Authenticate(ctx, store, "web1", "wrong")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = Authenticate(ctx, store, "unknown", "s3cret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateDisabledClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := testClient(t, "s3cret")
	c.Enabled = false
	store := NewMemoryPolicyStore(c)

	_, err := Authenticate(ctx, store, "web1", "s3cret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticateExpiredSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := testClient(t, "s3cret")
	c.Secrets[0].Expiration = time.Now().Add(-time.Hour)
	store := NewMemoryPolicyStore(c)

	_, err := Authenticate(ctx, store, "web1", "s3cret")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestAuthenticatePublicClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub := &Client{
		ID:           "spa",
		Enabled:      true,
		Public:       true,
		GrantTypes:   []string{GrantTypeAuthorizationCode},
		RedirectURIs: []string{"https://spa/cb"},
	}
	store := NewMemoryPolicyStore(pub)

	c, err := Authenticate(ctx, store, "spa", "")
	require.NoError(t, err)
	assert.True(t, c.Public)

	_, err = Authenticate(ctx, store, "spa", "unexpected")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestHasRedirectURIExactMatch(t *testing.T) {
	t.Parallel()

	c := testClient(t, "s3cret")
	assert.True(t, c.HasRedirectURI("https://app/cb"))
	assert.False(t, c.HasRedirectURI("https://app/cb/"))
	assert.False(t, c.HasRedirectURI("https://app/cb?x=1"))
	assert.False(t, c.HasRedirectURI("https://app"))
}
