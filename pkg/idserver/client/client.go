// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client holds the registered relying-party model and the read-only
// policy store consumed by the validation pipeline.
package client

import (
	"slices"
	"time"

	"github.com/ory/fosite"
)

// Grant types understood by the server.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
)

// Response types understood by the server.
const (
	ResponseTypeCode = "code"
)

// RefreshTokenRotation controls how refresh tokens behave on use.
type RefreshTokenRotation string

const (
	// RotationOneTimeUse issues a new refresh token on every refresh and
	// invalidates the presented one.
	RotationOneTimeUse RefreshTokenRotation = "one_time_use"

	// RotationReuse keeps the presented refresh token valid after use.
	RotationReuse RefreshTokenRotation = "reuse"
)

// SecretTypeSharedBcrypt marks a bcrypt-hashed shared secret.
const SecretTypeSharedBcrypt = "shared_bcrypt"

// Secret is one client credential. A client may hold several, each with its
// own expiry, so secrets can be rolled without downtime.
type Secret struct {
	// Type identifies how Value is interpreted. Only SecretTypeSharedBcrypt
	// is supported.
	Type string

	// Value is the bcrypt hash of the shared secret.
	Value []byte

	// Expiration is the secret's expiry. Zero means no expiry.
	Expiration time.Time
}

// IsExpired reports whether the secret is past its expiry at time now.
func (s *Secret) IsExpired(now time.Time) bool {
	return !s.Expiration.IsZero() && now.After(s.Expiration)
}

// Lifetimes bundles the per-client token and artifact lifetimes.
type Lifetimes struct {
	// AuthorizationCode is the validity of issued authorization codes.
	AuthorizationCode time.Duration

	// AccessToken is the validity of issued access tokens.
	AccessToken time.Duration

	// RefreshToken is the validity of issued refresh tokens.
	RefreshToken time.Duration

	// PushedAuthorizationRequest bounds pushed authorization request
	// validity. Zero falls back to the server-wide default.
	PushedAuthorizationRequest time.Duration
}

// Client is the security policy of a registered relying party. It is created
// and updated by configuration and read-only to the validation pipeline.
type Client struct {
	// ID is the globally unique client identifier.
	ID string

	// Enabled gates the whole client. A disabled client never validates.
	Enabled bool

	// Public marks clients without credentials (native apps, SPAs).
	Public bool

	// GrantTypes the client may use.
	GrantTypes fosite.Arguments

	// RedirectURIs is the registered set; matching is by exact string
	// comparison, never prefix or wildcard.
	RedirectURIs []string

	// Scopes the client is allowed to request.
	Scopes fosite.Arguments

	// AllowedResources restricts RFC 8707 resource indicators the client may
	// request. Empty means no resource indicators are authorized.
	AllowedResources []string

	// RequirePKCE forces a code_challenge on authorization requests.
	RequirePKCE bool

	// AllowPlainPKCE permits the "plain" challenge method. S256 is always
	// accepted.
	AllowPlainPKCE bool

	// RequireDPoP forces a valid DPoP proof on token requests, binding
	// issued tokens to the client-held key.
	RequireDPoP bool

	// RequirePAR forces authorization requests to arrive by request_uri
	// reference from the pushed authorization endpoint.
	RequirePAR bool

	// Secrets holds the client's credentials. Empty for public clients.
	Secrets []Secret

	// RequestObjectKeys is a JWKS document holding the public keys the
	// client signs authorization request objects with. Empty disables
	// request objects by value for this client.
	RequestObjectKeys []byte

	// RefreshTokenRotation selects one-time-use or reuse semantics.
	RefreshTokenRotation RefreshTokenRotation

	// Lifetimes are this client's token lifetimes.
	Lifetimes Lifetimes
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grantType string) bool {
	return c.GrantTypes.Has(grantType)
}

// HasResource reports whether the client may request the given resource
// indicator.
func (c *Client) HasResource(resource string) bool {
	return slices.Contains(c.AllowedResources, resource)
}

// Clone returns a deep copy so stores can hand out clients without aliasing
// their internal state.
func (c *Client) Clone() *Client {
	clone := *c
	clone.GrantTypes = slices.Clone(c.GrantTypes)
	clone.RedirectURIs = slices.Clone(c.RedirectURIs)
	clone.Scopes = slices.Clone(c.Scopes)
	clone.AllowedResources = slices.Clone(c.AllowedResources)
	clone.RequestObjectKeys = slices.Clone(c.RequestObjectKeys)
	clone.Secrets = make([]Secret, len(c.Secrets))
	for i, s := range c.Secrets {
		clone.Secrets[i] = Secret{
			Type:       s.Type,
			Value:      slices.Clone(s.Value),
			Expiration: s.Expiration,
		}
	}
	return &clone
}
