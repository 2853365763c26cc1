// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
)

// SignOption customizes a proof built by Sign.
type SignOption func(*proofClaims)

// WithNonce sets the nonce claim.
func WithNonce(nonce string) SignOption {
	return func(c *proofClaims) {
		c.Nonce = nonce
	}
}

// WithIssuedAt overrides the iat claim.
func WithIssuedAt(iat time.Time) SignOption {
	return func(c *proofClaims) {
		c.IAT = iat.Unix()
	}
}

// WithJTI overrides the generated jti claim.
func WithJTI(jti string) SignOption {
	return func(c *proofClaims) {
		c.JTI = jti
	}
}

// Sign builds a proof JWT for the given method and URL, signed with key and
// carrying its public half in the jwk header. Used by clients of
// DPoP-protected endpoints and by tests.
func Sign(method, rawURL string, alg jwa.SignatureAlgorithm, key jwk.Key, opts ...SignOption) (string, error) {
	claims := proofClaims{
		JTI: uuid.NewString(),
		HTM: method,
		HTU: rawURL,
		IAT: time.Now().Unix(),
	}
	for _, opt := range opts {
		opt(&claims)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof claims: %w", err)
	}

	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}

	hdr := jws.NewHeaders()
	if err := hdr.Set(jws.TypeKey, proofTyp); err != nil {
		return "", err
	}
	if err := hdr.Set(jws.JWKKey, pub); err != nil {
		return "", err
	}

	signed, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(hdr)))
	if err != nil {
		return "", fmt.Errorf("failed to sign proof: %w", err)
	}
	return string(signed), nil
}
