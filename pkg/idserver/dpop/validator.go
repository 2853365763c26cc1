// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/stacklok/idserver/pkg/logger"
)

// HeaderName is the HTTP header carrying the proof JWT.
const HeaderName = "DPoP"

// proofTyp is the required "typ" header value per RFC 9449 Section 4.2.
const proofTyp = "dpop+jwt"

// Proof is the validated content of a DPoP proof JWT.
type Proof struct {
	// JTI is the proof's unique identifier.
	JTI string

	// Method and URL the proof is bound to.
	Method string
	URL    string

	// IssuedAt is the proof's iat claim.
	IssuedAt time.Time

	// Thumbprint is the base64url RFC 7638 SHA-256 thumbprint of the
	// embedded public key, bound into issued tokens' cnf claim.
	Thumbprint string

	// Key is the embedded public key.
	Key jwk.Key
}

// ValidatorConfig configures proof validation.
type ValidatorConfig struct {
	// ClockSkew is the allowed difference between the proof's iat and the
	// server clock, in both directions.
	ClockSkew time.Duration

	// ProofLifetime bounds the replay-cache TTL for seen jti values.
	ProofLifetime time.Duration

	// RequireNonce enforces server-issued nonces. A proof without a valid
	// nonce then yields a UseNonceError challenge carrying a fresh nonce.
	RequireNonce bool
}

// Default validation windows per RFC 9449 recommendations.
const (
	DefaultClockSkew     = 30 * time.Second
	DefaultProofLifetime = 5 * time.Minute
)

func (c *ValidatorConfig) applyDefaults() {
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.ProofLifetime == 0 {
		c.ProofLifetime = DefaultProofLifetime
	}
}

// Validator validates DPoP proof JWTs against method, URL, freshness, replay,
// and nonce constraints.
type Validator struct {
	cfg    ValidatorConfig
	replay ReplayCache
	nonces *NonceService

	// now is injected for tests.
	now func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorClock injects a clock. Intended for tests.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator. nonces may be nil when RequireNonce is
// false.
func NewValidator(cfg ValidatorConfig, replay ReplayCache, nonces *NonceService, opts ...ValidatorOption) *Validator {
	cfg.applyDefaults()
	v := &Validator{cfg: cfg, replay: replay, nonces: nonces, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// proofHeader is the decoded protected header of a proof JWT.
type proofHeader struct {
	Typ string          `json:"typ"`
	Alg string          `json:"alg"`
	JWK json.RawMessage `json:"jwk"`
}

// proofClaims is the decoded payload of a proof JWT.
type proofClaims struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
}

// Validate checks a single proof JWT against the current request's method and
// URL. On success it returns the proof content including the key thumbprint
// for token binding.
func (v *Validator) Validate(ctx context.Context, proof, httpMethod, httpURL string) (*Proof, error) {
	hdr, key, err := v.parseHeader(proof)
	if err != nil {
		return nil, err
	}

	alg, ok := jwa.LookupSignatureAlgorithm(hdr.Alg)
	if !ok || alg.IsSymmetric() {
		return nil, invalidProof("unsupported alg %q", hdr.Alg)
	}

	payload, err := jws.Verify([]byte(proof), jws.WithKey(alg, key))
	if err != nil {
		return nil, invalidProof("signature verification failed: %v", err)
	}

	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, invalidProof("malformed claims: %v", err)
	}

	if claims.HTM != httpMethod {
		return nil, invalidProof("htm %q does not match request method %q", claims.HTM, httpMethod)
	}
	if !sameResource(claims.HTU, httpURL) {
		return nil, invalidProof("htu %q does not match request URL", claims.HTU)
	}

	issuedAt := time.Unix(claims.IAT, 0)
	if delta := v.now().Sub(issuedAt); delta > v.cfg.ClockSkew || delta < -v.cfg.ClockSkew {
		return nil, invalidProof("iat outside allowed clock skew")
	}

	if claims.JTI == "" {
		return nil, invalidProof("missing jti")
	}
	fresh, err := v.replay.AddIfAbsent(ctx, claims.JTI, v.cfg.ProofLifetime+v.cfg.ClockSkew)
	if err != nil {
		return nil, err
	}
	if !fresh {
		logger.Debugw("DPoP proof replay detected", "jti", claims.JTI)
		return nil, ErrReplayed
	}

	if v.cfg.RequireNonce {
		if claims.Nonce == "" || !v.nonces.Accept(claims.Nonce) {
			// Challenge with a fresh nonce instead of rejecting outright.
			return nil, &UseNonceError{Nonce: v.nonces.Issue()}
		}
	}

	thumbprint, err := KeyThumbprint(key)
	if err != nil {
		return nil, invalidProof("failed to compute key thumbprint: %v", err)
	}

	return &Proof{
		JTI:        claims.JTI,
		Method:     claims.HTM,
		URL:        claims.HTU,
		IssuedAt:   issuedAt,
		Thumbprint: thumbprint,
		Key:        key,
	}, nil
}

// KeyThumbprint returns the base64url RFC 7638 SHA-256 thumbprint of the
// key, the value tokens are bound to in their cnf claim.
func KeyThumbprint(key jwk.Key) (string, error) {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// parseHeader decodes the protected header and extracts the embedded public
// key. Proofs carrying private key material are rejected.
func (*Validator) parseHeader(proof string) (*proofHeader, jwk.Key, error) {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		return nil, nil, invalidProof("not a compact JWS")
	}

	rawHeader, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, invalidProof("malformed header encoding")
	}

	var hdr proofHeader
	if err := json.Unmarshal(rawHeader, &hdr); err != nil {
		return nil, nil, invalidProof("malformed header: %v", err)
	}
	if hdr.Typ != proofTyp {
		return nil, nil, invalidProof("typ %q is not %q", hdr.Typ, proofTyp)
	}
	if len(hdr.JWK) == 0 {
		return nil, nil, invalidProof("missing jwk header")
	}

	key, err := jwk.ParseKey(hdr.JWK)
	if err != nil {
		return nil, nil, invalidProof("unparseable jwk header: %v", err)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, nil, invalidProof("unusable jwk header: %v", err)
	}
	switch raw.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey, ed25519.PrivateKey, []byte:
		return nil, nil, invalidProof("jwk header must contain a public key")
	}

	return &hdr, key, nil
}

// sameResource compares htu to the request URL ignoring query string and
// fragment, per RFC 9449 Section 4.3.
func sameResource(htu, requestURL string) bool {
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		a.Path == b.Path
}
