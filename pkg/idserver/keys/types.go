// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides the signing-key lifecycle for the authorization
// server: scheduled rotation, cross-instance coordination through a shared
// key store, and the JWKS view consumed by the discovery document.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultAlgorithm is the default signing algorithm for generated keys.
// ES256 (ECDSA with P-256) is recommended by NIST and OWASP for JWT signing.
const DefaultAlgorithm = "ES256"

// State describes where a key is in its lifecycle.
type State string

const (
	// StateInitializing marks a key that has been generated but is inside
	// the propagation window: other instances may not have fetched it yet,
	// so it is advertised in the JWKS but not yet used for signing.
	StateInitializing State = "initializing"

	// StateActive marks the key currently used for signing.
	StateActive State = "active"

	// StateRetiring marks a key no longer used for signing but still
	// advertised so outstanding tokens verify.
	StateRetiring State = "retiring"

	// StateRetired marks a key past its retention window; it is removed
	// from the store.
	StateRetired State = "retired"
)

// Key is signing key material plus lifecycle metadata. The private material
// is opaque to everything except the token signer.
type Key struct {
	// ID is the unique key identifier, carried in the JWT "kid" header.
	ID string

	// Algorithm is the JOSE signing algorithm, e.g. "ES256".
	Algorithm string

	// CreatedAt is when the key was generated.
	CreatedAt time.Time

	// Signer is the private key.
	Signer crypto.Signer
}

// Generate creates a new key for the given algorithm.
func Generate(algorithm string) (*Key, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}

	var signer crypto.Signer
	var err error
	switch algorithm {
	case "ES256":
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "ES384":
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case "ES512":
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm for key generation: %s", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &Key{
		ID:        uuid.NewString(),
		Algorithm: algorithm,
		CreatedAt: time.Now(),
		Signer:    signer,
	}, nil
}

// storedKey is the serializable wrapper for a Key, used by persistent stores.
type storedKey struct {
	ID         string    `json:"id"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
	PrivatePEM string    `json:"private_pem"`
}

// Marshal serializes the key, including private material, for the shared
// key store. The store is expected to be access-controlled.
func (k *Key) Marshal() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return json.Marshal(storedKey{
		ID:         k.ID,
		Algorithm:  k.Algorithm,
		CreatedAt:  k.CreatedAt,
		PrivatePEM: string(block),
	})
}

// UnmarshalKey parses a key serialized with Marshal.
func UnmarshalKey(data []byte) (*Key, error) {
	var sk storedKey
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key: %w", err)
	}

	block, _ := pem.Decode([]byte(sk.PrivatePEM))
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block in private material", sk.ID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", sk.ID, err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %s: private material is not a signer", sk.ID)
	}

	return &Key{
		ID:        sk.ID,
		Algorithm: sk.Algorithm,
		CreatedAt: sk.CreatedAt,
		Signer:    signer,
	}, nil
}
