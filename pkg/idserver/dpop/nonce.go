// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dpop

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// NonceService issues and checks server nonces for DPoP proofs. Nonces are
// self-validating (timestamp plus HMAC over it), so no shared nonce state is
// needed across instances beyond the secret.
type NonceService struct {
	secret []byte
	ttl    time.Duration

	// now is injected for tests.
	now func() time.Time
}

// DefaultNonceTTL bounds how long an issued nonce stays acceptable.
const DefaultNonceTTL = 5 * time.Minute

// NewNonceService creates a NonceService. The secret must be shared by all
// instances behind one issuer.
func NewNonceService(secret []byte, ttl time.Duration) *NonceService {
	if ttl == 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceService{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a fresh nonce.
func (s *NonceService) Issue() string {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(s.now().Unix()))
	return base64.RawURLEncoding.EncodeToString(append(ts, s.mac(ts)...))
}

// Accept reports whether nonce was issued by this service and is still
// inside its validity window.
func (s *NonceService) Accept(nonce string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(nonce)
	if err != nil || len(raw) != 8+sha256.Size {
		return false
	}
	ts, mac := raw[:8], raw[8:]
	if !hmac.Equal(mac, s.mac(ts)) {
		return false
	}
	issued := time.Unix(int64(binary.BigEndian.Uint64(ts)), 0)
	age := s.now().Sub(issued)
	return age >= 0 && age <= s.ttl
}

func (s *NonceService) mac(ts []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(ts)
	return h.Sum(nil)
}
