// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultHandleBytes is the entropy of generated handles. 32 bytes yields a
// 43-character base64url string, matching the entropy of a PKCE verifier.
const DefaultHandleBytes = 32

// NewHandle returns an unguessable opaque reference value suitable for
// authorization codes, PAR references, and session keys.
func NewHandle() (string, error) {
	buf := make([]byte, DefaultHandleBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate handle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustHandle is NewHandle for call sites where a rand failure is fatal
// (request-scoped artifact minting).
func MustHandle() string {
	h, err := NewHandle()
	if err != nil {
		panic(err)
	}
	return h
}
