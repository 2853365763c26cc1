// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides cryptographic helpers for the authorization server:
// PKCE challenge handling, at-rest payload protection, and opaque handle
// generation.
package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636 Section 4.2.
const (
	PKCEChallengeMethodPlain = "plain"
	PKCEChallengeMethodS256  = "S256"
)

// Verifier and challenge length bounds per RFC 7636 Section 4.1.
const (
	MinPKCEChallengeLength = 43
	MaxPKCEChallengeLength = 128
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
// The verifier is 43 characters (32 bytes base64url encoded without padding),
// using characters from the base64url alphabet: [A-Z], [a-z], [0-9], "-", "_".
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
//
// This function delegates to oauth2.S256ChallengeFromVerifier() from golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE recomputes the challenge from the presented verifier using the
// negotiated method and compares it to the stored challenge in constant time.
// Empty or malformed verifiers never match.
func VerifyPKCE(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	if len(verifier) < MinPKCEChallengeLength || len(verifier) > MaxPKCEChallengeLength {
		return false
	}

	var computed string
	switch method {
	case PKCEChallengeMethodS256:
		computed = ComputePKCEChallenge(verifier)
	case PKCEChallengeMethodPlain:
		computed = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
