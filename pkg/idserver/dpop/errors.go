// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dpop validates DPoP proof JWTs (RFC 9449) presented with token
// requests, including replay detection and server-issued nonce handling.
package dpop

import (
	"errors"
	"fmt"
)

// ErrInvalidProof indicates the proof failed structural, signature, or claim
// validation.
var ErrInvalidProof = errors.New("invalid DPoP proof")

// ErrReplayed indicates the proof's jti was already presented within the
// validity window.
var ErrReplayed = errors.New("DPoP proof replayed")

// UseNonceError signals that the server requires a nonce in the proof. It is
// a challenge, not an outright rejection: the carried Nonce must be returned
// to the client in the DPoP-Nonce response header together with the
// use_dpop_nonce error code.
type UseNonceError struct {
	// Nonce is the fresh server-issued nonce for the retry.
	Nonce string
}

// Error implements the error interface.
func (e *UseNonceError) Error() string {
	return "use_dpop_nonce: authorization server requires nonce in DPoP proof"
}

// AsUseNonce extracts a *UseNonceError from err, if present.
func AsUseNonce(err error) (*UseNonceError, bool) {
	var une *UseNonceError
	if errors.As(err, &une) {
		return une, true
	}
	return nil, false
}

func invalidProof(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidProof, fmt.Sprintf(format, args...))
}
