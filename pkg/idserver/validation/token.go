// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/dpop"
	"github.com/stacklok/idserver/pkg/logger"
)

// errUseDPoPNonce tells the client to retry with the server-issued nonce
// carried in the DPoP-Nonce response header.
var errUseDPoPNonce = &fosite.RFC6749Error{
	ErrorField:       "use_dpop_nonce",
	DescriptionField: "The server requires a nonce in the DPoP proof; retry with the supplied nonce.",
	CodeField:        http.StatusBadRequest,
}

// TokenError is a structured token request failure. All token endpoint
// failures are terminal for the request: no partial issuance.
type TokenError struct {
	// RFC is the standard error code and description.
	RFC *fosite.RFC6749Error

	// DPoPNonce carries the fresh nonce for use_dpop_nonce challenges.
	DPoPNonce string
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	return e.RFC.Error()
}

func tokenError(rfc *fosite.RFC6749Error) *TokenError {
	return &TokenError{RFC: rfc}
}

// ClientAuthResult is the outcome of client authentication performed by the
// endpoint before validation. Public clients arrive unauthenticated with the
// resolved client attached.
type ClientAuthResult struct {
	// Client is the resolved client, nil when resolution failed.
	Client *client.Client

	// Authenticated is true when credentials were presented and verified.
	Authenticated bool
}

// TokenInput is one token request to validate.
type TokenInput struct {
	// GrantType is the grant_type parameter.
	GrantType string

	// Params is the form parameter bag.
	Params url.Values

	// Client is the client authentication outcome.
	Client ClientAuthResult

	// DPoPProof is the raw DPoP header value when presented, with
	// HTTPMethod and HTTPURL describing the token request it covers.
	DPoPProof  string
	HTTPMethod string
	HTTPURL    string
}

// ValidatedTokenRequest is the normalized, policy-checked token request
// handed to the issuer.
type ValidatedTokenRequest struct {
	// Client is the validated client.
	Client *client.Client

	// GrantType is the validated grant type.
	GrantType string

	// Subject and SessionID identify the session tokens are issued for.
	Subject   string
	SessionID string

	// Scopes and Resources are the granted sets after narrowing.
	Scopes    fosite.Arguments
	Resources []string

	// Nonce is echoed into the ID token for the authorization code grant.
	Nonce string

	// DPoPThumbprint is the key thumbprint to bind into the issued token's
	// confirmation claim. Empty for unbound tokens.
	DPoPThumbprint string

	// Code is the redeemed authorization code, for that grant.
	Code *Code

	// RefreshToken is the presented token, for the refresh grant.
	RefreshToken *RefreshToken

	// RotateRefreshToken is true when the issuer must mint a fresh refresh
	// token handle; the presented one has already been invalidated.
	RotateRefreshToken bool
}

// PushedRequestConsumer marks pushed authorization references permanently
// used. Satisfied by par.Service.
type PushedRequestConsumer interface {
	Consume(ctx context.Context, requestURI string) error
}

// TokenValidator validates token endpoint requests for the authorization
// code and refresh token grants.
type TokenValidator struct {
	codes         CodeStore
	refreshTokens RefreshTokenStore
	pushed        PushedRequestConsumer
	dpopValidator *dpop.Validator

	// revokeOnCodeReuse treats a second redemption of an authorization
	// code as a compromise signal and revokes the tokens issued from it.
	revokeOnCodeReuse bool
}

// TokenValidatorOption configures a TokenValidator.
type TokenValidatorOption func(*TokenValidator)

// WithoutCodeReuseRevocation keeps already-issued tokens alive when an
// authorization code is redeemed twice; the second request still fails.
func WithoutCodeReuseRevocation() TokenValidatorOption {
	return func(v *TokenValidator) {
		v.revokeOnCodeReuse = false
	}
}

// NewTokenValidator creates a TokenValidator. The pushed consumer and DPoP
// validator may be nil when those features are not deployed. Code reuse
// revocation is on by default.
func NewTokenValidator(
	codes CodeStore,
	refreshTokens RefreshTokenStore,
	pushed PushedRequestConsumer,
	dpopValidator *dpop.Validator,
	opts ...TokenValidatorOption,
) *TokenValidator {
	v := &TokenValidator{
		codes:             codes,
		refreshTokens:     refreshTokens,
		pushed:            pushed,
		dpopValidator:     dpopValidator,
		revokeOnCodeReuse: true,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks one token request. Errors map onto the standard token
// error vocabulary and are always terminal.
func (v *TokenValidator) Validate(ctx context.Context, in TokenInput) (*ValidatedTokenRequest, *TokenError) {
	c := in.Client.Client
	if c == nil || !c.Enabled {
		return nil, tokenError(fosite.ErrInvalidClient)
	}
	if !c.Public && !in.Client.Authenticated {
		return nil, tokenError(fosite.ErrInvalidClient.WithHint("Client authentication is required."))
	}
	if !c.HasGrantType(in.GrantType) {
		return nil, tokenError(fosite.ErrUnauthorizedClient.WithHintf(
			"The client is not allowed to use the %s grant.", in.GrantType))
	}

	thumbprint, terr := v.validateProof(ctx, c, in)
	if terr != nil {
		return nil, terr
	}

	switch in.GrantType {
	case client.GrantTypeAuthorizationCode:
		return v.validateCodeGrant(ctx, c, in.Params, thumbprint)
	case client.GrantTypeRefreshToken:
		return v.validateRefreshGrant(ctx, c, in.Params, thumbprint)
	default:
		return nil, tokenError(fosite.ErrUnsupportedGrantType)
	}
}

// validateProof checks the DPoP proof when one is required or presented and
// returns its key thumbprint.
func (v *TokenValidator) validateProof(ctx context.Context, c *client.Client, in TokenInput) (string, *TokenError) {
	if in.DPoPProof == "" {
		if c.RequireDPoP {
			return "", tokenError(errInvalidDPoPProof.WithHint("This client must present a DPoP proof."))
		}
		return "", nil
	}
	if v.dpopValidator == nil {
		return "", tokenError(errInvalidDPoPProof.WithHint("DPoP is not supported by this server."))
	}

	proof, err := v.dpopValidator.Validate(ctx, in.DPoPProof, in.HTTPMethod, in.HTTPURL)
	if err != nil {
		if challenge, ok := dpop.AsUseNonce(err); ok {
			return "", &TokenError{RFC: errUseDPoPNonce, DPoPNonce: challenge.Nonce}
		}
		return "", tokenError(errInvalidDPoPProof.WithHint(err.Error()))
	}
	return proof.Thumbprint, nil
}

func (v *TokenValidator) validateCodeGrant(
	ctx context.Context, c *client.Client, params url.Values, thumbprint string,
) (*ValidatedTokenRequest, *TokenError) {
	codeValue := params.Get("code")
	if codeValue == "" {
		return nil, tokenError(fosite.ErrInvalidRequest.WithHint("The code parameter is required."))
	}

	// Redemption invalidates the code atomically with reading it; a racing
	// second exchange observes the reuse error, never the code.
	code, err := v.codes.Redeem(ctx, codeValue)
	switch {
	case errors.Is(err, ErrCodeReused):
		v.handleCodeReuse(ctx, codeValue)
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The authorization code has already been used."))
	case errors.Is(err, ErrCodeNotFound):
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The authorization code is invalid or expired."))
	case err != nil:
		logger.Errorw("authorization code redemption failed", "error", err)
		return nil, tokenError(fosite.ErrServerError)
	}

	if code.ClientID != c.ID {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The authorization code was issued to another client."))
	}
	if time.Now().After(code.ExpiresAt) {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The authorization code is invalid or expired."))
	}
	if params.Get("redirect_uri") != code.RedirectURI {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint(
			"The redirect_uri does not match the authorization request."))
	}

	// PKCE: recompute the challenge from the presented verifier and compare
	// in constant time.
	verifier := params.Get("code_verifier")
	if code.CodeChallenge != "" {
		if verifier == "" {
			return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The code_verifier parameter is required."))
		}
		if !crypto.VerifyPKCE(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The PKCE code_verifier is invalid."))
		}
	} else if verifier != "" {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint(
			"A code_verifier was presented but the authorization request used no code_challenge."))
	}

	// A DPoP-bound code must be exchanged with the same key.
	if code.DPoPThumbprint != "" && thumbprint != code.DPoPThumbprint {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint(
			"The DPoP proof key does not match the key the authorization code is bound to."))
	}

	resources, terr := narrowResources(params["resource"], code.Resources)
	if terr != nil {
		return nil, terr
	}

	// The code came through the pushed authorization endpoint: burn the
	// reference so the request_uri cannot start a second flow.
	if code.RequestURI != "" && v.pushed != nil {
		if err := v.pushed.Consume(ctx, code.RequestURI); err != nil {
			logger.Warnw("failed to consume pushed authorization request", "error", err)
		}
	}

	return &ValidatedTokenRequest{
		Client:             c,
		GrantType:          client.GrantTypeAuthorizationCode,
		Subject:            code.Subject,
		SessionID:          code.SessionID,
		Scopes:             fosite.Arguments(code.Scopes),
		Resources:          resources,
		Nonce:              code.Nonce,
		DPoPThumbprint:     thumbprint,
		Code:               code,
		RotateRefreshToken: true,
	}, nil
}

// handleCodeReuse revokes the tokens issued from a reused authorization
// code. Reuse means either the code leaked or the client retried a completed
// exchange; revoking errs on the safe side.
func (v *TokenValidator) handleCodeReuse(ctx context.Context, codeValue string) {
	logger.Warnw("authorization code reuse detected", "revoke_issued_tokens", v.revokeOnCodeReuse)
	if !v.revokeOnCodeReuse {
		return
	}

	tokenIDs, err := v.codes.TokensFor(ctx, codeValue)
	if err != nil {
		logger.Errorw("failed to load tokens bound to reused code", "error", err)
		return
	}
	for _, id := range tokenIDs {
		if err := v.refreshTokens.Delete(ctx, id); err != nil {
			logger.Errorw("failed to revoke token issued from reused code", "error", err)
		}
	}
}

func (v *TokenValidator) validateRefreshGrant(
	ctx context.Context, c *client.Client, params url.Values, thumbprint string,
) (*ValidatedTokenRequest, *TokenError) {
	handle := params.Get("refresh_token")
	if handle == "" {
		return nil, tokenError(fosite.ErrInvalidRequest.WithHint("The refresh_token parameter is required."))
	}

	// One-time-use rotation consumes the token atomically with reading it,
	// so a racing second refresh fails instead of double-issuing.
	rotate := c.RefreshTokenRotation != client.RotationReuse
	var token *RefreshToken
	var err error
	if rotate {
		token, err = v.refreshTokens.Consume(ctx, handle)
	} else {
		token, err = v.refreshTokens.Get(ctx, handle)
	}
	if errors.Is(err, ErrTokenNotFound) {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The refresh token is invalid, expired, or revoked."))
	}
	if err != nil {
		logger.Errorw("refresh token lookup failed", "error", err)
		return nil, tokenError(fosite.ErrServerError)
	}

	if token.ClientID != c.ID {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint("The refresh token was issued to another client."))
	}
	if token.DPoPThumbprint != "" && thumbprint != token.DPoPThumbprint {
		return nil, tokenError(fosite.ErrInvalidGrant.WithHint(
			"The DPoP proof key does not match the key the refresh token is bound to."))
	}

	// Refresh requests may only narrow the originally authorized sets.
	scopes := fosite.Arguments(token.Scopes)
	if requested := params.Get("scope"); requested != "" {
		narrowed := fosite.Arguments(dedupeOrdered(strings.Fields(requested)))
		for _, scope := range narrowed {
			if !scopes.Has(scope) {
				return nil, tokenError(fosite.ErrInvalidScope.WithHintf(
					"The scope %q was not originally authorized.", scope))
			}
		}
		scopes = narrowed
	}
	resources, terr := narrowResources(params["resource"], token.Resources)
	if terr != nil {
		return nil, terr
	}

	return &ValidatedTokenRequest{
		Client:             c,
		GrantType:          client.GrantTypeRefreshToken,
		Subject:            token.Subject,
		SessionID:          token.SessionID,
		Scopes:             scopes,
		Resources:          resources,
		DPoPThumbprint:     thumbprint,
		RefreshToken:       token,
		RotateRefreshToken: rotate,
	}, nil
}

// narrowResources validates that the requested resource indicators are a
// subset of the originally authorized ones, defaulting to the full original
// set when none are requested.
func narrowResources(requested, authorized []string) ([]string, *TokenError) {
	if len(requested) == 0 {
		return authorized, nil
	}
	narrowed := dedupeOrdered(requested)
	for _, resource := range narrowed {
		if !slices.Contains(authorized, resource) {
			return nil, tokenError(errInvalidTarget.WithHintf(
				"The resource %q was not originally authorized.", resource))
		}
	}
	return narrowed, nil
}
