// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/keys"
	"github.com/stacklok/idserver/pkg/idserver/validation"
)

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope"`
}

// TokenIssuer mints signed access and ID tokens plus opaque refresh tokens
// from a validated token request.
type TokenIssuer struct {
	cfg           Config
	keyManager    *keys.Manager
	refreshTokens validation.RefreshTokenStore
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(cfg Config, keyManager *keys.Manager, refreshTokens validation.RefreshTokenStore) *TokenIssuer {
	cfg.applyDefaults()
	return &TokenIssuer{cfg: cfg, keyManager: keyManager, refreshTokens: refreshTokens}
}

// Issue builds the token response for a validated request. The returned
// refresh token handle, when any, is also reported so the caller can bind it
// to the redeemed authorization code.
func (i *TokenIssuer) Issue(ctx context.Context, req *validation.ValidatedTokenRequest) (*TokenResponse, string, error) {
	now := time.Now()
	accessTTL := i.cfg.AccessTokenLifespan
	if req.Client.Lifetimes.AccessToken > 0 {
		accessTTL = req.Client.Lifetimes.AccessToken
	}

	accessToken, err := i.signAccessToken(ctx, req, now, accessTTL)
	if err != nil {
		return nil, "", err
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(accessTTL.Seconds()),
		Scope:       strings.Join(req.Scopes, " "),
	}
	if req.DPoPThumbprint != "" {
		resp.TokenType = "DPoP"
	}

	if req.Scopes.Has("openid") && req.Subject != "" {
		idToken, err := i.signIDToken(ctx, req, now)
		if err != nil {
			return nil, "", err
		}
		resp.IDToken = idToken
	}

	var refreshHandle string
	if req.RotateRefreshToken && req.Client.HasGrantType(client.GrantTypeRefreshToken) {
		refreshHandle, err = i.mintRefreshToken(ctx, req, now)
		if err != nil {
			return nil, "", err
		}
		resp.RefreshToken = refreshHandle
	} else if req.RefreshToken != nil {
		// Reuse policy: hand the presented token back.
		resp.RefreshToken = req.RefreshToken.Handle
	}

	return resp, refreshHandle, nil
}

func (i *TokenIssuer) signAccessToken(
	ctx context.Context, req *validation.ValidatedTokenRequest, now time.Time, ttl time.Duration,
) (string, error) {
	builder := jwt.NewBuilder().
		Issuer(i.cfg.Issuer).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(ttl)).
		JwtID(uuid.NewString()).
		Claim("client_id", req.Client.ID).
		Claim("scope", strings.Join(req.Scopes, " "))

	if req.Subject != "" {
		builder = builder.Subject(req.Subject)
	} else {
		builder = builder.Subject(req.Client.ID)
	}
	if req.SessionID != "" {
		builder = builder.Claim("sid", req.SessionID)
	}
	if len(req.Resources) > 0 {
		builder = builder.Audience(req.Resources)
	} else {
		builder = builder.Audience([]string{i.cfg.Issuer})
	}
	if req.DPoPThumbprint != "" {
		builder = builder.Claim("cnf", map[string]string{"jkt": req.DPoPThumbprint})
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build access token: %w", err)
	}
	return i.sign(ctx, token, "at+jwt")
}

func (i *TokenIssuer) signIDToken(ctx context.Context, req *validation.ValidatedTokenRequest, now time.Time) (string, error) {
	builder := jwt.NewBuilder().
		Issuer(i.cfg.Issuer).
		Subject(req.Subject).
		Audience([]string{req.Client.ID}).
		IssuedAt(now).
		Expiration(now.Add(i.cfg.AccessTokenLifespan)).
		Claim("sid", req.SessionID)
	if req.Nonce != "" {
		builder = builder.Claim("nonce", req.Nonce)
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build id token: %w", err)
	}
	return i.sign(ctx, token, "JWT")
}

// sign serializes and signs the token with the current signing key.
func (i *TokenIssuer) sign(ctx context.Context, token jwt.Token, typ string) (string, error) {
	signingKey, err := i.keyManager.SigningKey(ctx)
	if err != nil {
		return "", err
	}

	alg, ok := jwa.LookupSignatureAlgorithm(signingKey.Algorithm)
	if !ok {
		return "", fmt.Errorf("unsupported signing algorithm %q", signingKey.Algorithm)
	}
	key, err := jwk.Import(signingKey.Signer)
	if err != nil {
		return "", fmt.Errorf("failed to import signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, signingKey.ID); err != nil {
		return "", err
	}

	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, typ); err != nil {
		return "", err
	}

	signed, err := jwt.Sign(token, jwt.WithKey(alg, key, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// mintRefreshToken persists a fresh refresh token for the request.
func (i *TokenIssuer) mintRefreshToken(ctx context.Context, req *validation.ValidatedTokenRequest, now time.Time) (string, error) {
	ttl := i.cfg.RefreshTokenLifespan
	if req.Client.Lifetimes.RefreshToken > 0 {
		ttl = req.Client.Lifetimes.RefreshToken
	}
	handle, err := crypto.NewHandle()
	if err != nil {
		return "", err
	}

	err = i.refreshTokens.Create(ctx, &validation.RefreshToken{
		Handle:         handle,
		ClientID:       req.Client.ID,
		Subject:        req.Subject,
		SessionID:      req.SessionID,
		Scopes:         req.Scopes,
		Resources:      req.Resources,
		DPoPThumbprint: req.DPoPThumbprint,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return handle, nil
}
