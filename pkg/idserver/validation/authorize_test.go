// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/par"
)

func testClient() *client.Client {
	return &client.Client{
		ID:          "web1",
		Enabled:     true,
		GrantTypes:  fosite.Arguments{client.GrantTypeAuthorizationCode, client.GrantTypeRefreshToken},
		RedirectURIs: []string{"https://app/cb"},
		Scopes:      fosite.Arguments{"openid", "profile", "api"},
		RequirePKCE: true,
	}
}

func newAuthorizeValidator(t *testing.T, clients ...*client.Client) *AuthorizeValidator {
	t.Helper()
	store := client.NewMemoryPolicyStore(clients...)
	return NewAuthorizeValidator(AuthorizeConfig{}, store, nil, nil)
}

func validParams() url.Values {
	return url.Values{
		"client_id":             {"web1"},
		"redirect_uri":          {"https://app/cb"},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"state":                 {"abc"},
		"code_challenge":        {crypto.ComputePKCEChallenge(crypto.GeneratePKCEVerifier())},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
}

func TestAuthorizeAcceptsValidRequest(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: validParams()})
	require.Nil(t, authErr)

	assert.Equal(t, "web1", req.Client.ID)
	assert.Equal(t, "https://app/cb", req.RedirectURI)
	assert.Equal(t, fosite.Arguments{"openid"}, req.Scopes)
	assert.Equal(t, crypto.PKCEChallengeMethodS256, req.CodeChallengeMethod)
	assert.Equal(t, "abc", req.State)
}

func TestAuthorizeUnknownClientIsTerminal(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	params := validParams()
	params.Set("client_id", "nobody")

	_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
}

func TestAuthorizeDisabledClientIsTerminal(t *testing.T) {
	t.Parallel()

	c := testClient()
	c.Enabled = false
	v := newAuthorizeValidator(t, c)

	_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: validParams()})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
}

func TestAuthorizeUnregisteredRedirectURIIsTerminal(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	for _, uri := range []string{
		"https://evil/cb",
		"https://app/cb/extra",
		"https://app/cb?x=1",
		"",
	} {
		params := validParams()
		params.Set("redirect_uri", uri)

		_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
		require.NotNil(t, authErr, "redirect_uri %q", uri)
		assert.True(t, authErr.Terminal, "redirect_uri %q must not redirect", uri)
	}
}

func TestAuthorizeProtocolErrorsRedirect(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())

	tests := []struct {
		name      string
		mutate    func(url.Values)
		wantError string
	}{
		{
			name:      "unsupported response type",
			mutate:    func(p url.Values) { p.Set("response_type", "token") },
			wantError: "unsupported_response_type",
		},
		{
			name:      "missing scope",
			mutate:    func(p url.Values) { p.Del("scope") },
			wantError: "invalid_scope",
		},
		{
			name:      "unauthorized scope",
			mutate:    func(p url.Values) { p.Set("scope", "openid admin") },
			wantError: "invalid_scope",
		},
		{
			name: "missing code challenge",
			mutate: func(p url.Values) {
				p.Del("code_challenge")
				p.Del("code_challenge_method")
			},
			wantError: "invalid_request",
		},
		{
			name:      "plain challenge not allowed",
			mutate:    func(p url.Values) { p.Set("code_challenge_method", crypto.PKCEChallengeMethodPlain) },
			wantError: "invalid_request",
		},
		{
			name:      "unknown challenge method",
			mutate:    func(p url.Values) { p.Set("code_challenge_method", "S512") },
			wantError: "invalid_request",
		},
		{
			name:      "short code challenge",
			mutate:    func(p url.Values) { p.Set("code_challenge", "too-short") },
			wantError: "invalid_request",
		},
		{
			name:      "unknown prompt",
			mutate:    func(p url.Values) { p.Set("prompt", "dance") },
			wantError: "invalid_request",
		},
		{
			name:      "prompt none combined",
			mutate:    func(p url.Values) { p.Set("prompt", "none login") },
			wantError: "invalid_request",
		},
		{
			name:      "prompt none without subject",
			mutate:    func(p url.Values) { p.Set("prompt", "none") },
			wantError: "login_required",
		},
		{
			name:      "unauthorized resource",
			mutate:    func(p url.Values) { p.Set("resource", "https://api.example.com") },
			wantError: "invalid_target",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			params := validParams()
			tc.mutate(params)

			_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
			require.NotNil(t, authErr)
			assert.False(t, authErr.Terminal)
			assert.Equal(t, tc.wantError, authErr.RFC.ErrorField)
			assert.Equal(t, "https://app/cb", authErr.RedirectURI)

			redirect, err := url.Parse(authErr.RedirectTo())
			require.NoError(t, err)
			assert.Equal(t, tc.wantError, redirect.Query().Get("error"))
			assert.Equal(t, "abc", redirect.Query().Get("state"))
		})
	}
}

func TestAuthorizeDropsUnauthorizedScopesWhenConfigured(t *testing.T) {
	t.Parallel()

	store := client.NewMemoryPolicyStore(testClient())
	v := NewAuthorizeValidator(AuthorizeConfig{DropUnauthorizedScopes: true}, store, nil, nil)

	params := validParams()
	params.Set("scope", "openid admin profile")

	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.Nil(t, authErr)
	assert.Equal(t, fosite.Arguments{"openid", "profile"}, req.Scopes)
}

func TestAuthorizePromptDeduplicationAndHints(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	params := validParams()
	params.Set("prompt", "login consent login")
	params.Set("acr_values", "idp:corp-saml tenant:acme urn:mace:level1")
	params.Set("login_hint", "alice@example.com")
	params.Set("ui_locales", "de-CH de en")

	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.Nil(t, authErr)
	assert.Equal(t, []string{"login", "consent"}, req.Prompts)
	assert.Equal(t, "corp-saml", req.IDPHint)
	assert.Equal(t, "acme", req.TenantHint)
	assert.Equal(t, []string{"urn:mace:level1"}, req.ACRValues)
	assert.Equal(t, "alice@example.com", req.LoginHint)
	assert.Equal(t, []string{"de-CH", "de", "en"}, req.UILocales)
}

func TestAuthorizePromptNoneWithSubject(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	params := validParams()
	params.Set("prompt", "none")

	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params, Subject: "alice"})
	require.Nil(t, authErr)
	assert.Equal(t, "alice", req.Subject)
}

func TestAuthorizeClientResourcePolicy(t *testing.T) {
	t.Parallel()

	c := testClient()
	c.AllowedResources = []string{"https://api.example.com"}
	v := newAuthorizeValidator(t, c)

	params := validParams()
	params.Set("resource", "https://api.example.com")
	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.Nil(t, authErr)
	assert.Equal(t, []string{"https://api.example.com"}, req.Resources)

	params.Set("resource", "https://other.example.com")
	_, authErr = v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.NotNil(t, authErr)
	assert.Equal(t, "invalid_target", authErr.RFC.ErrorField)
}

func TestAuthorizeRequirePAR(t *testing.T) {
	t.Parallel()

	c := testClient()
	c.RequirePAR = true
	v := newAuthorizeValidator(t, c)

	_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: validParams()})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
}

func TestAuthorizeResolvesPushedRequest(t *testing.T) {
	t.Parallel()

	c := testClient()
	store := client.NewMemoryPolicyStore(c)

	key, err := crypto.GenerateEncryptionKey()
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(key)
	require.NoError(t, err)
	pushed := par.NewService(par.NewMemoryStore(), enc)

	resp, err := pushed.Create(context.Background(), validParams(), c)
	require.NoError(t, err)

	v := NewAuthorizeValidator(AuthorizeConfig{}, store, pushed, nil)
	req, authErr := v.Validate(context.Background(), AuthorizeInput{
		Params: url.Values{
			"client_id":   {"web1"},
			"request_uri": {resp.RequestURI},
		},
	})
	require.Nil(t, authErr)
	assert.Equal(t, "https://app/cb", req.RedirectURI)
	assert.Equal(t, resp.RequestURI, req.RequestURI)
}

func TestAuthorizeUnknownRequestURIIsTerminal(t *testing.T) {
	t.Parallel()

	v := newAuthorizeValidator(t, testClient())
	_, authErr := v.Validate(context.Background(), AuthorizeInput{
		Params: url.Values{
			"client_id":   {"web1"},
			"request_uri": {par.RequestURIPrefix + "unknown"},
		},
	})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
	assert.Equal(t, "invalid_request_uri", authErr.RFC.ErrorField)
}

func TestPushedValidatorRejectsRequestURI(t *testing.T) {
	t.Parallel()

	c := testClient()
	v := newAuthorizeValidator(t, c)

	params := validParams()
	params.Set("request_uri", par.RequestURIPrefix+"whatever")

	_, authErr := v.ValidatePushed(context.Background(), params, c, AuthorizeInput{})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
}

func TestPushedValidatorRejectsForeignClientID(t *testing.T) {
	t.Parallel()

	c := testClient()
	v := newAuthorizeValidator(t, c)

	params := validParams()
	params.Set("client_id", "someone-else")

	_, authErr := v.ValidatePushed(context.Background(), params, c, AuthorizeInput{})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
}

// requestObjectClient returns a client with a registered request object key
// and a signer for it.
func requestObjectClient(t *testing.T) (*client.Client, jwk.Key) {
	t.Helper()

	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	priv, err := jwk.Import(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "ro-key"))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	jwks, err := json.Marshal(set)
	require.NoError(t, err)

	c := testClient()
	c.RequestObjectKeys = jwks
	return c, priv
}

func signRequestObject(t *testing.T, key jwk.Key, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	signed, err := jws.Sign(payload, jws.WithKey(jwa.ES256(), key))
	require.NoError(t, err)
	return string(signed)
}

func TestAuthorizeRequestObjectTakesPrecedence(t *testing.T) {
	t.Parallel()

	c, key := requestObjectClient(t)
	v := newAuthorizeValidator(t, c)

	params := validParams()
	params.Set("scope", "api")
	params.Set("request", signRequestObject(t, key, map[string]any{
		"client_id": "web1",
		"scope":     "openid profile",
		"state":     "signed-state",
	}))

	req, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.Nil(t, authErr)

	// Signed values win over the loose duplicates.
	assert.Equal(t, fosite.Arguments{"openid", "profile"}, req.Scopes)
	assert.Equal(t, "signed-state", req.State)
}

func TestAuthorizeRequestObjectClientIDConflict(t *testing.T) {
	t.Parallel()

	c, key := requestObjectClient(t)
	v := newAuthorizeValidator(t, c)

	params := validParams()
	params.Set("request", signRequestObject(t, key, map[string]any{
		"client_id": "someone-else",
	}))

	_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.NotNil(t, authErr)
	assert.True(t, authErr.Terminal)
	assert.Equal(t, "invalid_request_object", authErr.RFC.ErrorField)
}

func TestAuthorizeRequestObjectBadSignature(t *testing.T) {
	t.Parallel()

	c, _ := requestObjectClient(t)
	v := newAuthorizeValidator(t, c)

	// Signed with a key the client never registered.
	otherRaw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherKey, err := jwk.Import(otherRaw)
	require.NoError(t, err)

	params := validParams()
	params.Set("request", signRequestObject(t, otherKey, map[string]any{"client_id": "web1"}))

	_, authErr := v.Validate(context.Background(), AuthorizeInput{Params: params})
	require.NotNil(t, authErr)
	assert.Equal(t, "invalid_request_object", authErr.RFC.ErrorField)
}
