// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/dpop"
	"github.com/stacklok/idserver/pkg/idserver/keys"
	"github.com/stacklok/idserver/pkg/idserver/par"
	"github.com/stacklok/idserver/pkg/idserver/session"
	"github.com/stacklok/idserver/pkg/idserver/validation"
)

const (
	testIssuer      = "https://id.example.com"
	testLoginURL    = "https://id.example.com/login"
	testSecret      = "s3cret-s3cret"
	testRedirectURI = "https://app.example.com/cb"
)

type routerFixture struct {
	router   *Router
	handler  http.Handler
	keys     *keys.Manager
	sessions session.TicketStore
	refresh  validation.RefreshTokenStore
	pushed   *par.Service
}

func hashSecret(t *testing.T) []byte {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)
	return hash
}

func webClient(t *testing.T) *client.Client {
	t.Helper()
	return &client.Client{
		ID:                   "web1",
		Enabled:              true,
		GrantTypes:           fosite.Arguments{client.GrantTypeAuthorizationCode, client.GrantTypeRefreshToken},
		RedirectURIs:         []string{testRedirectURI},
		Scopes:               fosite.Arguments{"openid", "profile", "api"},
		RequirePKCE:          true,
		Secrets:              []client.Secret{{Type: client.SecretTypeSharedBcrypt, Value: hashSecret(t)}},
		RefreshTokenRotation: client.RotationOneTimeUse,
	}
}

func newRouterFixture(t *testing.T, clients ...*client.Client) *routerFixture {
	t.Helper()

	encryptor, err := crypto.NewEncryptor([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	keyManager := keys.NewManager(keys.ManagerConfig{}, keys.NewMemoryStore())
	require.NoError(t, keyManager.Rotate(context.Background()))

	dpopValidator := dpop.NewValidator(
		dpop.ValidatorConfig{},
		dpop.NewMemoryReplayCache(),
		dpop.NewNonceService([]byte("nonce-secret"), time.Minute),
	)

	policyStore := client.NewMemoryPolicyStore(clients...)
	pushed := par.NewService(par.NewMemoryStore(), encryptor)
	codes := validation.NewMemoryCodeStore()
	refresh := validation.NewMemoryRefreshTokenStore()
	sessions := session.NewMemoryStore(encryptor)

	router := NewRouter(
		Config{Issuer: testIssuer, LoginURL: testLoginURL},
		Dependencies{
			Clients:            policyStore,
			AuthorizeValidator: validation.NewAuthorizeValidator(validation.AuthorizeConfig{}, policyStore, pushed, dpopValidator),
			TokenValidator:     validation.NewTokenValidator(codes, refresh, pushed, dpopValidator),
			PushedRequests:     pushed,
			Codes:              codes,
			RefreshTokens:      refresh,
			Sessions:           sessions,
			Keys:               keyManager,
		},
	)

	return &routerFixture{
		router:   router,
		handler:  router.Handler(),
		keys:     keyManager,
		sessions: sessions,
		refresh:  refresh,
		pushed:   pushed,
	}
}

// signIn creates an authenticated session for the subject and returns the
// cookie carrying its ticket key.
func (f *routerFixture) signIn(t *testing.T, subject string) *http.Cookie {
	t.Helper()
	now := time.Now()
	key, err := f.sessions.Store(context.Background(), &session.Ticket{
		PartitionKey: defaultPartitionKey,
		SubjectID:    subject,
		SessionID:    uuid.NewString(),
		Created:      now,
		Renewed:      now,
		Expires:      now.Add(time.Hour),
	})
	require.NoError(t, err)
	return &http.Cookie{Name: defaultCookieName, Value: key}
}

func authorizeParams(verifier string) url.Values {
	return url.Values{
		"client_id":             {"web1"},
		"response_type":         {client.ResponseTypeCode},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"xyz"},
		"code_challenge":        {crypto.ComputePKCEChallenge(verifier)},
		"code_challenge_method": {crypto.PKCEChallengeMethodS256},
	}
}

func (f *routerFixture) authorize(t *testing.T, params url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+params.Encode(), nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// codeFromRedirect follows a successful authorization redirect and extracts
// the code.
func codeFromRedirect(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(location.String(), testRedirectURI))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func (f *routerFixture) postToken(t *testing.T, form url.Values, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web1", testSecret)
	for _, fn := range mutate {
		fn(req)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeTokenResponse(t *testing.T, w *httptest.ResponseRecorder) *TokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return &resp
}

func decodeErrorResponse(t *testing.T, w *httptest.ResponseRecorder) rfcErrorBody {
	t.Helper()
	var body rfcErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestAuthorizeIssuesCodeAndRedirects(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")

	w := f.authorize(t, authorizeParams(crypto.GeneratePKCEVerifier()), cookie)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	assert.Equal(t, testIssuer, location.Query().Get("iss"))
}

func TestAuthorizeCodeExchange(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()
	code := codeFromRedirect(t, f.authorize(t, authorizeParams(verifier), cookie))

	resp := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}))

	assert.Equal(t, "Bearer", resp.TokenType)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.NotEmpty(t, resp.IDToken)
	assert.Equal(t, "openid profile", resp.Scope)

	// The access token verifies against the published key set.
	set, err := f.keys.JWKS(context.Background())
	require.NoError(t, err)
	parsed, err := jwt.Parse([]byte(resp.AccessToken),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithIssuer(testIssuer))
	require.NoError(t, err)

	var sub string
	require.NoError(t, parsed.Get("sub", &sub))
	assert.Equal(t, "alice", sub)
}

func TestAuthorizeRedirectsAnonymousToLogin(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	w := f.authorize(t, authorizeParams(crypto.GeneratePKCEVerifier()), nil)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testLoginURL))
	assert.Contains(t, location.Query().Get("return_url"), "client_id=web1")
}

func TestAuthorizeUnknownClientRendersGenericPage(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	params := authorizeParams(crypto.GeneratePKCEVerifier())
	params.Set("client_id", "ghost")

	w := f.authorize(t, params, f.signIn(t, "alice"))

	assert.GreaterOrEqual(t, w.Code, http.StatusBadRequest)
	assert.Empty(t, w.Header().Get("Location"))
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "could not be processed")
	assert.NotContains(t, string(body), "ghost")
}

func TestAuthorizeProtocolErrorRedirectsWithError(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	params := authorizeParams(crypto.GeneratePKCEVerifier())
	params.Set("scope", "admin")

	w := f.authorize(t, params, f.signIn(t, "alice"))

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_scope", location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestPushedAuthorizationFlow(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()

	req := httptest.NewRequest(http.MethodPost, PARPath, strings.NewReader(authorizeParams(verifier).Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web1", testSecret)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var parResp par.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&parResp))
	assert.True(t, strings.HasPrefix(parResp.RequestURI, par.RequestURIPrefix))
	assert.Positive(t, parResp.ExpiresIn)

	byReference := url.Values{
		"client_id":   {"web1"},
		"request_uri": {parResp.RequestURI},
	}
	code := codeFromRedirect(t, f.authorize(t, byReference, cookie))

	decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}))

	// The pushed request was consumed by the token exchange; presenting it
	// again must fail without redirecting anywhere.
	replay := f.authorize(t, byReference, cookie)
	assert.GreaterOrEqual(t, replay.Code, http.StatusBadRequest)
	assert.Empty(t, replay.Header().Get("Location"))
}

func TestPushedAuthorizationRequiresClientAuthentication(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))

	req := httptest.NewRequest(http.MethodPost, PARPath,
		strings.NewReader(authorizeParams(crypto.GeneratePKCEVerifier()).Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_client", decodeErrorResponse(t, w).Error)
}

func TestTokenRejectsWrongClientSecret(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	w := f.postToken(t,
		url.Values{"grant_type": {client.GrantTypeAuthorizationCode}, "code": {"whatever"}},
		func(r *http.Request) { r.SetBasicAuth("web1", "wrong") },
	)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_client", decodeErrorResponse(t, w).Error)
}

func TestTokenDPoPBoundExchange(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()
	code := codeFromRedirect(t, f.authorize(t, authorizeParams(verifier), cookie))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	proofKey, err := jwk.Import(ecKey)
	require.NoError(t, err)
	proof, err := dpop.Sign(http.MethodPost, testIssuer+TokenPath, jwa.ES256(), proofKey)
	require.NoError(t, err)

	resp := decodeTokenResponse(t, f.postToken(t,
		url.Values{
			"grant_type":    {client.GrantTypeAuthorizationCode},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {verifier},
		},
		func(r *http.Request) { r.Header.Set(dpop.HeaderName, proof) },
	))

	assert.Equal(t, "DPoP", resp.TokenType)

	// cnf.jkt in the access token matches the proof key.
	thumbprint, err := dpop.KeyThumbprint(proofKey)
	require.NoError(t, err)
	parsed, err := jwt.ParseInsecure([]byte(resp.AccessToken))
	require.NoError(t, err)
	var cnf map[string]any
	require.NoError(t, parsed.Get("cnf", &cnf))
	assert.Equal(t, thumbprint, cnf["jkt"])
}

func TestRefreshTokenGrantRotates(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()
	code := codeFromRedirect(t, f.authorize(t, authorizeParams(verifier), cookie))

	first := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}))

	second := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
	}))
	assert.NotEmpty(t, second.RefreshToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The rotated-out token is gone.
	replay := f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
	})
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, "invalid_grant", decodeErrorResponse(t, replay).Error)
}

func TestCodeReuseRevokesIssuedTokens(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()
	code := codeFromRedirect(t, f.authorize(t, authorizeParams(verifier), cookie))

	form := url.Values{
		"grant_type":    {client.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	first := decodeTokenResponse(t, f.postToken(t, form))

	reuse := f.postToken(t, form)
	require.Equal(t, http.StatusBadRequest, reuse.Code)
	assert.Equal(t, "invalid_grant", decodeErrorResponse(t, reuse).Error)

	// The refresh token minted from the first exchange was revoked too.
	refresh := f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeRefreshToken},
		"refresh_token": {first.RefreshToken},
	})
	require.Equal(t, http.StatusBadRequest, refresh.Code)
	assert.Equal(t, "invalid_grant", decodeErrorResponse(t, refresh).Error)
}

func TestRevokeEndpoint(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	cookie := f.signIn(t, "alice")
	verifier := crypto.GeneratePKCEVerifier()
	code := codeFromRedirect(t, f.authorize(t, authorizeParams(verifier), cookie))

	resp := decodeTokenResponse(t, f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}))

	revoke := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, RevokePath,
			strings.NewReader(url.Values{"token": {token}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth("web1", testSecret)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, revoke(resp.RefreshToken).Code)

	replay := f.postToken(t, url.Values{
		"grant_type":    {client.GrantTypeRefreshToken},
		"refresh_token": {resp.RefreshToken},
	})
	require.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, "invalid_grant", decodeErrorResponse(t, replay).Error)

	// Revoking an unknown token still succeeds.
	assert.Equal(t, http.StatusOK, revoke("no-such-token").Code)
}

func TestJWKSServesOnlyPublicKeys(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	req := httptest.NewRequest(http.MethodGet, JWKSPath, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	set, err := jwk.Parse(body)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	assert.NotContains(t, string(body), `"d"`)
}

func TestDiscoveryDocument(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, webClient(t))
	for _, path := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		f.handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var metadata serverMetadata
		require.NoError(t, json.NewDecoder(w.Body).Decode(&metadata))
		assert.Equal(t, testIssuer, metadata.Issuer)
		assert.Equal(t, testIssuer+AuthorizePath, metadata.AuthorizationEndpoint)
		assert.Equal(t, testIssuer+TokenPath, metadata.TokenEndpoint)
		assert.Equal(t, testIssuer+PARPath, metadata.PushedAuthRequestEndpoint)
		assert.Equal(t, testIssuer+JWKSPath, metadata.JWKSURI)
		assert.Contains(t, metadata.CodeChallengeMethodsSupported, crypto.PKCEChallengeMethodS256)
		assert.Contains(t, metadata.GrantTypesSupported, client.GrantTypeRefreshToken)
	}
}
