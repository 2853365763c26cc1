// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ory/fosite"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/dpop"
	"github.com/stacklok/idserver/pkg/idserver/keys"
	"github.com/stacklok/idserver/pkg/idserver/par"
	"github.com/stacklok/idserver/pkg/idserver/session"
	"github.com/stacklok/idserver/pkg/idserver/validation"
	"github.com/stacklok/idserver/pkg/logger"
)

// Endpoint paths.
const (
	AuthorizePath = "/oauth/authorize"
	PARPath       = "/oauth/par"
	TokenPath     = "/oauth/token"
	RevokePath    = "/oauth/revoke"
	JWKSPath      = "/.well-known/jwks.json"
)

// Dependencies bundles the collaborators the router dispatches to.
type Dependencies struct {
	Clients            client.PolicyStore
	AuthorizeValidator *validation.AuthorizeValidator
	TokenValidator     *validation.TokenValidator
	PushedRequests     *par.Service
	Codes              validation.CodeStore
	RefreshTokens      validation.RefreshTokenStore
	Sessions           session.TicketStore
	Keys               *keys.Manager
}

// Router provides the HTTP handlers for the authorization server endpoints.
type Router struct {
	cfg    Config
	deps   Dependencies
	issuer *TokenIssuer
}

// NewRouter creates a Router. The config must have been validated.
func NewRouter(cfg Config, deps Dependencies) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:    cfg,
		deps:   deps,
		issuer: NewTokenIssuer(cfg, deps.Keys, deps.RefreshTokens),
	}
}

// Handler returns the mounted HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(AuthorizePath, rt.AuthorizeHandler)
	r.Post(AuthorizePath, rt.AuthorizeHandler)
	r.Post(PARPath, rt.PushedAuthorizeHandler)
	r.Post(TokenPath, rt.TokenHandler)
	r.Post(RevokePath, rt.RevokeHandler)
	r.Get(JWKSPath, rt.JWKSHandler)
	r.Get("/.well-known/oauth-authorization-server", rt.DiscoveryHandler)
	r.Get("/.well-known/openid-configuration", rt.DiscoveryHandler)

	return r
}

// AuthorizeHandler serves the authorization endpoint. Terminal validation
// failures render a generic error page; redirectable ones go back to the
// validated redirect URI.
func (rt *Router) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		params = r.PostForm
	}

	ticket := rt.currentSession(r)
	var subject, sessionID string
	if ticket != nil {
		subject, sessionID = ticket.SubjectID, ticket.SessionID
	}

	validated, authErr := rt.deps.AuthorizeValidator.Validate(r.Context(), validation.AuthorizeInput{
		Params:     params,
		Type:       validation.RequestTypeAuthorize,
		Subject:    subject,
		DPoPProof:  r.Header.Get(dpop.HeaderName),
		HTTPMethod: r.Method,
		HTTPURL:    rt.endpointURL(AuthorizePath),
	})
	if authErr != nil {
		rt.renderAuthorizeError(w, r, authErr)
		return
	}

	// No authenticated session, or the client insists on fresh
	// authentication: hand off to the interaction UI.
	needsLogin := subject == ""
	for _, prompt := range validated.Prompts {
		if prompt == "login" || prompt == "consent" || prompt == "select_account" {
			needsLogin = true
		}
	}
	if needsLogin {
		rt.redirectToLogin(w, r)
		return
	}

	code, err := rt.issueCode(r.Context(), validated, subject, sessionID)
	if err != nil {
		logger.Errorw("failed to issue authorization code", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	target, _ := url.Parse(validated.RedirectURI)
	q := target.Query()
	q.Set("code", code)
	q.Set("iss", rt.cfg.Issuer)
	if validated.State != "" {
		q.Set("state", validated.State)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// issueCode mints and persists an authorization code for the validated
// request.
func (rt *Router) issueCode(
	ctx context.Context, validated *validation.ValidatedAuthorizeRequest, subject, sessionID string,
) (string, error) {
	value, err := crypto.NewHandle()
	if err != nil {
		return "", err
	}
	lifetime := rt.cfg.AuthCodeLifespan
	if validated.Client.Lifetimes.AuthorizationCode > 0 {
		lifetime = validated.Client.Lifetimes.AuthorizationCode
	}

	err = rt.deps.Codes.Create(ctx, &validation.Code{
		Value:               value,
		ClientID:            validated.Client.ID,
		Subject:             subject,
		SessionID:           sessionID,
		RedirectURI:         validated.RedirectURI,
		Scopes:              validated.Scopes,
		Resources:           validated.Resources,
		CodeChallenge:       validated.CodeChallenge,
		CodeChallengeMethod: validated.CodeChallengeMethod,
		DPoPThumbprint:      validated.DPoPThumbprint,
		Nonce:               validated.Nonce,
		RequestURI:          validated.RequestURI,
		ExpiresAt:           time.Now().Add(lifetime),
	})
	if err != nil {
		return "", err
	}
	return value, nil
}

// PushedAuthorizeHandler serves the pushed authorization endpoint. All
// failures are JSON errors; nothing redirects from here.
func (rt *Router) PushedAuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		rt.renderRFCError(w, fosite.ErrInvalidRequest.WithHint("The request body is malformed."))
		return
	}

	auth, rfcErr := rt.authenticateClient(r)
	if rfcErr != nil {
		rt.renderRFCError(w, rfcErr)
		return
	}

	// Credentials sent in the body must not end up inside the stored
	// request.
	r.PostForm.Del("client_secret")

	validated, authErr := rt.deps.AuthorizeValidator.ValidatePushed(r.Context(), r.PostForm, auth.Client, validation.AuthorizeInput{
		DPoPProof:  r.Header.Get(dpop.HeaderName),
		HTTPMethod: r.Method,
		HTTPURL:    rt.endpointURL(PARPath),
	})
	if authErr != nil {
		rt.renderRFCError(w, authErr.RFC)
		return
	}

	resp, err := rt.deps.PushedRequests.Create(r.Context(), validated.Raw, auth.Client)
	if err != nil {
		logger.Errorw("failed to store pushed authorization request", "error", err)
		rt.renderRFCError(w, fosite.ErrServerError)
		return
	}
	rt.renderJSON(w, http.StatusCreated, resp)
}

// TokenHandler serves the token endpoint.
func (rt *Router) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		rt.renderRFCError(w, fosite.ErrInvalidRequest.WithHint("The request body is malformed."))
		return
	}

	auth, rfcErr := rt.authenticateClient(r)
	if rfcErr != nil {
		rt.renderRFCError(w, rfcErr)
		return
	}

	validated, terr := rt.deps.TokenValidator.Validate(r.Context(), validation.TokenInput{
		GrantType:  r.PostForm.Get("grant_type"),
		Params:     r.PostForm,
		Client:     auth,
		DPoPProof:  r.Header.Get(dpop.HeaderName),
		HTTPMethod: r.Method,
		HTTPURL:    rt.endpointURL(TokenPath),
	})
	if terr != nil {
		if terr.DPoPNonce != "" {
			w.Header().Set("DPoP-Nonce", terr.DPoPNonce)
		}
		rt.renderRFCError(w, terr.RFC)
		return
	}

	resp, refreshHandle, err := rt.issuer.Issue(r.Context(), validated)
	if err != nil {
		logger.Errorw("token issuance failed", "error", err)
		rt.renderRFCError(w, fosite.ErrServerError)
		return
	}

	// Remember which tokens came from this code, so a reuse can revoke
	// them.
	if validated.Code != nil && refreshHandle != "" {
		if err := rt.deps.Codes.BindTokens(r.Context(), validated.Code.Value, []string{refreshHandle}); err != nil {
			logger.Warnw("failed to bind issued tokens to code", "error", err)
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	rt.renderJSON(w, http.StatusOK, resp)
}

// RevokeHandler serves RFC 7009 revocation for refresh tokens. Revoking an
// unknown token succeeds, per spec.
func (rt *Router) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		rt.renderRFCError(w, fosite.ErrInvalidRequest.WithHint("The request body is malformed."))
		return
	}

	auth, rfcErr := rt.authenticateClient(r)
	if rfcErr != nil {
		rt.renderRFCError(w, rfcErr)
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		rt.renderRFCError(w, fosite.ErrInvalidRequest.WithHint("The token parameter is required."))
		return
	}

	// Only revoke tokens belonging to the caller.
	if stored, err := rt.deps.RefreshTokens.Get(r.Context(), token); err == nil && stored.ClientID == auth.Client.ID {
		if err := rt.deps.RefreshTokens.Delete(r.Context(), token); err != nil {
			logger.Errorw("failed to revoke token", "error", err)
			rt.renderRFCError(w, fosite.ErrServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// JWKSHandler serves the public signing keys.
func (rt *Router) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := rt.deps.Keys.JWKS(r.Context())
	if err != nil {
		logger.Errorw("failed to build JWKS", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rt.renderJSON(w, http.StatusOK, set)
}

// serverMetadata is the discovery document payload.
type serverMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	PushedAuthRequestEndpoint     string   `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	DPoPSigningAlgValues          []string `json:"dpop_signing_alg_values_supported"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	SubjectTypesSupported         []string `json:"subject_types_supported"`
	IDTokenSigningAlgValues       []string `json:"id_token_signing_alg_values_supported"`
}

// DiscoveryHandler serves the authorization server metadata.
func (rt *Router) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	rt.renderJSON(w, http.StatusOK, serverMetadata{
		Issuer:                    rt.cfg.Issuer,
		AuthorizationEndpoint:     rt.endpointURL(AuthorizePath),
		TokenEndpoint:             rt.endpointURL(TokenPath),
		PushedAuthRequestEndpoint: rt.endpointURL(PARPath),
		RevocationEndpoint:        rt.endpointURL(RevokePath),
		JWKSURI:                   rt.endpointURL(JWKSPath),
		ResponseTypesSupported:    []string{client.ResponseTypeCode},
		GrantTypesSupported: []string{
			client.GrantTypeAuthorizationCode,
			client.GrantTypeRefreshToken,
		},
		CodeChallengeMethodsSupported: []string{
			crypto.PKCEChallengeMethodS256,
			crypto.PKCEChallengeMethodPlain,
		},
		TokenEndpointAuthMethods: []string{"client_secret_basic", "client_secret_post", "none"},
		DPoPSigningAlgValues:     []string{"ES256", "ES384", "ES512", "RS256", "PS256", "EdDSA"},
		SubjectTypesSupported:    []string{"public"},
		IDTokenSigningAlgValues:  []string{"ES256", "ES384", "ES512"},
	})
}

// authenticateClient resolves the calling client from Basic auth or the
// form body. Public clients pass with just their client_id.
func (rt *Router) authenticateClient(r *http.Request) (validation.ClientAuthResult, *fosite.RFC6749Error) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	if id == "" {
		return validation.ClientAuthResult{}, fosite.ErrInvalidClient.WithHint("Client authentication is required.")
	}

	if secret == "" {
		c, err := rt.deps.Clients.FindClientByID(r.Context(), id)
		if err != nil || !c.Enabled || !c.Public {
			return validation.ClientAuthResult{}, fosite.ErrInvalidClient
		}
		return validation.ClientAuthResult{Client: c}, nil
	}

	c, err := client.Authenticate(r.Context(), rt.deps.Clients, id, secret)
	if err != nil {
		logger.Debugw("client authentication failed", "client_id", id)
		return validation.ClientAuthResult{}, fosite.ErrInvalidClient
	}
	return validation.ClientAuthResult{Client: c, Authenticated: true}, nil
}

// currentSession loads the authenticated session from the cookie, renewing
// it when more than half its validity has elapsed.
func (rt *Router) currentSession(r *http.Request) *session.Ticket {
	cookie, err := r.Cookie(rt.cfg.CookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	ticket, err := rt.deps.Sessions.Retrieve(r.Context(), rt.cfg.PartitionKey, cookie.Value)
	if err != nil {
		logger.Errorw("session lookup failed", "error", err)
		return nil
	}
	if ticket == nil {
		return nil
	}

	lifetime := ticket.Expires.Sub(ticket.Renewed)
	if remaining := time.Until(ticket.Expires); lifetime > 0 && remaining < lifetime/2 {
		renewed := *ticket
		renewed.Expires = time.Now().Add(lifetime)
		if err := rt.deps.Sessions.Renew(r.Context(), rt.cfg.PartitionKey, ticket.Key, &renewed); err != nil {
			logger.Warnw("session renewal failed", "error", err)
		}
	}
	return ticket
}

func (rt *Router) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.LoginURL == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	target, _ := url.Parse(rt.cfg.LoginURL)
	q := target.Query()
	q.Set("return_url", r.URL.RequestURI())
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// renderAuthorizeError renders a terminal failure as a generic page, or a
// redirectable one as an error redirect. The page deliberately does not say
// why the request was rejected.
func (rt *Router) renderAuthorizeError(w http.ResponseWriter, r *http.Request, authErr *validation.AuthorizeError) {
	if authErr.Terminal {
		logger.Infow("authorization request rejected",
			"error", authErr.RFC.ErrorField, "hint", authErr.RFC.HintField)
		status := authErr.RFC.CodeField
		if status == 0 {
			status = http.StatusBadRequest
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprint(w, "<html><body><h1>Authorization error</h1><p>The authorization request could not be processed.</p></body></html>")
		return
	}
	http.Redirect(w, r, authErr.RedirectTo(), http.StatusFound)
}

// rfcErrorBody is the standard JSON error payload.
type rfcErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func (rt *Router) renderRFCError(w http.ResponseWriter, rfc *fosite.RFC6749Error) {
	status := rfc.CodeField
	if status == 0 {
		status = http.StatusBadRequest
	}
	description := rfc.HintField
	if description == "" {
		description = rfc.DescriptionField
	}
	rt.renderJSON(w, status, rfcErrorBody{Error: rfc.ErrorField, ErrorDescription: description})
}

func (*Router) renderJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

func (rt *Router) endpointURL(path string) string {
	return strings.TrimSuffix(rt.cfg.Issuer, "/") + path
}
