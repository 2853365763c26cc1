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

	"github.com/ory/fosite"

	"github.com/stacklok/idserver/pkg/idserver/client"
	"github.com/stacklok/idserver/pkg/idserver/crypto"
	"github.com/stacklok/idserver/pkg/idserver/dpop"
	"github.com/stacklok/idserver/pkg/idserver/par"
	"github.com/stacklok/idserver/pkg/logger"
)

// Error codes beyond fosite's built-in vocabulary.
var (
	errInvalidRequestURI = &fosite.RFC6749Error{
		ErrorField:       "invalid_request_uri",
		DescriptionField: "The request_uri is invalid, expired, or already used.",
		CodeField:        http.StatusBadRequest,
	}
	errInvalidRequestObject = &fosite.RFC6749Error{
		ErrorField:       "invalid_request_object",
		DescriptionField: "The request parameter contains an invalid request object.",
		CodeField:        http.StatusBadRequest,
	}
	errInvalidTarget = &fosite.RFC6749Error{
		ErrorField:       "invalid_target",
		DescriptionField: "The requested resource is invalid, unknown, or not authorized for this client.",
		CodeField:        http.StatusBadRequest,
	}
	errInvalidDPoPProof = &fosite.RFC6749Error{
		ErrorField:       "invalid_dpop_proof",
		DescriptionField: "The DPoP proof is missing or invalid.",
		CodeField:        http.StatusBadRequest,
	}
)

// Prompt values understood by the server.
var knownPrompts = []string{"none", "login", "consent", "select_account"}

// PushedRequestResolver resolves pushed authorization references back to
// their stored parameter sets. Satisfied by par.Service.
type PushedRequestResolver interface {
	Resolve(ctx context.Context, requestURI string) (url.Values, error)
}

// AuthorizeConfig carries the server-wide knobs of the authorization
// request validator.
type AuthorizeConfig struct {
	// Resources is the server's resource indicator catalog, consulted for
	// clients without their own authorized resource set.
	Resources []string

	// DropUnauthorizedScopes silently drops scopes the client may not
	// request instead of rejecting the whole request. At least one granted
	// scope must remain.
	DropUnauthorizedScopes bool
}

// AuthorizeInput is one authorization request to validate.
type AuthorizeInput struct {
	// Params is the raw parameter bag from the query string or POST body.
	Params url.Values

	// Type selects authorization or pushed authorization semantics.
	Type RequestType

	// Subject is the already-authenticated subject, if any. Required for
	// prompt=none.
	Subject string

	// DPoPProof is the raw DPoP header value when the request presented
	// one, with HTTPMethod and HTTPURL describing the request it covers.
	DPoPProof  string
	HTTPMethod string
	HTTPURL    string
}

// AuthorizeValidator validates authorization requests against protocol rules
// and the client's registered policy. Validation is pure: persistence of the
// resulting code or pushed request happens in the caller.
type AuthorizeValidator struct {
	cfg            AuthorizeConfig
	clients        client.PolicyStore
	requestObjects *RequestObjectValidator
	pushed         PushedRequestResolver
	dpopValidator  *dpop.Validator
}

// NewAuthorizeValidator creates an AuthorizeValidator. The pushed resolver
// and DPoP validator may be nil when those features are not deployed.
func NewAuthorizeValidator(
	cfg AuthorizeConfig,
	clients client.PolicyStore,
	pushed PushedRequestResolver,
	dpopValidator *dpop.Validator,
) *AuthorizeValidator {
	return &AuthorizeValidator{
		cfg:            cfg,
		clients:        clients,
		requestObjects: NewRequestObjectValidator(),
		pushed:         pushed,
		dpopValidator:  dpopValidator,
	}
}

// Validate checks one authorization request. Until the client and its
// redirect URI have been validated every failure is terminal; afterwards
// protocol errors are reported by redirecting, except proof errors, which
// stay terminal.
//
//nolint:gocyclo // the validation order is protocol behavior and reads best linearly
func (v *AuthorizeValidator) Validate(ctx context.Context, in AuthorizeInput) (*ValidatedAuthorizeRequest, *AuthorizeError) {
	params := in.Params

	// The client is resolved first; nothing can be trusted before it is.
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, terminalError(fosite.ErrInvalidRequest.WithHint("The client_id parameter is required."))
	}
	c, err := v.clients.FindClientByID(ctx, clientID)
	if err != nil {
		if !errors.Is(err, client.ErrNotFound) {
			logger.Errorw("client lookup failed", "error", err)
			return nil, terminalError(fosite.ErrServerError)
		}
		// Same outcome as a disabled client, to avoid client enumeration.
		return nil, terminalError(fosite.ErrInvalidClient.WithHint("The client is unknown or disabled."))
	}
	if !c.Enabled {
		return nil, terminalError(fosite.ErrInvalidClient.WithHint("The client is unknown or disabled."))
	}

	// Resolve a pushed reference or an inline request object before
	// validating parameters, so that the stored or signed values are what
	// the remaining checks see.
	requestURI := params.Get("request_uri")
	if requestURI != "" {
		if in.Type == RequestTypePushedAuthorization {
			return nil, terminalError(fosite.ErrInvalidRequest.WithHint(
				"The request_uri parameter must not be sent to the pushed authorization endpoint."))
		}
		stored, err := v.pushedResolve(ctx, requestURI)
		if err != nil {
			return nil, terminalError(errInvalidRequestURI)
		}
		if storedClient := stored.Get("client_id"); storedClient != clientID {
			return nil, terminalError(fosite.ErrInvalidRequest.WithHint(
				"The client_id does not match the pushed authorization request."))
		}
		params = stored
	} else if c.RequirePAR && in.Type == RequestTypeAuthorize {
		return nil, terminalError(fosite.ErrInvalidRequest.WithHint(
			"This client must use pushed authorization requests."))
	}

	if rawObject := params.Get("request"); rawObject != "" {
		objectParams, err := v.requestObjects.Validate(c, rawObject)
		if err != nil {
			logger.Debugw("request object rejected", "client_id", c.ID, "error", err)
			return nil, terminalError(errInvalidRequestObject)
		}
		merged := cloneValues(params)
		merged.Del("request")
		// Signed values win over same-named loose parameters.
		for name, value := range objectParams {
			merged.Set(name, value)
		}
		params = merged
	}

	// Redirect URI: exact string match against the registered set. Failures
	// here are terminal, an unvalidated URI is never a redirect target.
	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" {
		return nil, terminalError(fosite.ErrInvalidRequest.WithHint("The redirect_uri parameter is required."))
	}
	if !c.HasRedirectURI(redirectURI) {
		return nil, terminalError(fosite.ErrInvalidRequest.WithHint(
			"The redirect_uri is not registered for this client."))
	}
	state := params.Get("state")
	fail := func(rfc *fosite.RFC6749Error) (*ValidatedAuthorizeRequest, *AuthorizeError) {
		return nil, redirectError(rfc, redirectURI, state)
	}

	// Response type.
	responseType := params.Get("response_type")
	switch {
	case responseType == "":
		return fail(fosite.ErrInvalidRequest.WithHint("The response_type parameter is required."))
	case responseType != client.ResponseTypeCode:
		return fail(fosite.ErrUnsupportedResponseType)
	case !c.HasGrantType(client.GrantTypeAuthorizationCode):
		return fail(fosite.ErrUnauthorizedClient.WithHint(
			"The client is not allowed to use the authorization code flow."))
	}

	// Scopes.
	requested := fosite.Arguments(strings.Fields(params.Get("scope")))
	if len(requested) == 0 {
		return fail(fosite.ErrInvalidScope.WithHint("The scope parameter is required."))
	}
	granted := make(fosite.Arguments, 0, len(requested))
	for _, scope := range dedupeOrdered(requested) {
		switch {
		case c.Scopes.Has(scope):
			granted = append(granted, scope)
		case v.cfg.DropUnauthorizedScopes:
			logger.Debugw("dropping unauthorized scope", "client_id", c.ID, "scope", scope)
		default:
			return fail(fosite.ErrInvalidScope.WithHintf("The client is not allowed to request scope %q.", scope))
		}
	}
	if len(granted) == 0 {
		return fail(fosite.ErrInvalidScope.WithHint("No requested scope is authorized for this client."))
	}

	// PKCE.
	challenge := params.Get("code_challenge")
	method := params.Get("code_challenge_method")
	if challenge == "" {
		if c.RequirePKCE {
			return fail(fosite.ErrInvalidRequest.WithHint("This client must use PKCE; code_challenge is required."))
		}
		if method != "" {
			return fail(fosite.ErrInvalidRequest.WithHint("code_challenge_method requires a code_challenge."))
		}
	} else {
		if method == "" {
			method = crypto.PKCEChallengeMethodPlain
		}
		switch method {
		case crypto.PKCEChallengeMethodS256:
		case crypto.PKCEChallengeMethodPlain:
			if !c.AllowPlainPKCE {
				return fail(fosite.ErrInvalidRequest.WithHint(
					"The plain code_challenge_method is not allowed for this client."))
			}
		default:
			return fail(fosite.ErrInvalidRequest.WithHintf("Unsupported code_challenge_method %q.", method))
		}
		if len(challenge) < crypto.MinPKCEChallengeLength || len(challenge) > crypto.MaxPKCEChallengeLength {
			return fail(fosite.ErrInvalidRequest.WithHintf(
				"code_challenge must be between %d and %d characters.",
				crypto.MinPKCEChallengeLength, crypto.MaxPKCEChallengeLength))
		}
	}

	// DPoP binding. The proof itself is optional at this endpoint even for
	// DPoP-required clients; the token endpoint enforces the requirement.
	// Proof errors stay terminal: credential failures never redirect.
	thumbprint := params.Get("dpop_jkt")
	if in.DPoPProof != "" {
		if v.dpopValidator == nil {
			return nil, terminalError(errInvalidDPoPProof.WithHint("DPoP is not supported by this server."))
		}
		proof, err := v.dpopValidator.Validate(ctx, in.DPoPProof, in.HTTPMethod, in.HTTPURL)
		if err != nil {
			return nil, terminalError(errInvalidDPoPProof.WithHint(err.Error()))
		}
		thumbprint = proof.Thumbprint
	}

	// Resource indicators. The client's own authorized set wins; the server
	// catalog is the fallback for clients without one.
	resources := dedupeOrdered(params["resource"])
	for _, resource := range resources {
		allowed := false
		if len(c.AllowedResources) > 0 {
			allowed = c.HasResource(resource)
		} else {
			allowed = slices.Contains(v.cfg.Resources, resource)
		}
		if !allowed {
			return fail(errInvalidTarget.WithHintf("The resource %q is not authorized for this client.", resource))
		}
	}

	// Interaction hints.
	prompts := dedupeOrdered(strings.Fields(params.Get("prompt")))
	for _, prompt := range prompts {
		if !slices.Contains(knownPrompts, prompt) {
			return fail(fosite.ErrInvalidRequest.WithHintf("Unknown prompt value %q.", prompt))
		}
	}
	if slices.Contains(prompts, "none") {
		if len(prompts) > 1 {
			return fail(fosite.ErrInvalidRequest.WithHint("The prompt value none must not be combined with other values."))
		}
		if in.Subject == "" {
			return fail(fosite.ErrLoginRequired)
		}
	}

	var acrValues []string
	var idpHint, tenantHint string
	for _, acr := range strings.Fields(params.Get("acr_values")) {
		switch {
		case strings.HasPrefix(acr, "idp:"):
			idpHint = strings.TrimPrefix(acr, "idp:")
		case strings.HasPrefix(acr, "tenant:"):
			tenantHint = strings.TrimPrefix(acr, "tenant:")
		default:
			acrValues = append(acrValues, acr)
		}
	}

	return &ValidatedAuthorizeRequest{
		Client:              c,
		ResponseType:        responseType,
		RedirectURI:         redirectURI,
		Scopes:              granted,
		Resources:           resources,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		DPoPThumbprint:      thumbprint,
		Nonce:               params.Get("nonce"),
		State:               state,
		Prompts:             prompts,
		ACRValues:           acrValues,
		IDPHint:             idpHint,
		TenantHint:          tenantHint,
		LoginHint:           params.Get("login_hint"),
		UILocales:           strings.Fields(params.Get("ui_locales")),
		Subject:             in.Subject,
		RequestURI:          requestURI,
		Raw:                 params,
	}, nil
}

// ValidatePushed validates a pushed authorization submission on behalf of an
// already-authenticated client. The client_id parameter must name the
// authenticated client.
func (v *AuthorizeValidator) ValidatePushed(
	ctx context.Context, params url.Values, authenticated *client.Client, in AuthorizeInput,
) (*ValidatedAuthorizeRequest, *AuthorizeError) {
	if id := params.Get("client_id"); id != authenticated.ID {
		return nil, terminalError(fosite.ErrInvalidRequest.WithHint(
			"The client_id parameter does not match the authenticated client."))
	}
	in.Params = params
	in.Type = RequestTypePushedAuthorization
	return v.Validate(ctx, in)
}

func (v *AuthorizeValidator) pushedResolve(ctx context.Context, requestURI string) (url.Values, error) {
	if v.pushed == nil {
		return nil, par.ErrNotFound
	}
	return v.pushed.Resolve(ctx, requestURI)
}

// cloneValues copies a parameter bag so merges never alias the caller's map.
func cloneValues(params url.Values) url.Values {
	clone := make(url.Values, len(params))
	for name, values := range params {
		clone[name] = slices.Clone(values)
	}
	return clone
}

// dedupeOrdered removes duplicates while preserving first-seen order.
func dedupeOrdered(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	return out
}
