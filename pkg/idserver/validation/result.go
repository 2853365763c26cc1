// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation implements the protocol request-validation pipeline:
// the authorization, pushed authorization, and token request validators and
// the single-use authorization code and refresh token stores they consume.
package validation

import (
	"net/url"

	"github.com/ory/fosite"

	"github.com/stacklok/idserver/pkg/idserver/client"
)

// RequestType discriminates authorization endpoint semantics from pushed
// authorization endpoint semantics.
type RequestType int

const (
	// RequestTypeAuthorize is a request arriving at the authorization
	// endpoint.
	RequestTypeAuthorize RequestType = iota

	// RequestTypePushedAuthorization is a request arriving at the pushed
	// authorization endpoint, where client authentication is required and
	// request_uri is forbidden.
	RequestTypePushedAuthorization
)

// AuthorizeError is a structured authorization request failure. Terminal
// errors must never redirect: either the client or its redirect URI failed
// validation, so no redirect target can be trusted. Redirectable errors
// carry the validated redirect URI and the client's state for the error
// redirect.
type AuthorizeError struct {
	// RFC is the standard error code and description.
	RFC *fosite.RFC6749Error

	// Terminal is true when the error must be rendered as a generic error
	// page instead of a redirect.
	Terminal bool

	// RedirectURI is the validated redirect target for redirectable errors.
	RedirectURI string

	// State echoes the request's state parameter on error redirects.
	State string
}

// Error implements the error interface.
func (e *AuthorizeError) Error() string {
	return e.RFC.Error()
}

// RedirectTo builds the error redirect URL. Only meaningful for
// non-terminal errors.
func (e *AuthorizeError) RedirectTo() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", e.RFC.ErrorField)
	if e.RFC.HintField != "" {
		q.Set("error_description", e.RFC.HintField)
	} else if e.RFC.DescriptionField != "" {
		q.Set("error_description", e.RFC.DescriptionField)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func terminalError(rfc *fosite.RFC6749Error) *AuthorizeError {
	return &AuthorizeError{RFC: rfc, Terminal: true}
}

func redirectError(rfc *fosite.RFC6749Error, redirectURI, state string) *AuthorizeError {
	return &AuthorizeError{RFC: rfc, RedirectURI: redirectURI, State: state}
}

// ValidatedAuthorizeRequest is the normalized, policy-checked representation
// of an authorization request. Producing one with a nil error means every
// protocol and client-policy invariant already holds. It is immutable once
// produced.
type ValidatedAuthorizeRequest struct {
	// Client is the resolved, enabled client.
	Client *client.Client

	// ResponseType is the validated response type.
	ResponseType string

	// RedirectURI exactly matches one of the client's registered URIs.
	RedirectURI string

	// Scopes are the granted scopes after policy filtering.
	Scopes fosite.Arguments

	// Resources are the validated RFC 8707 resource indicators.
	Resources []string

	// CodeChallenge and CodeChallengeMethod carry the PKCE binding.
	CodeChallenge       string
	CodeChallengeMethod string

	// DPoPThumbprint is the JWK thumbprint the authorization code is bound
	// to, from a validated proof or the dpop_jkt parameter. Empty when the
	// request is not DPoP-bound.
	DPoPThumbprint string

	// Nonce and State are echoed through the flow.
	Nonce string
	State string

	// Prompts are the deduplicated, order-preserving prompt values.
	Prompts []string

	// ACRValues are the requested authentication context class references,
	// minus the idp:/tenant: hints extracted below.
	ACRValues []string

	// IDPHint and TenantHint are routing hints extracted from acr_values.
	IDPHint    string
	TenantHint string

	// LoginHint and UILocales pass through to the interaction UI.
	LoginHint string
	UILocales []string

	// Subject is the already-authenticated subject, when one was supplied.
	Subject string

	// RequestURI is the pushed authorization reference the request arrived
	// by, if any. The token exchange consumes it.
	RequestURI string

	// Raw is the effective parameter bag the request was validated from.
	Raw url.Values
}
