// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"

	"github.com/stacklok/idserver/pkg/idserver/client"
)

// RequestObjectValidator verifies JWT-encoded authorization request objects
// signed by the client and flattens their claims into a parameter bag.
type RequestObjectValidator struct{}

// NewRequestObjectValidator creates a RequestObjectValidator.
func NewRequestObjectValidator() *RequestObjectValidator {
	return &RequestObjectValidator{}
}

// Validate verifies the request object's signature against the client's
// registered keys and returns its claims as parameters. The object's
// client_id claim, when present, must match the requesting client.
func (*RequestObjectValidator) Validate(c *client.Client, raw string) (map[string]string, error) {
	if len(c.RequestObjectKeys) == 0 {
		return nil, fmt.Errorf("client %s has no registered request object keys", c.ID)
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed request object: %w", err)
	}
	if len(msg.Signatures()) == 0 {
		return nil, fmt.Errorf("request object is not signed")
	}

	set, err := jwk.Parse(c.RequestObjectKeys)
	if err != nil {
		return nil, fmt.Errorf("client %s registered keys are unreadable: %w", c.ID, err)
	}

	payload, err := jws.Verify([]byte(raw),
		jws.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)))
	if err != nil {
		return nil, fmt.Errorf("request object signature verification failed: %w", err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("request object payload is not a JSON object: %w", err)
	}

	params := make(map[string]string, len(claims))
	for name, value := range claims {
		switch name {
		case "iss", "aud", "exp", "nbf", "iat", "jti":
			// Envelope claims, not authorization parameters.
			continue
		}
		s, ok := claimToString(value)
		if !ok {
			return nil, fmt.Errorf("request object claim %q has unsupported type", name)
		}
		params[name] = s
	}

	if objectClientID, ok := params["client_id"]; ok && objectClientID != c.ID {
		return nil, fmt.Errorf("request object client_id %q conflicts with requesting client %q", objectClientID, c.ID)
	}
	return params, nil
}

// claimToString flattens a request object claim to its query-parameter
// representation.
func claimToString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}
