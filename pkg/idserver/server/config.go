// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the HTTP surface of the authorization server: the
// authorization, pushed authorization, token, and revocation endpoints plus
// the discovery documents and JWKS.
package server

import (
	"fmt"
	"net/url"
	"time"
)

// Default lifetimes applied when the client policy does not override them.
const (
	DefaultAuthCodeLifespan     = 5 * time.Minute
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 7 * 24 * time.Hour
)

const (
	defaultCookieName   = "idserver_session"
	defaultPartitionKey = "idserver"
)

// Config is the pure configuration for the HTTP surface. All values must be
// fully resolved.
type Config struct {
	// Issuer is the issuer identifier, included in the iss claim of issued
	// tokens and in the discovery documents.
	Issuer string

	// LoginURL is the external interaction UI users are sent to when a
	// request needs authentication or consent. The original authorization
	// request URL is appended as a return_url query parameter.
	LoginURL string

	// CookieName is the session cookie carrying the opaque ticket key.
	// Defaults to "idserver_session".
	CookieName string

	// PartitionKey scopes this server's sessions in a shared ticket store.
	// Defaults to "idserver".
	PartitionKey string

	// AuthCodeLifespan is the validity of issued authorization codes when
	// the client policy has none. If zero, defaults to 5 minutes.
	AuthCodeLifespan time.Duration

	// AccessTokenLifespan is the validity of issued access tokens when the
	// client policy has none. If zero, defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// RefreshTokenLifespan is the validity of issued refresh tokens when
	// the client policy has none. If zero, defaults to 7 days.
	RefreshTokenLifespan time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if c.LoginURL != "" {
		if _, err := url.Parse(c.LoginURL); err != nil {
			return fmt.Errorf("invalid login URL: %w", err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.CookieName == "" {
		c.CookieName = defaultCookieName
	}
	if c.PartitionKey == "" {
		c.PartitionKey = defaultPartitionKey
	}
	if c.AuthCodeLifespan == 0 {
		c.AuthCodeLifespan = DefaultAuthCodeLifespan
	}
	if c.AccessTokenLifespan == 0 {
		c.AccessTokenLifespan = DefaultAccessTokenLifespan
	}
	if c.RefreshTokenLifespan == 0 {
		c.RefreshTokenLifespan = DefaultRefreshTokenLifespan
	}
}
