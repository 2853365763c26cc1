// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app holds the idserver CLI commands.
package app

import (
	"github.com/spf13/cobra"

	"github.com/stacklok/idserver/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "idserver",
	Short: "OAuth 2.0 / OIDC authorization server",
	Long: `idserver is an OAuth 2.0 authorization server with OpenID Connect
support: authorization code flow with PKCE, pushed authorization requests,
DPoP sender constraining, refresh token rotation, and rotating signing keys.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
