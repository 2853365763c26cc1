// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command idserver runs the OAuth 2.0 / OIDC authorization server.
package main

import (
	"os"

	"github.com/stacklok/idserver/cmd/idserver/app"
)

func main() {
	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}
