// Copyright 2026 The OpenTrusty Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"github.com/opentrusty/controlplane/crypto"
)

// GenerateClientSecret generates a new cryptographically strong client secret.
func GenerateClientSecret() string {
	return crypto.RandomToken(32)
}

// HashClientSecret hashes a client secret for storage.
func HashClientSecret(secret string) string {
	return crypto.HashToken(secret)
}
