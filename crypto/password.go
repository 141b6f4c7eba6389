// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto holds the password hashing and token generation helpers
// shared by every manager that needs a credential or a bearer secret.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidHash is returned when a stored hash cannot be parsed.
var ErrInvalidHash = errors.New("invalid password hash format")

const bcryptPrefix = "$2"

// PasswordHasher hashes and verifies passwords using Argon2id, with a
// verify-only bcrypt fallback for hashes produced before a migration to
// Argon2id.
type PasswordHasher struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	BcryptCost  int
}

// NewPasswordHasher returns a hasher tuned with the given Argon2id
// parameters and a bcrypt fallback cost for legacy verification.
func NewPasswordHasher(memory, iterations uint32, parallelism uint8, saltLength, keyLength uint32, bcryptCost int) *PasswordHasher {
	return &PasswordHasher{
		Memory:      memory,
		Iterations:  iterations,
		Parallelism: parallelism,
		SaltLength:  saltLength,
		KeyLength:   keyLength,
		BcryptCost:  bcryptCost,
	}
}

// DefaultPasswordHasher returns a hasher with conservative interactive-login
// Argon2id parameters and a bcrypt cost of 12 for legacy verification.
func DefaultPasswordHasher() *PasswordHasher {
	return NewPasswordHasher(64*1024, 3, 2, 16, 32, 12)
}

// Hash produces a new Argon2id hash for password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt := make([]byte, h.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, h.Iterations, h.Memory, h.Parallelism, h.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.Memory,
		h.Iterations,
		h.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// HashBcrypt produces a bcrypt hash, used only to synthesize fixtures for
// legacy-hash verification tests; new passwords are always Argon2id.
func (h *PasswordHasher) HashBcrypt(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(b), nil
}

// Verify checks password against encodedHash, which may be either an
// Argon2id hash produced by Hash or a legacy bcrypt hash. It reports
// whether the password matched and, when it did, whether the hash uses
// parameters weaker than the hasher's current configuration (NeedsRehash)
// so the caller can transparently upgrade storage.
func (h *PasswordHasher) Verify(password, encodedHash string) (ok bool, needsRehash bool, err error) {
	if strings.HasPrefix(encodedHash, bcryptPrefix) {
		err = bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if err != nil {
			return false, false, nil
		}
		return true, true, nil
	}

	var version int
	var memory, iterations uint32
	var parallelism uint8

	// Format: $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, false, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, false, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, false, ErrInvalidHash
	}
	saltB64, hashB64 := parts[4], parts[5]

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, false, fmt.Errorf("%w: decode salt: %v", ErrInvalidHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, false, fmt.Errorf("%w: decode hash: %v", ErrInvalidHash, err)
	}

	actual := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	if subtle.ConstantTimeCompare(actual, expected) != 1 {
		return false, false, nil
	}

	weaker := memory < h.Memory || iterations < h.Iterations || parallelism < h.Parallelism
	return true, weaker, nil
}
