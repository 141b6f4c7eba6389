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

// Package coreerr defines the error kinds shared across every manager so
// callers can test what went wrong without depending on a package's
// specific sentinel errors.
package coreerr

import "errors"

// Kind sentinels. Wrap attaches one of these to a specific error so callers
// can do errors.Is(err, coreerr.ErrAuthentication).
var (
	// ErrConfiguration marks an error caused by invalid or missing setup
	// (bad config values, missing collaborators).
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication marks a failure to establish who the caller is
	// (bad credentials, expired session, invalid token).
	ErrAuthentication = errors.New("authentication error")

	// ErrAuthorization marks a failure of an authenticated caller to be
	// permitted the requested action.
	ErrAuthorization = errors.New("authorization error")

	// ErrSecurity marks a rejection made by a protective control rather
	// than a straightforward auth failure (rate limit, IP block,
	// anomaly hold, plugin permission denial).
	ErrSecurity = errors.New("security error")

	// ErrProtocol marks malformed or semantically invalid input to an
	// operation (bad grant type, invalid PKCE verifier, unknown topic).
	ErrProtocol = errors.New("protocol error")

	// ErrTransport marks a failure in an external collaborator (storage,
	// directory server, SMS/email gateway, identity provider).
	ErrTransport = errors.New("transport error")
)

// Wrap annotates err with the given Kind via %w so both the specific
// sentinel and the Kind satisfy errors.Is.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }
