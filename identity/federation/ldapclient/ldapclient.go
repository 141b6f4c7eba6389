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

// Package ldapclient is a federation client for an external LDAP/Active
// Directory directory, built on github.com/go-ldap/ldap/v3: the
// bind-search-rebind authentication flow.
package ldapclient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Domain errors.
var (
	ErrUserNotFound       = errors.New("ldap: no user matched the search filter")
	ErrAmbiguousUser      = errors.New("ldap: search filter matched more than one entry")
	ErrInvalidCredentials = errors.New("ldap: bind with user credentials failed")
)

// Config describes one external LDAP/AD directory.
type Config struct {
	Addr             string // host:port
	UseTLS           bool
	BindDN           string // service account used for the search bind
	BindPassword     string
	BaseDN           string
	UserSearchFilter string // e.g. "(uid={username})" or "(sAMAccountName={username})"
	Attributes       []string
}

// Client performs directory bind/search operations against one LDAP/AD
// server.
//
// Purpose: LDAP/AD relying-party client.
// Domain: Identity federation
type Client struct {
	cfg Config
	dial func() (*ldap.Conn, error)
}

// New creates a Client for cfg, dialing cfg.Addr (with TLS when
// cfg.UseTLS) fresh for every operation.
func New(cfg Config) *Client {
	c := &Client{cfg: cfg}
	c.dial = func() (*ldap.Conn, error) {
		if cfg.UseTLS {
			return ldap.DialURL(fmt.Sprintf("ldaps://%s", cfg.Addr))
		}
		return ldap.DialURL(fmt.Sprintf("ldap://%s", cfg.Addr))
	}
	return c
}

// UserInfo is the normalized identity extracted from a directory entry.
type UserInfo struct {
	DN         string
	Attributes map[string][]string
}

// Authenticate binds with the service account, searches under BaseDN for
// the entry matching UserSearchFilter (with "{username}" substituted),
// then rebinds as that entry's DN using password. Returns the entry's
// attributes on success.
func (c *Client) Authenticate(username, password string) (*UserInfo, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("dial ldap: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(c.cfg.BindDN, c.cfg.BindPassword); err != nil {
		return nil, fmt.Errorf("service account bind: %w", err)
	}

	filter := strings.ReplaceAll(c.cfg.UserSearchFilter, "{username}", ldap.EscapeFilter(username))
	searchReq := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		c.cfg.Attributes,
		nil,
	)

	result, err := conn.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	switch len(result.Entries) {
	case 0:
		return nil, ErrUserNotFound
	case 1:
		// exactly one match, continue
	default:
		return nil, ErrAmbiguousUser
	}

	entry := result.Entries[0]
	if err := conn.Bind(entry.DN, password); err != nil {
		return nil, ErrInvalidCredentials
	}

	attrs := make(map[string][]string, len(entry.Attributes))
	for _, a := range entry.Attributes {
		attrs[a.Name] = a.Values
	}
	return &UserInfo{DN: entry.DN, Attributes: attrs}, nil
}
