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

// Package samlclient is a federation client for external SAML 2.0 identity
// providers, built on github.com/crewjam/saml: IdP metadata caching,
// AuthnRequest generation, and Response parsing/validation with replay and
// expiry protection on the outstanding-request table.
package samlclient

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"

	"github.com/opentrusty/controlplane/clock"
)

const (
	metadataTTL     = 24 * time.Hour
	pendingRequestTTL = 15 * time.Minute
)

// Domain errors.
var (
	ErrReplayedResponse = fmt.Errorf("saml response InResponseTo not found: possible replay")
	ErrRequestExpired   = fmt.Errorf("saml authentication request has expired")
	ErrStatusNotSuccess = fmt.Errorf("saml response status was not Success")
)

// UserInfo is the normalized identity extracted from a parsed assertion:
// NameID plus every AttributeStatement/Attribute/AttributeValue, keyed by
// attribute name.
type UserInfo struct {
	NameID     string
	Attributes map[string][]string
}

// Config describes one external SAML identity provider.
type Config struct {
	EntityID    string
	ACSURL      string
	MetadataURL string
	IDPSSOURL   string // used when MetadataURL is unavailable or stale
}

// Client drives the SP-initiated SAML authentication flow against one IdP.
//
// Purpose: SAML 2.0 relying-party client.
// Domain: Identity federation
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      clock.Clock

	mu              sync.Mutex
	sp              *saml.ServiceProvider
	metadataAt      time.Time
	pendingRequests map[string]time.Time // AuthnRequest ID -> issued-at
}

// New creates a Client. httpClient is used for metadata retrieval; pass nil
// to use http.DefaultClient.
func New(cfg Config, httpClient *http.Client, clk clock.Clock) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	acsURL, _ := url.Parse(cfg.ACSURL)
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		clock:      clk,
		sp: &saml.ServiceProvider{
			EntityID: cfg.EntityID,
			AcsURL:   *acsURL,
		},
		pendingRequests: make(map[string]time.Time),
	}
}

// ensureMetadata (re)fetches and caches the IdP's metadata when the cached
// copy is missing or older than 24 hours.
func (c *Client) ensureMetadata(ctx context.Context) error {
	c.mu.Lock()
	stale := c.clock.Now().Sub(c.metadataAt) > metadataTTL
	c.mu.Unlock()
	if !stale && c.sp.IDPMetadata != nil {
		return nil
	}
	if c.cfg.MetadataURL == "" {
		return nil // statically configured IDPSSOURL, no metadata document to fetch
	}

	metadataURL, err := url.Parse(c.cfg.MetadataURL)
	if err != nil {
		return fmt.Errorf("parse metadata url: %w", err)
	}
	metadata, err := samlsp.FetchMetadata(ctx, c.httpClient, *metadataURL)
	if err != nil {
		return fmt.Errorf("fetch idp metadata: %w", err)
	}

	c.mu.Lock()
	c.sp.IDPMetadata = metadata
	c.metadataAt = c.clock.Now()
	c.mu.Unlock()
	return nil
}

func (c *Client) idpSSOURL() string {
	if c.sp.IDPMetadata != nil {
		for _, idpSSO := range c.sp.IDPMetadata.IDPSSODescriptors {
			for _, sso := range idpSSO.SingleSignOnServices {
				if sso.Binding == saml.HTTPRedirectBinding {
					return sso.Location
				}
			}
		}
	}
	return c.cfg.IDPSSOURL
}

// LoginURL generates an AuthnRequest with a random ID and the current
// IssueInstant, tracks it in the 15-minute pending table, and returns the
// redirect URL carrying relayState.
func (c *Client) LoginURL(ctx context.Context, relayState string) (string, error) {
	if err := c.ensureMetadata(ctx); err != nil {
		return "", err
	}

	authReq, err := c.sp.MakeAuthenticationRequest(c.idpSSOURL(), saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return "", fmt.Errorf("make authentication request: %w", err)
	}

	c.mu.Lock()
	c.pendingRequests[authReq.ID] = c.clock.Now()
	c.mu.Unlock()

	redirectURL, err := authReq.Redirect(relayState, c.sp)
	if err != nil {
		return "", fmt.Errorf("build redirect: %w", err)
	}
	return redirectURL.String(), nil
}

// ProcessResponse validates a base64-encoded SAMLResponse POSTed back to
// the ACS URL: checks the status, looks up InResponseTo in the pending
// table (rejecting a missing entry as a replay and an expired one
// outright), consumes the pending entry, verifies the assertion signature,
// and extracts NameID and attributes.
func (c *Client) ProcessResponse(ctx context.Context, rawResponse, relayState string) (*UserInfo, error) {
	if err := c.ensureMetadata(ctx); err != nil {
		return nil, err
	}

	decoded, err := base64.StdEncoding.DecodeString(rawResponse)
	if err != nil {
		return nil, fmt.Errorf("decode saml response: %w", err)
	}

	var resp saml.Response
	if err := xml.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("parse saml response: %w", err)
	}
	if resp.Status.StatusCode.Value != saml.StatusSuccess {
		return nil, ErrStatusNotSuccess
	}

	issuedAt, ok := c.takePending(resp.InResponseTo)
	if !ok {
		return nil, ErrReplayedResponse
	}
	if c.clock.Now().Sub(issuedAt) > pendingRequestTTL {
		return nil, ErrRequestExpired
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ACSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build acs request: %w", err)
	}
	req.Form = url.Values{"SAMLResponse": {rawResponse}, "RelayState": {relayState}}

	assertion, err := c.sp.ParseResponse(req, []string{resp.InResponseTo})
	if err != nil {
		return nil, fmt.Errorf("validate saml assertion: %w", err)
	}

	return extractUserInfo(assertion), nil
}

// takePending removes and returns requestID's issued-at time if present.
func (c *Client) takePending(requestID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issuedAt, ok := c.pendingRequests[requestID]
	if ok {
		delete(c.pendingRequests, requestID)
	}
	return issuedAt, ok
}

func extractUserInfo(assertion *saml.Assertion) *UserInfo {
	info := &UserInfo{Attributes: make(map[string][]string)}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		info.NameID = assertion.Subject.NameID.Value
	}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			var values []string
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			info.Attributes[attr.Name] = values
		}
	}
	return info
}
