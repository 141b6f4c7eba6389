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

// Package httpclient provides the shared, CA-aware *http.Client
// construction used by the identity federation clients (OIDC discovery,
// SAML metadata fetch) so TLS trust configuration lives in one place
// instead of being duplicated per federation backend.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Option configures New.
type Option func(*http.Transport)

// WithCAFile trusts the CA certificate(s) in the PEM file at path in
// addition to the system root pool.
func WithCAFile(path string) Option {
	return func(t *http.Transport) {
		pem, err := os.ReadFile(path)
		if err != nil {
			return
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if pool.AppendCertsFromPEM(pem) {
			if t.TLSClientConfig == nil {
				t.TLSClientConfig = &tls.Config{}
			}
			t.TLSClientConfig.RootCAs = pool
		}
	}
}

// New builds an *http.Client suitable for the federation clients
// (OIDC/SAML metadata and token endpoints), with sane TLS defaults and
// an optional extra trusted CA.
func New(timeout time.Duration, opts ...Option) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	for _, opt := range opts {
		opt(transport)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// StatusError is a thin error type so callers can distinguish transport
// failures from non-2xx responses without inspecting status codes ad hoc.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.Status)
}
