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

package memory

import (
	"context"
	"testing"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/identity"
)

// TestIdentityRepositoriesDriveService constructs identity.Service directly
// on top of this package's Client/AuthorizationCode/AccessToken/RefreshToken
// repositories, proving the OAuth2 authorization server is constructible
// from product-tree code alone and that a full authorization-code exchange
// followed by a refresh-grant rotation works against the real
// mutex-guarded tables.
func TestIdentityRepositoriesDriveService(t *testing.T) {
	clients := NewClientRepository()
	svc := identity.NewService(
		clients,
		NewAuthorizationCodeRepository(),
		NewAccessTokenRepository(),
		NewRefreshTokenRepository(),
		audit.NewSlogLogger(),
		bus.New(),
		clock.System{},
	)

	ctx := context.Background()
	client, secret, err := svc.RegisterClient(ctx, "owner-1", &identity.Client{
		ClientName:    "demo",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"read"},
	})
	if err != nil {
		t.Fatalf("register client: %v", err)
	}

	code, err := svc.CreateAuthorizationCode(ctx, client.ClientID, "user-1", "https://app.example.com/callback", "read", "", "", "", "")
	if err != nil {
		t.Fatalf("create authorization code: %v", err)
	}

	access, refresh, err := svc.ExchangeAuthorizationCode(ctx, client.ClientID, secret, code.Code, "https://app.example.com/callback", "")
	if err != nil {
		t.Fatalf("exchange authorization code: %v", err)
	}
	if refresh == nil {
		t.Fatalf("expected a refresh token to be issued")
	}

	if _, err := svc.ValidateAccessToken(ctx, access.TokenHash); err != nil {
		t.Fatalf("validate access token: %v", err)
	}

	newAccess, newRefresh, err := svc.RefreshAccessToken(ctx, client.ClientID, secret, refresh.TokenHash)
	if err != nil {
		t.Fatalf("refresh access token: %v", err)
	}
	if newAccess.TokenHash == access.TokenHash || newRefresh.TokenHash == refresh.TokenHash {
		t.Fatalf("expected a rotated token pair")
	}

	if _, err := svc.ValidateAccessToken(ctx, access.TokenHash); err != identity.ErrTokenRevoked {
		t.Fatalf("expected old access token to be revoked after rotation, got %v", err)
	}
}

func TestClientRepositoryRejectsDuplicateClientID(t *testing.T) {
	repo := NewClientRepository()
	ctx := context.Background()

	c := &identity.Client{ID: "c1", ClientID: "dup"}
	if err := repo.Create(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Create(ctx, &identity.Client{ID: "c2", ClientID: "dup"}); err != identity.ErrClientAlreadyExists {
		t.Fatalf("expected ErrClientAlreadyExists, got %v", err)
	}
}
