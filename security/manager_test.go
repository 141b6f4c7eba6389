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

package security

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
)

func newTestLog(clk clock.Clock) *EventLog {
	return NewEventLog(bus.New(), clk)
}

func TestDefaultRulesSeeded(t *testing.T) {
	l := newTestLog(clock.System{})

	if _, ok := l.GetIPRule(RuleBlockMalicious); !ok {
		t.Fatal("expected default malicious-block IP rule to be seeded")
	}
	if _, ok := l.GetIPRule(RuleAllowInternal); !ok {
		t.Fatal("expected default internal-allow IP rule to be seeded")
	}
	if _, ok := l.GetRateLimitRule(RuleLoginAttempts); !ok {
		t.Fatal("expected default login-attempts rate limit rule to be seeded")
	}
	if _, ok := l.GetRateLimitRule(RuleAPIRequests); !ok {
		t.Fatal("expected default api-requests rate limit rule to be seeded")
	}
}

func TestCheckIPAccessPriorityOrdering(t *testing.T) {
	l := newTestLog(clock.System{})

	// 192.168.1.1 falls inside both the allow-internal (priority 10) and
	// would fall inside a hypothetical higher-priority deny if one existed;
	// here it should simply be allowed by the internal rule.
	d := l.CheckIPAccess(netip.MustParseAddr("192.168.1.1"))
	if !d.Allow || d.Reason != "" {
		t.Fatalf("expected internal address to be allowed, got %+v", d)
	}

	d = l.CheckIPAccess(netip.MustParseAddr("198.51.100.5"))
	if d.Allow || d.Reason == "" {
		t.Fatalf("expected malicious-range address to be blocked, got %+v", d)
	}

	// An address in neither range defaults to allow.
	d = l.CheckIPAccess(netip.MustParseAddr("8.8.8.8"))
	if !d.Allow {
		t.Fatal("expected an unmatched address to be allowed by default")
	}

	// A higher-priority deny rule overriding a lower-priority allow for the
	// same address proves priority ordering, not just rule-type precedence.
	if err := l.RegisterIPRule(&IPAccessRule{
		RuleID:   "deny-specific-internal-host",
		Name:     "Deny one internal host",
		IPRanges: []netip.Prefix{netip.MustParsePrefix("192.168.1.1/32")},
		RuleType: RuleDeny,
		Priority: 50,
		Active:   true,
	}); err != nil {
		t.Fatalf("register ip rule: %v", err)
	}
	d = l.CheckIPAccess(netip.MustParseAddr("192.168.1.1"))
	if d.Allow {
		t.Fatal("expected the higher-priority deny rule to win over the lower-priority allow rule")
	}
}

func TestCheckGeoAccessAllowListTakesPrecedence(t *testing.T) {
	l := newTestLog(clock.System{})

	if err := l.RegisterGeoRestriction(&GeoRestriction{
		RestrictionID:   "allow-us-ca",
		Name:            "Allow US and CA",
		Countries:       []string{"US", "CA"},
		RestrictionType: RuleAllow,
		Active:          true,
	}); err != nil {
		t.Fatalf("register geo restriction: %v", err)
	}
	if err := l.RegisterGeoRestriction(&GeoRestriction{
		RestrictionID:   "deny-xx",
		Name:            "Deny XX",
		Countries:       []string{"XX"},
		RestrictionType: RuleDeny,
		Active:          true,
	}); err != nil {
		t.Fatalf("register geo restriction: %v", err)
	}

	if d := l.CheckGeoAccess("US"); !d.Allow {
		t.Fatal("expected US to be allowed: present in the allow list")
	}
	// DE is in neither list and XX is in the deny list; since an allow list
	// exists the deny list is never consulted, and both are denied for
	// being absent from the allow list.
	if d := l.CheckGeoAccess("DE"); d.Allow || d.Reason == "" {
		t.Fatal("expected DE to be denied: absent from the allow list")
	}
	if d := l.CheckGeoAccess("XX"); d.Allow {
		t.Fatal("expected XX to be denied: absent from the allow list")
	}
}

func TestCheckGeoAccessDenyListWithoutAllowList(t *testing.T) {
	l := newTestLog(clock.System{})

	if err := l.RegisterGeoRestriction(&GeoRestriction{
		RestrictionID:   "deny-xx",
		Name:            "Deny XX",
		Countries:       []string{"XX"},
		RestrictionType: RuleDeny,
		Active:          true,
	}); err != nil {
		t.Fatalf("register geo restriction: %v", err)
	}

	if d := l.CheckGeoAccess("US"); !d.Allow {
		t.Fatal("expected US to default to allowed with no allow list present")
	}
	if d := l.CheckGeoAccess("XX"); d.Allow || d.Reason == "" {
		t.Fatal("expected XX to be denied by the deny list")
	}
}

func TestDeviceFingerprintMatchAndTrustUpdate(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLog(fixed)

	fp := l.RegisterDeviceFingerprint("alice", "alice's laptop", map[string]any{
		"os": "linux", "browser": "firefox", "screen": "1920x1080",
	}, TrustKnown)

	matched, got := l.MatchDeviceFingerprint("alice", map[string]any{
		"os": "linux", "browser": "firefox", "screen": "2560x1440",
	}, 0.6)
	if !matched || got.FingerprintID != fp.FingerprintID {
		t.Fatalf("expected a 2/3 field match to clear a 0.6 threshold, matched=%v", matched)
	}

	matched, _ = l.MatchDeviceFingerprint("alice", map[string]any{
		"os": "windows", "browser": "chrome", "screen": "800x600",
	}, 0.6)
	if matched {
		t.Fatal("expected a fully mismatched fingerprint to fail the threshold")
	}

	if !l.UpdateDeviceTrustLevel(context.Background(), fp.FingerprintID, TrustTrusted) {
		t.Fatal("expected UpdateDeviceTrustLevel to report success for an existing device")
	}
	updated, _ := l.GetDeviceFingerprint(fp.FingerprintID)
	if updated.TrustLevel != TrustTrusted {
		t.Fatalf("expected trust level to be updated, got %s", updated.TrustLevel)
	}
	if l.UpdateDeviceTrustLevel(context.Background(), "does-not-exist", TrustTrusted) {
		t.Fatal("expected UpdateDeviceTrustLevel to report failure for an unknown device")
	}
}

// TestCheckRateLimitSlidingWindow covers the sliding-window invariant: a
// request that is itself blocked does not count toward the window, and
// once the oldest admitted request ages out of the window, room opens up
// again.
func TestCheckRateLimitSlidingWindow(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLog(fixed)

	if err := l.RegisterRateLimitRule(&RateLimitRule{
		RuleID:          "test-limit",
		Name:            "Test Limit",
		ResourcePattern: `^/widgets$`,
		Limit:           2,
		Window:          time.Minute,
		Scope:           ScopeIP,
		Action:          ActionBlock,
		Active:          true,
	}); err != nil {
		t.Fatalf("register rate limit rule: %v", err)
	}

	d := l.CheckRateLimit("/widgets", "", "1.2.3.4")
	if !d.Allow {
		t.Fatal("expected first request to be admitted")
	}
	d = l.CheckRateLimit("/widgets", "", "1.2.3.4")
	if !d.Allow {
		t.Fatal("expected second request to be admitted")
	}
	d = l.CheckRateLimit("/widgets", "", "1.2.3.4")
	if d.Allow || d.Action != ActionBlock || d.Reason == "" {
		t.Fatalf("expected third request to be rate limited, got %+v", d)
	}

	// The blocked attempt above didn't count; a fourth attempt right away
	// is still blocked by the original two admissions.
	d = l.CheckRateLimit("/widgets", "", "1.2.3.4")
	if d.Allow {
		t.Fatal("expected the window to still be full")
	}

	fixed.At = fixed.At.Add(61 * time.Second)
	d = l.CheckRateLimit("/widgets", "", "1.2.3.4")
	if !d.Allow {
		t.Fatal("expected a request to be admitted once the window has fully elapsed")
	}
}

func TestCheckRateLimitScopesAreIndependent(t *testing.T) {
	l := newTestLog(&clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})

	if err := l.RegisterRateLimitRule(&RateLimitRule{
		RuleID:          "login-test",
		Name:            "Login Test",
		ResourcePattern: `^/auth/login$`,
		Limit:           1,
		Window:          time.Minute,
		Scope:           ScopeUserIP,
		Action:          ActionBlock,
		Active:          true,
	}); err != nil {
		t.Fatalf("register rate limit rule: %v", err)
	}

	d := l.CheckRateLimit("/auth/login", "alice", "1.2.3.4")
	if !d.Allow {
		t.Fatal("expected alice's first login attempt to be admitted")
	}
	d = l.CheckRateLimit("/auth/login", "alice", "1.2.3.4")
	if d.Allow {
		t.Fatal("expected alice's second attempt from the same ip to be blocked")
	}
	d = l.CheckRateLimit("/auth/login", "bob", "1.2.3.4")
	if !d.Allow {
		t.Fatal("expected bob's attempt from the same ip to be admitted: scope is user_ip, not ip")
	}
}

func TestRecordAndGetSecurityEvents(t *testing.T) {
	fixed := &clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLog(fixed)
	ctx := context.Background()

	l.RecordSecurityEvent(ctx, "login_failed", SeverityLow, "auth", "bad password", "alice", "1.2.3.4", "", nil)
	fixed.At = fixed.At.Add(time.Second)
	l.RecordSecurityEvent(ctx, "login_failed", SeverityLow, "auth", "bad password again", "alice", "1.2.3.4", "", nil)
	fixed.At = fixed.At.Add(time.Second)
	l.RecordSecurityEvent(ctx, "login_succeeded", SeverityInfo, "auth", "ok", "bob", "5.6.7.8", "", nil)

	events := l.GetSecurityEvents(EventFilter{UserID: "alice"})
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
	if events[0].Description != "bad password again" {
		t.Fatalf("expected newest-first ordering, got %q first", events[0].Description)
	}

	events = l.GetSecurityEvents(EventFilter{Limit: 1})
	if len(events) != 1 {
		t.Fatalf("expected limit to cap results at 1, got %d", len(events))
	}
}

func TestRecordSatisfiesPluginSecurityEventRecorder(t *testing.T) {
	l := newTestLog(clock.System{})
	l.Record(context.Background(), "plugin.consented", "alice", "consent granted", map[string]any{"plugin_id": "notes"})

	events := l.GetSecurityEvents(EventFilter{EventType: "plugin.consented"})
	if len(events) != 1 || events[0].Source != "pluginsecurity" || events[0].UserID != "alice" {
		t.Fatalf("expected Record to append a security event sourced from pluginsecurity, got %+v", events)
	}
}
