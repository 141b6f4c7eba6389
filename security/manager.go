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
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
)

// Bus topics published by this package.
const (
	TopicIPRuleRegistered    = "security.ip_rule_registered"
	TopicGeoRestrictionAdded = "security.geo_restriction_registered"
	TopicDeviceRegistered    = "security.device_registered"
	TopicDeviceTrustUpdated  = "security.device_trust_updated"
	TopicRateLimitRuleAdded  = "security.rate_limit_rule_registered"
	TopicEventRecorded       = "security.event_recorded"
)

// Default rule/restriction IDs seeded at startup.
const (
	RuleBlockMalicious = "default-block-malicious"
	RuleAllowInternal  = "default-allow-internal"
	RuleLoginAttempts  = "default-login-attempts"
	RuleAPIRequests    = "default-api-requests"
)

type compiledIPRule struct {
	rule *IPAccessRule
}

type compiledRateLimitRule struct {
	rule    *RateLimitRule
	pattern *regexp.Regexp
}

// EventLog owns every advanced security control table: IP/geo rules,
// device fingerprints, rate limiters, and the security event log. It
// satisfies pluginsecurity.EventRecorder via Record.
//
// Purpose: Advanced security controls: IP/geo access, device trust, rate
// limiting, security event logging.
// Domain: Security
type EventLog struct {
	mu sync.Mutex

	ipRules          map[string]*compiledIPRule
	geoRestrictions  map[string]*GeoRestriction
	fingerprints     map[string]*DeviceFingerprint
	userDevices      map[string][]string // user -> fingerprint ids
	rateLimitRules   map[string]*compiledRateLimitRule
	rateLimitWindows map[string]map[string][]time.Time // rule id -> scope key -> timestamps
	events           []*SecurityEvent

	bus   *bus.Bus
	clock clock.Clock
}

// NewEventLog creates an EventLog with the default IP rules and rate
// limit rules registered: a deny rule for two example malicious ranges at
// priority 100, an allow rule for the RFC1918 private ranges at priority
// 10, a 5-per-5-minutes login-attempt limiter, and a 100-per-minute API
// limiter.
func NewEventLog(eventBus *bus.Bus, clk clock.Clock) *EventLog {
	l := &EventLog{
		ipRules:          make(map[string]*compiledIPRule),
		geoRestrictions:  make(map[string]*GeoRestriction),
		fingerprints:     make(map[string]*DeviceFingerprint),
		userDevices:      make(map[string][]string),
		rateLimitRules:   make(map[string]*compiledRateLimitRule),
		rateLimitWindows: make(map[string]map[string][]time.Time),
		bus:              eventBus,
		clock:            clk,
	}
	l.registerDefaults()
	return l
}

func mustPrefix(s string) netip.Prefix {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		panic("security: invalid seeded CIDR " + s + ": " + err.Error())
	}
	return p
}

func (l *EventLog) registerDefaults() {
	must := func(err error) {
		if err != nil {
			panic("security: default rule collision: " + err.Error())
		}
	}

	must(l.RegisterIPRule(&IPAccessRule{
		RuleID:      RuleBlockMalicious,
		Name:        "Block Malicious IPs",
		Description: "Block known malicious IP ranges",
		IPRanges:    []netip.Prefix{mustPrefix("198.51.100.0/24"), mustPrefix("203.0.113.0/24")},
		RuleType:    RuleDeny,
		Priority:    100,
		Active:      true,
	}))
	must(l.RegisterIPRule(&IPAccessRule{
		RuleID:      RuleAllowInternal,
		Name:        "Allow Internal Network",
		Description: "Allow internal network access",
		IPRanges:    []netip.Prefix{mustPrefix("10.0.0.0/8"), mustPrefix("172.16.0.0/12"), mustPrefix("192.168.0.0/16")},
		RuleType:    RuleAllow,
		Priority:    10,
		Active:      true,
	}))

	must(l.RegisterRateLimitRule(&RateLimitRule{
		RuleID:          RuleLoginAttempts,
		Name:            "Login Attempts",
		Description:     "Limit login attempts per user",
		ResourcePattern: `^/auth/login$`,
		Limit:           5,
		Window:          5 * time.Minute,
		Scope:           ScopeUserIP,
		Action:          ActionBlock,
		Active:          true,
	}))
	must(l.RegisterRateLimitRule(&RateLimitRule{
		RuleID:          RuleAPIRequests,
		Name:            "API Requests",
		Description:     "Limit API requests per IP",
		ResourcePattern: `^/api/`,
		Limit:           100,
		Window:          time.Minute,
		Scope:           ScopeIP,
		Action:          ActionDelay,
		Active:          true,
	}))
}

// RegisterIPRule adds an IP access rule to the table.
func (l *EventLog) RegisterIPRule(rule *IPAccessRule) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.ipRules[rule.RuleID]; exists {
		return fmt.Errorf("ip rule %q already registered", rule.RuleID)
	}
	if rule.RuleID == "" {
		rule.RuleID = id.NewUUIDv7()
	}
	l.ipRules[rule.RuleID] = &compiledIPRule{rule: rule}

	l.bus.Emit(TopicIPRuleRegistered, "security", map[string]any{
		"rule_id": rule.RuleID, "name": rule.Name, "rule_type": rule.RuleType,
	})
	return nil
}

// GetIPRule retrieves an IP rule by id.
func (l *EventLog) GetIPRule(ruleID string) (*IPAccessRule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.ipRules[ruleID]
	if !ok {
		return nil, false
	}
	return c.rule, true
}

// CheckIPAccess evaluates every active IP rule in descending priority
// order, returning the first match's verdict; an address matched by no
// rule is allowed by default.
func (l *EventLog) CheckIPAccess(ip netip.Addr) Decision {
	l.mu.Lock()
	rules := make([]*IPAccessRule, 0, len(l.ipRules))
	for _, c := range l.ipRules {
		if c.rule.Active {
			rules = append(rules, c.rule)
		}
	}
	l.mu.Unlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, r := range rules {
		if !r.MatchesIP(ip) {
			continue
		}
		switch r.RuleType {
		case RuleAllow:
			return Decision{Allow: true}
		case RuleDeny:
			return Decision{Allow: false, Action: ActionBlock, Reason: fmt.Sprintf("IP address blocked by rule: %s", r.Name)}
		}
	}
	return Decision{Allow: true}
}

// RegisterGeoRestriction adds a geo restriction to the table.
func (l *EventLog) RegisterGeoRestriction(r *GeoRestriction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.geoRestrictions[r.RestrictionID]; exists {
		return fmt.Errorf("geo restriction %q already registered", r.RestrictionID)
	}
	if r.RestrictionID == "" {
		r.RestrictionID = id.NewUUIDv7()
	}
	l.geoRestrictions[r.RestrictionID] = r

	l.bus.Emit(TopicGeoRestrictionAdded, "security", map[string]any{
		"restriction_id": r.RestrictionID, "name": r.Name, "restriction_type": r.RestrictionType,
	})
	return nil
}

// GetGeoRestriction retrieves a geo restriction by id.
func (l *EventLog) GetGeoRestriction(restrictionID string) (*GeoRestriction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.geoRestrictions[restrictionID]
	return r, ok
}

// CheckGeoAccess reports whether countryCode is allowed: if any active
// allow-type restriction exists, the country must match one of them;
// otherwise every active deny-type restriction is checked and a match
// blocks. A country matched by nothing defaults to allowed.
func (l *EventLog) CheckGeoAccess(countryCode string) Decision {
	l.mu.Lock()
	restrictions := make([]*GeoRestriction, 0, len(l.geoRestrictions))
	for _, r := range l.geoRestrictions {
		if r.Active {
			restrictions = append(restrictions, r)
		}
	}
	l.mu.Unlock()

	var allows, denies []*GeoRestriction
	for _, r := range restrictions {
		switch r.RestrictionType {
		case RuleAllow:
			allows = append(allows, r)
		case RuleDeny:
			denies = append(denies, r)
		}
	}

	if len(allows) > 0 {
		for _, r := range allows {
			if r.MatchesCountry(countryCode) {
				return Decision{Allow: true}
			}
		}
		return Decision{Allow: false, Action: ActionBlock, Reason: "Country not in allowed list"}
	}

	for _, r := range denies {
		if r.MatchesCountry(countryCode) {
			return Decision{Allow: false, Action: ActionBlock, Reason: fmt.Sprintf("Country blocked by restriction: %s", r.Name)}
		}
	}
	return Decision{Allow: true}
}

// RegisterDeviceFingerprint records a new known device for a user.
func (l *EventLog) RegisterDeviceFingerprint(userID, deviceName string, fingerprintData map[string]any, trustLevel string) *DeviceFingerprint {
	now := l.clock.Now()
	fp := &DeviceFingerprint{
		FingerprintID:   id.NewUUIDv7(),
		UserID:          userID,
		DeviceName:      deviceName,
		FingerprintData: fingerprintData,
		TrustLevel:      trustLevel,
		CreatedAt:       now,
		LastSeenAt:      now,
		Active:          true,
	}

	l.mu.Lock()
	l.fingerprints[fp.FingerprintID] = fp
	l.userDevices[userID] = append(l.userDevices[userID], fp.FingerprintID)
	l.mu.Unlock()

	l.bus.Emit(TopicDeviceRegistered, "security", map[string]any{
		"fingerprint_id": fp.FingerprintID, "user_id": userID, "device_name": deviceName, "trust_level": trustLevel,
	})
	return fp
}

// GetDeviceFingerprint retrieves a device fingerprint by id.
func (l *EventLog) GetDeviceFingerprint(fingerprintID string) (*DeviceFingerprint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fp, ok := l.fingerprints[fingerprintID]
	return fp, ok
}

// GetUserDevices returns every fingerprint registered for userID.
func (l *EventLog) GetUserDevices(userID string) []*DeviceFingerprint {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.userDevices[userID]
	out := make([]*DeviceFingerprint, 0, len(ids))
	for _, fpID := range ids {
		if fp, ok := l.fingerprints[fpID]; ok {
			out = append(out, fp)
		}
	}
	return out
}

// MatchDeviceFingerprint compares observed against every device registered
// for userID, returning the first one whose similarity meets threshold and
// bumping its LastSeenAt.
func (l *EventLog) MatchDeviceFingerprint(userID string, observed map[string]any, threshold float64) (bool, *DeviceFingerprint) {
	for _, fp := range l.GetUserDevices(userID) {
		if fp.Matches(observed, threshold) {
			l.mu.Lock()
			fp.LastSeenAt = l.clock.Now()
			l.mu.Unlock()
			return true, fp
		}
	}
	return false, nil
}

// UpdateDeviceTrustLevel changes a device's trust level, reporting whether
// the device existed.
func (l *EventLog) UpdateDeviceTrustLevel(ctx context.Context, fingerprintID, trustLevel string) bool {
	l.mu.Lock()
	fp, ok := l.fingerprints[fingerprintID]
	if ok {
		fp.TrustLevel = trustLevel
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	l.bus.Emit(TopicDeviceTrustUpdated, "security", map[string]any{
		"fingerprint_id": fingerprintID, "user_id": fp.UserID, "device_name": fp.DeviceName, "trust_level": trustLevel,
	})
	return true
}

// RegisterRateLimitRule adds a rate limit rule, compiling its resource
// pattern.
func (l *EventLog) RegisterRateLimitRule(rule *RateLimitRule) error {
	pattern, err := regexp.Compile(rule.ResourcePattern)
	if err != nil {
		return fmt.Errorf("invalid resource pattern %q: %w", rule.ResourcePattern, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.rateLimitRules[rule.RuleID]; exists {
		return fmt.Errorf("rate limit rule %q already registered", rule.RuleID)
	}
	if rule.RuleID == "" {
		rule.RuleID = id.NewUUIDv7()
	}
	l.rateLimitRules[rule.RuleID] = &compiledRateLimitRule{rule: rule, pattern: pattern}
	l.rateLimitWindows[rule.RuleID] = make(map[string][]time.Time)

	l.bus.Emit(TopicRateLimitRuleAdded, "security", map[string]any{
		"rule_id": rule.RuleID, "name": rule.Name, "limit": rule.Limit, "window_seconds": int(rule.Window.Seconds()),
	})
	return nil
}

// GetRateLimitRule retrieves a rate limit rule by id.
func (l *EventLog) GetRateLimitRule(ruleID string) (*RateLimitRule, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.rateLimitRules[ruleID]
	if !ok {
		return nil, false
	}
	return c.rule, true
}

// matchesResource reports whether resource matches pattern anchored at its
// start, mirroring Python's re.match (search-from-start, not
// whole-string) rather than Go regexp's default unanchored search.
func matchesResource(pattern *regexp.Regexp, resource string) bool {
	loc := pattern.FindStringIndex(resource)
	return loc != nil && loc[0] == 0
}

// CheckRateLimit evaluates every active rule whose resource pattern
// matches resource. A request within a matching rule's window is counted
// against that rule's scope key (user, ip, user+ip, or global) and
// admitted only if the window, after dropping expired timestamps, has
// room; timestamps are recorded on admission, not on every attempted
// check, so a request that the limiter blocks does not itself count
// toward the window. The first exceeded rule short-circuits the check.
func (l *EventLog) CheckRateLimit(resource, userID, ipAddress string) Decision {
	l.mu.Lock()
	var matching []*compiledRateLimitRule
	for _, c := range l.rateLimitRules {
		if c.rule.Active && matchesResource(c.pattern, resource) {
			matching = append(matching, c)
		}
	}
	l.mu.Unlock()

	now := l.clock.Now()
	for _, c := range matching {
		scopeKey := scopeKeyFor(c.rule.Scope, userID, ipAddress)
		if scopeKey == "" {
			continue
		}

		l.mu.Lock()
		windows, ok := l.rateLimitWindows[c.rule.RuleID]
		if !ok {
			windows = make(map[string][]time.Time)
			l.rateLimitWindows[c.rule.RuleID] = windows
		}
		windowStart := now.Add(-c.rule.Window)
		kept := windows[scopeKey][:0]
		for _, ts := range windows[scopeKey] {
			if !ts.Before(windowStart) {
				kept = append(kept, ts)
			}
		}

		if len(kept) >= c.rule.Limit {
			windows[scopeKey] = kept
			l.mu.Unlock()
			return Decision{Allow: false, Action: c.rule.Action, Reason: fmt.Sprintf("Rate limit exceeded: %s", c.rule.Name)}
		}

		windows[scopeKey] = append(kept, now)
		l.mu.Unlock()
	}

	return Decision{Allow: true}
}

func scopeKeyFor(scope, userID, ipAddress string) string {
	switch scope {
	case ScopeGlobal:
		return "global"
	case ScopeIP:
		if ipAddress == "" {
			return ""
		}
		return "ip:" + ipAddress
	case ScopeUser:
		if userID == "" {
			return ""
		}
		return "user:" + userID
	case ScopeUserIP:
		if userID == "" || ipAddress == "" {
			return ""
		}
		return "user:" + userID + ":ip:" + ipAddress
	default:
		return ""
	}
}

// RecordSecurityEvent appends an event to the log and emits it on the bus.
func (l *EventLog) RecordSecurityEvent(ctx context.Context, eventType, severity, source, description, userID, ipAddress, resource string, metadata map[string]any) *SecurityEvent {
	event := &SecurityEvent{
		EventID:     id.NewUUIDv7(),
		EventType:   eventType,
		Severity:    severity,
		Source:      source,
		UserID:      userID,
		IPAddress:   ipAddress,
		Resource:    resource,
		Description: description,
		Timestamp:   l.clock.Now(),
		Metadata:    metadata,
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()

	l.bus.Emit(TopicEventRecorded, "security", map[string]any{
		"event_id": event.EventID, "event_type": eventType, "severity": severity, "source": source,
	})
	return event
}

// Record implements pluginsecurity.EventRecorder: a catalogue-level
// consent/denial entry becomes a medium-severity security event sourced
// from "pluginsecurity".
func (l *EventLog) Record(ctx context.Context, eventType, actorID, description string, metadata map[string]any) {
	l.RecordSecurityEvent(ctx, eventType, SeverityMedium, "pluginsecurity", description, actorID, "", "", metadata)
}

// GetSecurityEvents returns events matching filter, newest first, capped
// at filter.Limit (or 100 if unset).
func (l *EventLog) GetSecurityEvents(filter EventFilter) []*SecurityEvent {
	l.mu.Lock()
	all := make([]*SecurityEvent, len(l.events))
	copy(all, l.events)
	l.mu.Unlock()

	out := all[:0:0]
	for _, e := range all {
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.IPAddress != "" && e.IPAddress != filter.IPAddress {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
