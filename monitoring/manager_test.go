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

package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
)

type noopAudit struct{}

func (noopAudit) Log(ctx context.Context, event audit.Event) {}

type capturingAudit struct {
	events []audit.Event
}

func (a *capturingAudit) Log(ctx context.Context, event audit.Event) {
	a.events = append(a.events, event)
}

func newTestManager(clk clock.Clock) (*Manager, *capturingAudit) {
	rec := &capturingAudit{}
	return NewManager(rec, bus.New(), clk), rec
}

func TestDefaultRequirementsAndDetectorsSeeded(t *testing.T) {
	m, _ := newTestManager(clock.System{})

	for _, reqID := range []string{
		ReqGDPRConsent, ReqGDPRDataAccess, ReqGDPRDataDeletion,
		ReqSOC2AccessControl, ReqSOC2AuditLogging, ReqHIPAAEncryption, ReqPCIDSSAccess,
	} {
		if _, ok := m.GetRequirement(reqID); !ok {
			t.Fatalf("expected default requirement %s to be seeded", reqID)
		}
	}

	gdpr := m.RequirementsByStandard("GDPR")
	if len(gdpr) != 3 {
		t.Fatalf("expected 3 GDPR requirements, got %d", len(gdpr))
	}

	for _, detID := range []string{DetectorLoginFrequency, DetectorFailedLogin, DetectorUserBehavior} {
		if _, ok := m.GetDetector(detID); !ok {
			t.Fatalf("expected default detector %s to be seeded", detID)
		}
	}
}

func TestGenerateReportSummary(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, rec := newTestManager(fixed)
	ctx := context.Background()

	if err := m.RegisterCheck(&Check{
		CheckID: "check-pass", RequirementID: ReqSOC2AccessControl, Name: "Pass check",
		Active: true, Fn: func(ctx context.Context) (bool, string, map[string]any) { return true, "ok", nil },
	}); err != nil {
		t.Fatalf("register check: %v", err)
	}
	if err := m.RegisterCheck(&Check{
		CheckID: "check-fail", RequirementID: ReqSOC2AuditLogging, Name: "Fail check",
		Active: true, Fn: func(ctx context.Context) (bool, string, map[string]any) { return false, "missing logs", nil },
	}); err != nil {
		t.Fatalf("register check: %v", err)
	}

	report := m.GenerateReport(ctx, "Q1 audit", "quarterly review", []string{"SOC2"}, "alice")
	if report.Summary.TotalChecks != 2 || report.Summary.PassedChecks != 1 || report.Summary.FailedChecks != 1 {
		t.Fatalf("expected 1/2 checks to pass, got %+v", report.Summary)
	}
	if report.Summary.CompliancePercentage != 50 {
		t.Fatalf("expected 50%% compliance, got %v", report.Summary.CompliancePercentage)
	}

	if len(rec.events) != 1 || rec.events[0].Type != audit.TypeComplianceReported {
		t.Fatalf("expected a compliance_reported audit entry, got %+v", rec.events)
	}

	if got, ok := m.GetReport(report.ReportID); !ok || got != report {
		t.Fatal("expected GetReport to retrieve the stored report")
	}
}

func TestRegisterCheckRejectsUnknownRequirement(t *testing.T) {
	m, _ := newTestManager(clock.System{})
	err := m.RegisterCheck(&Check{
		CheckID: "orphan", RequirementID: "does-not-exist", Name: "Orphan check",
		Fn: func(ctx context.Context) (bool, string, map[string]any) { return true, "", nil },
	})
	if err != ErrRequirementNotFound {
		t.Fatalf("expected ErrRequirementNotFound, got %v", err)
	}
}

func TestDetectAnomaliesStatistical(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, rec := newTestManager(fixed)
	ctx := context.Background()

	det, _ := m.GetDetector(DetectorLoginFrequency)
	stat := det.(*StatisticalDetector)
	stat.AddBaselineData(1, 2, 1, 2, 1, 2, 1, 2)

	results := m.DetectAnomalies(ctx, "login_events", 2, nil, "alice")
	if len(results) != 1 || results[0].IsAnomaly {
		t.Fatalf("expected a typical value to not be anomalous, got %+v", results)
	}

	results = m.DetectAnomalies(ctx, "login_events", 50, nil, "alice")
	if len(results) != 1 || !results[0].IsAnomaly {
		t.Fatalf("expected an outlier value to be anomalous, got %+v", results)
	}
	if len(rec.events) != 1 || rec.events[0].Type != audit.TypeAnomalyDetected {
		t.Fatalf("expected an anomaly_detected audit entry, got %+v", rec.events)
	}
}

func TestDetectAnomaliesBehavioral(t *testing.T) {
	fixed := clock.Fixed{At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(fixed)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.UpdateBehavioralProfile("bob", "user_actions", map[string]any{"requests_per_minute": 5.0})
	}

	results := m.DetectAnomalies(ctx, "user_actions", 0, map[string]any{"requests_per_minute": 5.0}, "bob")
	if len(results) != 1 || results[0].IsAnomaly {
		t.Fatalf("expected typical behavior to not be anomalous, got %+v", results)
	}

	results = m.DetectAnomalies(ctx, "user_actions", 0, map[string]any{"requests_per_minute": 500.0}, "bob")
	if len(results) != 1 || !results[0].IsAnomaly {
		t.Fatalf("expected a wildly elevated value to be anomalous, got %+v", results)
	}

	// A user with no profile yet cannot be scored.
	results = m.DetectAnomalies(ctx, "user_actions", 0, map[string]any{"requests_per_minute": 5.0}, "carol")
	if len(results) != 1 || results[0].IsAnomaly {
		t.Fatalf("expected an unscoreable profile to report not-anomalous, got %+v", results)
	}
}

func TestDashboardData(t *testing.T) {
	m, _ := newTestManager(clock.System{})
	ctx := context.Background()

	if err := m.RegisterCheck(&Check{
		CheckID: "soc2-check", RequirementID: ReqSOC2AccessControl, Name: "SOC2 check",
		Active: true, Fn: func(ctx context.Context) (bool, string, map[string]any) { return true, "ok", nil },
	}); err != nil {
		t.Fatalf("register check: %v", err)
	}

	dashboard := m.DashboardData(ctx)
	soc2, ok := dashboard["SOC2"]
	if !ok || soc2.TotalChecks != 1 || soc2.PassedChecks != 1 || soc2.CompliancePercentage != 100 {
		t.Fatalf("expected SOC2 dashboard summary with one passed check, got %+v", dashboard)
	}
}
