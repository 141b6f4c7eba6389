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
	"fmt"
	"sort"
	"sync"

	"github.com/opentrusty/controlplane/audit"
	"github.com/opentrusty/controlplane/bus"
	"github.com/opentrusty/controlplane/clock"
	"github.com/opentrusty/controlplane/id"
)

// Bus topics published by this package.
const (
	TopicRequirementRegistered = "compliance.requirement_registered"
	TopicCheckRegistered       = "compliance.check_registered"
	TopicCheckRun              = "compliance.check_run"
	TopicReportGenerated       = "compliance.report_generated"
	TopicDetectorRegistered    = "security.detector_registered"
	TopicAnomalyDetected       = "security.anomaly_detected"
)

// Default requirement IDs seeded at startup.
const (
	ReqGDPRConsent       = "gdpr-consent"
	ReqGDPRDataAccess    = "gdpr-data-access"
	ReqGDPRDataDeletion  = "gdpr-data-deletion"
	ReqSOC2AccessControl = "soc2-access-control"
	ReqSOC2AuditLogging  = "soc2-audit-logging"
	ReqHIPAAEncryption   = "hipaa-data-encryption"
	ReqPCIDSSAccess      = "pci-dss-access-control"
)

// Default detector IDs seeded at startup.
const (
	DetectorLoginFrequency = "login-frequency"
	DetectorFailedLogin    = "failed-login"
	DetectorUserBehavior   = "user-behavior"
)

var (
	// ErrRequirementExists is returned by RegisterRequirement for a
	// duplicate RequirementID.
	ErrRequirementExists = fmt.Errorf("monitoring: requirement already registered")
	// ErrRequirementNotFound is returned by RegisterCheck when the named
	// requirement does not exist.
	ErrRequirementNotFound = fmt.Errorf("monitoring: requirement not found")
	// ErrCheckExists is returned by RegisterCheck for a duplicate CheckID.
	ErrCheckExists = fmt.Errorf("monitoring: check already registered")
	// ErrCheckNotFound is returned by RunCheck for an unknown CheckID.
	ErrCheckNotFound = fmt.Errorf("monitoring: check not found")
	// ErrDetectorExists is returned by RegisterDetector for a duplicate
	// detector ID.
	ErrDetectorExists = fmt.Errorf("monitoring: detector already registered")
)

// Manager owns the compliance requirement/check/report tables and the
// anomaly detector registry, emitting a bus event for every state change
// and an audit log entry for each generated report and detected anomaly.
//
// Purpose: Compliance reporting and anomaly detection on top of the audit
// log.
// Domain: Monitoring
type Manager struct {
	mu sync.Mutex

	requirements      map[string]*Requirement
	requirementsByStd map[string][]string
	checks            map[string]*Check
	checksByReq       map[string][]string
	reports           map[string]*Report
	detectors         map[string]Detector
	detectorsBySource map[string][]string

	audit audit.Logger
	bus   *bus.Bus
	clock clock.Clock
}

// NewManager creates a Manager with the default GDPR/SOC2/HIPAA/PCI-DSS
// requirements and the default login-frequency, failed-login, and
// user-behavior anomaly detectors registered.
func NewManager(auditLogger audit.Logger, eventBus *bus.Bus, clk clock.Clock) *Manager {
	m := &Manager{
		requirements:      make(map[string]*Requirement),
		requirementsByStd: make(map[string][]string),
		checks:            make(map[string]*Check),
		checksByReq:       make(map[string][]string),
		reports:           make(map[string]*Report),
		detectors:         make(map[string]Detector),
		detectorsBySource: make(map[string][]string),
		audit:             auditLogger,
		bus:               eventBus,
		clock:             clk,
	}
	m.registerDefaultRequirements()
	m.registerDefaultDetectors()
	return m
}

func (m *Manager) registerDefaultRequirements() {
	must := func(err error) {
		if err != nil {
			panic("monitoring: default requirement collision: " + err.Error())
		}
	}
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqGDPRConsent, Name: "User Consent",
		Description: "Obtain and manage user consent for data processing",
		Standard: "GDPR", Category: "data_processing", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqGDPRDataAccess, Name: "Data Access Rights",
		Description: "Provide users with access to their personal data",
		Standard: "GDPR", Category: "data_rights", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqGDPRDataDeletion, Name: "Right to be Forgotten",
		Description: "Allow users to request deletion of their personal data",
		Standard: "GDPR", Category: "data_rights", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqSOC2AccessControl, Name: "Access Control",
		Description: "Implement and maintain access controls",
		Standard: "SOC2", Category: "security", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqSOC2AuditLogging, Name: "Audit Logging",
		Description: "Maintain comprehensive audit logs",
		Standard: "SOC2", Category: "monitoring", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqHIPAAEncryption, Name: "Data Encryption",
		Description: "Encrypt sensitive health information",
		Standard: "HIPAA", Category: "security", VerificationMethod: "automated", Active: true,
	}))
	must(m.RegisterRequirement(&Requirement{
		RequirementID: ReqPCIDSSAccess, Name: "Access Control",
		Description: "Restrict access to cardholder data",
		Standard: "PCI-DSS", Category: "security", VerificationMethod: "automated", Active: true,
	}))
}

func (m *Manager) registerDefaultDetectors() {
	must := func(err error) {
		if err != nil {
			panic("monitoring: default detector collision: " + err.Error())
		}
	}
	must(m.RegisterDetector(&StatisticalDetector{
		DetectorID: DetectorLoginFrequency, Name: "Login Frequency",
		Description: "Detect unusual login frequency", Source: "login_events",
		Threshold: 2.5, Sensitivity: 1.0, Active: true,
	}))
	must(m.RegisterDetector(&StatisticalDetector{
		DetectorID: DetectorFailedLogin, Name: "Failed Login Attempts",
		Description: "Detect unusual number of failed login attempts", Source: "failed_login_events",
		Threshold: 2.0, Sensitivity: 1.2, Active: true,
	}))
	must(m.RegisterDetector(&BehavioralDetector{
		DetectorID: DetectorUserBehavior, Name: "User Behavior",
		Description: "Detect unusual user behavior patterns", Source: "user_actions",
		Sensitivity: 1.0, Active: true,
	}))
}

// RegisterRequirement adds a compliance requirement to the catalogue.
func (m *Manager) RegisterRequirement(req *Requirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requirements[req.RequirementID]; exists {
		return ErrRequirementExists
	}
	if req.RequirementID == "" {
		req.RequirementID = id.NewUUIDv7()
	}
	m.requirements[req.RequirementID] = req
	m.requirementsByStd[req.Standard] = append(m.requirementsByStd[req.Standard], req.RequirementID)

	m.bus.Emit(TopicRequirementRegistered, "monitoring", map[string]any{
		"requirement_id": req.RequirementID, "name": req.Name, "standard": req.Standard,
	})
	return nil
}

// GetRequirement retrieves a requirement by id.
func (m *Manager) GetRequirement(requirementID string) (*Requirement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requirements[requirementID]
	return r, ok
}

// RequirementsByStandard returns every requirement registered under
// standard.
func (m *Manager) RequirementsByStandard(standard string) []*Requirement {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.requirementsByStd[standard]
	out := make([]*Requirement, 0, len(ids))
	for _, reqID := range ids {
		if r, ok := m.requirements[reqID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// RegisterCheck adds an automated check for an existing requirement.
func (m *Manager) RegisterCheck(check *Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checks[check.CheckID]; exists {
		return ErrCheckExists
	}
	if _, exists := m.requirements[check.RequirementID]; !exists {
		return ErrRequirementNotFound
	}
	if check.CheckID == "" {
		check.CheckID = id.NewUUIDv7()
	}
	m.checks[check.CheckID] = check
	m.checksByReq[check.RequirementID] = append(m.checksByReq[check.RequirementID], check.CheckID)

	m.bus.Emit(TopicCheckRegistered, "monitoring", map[string]any{
		"check_id": check.CheckID, "name": check.Name, "requirement_id": check.RequirementID,
	})
	return nil
}

// GetCheck retrieves a check by id.
func (m *Manager) GetCheck(checkID string) (*Check, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[checkID]
	return c, ok
}

// ChecksByRequirement returns every check registered against
// requirementID.
func (m *Manager) ChecksByRequirement(requirementID string) []*Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.checksByReq[requirementID]
	out := make([]*Check, 0, len(ids))
	for _, checkID := range ids {
		if c, ok := m.checks[checkID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// RunCheck executes a single registered check.
func (m *Manager) RunCheck(ctx context.Context, checkID string) (bool, string, map[string]any, error) {
	check, ok := m.GetCheck(checkID)
	if !ok {
		return false, "", nil, ErrCheckNotFound
	}

	passed, details, data := check.Run(ctx)

	m.bus.Emit(TopicCheckRun, "monitoring", map[string]any{
		"check_id": checkID, "name": check.Name, "requirement_id": check.RequirementID, "passed": passed,
	})
	return passed, details, data, nil
}

// GenerateReport runs every active check under the given standards and
// summarizes the result, logging the report to the audit log.
func (m *Manager) GenerateReport(ctx context.Context, name, description string, standards []string, generatedBy string) *Report {
	report := &Report{
		ReportID:    id.NewUUIDv7(),
		Name:        name,
		Description: description,
		Standards:   standards,
		GeneratedBy: generatedBy,
		Results:     make(map[string]CheckResult),
	}

	var requirements []*Requirement
	for _, standard := range standards {
		requirements = append(requirements, m.RequirementsByStandard(standard)...)
	}

	for _, req := range requirements {
		for _, check := range m.ChecksByRequirement(req.RequirementID) {
			if !check.Active {
				continue
			}
			passed, details, data := check.Run(ctx)
			report.AddResult(check.CheckID, CheckResult{
				CheckID: check.CheckID, Name: check.Name,
				RequirementID: req.RequirementID, RequirementName: req.Name, Standard: req.Standard,
				Passed: passed, Details: details, AdditionalData: data,
			})
		}
	}
	report.GenerateSummary()

	m.mu.Lock()
	m.reports[report.ReportID] = report
	m.mu.Unlock()

	m.audit.Log(ctx, audit.Event{
		ID: id.NewUUIDv7(), Type: audit.TypeComplianceReported, ActorID: generatedBy,
		Resource: "compliance_report", TargetID: report.ReportID, Timestamp: m.clock.Now(),
		Metadata: map[string]any{"standards": standards, "compliance_percentage": report.Summary.CompliancePercentage},
	})
	m.bus.Emit(TopicReportGenerated, "monitoring", map[string]any{
		"report_id": report.ReportID, "name": name, "standards": standards,
	})
	return report
}

// GetReport retrieves a generated report by id.
func (m *Manager) GetReport(reportID string) (*Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	return r, ok
}

// RegisterDetector adds an anomaly detector to the registry.
func (m *Manager) RegisterDetector(d Detector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.detectors[d.ID()]; exists {
		return ErrDetectorExists
	}
	m.detectors[d.ID()] = d
	m.detectorsBySource[d.DataSource()] = append(m.detectorsBySource[d.DataSource()], d.ID())

	m.bus.Emit(TopicDetectorRegistered, "monitoring", map[string]any{
		"detector_id": d.ID(), "name": d.DetectorName(), "data_source": d.DataSource(),
	})
	return nil
}

// GetDetector retrieves a detector by id.
func (m *Manager) GetDetector(detectorID string) (Detector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.detectors[detectorID]
	return d, ok
}

// DetectorsBySource returns every detector registered against
// dataSource, in registration order.
func (m *Manager) DetectorsBySource(dataSource string) []Detector {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.detectorsBySource[dataSource]
	out := make([]Detector, 0, len(ids))
	for _, detID := range ids {
		if d, ok := m.detectors[detID]; ok {
			out = append(out, d)
		}
	}
	return out
}

// AnomalyResult is one detector's verdict from DetectAnomalies.
type AnomalyResult struct {
	DetectorID string
	Name       string
	IsAnomaly  bool
	Score      float64
	Details    map[string]any
}

// DetectAnomalies runs every active detector registered for dataSource.
// Statistical detectors score a single float64 value; behavioral
// detectors score behaviorData (keyed by feature name) against userID's
// profile, and are skipped when userID is empty. Every anomalous result is
// logged to the audit log and emitted on the bus.
func (m *Manager) DetectAnomalies(ctx context.Context, dataSource string, value float64, behaviorData map[string]any, userID string) []AnomalyResult {
	var results []AnomalyResult

	for _, d := range m.DetectorsBySource(dataSource) {
		if !d.IsActive() {
			continue
		}

		var isAnomaly bool
		var score float64
		var details map[string]any

		switch det := d.(type) {
		case *BehavioralDetector:
			if userID == "" {
				continue
			}
			isAnomaly, score, details = det.Detect(userID, behaviorData)
		case *StatisticalDetector:
			isAnomaly, score, details = det.Detect(value)
		default:
			continue
		}

		results = append(results, AnomalyResult{
			DetectorID: d.ID(), Name: d.DetectorName(), IsAnomaly: isAnomaly, Score: score, Details: details,
		})

		if isAnomaly {
			m.audit.Log(ctx, audit.Event{
				ID: id.NewUUIDv7(), Type: audit.TypeAnomalyDetected, ActorID: userID,
				Resource: "anomaly", TargetID: d.ID(), Timestamp: m.clock.Now(),
				Metadata: map[string]any{"data_source": dataSource, "score": score},
			})
			m.bus.Emit(TopicAnomalyDetected, "monitoring", map[string]any{
				"detector_id": d.ID(), "name": d.DetectorName(), "data_source": dataSource,
				"score": score, "user_id": userID,
			})
		}
	}
	return results
}

// UpdateBehavioralProfile feeds behaviorData into every active behavioral
// detector registered for dataSource.
func (m *Manager) UpdateBehavioralProfile(userID, dataSource string, behaviorData map[string]any) {
	now := m.clock.Now()
	for _, d := range m.DetectorsBySource(dataSource) {
		det, ok := d.(*BehavioralDetector)
		if !ok || !det.Active {
			continue
		}
		det.UpdateUserProfile(userID, behaviorData, now)
	}
}

// DashboardStandardSummary is one standard's compliance tally for
// DashboardData.
type DashboardStandardSummary struct {
	TotalRequirements    int
	TotalChecks          int
	PassedChecks         int
	CompliancePercentage float64
}

// DashboardData summarizes standing compliance across every registered
// standard, recomputing each active check live.
func (m *Manager) DashboardData(ctx context.Context) map[string]DashboardStandardSummary {
	m.mu.Lock()
	standards := make([]string, 0, len(m.requirementsByStd))
	for standard := range m.requirementsByStd {
		standards = append(standards, standard)
	}
	m.mu.Unlock()
	sort.Strings(standards)

	out := make(map[string]DashboardStandardSummary, len(standards))
	for _, standard := range standards {
		requirements := m.RequirementsByStandard(standard)
		totalChecks, passedChecks := 0, 0
		for _, req := range requirements {
			for _, check := range m.ChecksByRequirement(req.RequirementID) {
				if !check.Active {
					continue
				}
				totalChecks++
				if passed, _, _ := check.Run(ctx); passed {
					passedChecks++
				}
			}
		}
		percentage := 0.0
		if totalChecks > 0 {
			percentage = float64(passedChecks) / float64(totalChecks) * 100
		}
		out[standard] = DashboardStandardSummary{
			TotalRequirements: len(requirements), TotalChecks: totalChecks,
			PassedChecks: passedChecks, CompliancePercentage: percentage,
		}
	}
	return out
}
