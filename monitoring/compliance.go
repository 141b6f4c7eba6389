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

// Package monitoring implements compliance reporting and anomaly
// detection on top of the audit log: named standards (GDPR, SOC2, HIPAA,
// PCI-DSS) backed by automated checks, and statistical/behavioral
// detectors that flag unusual activity on the event bus.
package monitoring

import "context"

// CheckFunc runs one compliance check and reports whether it passed, a
// human-readable detail string, and any supporting data.
type CheckFunc func(ctx context.Context) (passed bool, details string, data map[string]any)

// Requirement is one named obligation under a compliance standard.
type Requirement struct {
	RequirementID      string
	Name               string
	Description        string
	Standard           string // "GDPR", "SOC2", "HIPAA", "PCI-DSS", ...
	Category           string
	VerificationMethod string // "automated", "manual", "hybrid"
	Active             bool
	Metadata           map[string]any
}

// Check is one automated verification of a Requirement.
type Check struct {
	CheckID       string
	RequirementID string
	Name          string
	Description   string
	CheckType     string // "log_analysis", "configuration", "policy", "test"
	Fn            CheckFunc
	Active        bool
	Metadata      map[string]any
}

// Run executes the check, recovering a panicking Fn into a failed result
// rather than propagating it.
func (c *Check) Run(ctx context.Context) (passed bool, details string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			passed, details, data = false, "check panicked", map[string]any{"panic": r}
		}
	}()
	return c.Fn(ctx)
}

// CheckResult is one Check's outcome within a Report.
type CheckResult struct {
	CheckID         string
	Name            string
	RequirementID   string
	RequirementName string
	Standard        string
	Passed          bool
	Details         string
	AdditionalData  map[string]any
}

// StandardTally summarizes pass/fail counts for one standard within a
// Report's Summary.
type StandardTally struct {
	Total  int
	Passed int
	Failed int
}

// Summary is the aggregate outcome of a Report's checks.
type Summary struct {
	TotalChecks          int
	PassedChecks         int
	FailedChecks         int
	CompliancePercentage float64
	StandardResults      map[string]StandardTally
}

// Report is a point-in-time compliance snapshot across one or more
// standards.
type Report struct {
	ReportID    string
	Name        string
	Description string
	Standards   []string
	GeneratedBy string
	Results     map[string]CheckResult
	Summary     Summary
	Metadata    map[string]any
}

// AddResult records one check's outcome in the report.
func (r *Report) AddResult(checkID string, result CheckResult) {
	if r.Results == nil {
		r.Results = make(map[string]CheckResult)
	}
	r.Results[checkID] = result
}

// GenerateSummary recomputes Summary from the report's current Results.
func (r *Report) GenerateSummary() Summary {
	standardResults := make(map[string]StandardTally)
	passed := 0
	for _, result := range r.Results {
		tally := standardResults[result.Standard]
		tally.Total++
		if result.Passed {
			tally.Passed++
			passed++
		} else {
			tally.Failed++
		}
		standardResults[result.Standard] = tally
	}

	total := len(r.Results)
	percentage := 0.0
	if total > 0 {
		percentage = float64(passed) / float64(total) * 100
	}

	r.Summary = Summary{
		TotalChecks:          total,
		PassedChecks:         passed,
		FailedChecks:         total - passed,
		CompliancePercentage: percentage,
		StandardResults:      standardResults,
	}
	return r.Summary
}
