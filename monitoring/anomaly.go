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
	"fmt"
	"math"
	"time"
)

// Detector is the common shape every anomaly detector registers under.
type Detector interface {
	ID() string
	DetectorName() string
	DataSource() string
	IsActive() bool
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleStdev is the n-1 sample standard deviation, matching Python's
// statistics.stdev.
func sampleStdev(values []float64, m float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func zScore(value, mean, stdev float64) float64 {
	if stdev == 0 {
		if value == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(value-mean) / stdev
}

// StatisticalDetector flags a data point whose z-score against a rolling
// baseline, scaled by Sensitivity, exceeds Threshold.
type StatisticalDetector struct {
	DetectorID   string
	Name         string
	Description  string
	Source       string
	BaselineData []float64
	Threshold    float64
	Sensitivity  float64
	Active       bool
	Metadata     map[string]any
}

func (d *StatisticalDetector) ID() string          { return d.DetectorID }
func (d *StatisticalDetector) DetectorName() string { return d.Name }
func (d *StatisticalDetector) DataSource() string   { return d.Source }
func (d *StatisticalDetector) IsActive() bool       { return d.Active }

// AddBaselineData appends data points the detector will score future
// observations against.
func (d *StatisticalDetector) AddBaselineData(values ...float64) {
	d.BaselineData = append(d.BaselineData, values...)
}

// Detect scores value against the detector's baseline.
func (d *StatisticalDetector) Detect(value float64) (isAnomaly bool, score float64, details map[string]any) {
	if len(d.BaselineData) == 0 {
		return false, 0, map[string]any{"error": "no baseline data available"}
	}

	baselineMean := mean(d.BaselineData)
	stdev := 1.0
	if len(d.BaselineData) > 1 {
		stdev = sampleStdev(d.BaselineData, baselineMean)
	}

	z := zScore(value, baselineMean, stdev)
	adjusted := z * d.Sensitivity

	return adjusted > d.Threshold, adjusted, map[string]any{
		"mean": baselineMean, "stdev": stdev, "z_score": z,
		"adjusted_score": adjusted, "threshold": d.Threshold,
	}
}

type featureProfile struct {
	Values      []float64
	Mean        float64
	Stdev       float64
	Frequency   map[string]int
	LastUpdated time.Time
}

// BehavioralDetector flags a user's observed behavior that departs from
// their own rolling profile: a z-score for numeric features, a rarity
// score (1 - observed frequency) for categorical ones.
type BehavioralDetector struct {
	DetectorID  string
	Name        string
	Description string
	Source      string
	Sensitivity float64
	Active      bool
	Metadata    map[string]any

	profiles map[string]map[string]*featureProfile // user -> feature -> profile
}

func (d *BehavioralDetector) ID() string          { return d.DetectorID }
func (d *BehavioralDetector) DetectorName() string { return d.Name }
func (d *BehavioralDetector) DataSource() string   { return d.Source }
func (d *BehavioralDetector) IsActive() bool       { return d.Active }

const behavioralProfileCap = 100

// UpdateUserProfile folds behaviorData into userID's rolling profile: a
// numeric feature keeps at most the last 100 observations and its
// mean/stdev; anything else accumulates a frequency count.
func (d *BehavioralDetector) UpdateUserProfile(userID string, behaviorData map[string]any, now time.Time) {
	if d.profiles == nil {
		d.profiles = make(map[string]map[string]*featureProfile)
	}
	user, ok := d.profiles[userID]
	if !ok {
		user = make(map[string]*featureProfile)
		d.profiles[userID] = user
	}

	for key, value := range behaviorData {
		profile, ok := user[key]
		if !ok {
			profile = &featureProfile{Frequency: make(map[string]int)}
			user[key] = profile
		}

		switch v := value.(type) {
		case float64:
			profile.Values = append(profile.Values, v)
		case int:
			profile.Values = append(profile.Values, float64(v))
		default:
			str := fmt.Sprintf("%v", value)
			profile.Frequency[str]++
			profile.LastUpdated = now
			continue
		}

		if len(profile.Values) > behavioralProfileCap {
			profile.Values = profile.Values[len(profile.Values)-behavioralProfileCap:]
		}
		profile.Mean = mean(profile.Values)
		profile.Stdev = sampleStdev(profile.Values, profile.Mean)
		profile.LastUpdated = now
	}
}

// Detect scores behaviorData against userID's accumulated profile,
// feature by feature, and reports the worst (highest) score; a user with
// no profile yet cannot be scored.
func (d *BehavioralDetector) Detect(userID string, behaviorData map[string]any) (isAnomaly bool, score float64, details map[string]any) {
	user, ok := d.profiles[userID]
	if !ok {
		return false, 0, map[string]any{"error": "no user profile available"}
	}

	var scores []float64
	perFeature := make(map[string]any)

	for key, value := range behaviorData {
		profile, ok := user[key]
		if !ok {
			continue
		}

		switch v := value.(type) {
		case float64:
			scores, perFeature[key] = d.scoreNumeric(profile, key, v, scores)
		case int:
			scores, perFeature[key] = d.scoreNumeric(profile, key, float64(v), scores)
		default:
			str := fmt.Sprintf("%v", value)
			total := 0
			for _, c := range profile.Frequency {
				total += c
			}
			if total == 0 {
				continue
			}
			frequency := float64(profile.Frequency[str]) / float64(total)
			rarity := 1.0 - frequency
			adjusted := rarity * d.Sensitivity
			scores = append(scores, adjusted)
			perFeature[key] = map[string]any{
				"type": "categorical", "value": value, "frequency": frequency,
				"rarity_score": rarity, "adjusted_score": adjusted,
			}
		}
	}

	if len(scores) == 0 {
		return false, 0, map[string]any{"error": "no matching behavior data for analysis"}
	}

	overall := scores[0]
	for _, s := range scores[1:] {
		if s > overall {
			overall = s
		}
	}

	return overall > 0.8, overall, map[string]any{
		"scores": scores, "overall_score": overall, "details": perFeature,
	}
}

func (d *BehavioralDetector) scoreNumeric(profile *featureProfile, key string, value float64, scores []float64) ([]float64, any) {
	z := zScore(value, profile.Mean, profile.Stdev)
	adjusted := z * d.Sensitivity
	scores = append(scores, adjusted)
	return scores, map[string]any{
		"type": "numeric", "value": value, "mean": profile.Mean, "stdev": profile.Stdev,
		"z_score": z, "adjusted_score": adjusted,
	}
}
