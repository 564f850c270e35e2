// Package risk maps a moisture value onto the five-band risk scale of a
// sensor's thresholds.
package risk

import (
	"math"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// bandSpan is the number of score points each band covers.
const bandSpan = 20

// Assessment is the result of evaluating one moisture value.
type Assessment struct {
	Level storage.RiskLevel `json:"risk_level"`
	Score int               `json:"risk_score"`
}

// Breach reports whether the level warrants a moisture alert.
func (a Assessment) Breach() bool {
	return a.Level == storage.RiskHigh || a.Level == storage.RiskCritical
}

// Evaluate scores value against t. Each band owns a 20-point span of the
// score, linear in value between its lower and upper threshold; a value
// exactly on a threshold belongs to the higher band. The critical band
// saturates at 100 once value is 20 points above the critical threshold.
//
// Invalid thresholds are replaced by storage.DefaultThresholds. Values outside
// 0..100 are not rejected; the score is clamped to [0, 100].
func Evaluate(value float64, t storage.Thresholds) Assessment {
	t = t.OrDefault()
	if math.IsNaN(value) {
		return Assessment{Level: storage.RiskSafe}
	}

	var level storage.RiskLevel
	var score float64
	switch {
	case value < t.Low:
		level = storage.RiskSafe
		score = value / t.Low * bandSpan
	case value < t.Medium:
		level = storage.RiskLow
		score = bandSpan + (value-t.Low)/(t.Medium-t.Low)*bandSpan
	case value < t.High:
		level = storage.RiskModerate
		score = 2*bandSpan + (value-t.Medium)/(t.High-t.Medium)*bandSpan
	case value < t.Critical:
		level = storage.RiskHigh
		score = 3*bandSpan + (value-t.High)/(t.Critical-t.High)*bandSpan
	default:
		level = storage.RiskCritical
		score = 4*bandSpan + math.Min((value-t.Critical)/bandSpan*bandSpan, bandSpan)
	}

	return Assessment{Level: level, Score: clamp(int(math.Round(score)))}
}

// BreachThreshold returns the threshold that bounds level from below for
// the alerting bands, and false for levels that do not alert.
func BreachThreshold(level storage.RiskLevel, t storage.Thresholds) (float64, bool) {
	t = t.OrDefault()
	switch level {
	case storage.RiskHigh:
		return t.High, true
	case storage.RiskCritical:
		return t.Critical, true
	}
	return 0, false
}

// Severity maps an alerting risk level onto the alert severity scale.
func Severity(level storage.RiskLevel) storage.Severity {
	switch level {
	case storage.RiskCritical:
		return storage.SeverityCritical
	case storage.RiskHigh:
		return storage.SeverityHigh
	case storage.RiskModerate:
		return storage.SeverityMedium
	case storage.RiskLow:
		return storage.SeverityLow
	}
	return storage.SeverityInfo
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
