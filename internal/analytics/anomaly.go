// Package analytics computes statistics over a sensor's reading history:
// z-score anomaly detection, trend classification and breach prediction.
package analytics

import (
	"context"
	"fmt"
	"math"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Anomaly detection defaults.
const (
	DefaultAnomalyWindow     = 20
	DefaultAnomalyMinSamples = 5
	DefaultAnomalyZLimit     = 2.0
)

// RecentSource returns up to n of a sensor's readings, newest first.
type RecentSource interface {
	RecentReadings(ctx context.Context, sensorID string, n int) ([]storage.Reading, error)
}

// Detector flags readings that sit far outside a sensor's recent history.
type Detector struct {
	source     RecentSource
	window     int
	minSamples int
	zLimit     float64
}

// NewDetector returns a Detector reading history from source. Non-positive
// arguments are replaced with the package defaults.
func NewDetector(source RecentSource, window, minSamples int, zLimit float64) *Detector {
	if window <= 0 {
		window = DefaultAnomalyWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultAnomalyMinSamples
	}
	if zLimit <= 0 {
		zLimit = DefaultAnomalyZLimit
	}
	return &Detector{source: source, window: window, minSamples: minSamples, zLimit: zLimit}
}

// Detect reports whether current is anomalous against the sensor's most
// recent readings. Insufficient history is not an error.
func (d *Detector) Detect(ctx context.Context, sensorID string, current float64) (bool, error) {
	readings, err := d.source.RecentReadings(ctx, sensorID, d.window)
	if err != nil {
		return false, fmt.Errorf("anomaly history %s: %w", sensorID, err)
	}
	history := make([]float64, len(readings))
	for i, r := range readings {
		history[i] = r.Data.Moisture.Value
	}
	return zScoreExceeds(current, history, d.minSamples, d.zLimit), nil
}

// IsAnomalous applies the default rule: at least 5 samples and a population
// z-score above 2. A constant history is never anomalous.
func IsAnomalous(current float64, history []float64) bool {
	return zScoreExceeds(current, history, DefaultAnomalyMinSamples, DefaultAnomalyZLimit)
}

func zScoreExceeds(current float64, history []float64, minSamples int, limit float64) bool {
	if len(history) < minSamples {
		return false
	}
	mean, std := meanStd(history)
	if std == 0 {
		return false
	}
	return math.Abs(current-mean)/std > limit
}

// meanStd returns the population mean and standard deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}
