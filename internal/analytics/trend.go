package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Trend defaults.
const (
	DefaultTrendWindow      = 6 * time.Hour
	DefaultPredictionWindow = 12 * time.Hour
	DefaultHorizon          = 72 * time.Hour

	// trendCutoff is the change rate, in percent per hour, beyond which a
	// series counts as increasing or decreasing.
	trendCutoff = 5.0
)

// WindowSource returns a sensor's readings since a point in time, oldest
// first.
type WindowSource interface {
	ReadingsSince(ctx context.Context, sensorID string, since time.Time) ([]storage.Reading, error)
}

// Point is one timestamped moisture value.
type Point struct {
	At    time.Time
	Value float64
}

// TrendResult is the classification of a window of points.
type TrendResult struct {
	Trend      storage.Trend `json:"trend"`
	ChangeRate float64       `json:"change_rate"`
	Samples    int           `json:"samples"`
}

// ComputeTrend classifies points, which must be ordered oldest first. The
// change rate is the relative change between the first and last point in
// percent per elapsed hour, reported rounded to two decimals. Fewer than two points, a
// zero first value or no elapsed time yield a stable trend with rate 0.
func ComputeTrend(points []Point) TrendResult {
	res := TrendResult{Trend: storage.TrendStable, Samples: len(points)}
	if len(points) < 2 {
		return res
	}
	first, last := points[0], points[len(points)-1]
	hours := last.At.Sub(first.At).Hours()
	if first.Value == 0 || hours <= 0 {
		return res
	}

	rate := (last.Value - first.Value) / first.Value * 100 / hours
	switch {
	case rate > trendCutoff:
		res.Trend = storage.TrendIncreasing
	case rate < -trendCutoff:
		res.Trend = storage.TrendDecreasing
	}
	// Only the reported rate is rounded; classification uses the raw value.
	res.ChangeRate = math.Round(rate*100) / 100
	return res
}

// PredictionKind says whether and when a breach is expected.
type PredictionKind string

const (
	PredictionNone PredictionKind = "none"
	PredictionNow  PredictionKind = "now"
	PredictionAt   PredictionKind = "at"
)

// Prediction is the projected threshold breach of a sensor.
type Prediction struct {
	Kind  PredictionKind `json:"kind"`
	At    *time.Time     `json:"at,omitempty"`
	Hours float64        `json:"hours,omitempty"`
}

// PredictBreach extrapolates current along tr towards threshold. A value
// already at or above the threshold breaches now; a stable trend predicts
// nothing; otherwise the breach must fall strictly between now and
// now+horizon to be reported.
func PredictBreach(now time.Time, current, threshold float64, tr TrendResult, horizon time.Duration) Prediction {
	if current >= threshold {
		at := now
		return Prediction{Kind: PredictionNow, At: &at}
	}
	if tr.Trend == storage.TrendStable || tr.ChangeRate == 0 {
		return Prediction{Kind: PredictionNone}
	}
	hours := (threshold - current) / tr.ChangeRate
	if hours <= 0 || hours >= horizon.Hours() {
		return Prediction{Kind: PredictionNone}
	}
	at := now.Add(time.Duration(hours * float64(time.Hour)))
	return Prediction{Kind: PredictionAt, At: &at, Hours: hours}
}

// Estimator runs trend and prediction queries against stored readings.
type Estimator struct {
	source           WindowSource
	trendWindow      time.Duration
	predictionWindow time.Duration
	horizon          time.Duration
	now              func() time.Time
}

// NewEstimator returns an Estimator over source. Zero durations are replaced
// with the package defaults.
func NewEstimator(source WindowSource, trendWindow, predictionWindow, horizon time.Duration) *Estimator {
	if trendWindow <= 0 {
		trendWindow = DefaultTrendWindow
	}
	if predictionWindow <= 0 {
		predictionWindow = DefaultPredictionWindow
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Estimator{
		source:           source,
		trendWindow:      trendWindow,
		predictionWindow: predictionWindow,
		horizon:          horizon,
		now:              time.Now,
	}
}

// WithClock replaces the estimator's time source. Intended for tests.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Trend classifies the sensor's readings over window, or over the default
// trend window when window is zero.
func (e *Estimator) Trend(ctx context.Context, sensorID string, window time.Duration) (TrendResult, error) {
	if window <= 0 {
		window = e.trendWindow
	}
	readings, err := e.source.ReadingsSince(ctx, sensorID, e.now().Add(-window))
	if err != nil {
		return TrendResult{Trend: storage.TrendStable}, fmt.Errorf("trend window %s: %w", sensorID, err)
	}
	points := make([]Point, len(readings))
	for i, r := range readings {
		points[i] = Point{At: r.Timestamp, Value: r.Data.Moisture.Value}
	}
	return ComputeTrend(points), nil
}

// PredictBreach projects when current will reach threshold using the trend
// over the prediction window.
func (e *Estimator) PredictBreach(ctx context.Context, sensorID string, current, threshold float64) (Prediction, error) {
	if current >= threshold {
		return PredictBreach(e.now(), current, threshold, TrendResult{}, e.horizon), nil
	}
	tr, err := e.Trend(ctx, sensorID, e.predictionWindow)
	if err != nil {
		return Prediction{Kind: PredictionNone}, err
	}
	return PredictBreach(e.now(), current, threshold, tr, e.horizon), nil
}
