// Package health periodically scans the sensor fleet for silent sensors,
// drained batteries and moisture levels that are still above the alert
// thresholds.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/risk"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Defaults for Options fields left at zero.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultInitialDelay = 5 * time.Second
	DefaultStaleAfter   = 5 * time.Minute
	DefaultLowBattery   = 20.0
)

// Store is the subset of the storage layer the monitor reads and updates.
type Store interface {
	ListActiveSensors(ctx context.Context) ([]storage.Sensor, error)
	LatestReading(ctx context.Context, sensorID string) (*storage.Reading, error)
	MarkSensorOffline(ctx context.Context, sensorID string, cutoff time.Time) (bool, error)
}

// Alerter raises deduplicated alerts.
type Alerter interface {
	CreateOrSuppress(ctx context.Context, c alerting.Candidate) (storage.Alert, bool, error)
}

// Options tunes the scan schedule and thresholds.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	StaleAfter   time.Duration
	LowBattery   float64
	// ThresholdSweep re-raises moisture alerts for online sensors whose
	// latest reading is still at or above the high threshold.
	ThresholdSweep bool
	Now            func() time.Time
}

// ScanReport summarises one fleet scan.
type ScanReport struct {
	Scanned       int           `json:"scanned"`
	MarkedOffline int           `json:"marked_offline"`
	AlertsRaised  int           `json:"alerts_raised"`
	Suppressed    int           `json:"suppressed"`
	Errors        int           `json:"errors"`
	Duration      time.Duration `json:"duration"`
}

// Monitor runs the periodic fleet scan. It is a suture service.
type Monitor struct {
	store     Store
	alerter   Alerter
	publisher events.Publisher
	logger    *slog.Logger
	opts      Options
}

// NewMonitor creates a Monitor. publisher may be nil.
func NewMonitor(store Store, alerter Alerter, publisher events.Publisher, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.LowBattery <= 0 {
		opts.LowBattery = DefaultLowBattery
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{store: store, alerter: alerter, publisher: publisher, logger: logger, opts: opts}
}

// String names the service in supervisor logs.
func (m *Monitor) String() string { return "health-monitor" }

// Serve scans once after the initial delay and then on every interval until
// ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	timer := time.NewTimer(m.opts.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	m.scan(ctx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Monitor) scan(ctx context.Context) {
	report, err := m.RunOnce(ctx)
	if err != nil {
		m.logger.Error("health: scan failed", slog.Any("error", err))
		return
	}
	m.logger.Info("health: scan complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("marked_offline", report.MarkedOffline),
		slog.Int("alerts_raised", report.AlertsRaised),
		slog.Int("errors", report.Errors),
		slog.Duration("duration", report.Duration),
	)
}

// RunOnce scans every active sensor. A failure on one sensor is logged and
// counted without stopping the scan; only a failure to list the fleet is
// returned.
func (m *Monitor) RunOnce(ctx context.Context) (ScanReport, error) {
	start := time.Now()
	var report ScanReport
	defer func() {
		report.Duration = time.Since(start)
		metrics.HealthScanDuration.Observe(report.Duration.Seconds())
	}()

	sensors, err := m.store.ListActiveSensors(ctx)
	if err != nil {
		return report, fmt.Errorf("health scan: list sensors: %w", err)
	}
	now := m.opts.Now()
	for _, sn := range sensors {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		if err := m.checkSensor(ctx, sn, now, &report); err != nil {
			report.Errors++
			metrics.HealthScanErrors.Inc()
			m.logger.Warn("health: sensor check failed",
				slog.String("sensor_id", sn.SensorID),
				slog.Any("error", err),
			)
		}
	}
	return report, nil
}

// checkSensor runs the threshold sweep, the staleness check and the battery
// check in that order. A failing check does not skip the later ones.
func (m *Monitor) checkSensor(ctx context.Context, sn storage.Sensor, now time.Time, report *ScanReport) error {
	var errs []error
	if m.opts.ThresholdSweep && sn.Status.IsOnline {
		if err := m.sweepThresholds(ctx, sn, report); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.checkStale(ctx, sn, now, report); err != nil {
		errs = append(errs, err)
	}
	if lvl := sn.Status.Battery.Level; lvl > 0 && lvl < m.opts.LowBattery {
		err := m.raise(ctx, alerting.Candidate{
			Type:     storage.AlertTypeSensorFault,
			Severity: storage.SeverityLow,
			SensorID: sn.SensorID,
			Trigger: &storage.Trigger{
				Parameter: "battery",
				Value:     lvl,
				Threshold: m.opts.LowBattery,
				Condition: "below",
			},
			Message: alerting.LowBatteryMessage(sn.SensorID, lvl),
		}, report)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) sweepThresholds(ctx context.Context, sn storage.Sensor, report *ScanReport) error {
	latest, err := m.store.LatestReading(ctx, sn.SensorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest reading: %w", err)
	}
	t := sn.Thresholds.OrDefault()
	value := latest.Data.Moisture.Value

	var level storage.RiskLevel
	switch {
	case value >= t.Critical:
		level = storage.RiskCritical
	case value >= t.High:
		level = storage.RiskHigh
	default:
		return nil
	}
	threshold, _ := risk.BreachThreshold(level, t)
	return m.raise(ctx, alerting.Candidate{
		Type:      storage.AlertTypeMoisture,
		Severity:  risk.Severity(level),
		SensorID:  sn.SensorID,
		ReadingID: latest.ReadingID,
		Trigger: &storage.Trigger{
			Parameter: "moisture",
			Value:     value,
			Threshold: threshold,
			Condition: "exceeds",
		},
		Message: alerting.MoistureMessage(sn.SensorID, level, value),
	}, report)
}

func (m *Monitor) checkStale(ctx context.Context, sn storage.Sensor, now time.Time, report *ScanReport) error {
	if !sn.Status.IsOnline {
		return nil
	}
	cutoff := now.Add(-m.opts.StaleAfter)
	if sn.Status.LastSeen != nil && !sn.Status.LastSeen.Before(cutoff) {
		return nil
	}
	marked, err := m.store.MarkSensorOffline(ctx, sn.SensorID, cutoff)
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	if !marked {
		// A message arrived between the listing and the update.
		return nil
	}
	report.MarkedOffline++

	status := sn.Status
	status.IsOnline = false
	status.Health = storage.HealthOffline
	m.publisher.Publish(events.NewSensorStatus(sn.SensorID, status))
	m.logger.Info("health: sensor marked offline", slog.String("sensor_id", sn.SensorID))

	trigger := &storage.Trigger{Parameter: "last_seen", Threshold: m.opts.StaleAfter.Minutes(), Condition: "older_than"}
	if sn.Status.LastSeen != nil {
		trigger.Value = now.Sub(*sn.Status.LastSeen).Minutes()
	}
	return m.raise(ctx, alerting.Candidate{
		Type:     storage.AlertTypeSensorFault,
		Severity: storage.SeverityMedium,
		SensorID: sn.SensorID,
		Trigger:  trigger,
		Message:  alerting.OfflineMessage(sn),
	}, report)
}

func (m *Monitor) raise(ctx context.Context, c alerting.Candidate, report *ScanReport) error {
	_, created, err := m.alerter.CreateOrSuppress(ctx, c)
	if err != nil {
		return fmt.Errorf("raise %s alert: %w", c.Type, err)
	}
	if created {
		report.AlertsRaised++
	} else {
		report.Suppressed++
	}
	return nil
}
