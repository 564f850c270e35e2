package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/analytics"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/risk"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// ErrUnknownSensor is returned for messages from a sensor that is not
// registered.
var ErrUnknownSensor = errors.New("ingest: unknown sensor")

// Store is the subset of the storage layer used by Processor.
type Store interface {
	GetSensor(ctx context.Context, sensorID string) (*storage.Sensor, error)
	InsertReading(ctx context.Context, r storage.Reading) error
	UpdateSensorLiveness(ctx context.Context, sensorID string, u storage.LivenessUpdate) (*storage.SensorStatus, error)
}

// AnomalyDetector flags a value that deviates from the sensor's history.
type AnomalyDetector interface {
	Detect(ctx context.Context, sensorID string, current float64) (bool, error)
}

// TrendEstimator classifies recent history and projects threshold breaches.
type TrendEstimator interface {
	Trend(ctx context.Context, sensorID string, window time.Duration) (analytics.TrendResult, error)
	PredictBreach(ctx context.Context, sensorID string, current, threshold float64) (analytics.Prediction, error)
}

// Alerter raises deduplicated alerts.
type Alerter interface {
	CreateOrSuppress(ctx context.Context, c alerting.Candidate) (storage.Alert, bool, error)
}

// DeadLetterSink keeps rejected messages for later inspection.
type DeadLetterSink interface {
	Put(ctx context.Context, l queue.Letter) (int64, error)
}

// Processor turns device messages into readings, liveness updates, events
// and alerts. It holds no per-sensor state; callers serialise messages of
// one sensor.
type Processor struct {
	store       Store
	detector    AnomalyDetector
	estimator   TrendEstimator
	alerter     Alerter
	publisher   events.Publisher
	deadLetters DeadLetterSink
	logger      *slog.Logger
	now         func() time.Time
}

// NewProcessor creates a Processor. publisher and deadLetters may be nil.
func NewProcessor(store Store, detector AnomalyDetector, estimator TrendEstimator, alerter Alerter,
	publisher events.Publisher, deadLetters DeadLetterSink, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Processor{
		store:       store,
		detector:    detector,
		estimator:   estimator,
		alerter:     alerter,
		publisher:   publisher,
		deadLetters: deadLetters,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the processor's time source. Intended for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Handle routes one broker message by subject. Malformed messages and
// messages for unknown sensors are dead-lettered; the returned error then
// only describes why the message was dropped.
func (p *Processor) Handle(ctx context.Context, prefix, subject string, payload []byte) error {
	sensorID, kind, err := ParseSubject(prefix, subject)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("bad_subject").Inc()
		return err
	}
	metrics.MessagesReceived.WithLabelValues(kind).Inc()

	switch kind {
	case KindData:
		err = p.HandleData(ctx, sensorID, payload)
	default:
		err = p.HandleStatus(ctx, sensorID, payload)
	}

	var perr *ParseError
	switch {
	case errors.As(err, &perr):
		p.reject(ctx, subject, payload, "malformed", err)
	case errors.Is(err, ErrUnknownSensor):
		p.reject(ctx, subject, payload, "unknown_sensor", err)
	}
	return err
}

func (p *Processor) reject(ctx context.Context, subject string, payload []byte, reason string, cause error) {
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	p.logger.Warn("dropping device message",
		slog.String("subject", subject),
		slog.String("reason", reason),
		slog.Any("error", cause),
	)
	if p.deadLetters == nil {
		return
	}
	if _, err := p.deadLetters.Put(ctx, queue.Letter{
		Subject:    subject,
		Payload:    payload,
		Reason:     cause.Error(),
		ReceivedAt: p.now(),
	}); err != nil {
		p.logger.Error("dead-letter write failed", slog.String("subject", subject), slog.Any("error", err))
	}
}

// HandleData processes one telemetry message from sensorID.
func (p *Processor) HandleData(ctx context.Context, sensorID string, payload []byte) error {
	msg, err := ParseData(payload)
	if err != nil {
		return err
	}
	sensor, err := p.sensor(ctx, sensorID)
	if err != nil {
		return err
	}

	value := msg.Data.Moisture.Value
	thresholds := sensor.Thresholds.OrDefault()
	assessment := risk.Evaluate(value, thresholds)

	anomaly, err := p.detector.Detect(ctx, sensorID, value)
	if err != nil {
		p.logger.Warn("anomaly detection failed; treating reading as normal",
			slog.String("sensor_id", sensorID), slog.Any("error", err))
		anomaly = false
	}

	trend, err := p.estimator.Trend(ctx, sensorID, 0)
	if err != nil {
		p.logger.Warn("trend estimation failed", slog.String("sensor_id", sensorID), slog.Any("error", err))
	}
	var predicted *time.Time
	if pred, err := p.estimator.PredictBreach(ctx, sensorID, value, thresholds.Critical); err != nil {
		p.logger.Warn("breach prediction failed", slog.String("sensor_id", sensorID), slog.Any("error", err))
	} else if pred.Kind != analytics.PredictionNone {
		predicted = pred.At
	}

	now := p.now()
	reading := storage.Reading{
		ReadingID: uuid.NewString(),
		SensorID:  sensorID,
		Timestamp: now,
		Data:      msg.Data,
		Calculated: storage.Calculated{
			RiskLevel:       assessment.Level,
			RiskScore:       assessment.Score,
			Trend:           trend.Trend,
			ChangeRate:      trend.ChangeRate,
			PredictedBreach: predicted,
		},
		Quality: storage.Quality{Anomaly: anomaly},
		Device:  msg.Device,
	}
	if reading.Calculated.Trend == "" {
		reading.Calculated.Trend = storage.TrendStable
	}
	if err := p.store.InsertReading(ctx, reading); err != nil {
		return fmt.Errorf("ingest %s: %w", sensorID, err)
	}
	metrics.ReadingsIngested.WithLabelValues(string(assessment.Level)).Inc()
	if anomaly {
		metrics.AnomaliesDetected.Inc()
	}

	if _, err := p.store.UpdateSensorLiveness(ctx, sensorID, storage.LivenessUpdate{
		SeenAt:  now,
		Battery: msg.Battery,
		Signal:  msg.Signal,
	}); err != nil {
		p.logger.Error("sensor liveness update failed", slog.String("sensor_id", sensorID), slog.Any("error", err))
	}

	p.publisher.Publish(events.NewReading(reading))
	p.logger.Debug("reading ingested",
		slog.String("sensor_id", sensorID),
		slog.Float64("moisture", value),
		slog.String("risk_level", string(assessment.Level)),
		slog.Bool("anomaly", anomaly),
	)

	if !assessment.Breach() {
		return nil
	}
	p.publisher.Publish(events.NewRisk(sensorID, assessment.Level, value))
	threshold, _ := risk.BreachThreshold(assessment.Level, thresholds)
	if _, _, err := p.alerter.CreateOrSuppress(ctx, alerting.Candidate{
		Type:      storage.AlertTypeMoisture,
		Severity:  risk.Severity(assessment.Level),
		SensorID:  sensorID,
		ReadingID: reading.ReadingID,
		Trigger: &storage.Trigger{
			Parameter: "moisture",
			Value:     value,
			Threshold: threshold,
			Condition: "exceeds",
		},
		Message: alerting.MoistureMessage(sensorID, assessment.Level, value),
	}); err != nil {
		return fmt.Errorf("ingest %s: raise moisture alert: %w", sensorID, err)
	}
	return nil
}

// HandleStatus processes one status report from sensorID.
func (p *Processor) HandleStatus(ctx context.Context, sensorID string, payload []byte) error {
	msg, err := ParseStatus(payload)
	if err != nil {
		return err
	}
	if _, err := p.sensor(ctx, sensorID); err != nil {
		return err
	}
	st, err := p.store.UpdateSensorLiveness(ctx, sensorID, storage.LivenessUpdate{
		SeenAt:  p.now(),
		Battery: msg.Battery,
		Signal:  msg.Signal,
		Health:  msg.Health,
	})
	if err != nil {
		return fmt.Errorf("ingest %s status: %w", sensorID, err)
	}
	p.publisher.Publish(events.NewSensorStatus(sensorID, *st))
	return nil
}

func (p *Processor) sensor(ctx context.Context, sensorID string) (*storage.Sensor, error) {
	sensor, err := p.store.GetSensor(ctx, sensorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, sensorID)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", sensorID, err)
	}
	return sensor, nil
}
