package rest

import (
	"context"
	"time"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/analytics"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Alerts is the alert lifecycle service used by the alert handlers.
// *alerting.Manager satisfies it.
type Alerts interface {
	Get(ctx context.Context, alertID string) (*storage.Alert, error)
	Query(ctx context.Context, q storage.AlertQuery) ([]storage.Alert, error)
	Stats(ctx context.Context, days int) (*storage.AlertStats, error)
	Acknowledge(ctx context.Context, alertID, actor, notes string) (*storage.Alert, error)
	Resolve(ctx context.Context, alertID string, r alerting.ResolveRequest) (*storage.Alert, error)
	Update(ctx context.Context, alertID, actor string, p storage.AlertPatch) (*storage.Alert, error)
}

// Sensors is the subset of the store used by the sensor handlers.
type Sensors interface {
	GetSensor(ctx context.Context, sensorID string) (*storage.Sensor, error)
	LatestReading(ctx context.Context, sensorID string) (*storage.Reading, error)
}

// Trends computes trend and breach projections. *analytics.Estimator
// satisfies it.
type Trends interface {
	Trend(ctx context.Context, sensorID string, window time.Duration) (analytics.TrendResult, error)
	PredictBreach(ctx context.Context, sensorID string, current, threshold float64) (analytics.Prediction, error)
}

// Controller publishes control commands to devices. *ingest.Gateway
// satisfies it.
type Controller interface {
	PublishControl(ctx context.Context, sensorID string, payload any) error
}

// DeadLetters exposes the rejected-message store. *queue.DeadLetters
// satisfies it.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]queue.Letter, error)
	Ack(ctx context.Context, id int64) error
}

// Check is a named readiness probe reported by /healthz.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}
