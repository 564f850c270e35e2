package rest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/analytics"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// mockAlerts is a test double for Alerts. It records the last call's
// arguments.
type mockAlerts struct {
	alert    *storage.Alert
	alerts   []storage.Alert
	stats    *storage.AlertStats
	err      error
	gotQuery storage.AlertQuery
	gotDays  int
	gotID    string
	gotActor string
	gotNotes string
	gotRes   alerting.ResolveRequest
	gotPatch storage.AlertPatch
}

func (m *mockAlerts) Get(_ context.Context, id string) (*storage.Alert, error) {
	m.gotID = id
	return m.alert, m.err
}

func (m *mockAlerts) Query(_ context.Context, q storage.AlertQuery) ([]storage.Alert, error) {
	m.gotQuery = q
	return m.alerts, m.err
}

func (m *mockAlerts) Stats(_ context.Context, days int) (*storage.AlertStats, error) {
	m.gotDays = days
	return m.stats, m.err
}

func (m *mockAlerts) Acknowledge(_ context.Context, id, actor, notes string) (*storage.Alert, error) {
	m.gotID, m.gotActor, m.gotNotes = id, actor, notes
	return m.alert, m.err
}

func (m *mockAlerts) Resolve(_ context.Context, id string, r alerting.ResolveRequest) (*storage.Alert, error) {
	m.gotID, m.gotRes = id, r
	return m.alert, m.err
}

func (m *mockAlerts) Update(_ context.Context, id, actor string, p storage.AlertPatch) (*storage.Alert, error) {
	m.gotID, m.gotActor, m.gotPatch = id, actor, p
	return m.alert, m.err
}

// mockSensors serves a fixed set of sensors and latest readings.
type mockSensors struct {
	sensors map[string]storage.Sensor
	latest  map[string]storage.Reading
}

func (m *mockSensors) GetSensor(_ context.Context, id string) (*storage.Sensor, error) {
	s, ok := m.sensors[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &s, nil
}

func (m *mockSensors) LatestReading(_ context.Context, id string) (*storage.Reading, error) {
	r, ok := m.latest[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

type mockTrends struct {
	trend        analytics.TrendResult
	prediction   analytics.Prediction
	err          error
	gotWindow    time.Duration
	gotCurrent   float64
	gotThreshold float64
}

func (m *mockTrends) Trend(_ context.Context, _ string, window time.Duration) (analytics.TrendResult, error) {
	m.gotWindow = window
	return m.trend, m.err
}

func (m *mockTrends) PredictBreach(_ context.Context, _ string, current, threshold float64) (analytics.Prediction, error) {
	m.gotCurrent, m.gotThreshold = current, threshold
	return m.prediction, m.err
}

type mockController struct {
	err     error
	gotID   string
	payload any
}

func (m *mockController) PublishControl(_ context.Context, id string, payload any) error {
	m.gotID, m.payload = id, payload
	return m.err
}

type mockDeadLetters struct {
	letters  []queue.Letter
	err      error
	gotLimit int
	acked    []int64
}

func (m *mockDeadLetters) List(_ context.Context, limit int) ([]queue.Letter, error) {
	m.gotLimit = limit
	return m.letters, m.err
}

func (m *mockDeadLetters) Ack(_ context.Context, id int64) error {
	if m.err != nil {
		return m.err
	}
	m.acked = append(m.acked, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testEnv bundles a router with the mocks behind it.
type testEnv struct {
	alerts      *mockAlerts
	sensors     *mockSensors
	trends      *mockTrends
	controller  *mockController
	deadLetters *mockDeadLetters
	handler     http.Handler
}

func newTestEnv(checks ...Check) *testEnv {
	env := &testEnv{
		alerts: &mockAlerts{},
		sensors: &mockSensors{
			sensors: map[string]storage.Sensor{
				"S-1": {
					SensorID:   "S-1",
					Name:       "North slope",
					IsActive:   true,
					Thresholds: storage.Thresholds{Low: 20, Medium: 40, High: 60, Critical: 80},
				},
			},
			latest: map[string]storage.Reading{
				"S-1": {
					ReadingID: "R-1",
					SensorID:  "S-1",
					Data:      storage.ReadingData{Moisture: storage.Moisture{Value: 55}},
				},
			},
		},
		trends:      &mockTrends{},
		controller:  &mockController{},
		deadLetters: &mockDeadLetters{},
	}
	srv := NewServer(Deps{
		Alerts:      env.alerts,
		Sensors:     env.sensors,
		Trends:      env.trends,
		Controller:  env.controller,
		DeadLetters: env.deadLetters,
		Checks:      checks,
	}, discardLogger())
	env.handler = NewRouter(srv, RouterOptions{})
	return env
}
