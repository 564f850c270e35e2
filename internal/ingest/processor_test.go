package ingest_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/analytics"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/ingest"
	"github.com/soilwatch/sentinel/internal/queue"
	"github.com/soilwatch/sentinel/internal/server/storage"
	"github.com/soilwatch/sentinel/internal/server/storage/storagetest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockAlerter records alert candidates.
type mockAlerter struct {
	mu         sync.Mutex
	candidates []alerting.Candidate
	err        error
}

func (a *mockAlerter) CreateOrSuppress(_ context.Context, c alerting.Candidate) (storage.Alert, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return storage.Alert{}, false, a.err
	}
	a.candidates = append(a.candidates, c)
	return storage.Alert{AlertID: "ALT-TEST", Type: c.Type, SensorID: c.SensorID}, true, nil
}

func (a *mockAlerter) got() []alerting.Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Candidate(nil), a.candidates...)
}

// mockDeadLetters records rejected messages.
type mockDeadLetters struct {
	mu      sync.Mutex
	letters []queue.Letter
}

func (d *mockDeadLetters) Put(_ context.Context, l queue.Letter) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.letters = append(d.letters, l)
	return int64(len(d.letters)), nil
}

func (d *mockDeadLetters) got() []queue.Letter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]queue.Letter(nil), d.letters...)
}

type fixture struct {
	store   *storagetest.Memory
	alerter *mockAlerter
	dead    *mockDeadLetters
	events  *events.Recorder
	proc    *ingest.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.NewMemory()
	if err := store.UpsertSensor(context.Background(), storage.Sensor{
		SensorID: "S-1",
		Name:     "North slope",
		IsActive: true,
	}); err != nil {
		t.Fatalf("UpsertSensor: %v", err)
	}
	clock := func() time.Time { return testNow }
	f := &fixture{
		store:   store,
		alerter: &mockAlerter{},
		dead:    &mockDeadLetters{},
		events:  events.NewRecorder(32),
	}
	detector := analytics.NewDetector(store, 0, 0, 0)
	estimator := analytics.NewEstimator(store, 0, 0, 0).WithClock(clock)
	f.proc = ingest.NewProcessor(store, detector, estimator, f.alerter, f.events, f.dead, newLogger()).WithClock(clock)
	return f
}

func (f *fixture) seed(t *testing.T, ago time.Duration, value float64) {
	t.Helper()
	if err := f.store.InsertReading(context.Background(), storage.Reading{
		ReadingID: "seed-" + ago.String(),
		SensorID:  "S-1",
		Timestamp: testNow.Add(-ago),
		Data:      storage.ReadingData{Moisture: storage.Moisture{Value: value}},
	}); err != nil {
		t.Fatalf("seed reading: %v", err)
	}
}

func TestHandle_SafeReading(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.Handle(context.Background(), "sensors", "sensors.S-1.data",
		[]byte(`{"moisture":{"value":12},"device":{"battery":64,"signal":-60}}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	readings := f.store.Readings("S-1")
	if len(readings) != 1 {
		t.Fatalf("stored readings = %d, want 1", len(readings))
	}
	r := readings[0]
	if r.ReadingID == "" {
		t.Error("reading id is empty")
	}
	if !r.Timestamp.Equal(testNow) {
		t.Errorf("timestamp = %v, want %v", r.Timestamp, testNow)
	}
	if r.Calculated.RiskLevel != storage.RiskSafe {
		t.Errorf("risk level = %q, want safe", r.Calculated.RiskLevel)
	}
	if r.Calculated.Trend != storage.TrendStable {
		t.Errorf("trend = %q, want stable", r.Calculated.Trend)
	}
	if r.Quality.Anomaly {
		t.Error("anomaly = true with no history")
	}

	sn, err := f.store.GetSensor(context.Background(), "S-1")
	if err != nil {
		t.Fatalf("GetSensor: %v", err)
	}
	if !sn.Status.IsOnline || sn.Status.Battery.Level != 64 {
		t.Errorf("status = %+v, want online with battery 64", sn.Status)
	}
	if sn.Status.Health != storage.HealthHealthy {
		t.Errorf("health = %q, want healthy", sn.Status.Health)
	}

	if names := f.events.Names(); len(names) != 1 || names[0] != events.ReadingNew {
		t.Errorf("events = %v, want [%s]", names, events.ReadingNew)
	}
	if got := f.alerter.got(); len(got) != 0 {
		t.Errorf("alert candidates = %d, want 0", len(got))
	}
}

func TestHandle_BreachRaisesAlert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload       string
		value         float64
		wantSeverity  storage.Severity
		wantThreshold float64
	}{
		{`{"moisture":{"value":65}}`, 65, storage.SeverityHigh, 60},
		{`{"moisture":{"value":92}}`, 92, storage.SeverityCritical, 80},
	}
	for _, tt := range tests {
		f := newFixture(t)
		if err := f.proc.Handle(context.Background(), "sensors", "sensors.S-1.data", []byte(tt.payload)); err != nil {
			t.Fatalf("Handle(%v): %v", tt.value, err)
		}

		names := f.events.Names()
		if len(names) != 2 || names[0] != events.ReadingNew || names[1] != events.RiskAlert {
			t.Errorf("value %v: events = %v, want [reading:new risk:alert]", tt.value, names)
		}
		got := f.alerter.got()
		if len(got) != 1 {
			t.Fatalf("value %v: candidates = %d, want 1", tt.value, len(got))
		}
		c := got[0]
		if c.Type != storage.AlertTypeMoisture || c.Severity != tt.wantSeverity {
			t.Errorf("value %v: candidate = %s/%s, want moisture/%s", tt.value, c.Type, c.Severity, tt.wantSeverity)
		}
		if c.Trigger == nil || c.Trigger.Threshold != tt.wantThreshold || c.Trigger.Condition != "exceeds" {
			t.Errorf("value %v: trigger = %+v, want threshold %v", tt.value, c.Trigger, tt.wantThreshold)
		}
		if c.ReadingID != f.store.Readings("S-1")[0].ReadingID {
			t.Errorf("value %v: candidate reading id does not match stored reading", tt.value)
		}
	}
}

func TestHandle_AnomalyAgainstHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for i, v := range []float64{30, 31, 29, 30, 31, 29} {
		f.seed(t, time.Duration(i+1)*10*time.Minute, v)
	}

	if err := f.proc.HandleData(context.Background(), "S-1", []byte(`{"moisture":{"value":45}}`)); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	rs := f.store.Readings("S-1")
	latest := rs[len(rs)-1]
	if !latest.Quality.Anomaly {
		t.Error("anomaly = false, want true for a 15 point jump over a flat history")
	}
}

func TestHandle_TrendAndPrediction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seed(t, 5*time.Hour, 40)
	f.seed(t, time.Hour, 60)

	if err := f.proc.HandleData(context.Background(), "S-1", []byte(`{"moisture":{"value":70}}`)); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	rs := f.store.Readings("S-1")
	c := rs[len(rs)-1].Calculated
	if c.Trend != storage.TrendIncreasing {
		t.Errorf("trend = %q, want increasing", c.Trend)
	}
	if c.ChangeRate != 12.5 {
		t.Errorf("change rate = %v, want 12.5", c.ChangeRate)
	}
	if c.PredictedBreach == nil {
		t.Fatal("predicted breach = nil, want a time")
	}
	if want := testNow.Add(48 * time.Minute); !c.PredictedBreach.Equal(want) {
		t.Errorf("predicted breach = %v, want %v", c.PredictedBreach, want)
	}
}

func TestHandle_UnknownSensorIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.Handle(context.Background(), "sensors", "sensors.S-404.data", []byte(`{"moisture":{"value":10}}`))
	if !errors.Is(err, ingest.ErrUnknownSensor) {
		t.Fatalf("err = %v, want ErrUnknownSensor", err)
	}
	letters := f.dead.got()
	if len(letters) != 1 || letters[0].Subject != "sensors.S-404.data" {
		t.Fatalf("dead letters = %+v, want one for sensors.S-404.data", letters)
	}
	if !letters[0].ReceivedAt.Equal(testNow) {
		t.Errorf("received at = %v, want %v", letters[0].ReceivedAt, testNow)
	}
	if len(f.store.Readings("S-404")) != 0 {
		t.Error("reading stored for unknown sensor")
	}
}

func TestHandle_MalformedIsDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	payload := []byte(`{"moisture":{"value":140}}`)
	err := f.proc.Handle(context.Background(), "sensors", "sensors.S-1.data", payload)
	var perr *ingest.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	letters := f.dead.got()
	if len(letters) != 1 || string(letters[0].Payload) != string(payload) {
		t.Fatalf("dead letters = %+v, want the original payload", letters)
	}
	if len(f.events.Drain()) != 0 {
		t.Error("events published for a malformed message")
	}
}

func TestHandle_BadSubjectIsNotDeadLettered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.Handle(context.Background(), "sensors", "sensors.S-1.control", []byte(`{}`))
	if !errors.Is(err, ingest.ErrBadSubject) {
		t.Fatalf("err = %v, want ErrBadSubject", err)
	}
	if n := len(f.dead.got()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestHandle_StoreErrorPropagates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.InsertReadingErr = errors.New("disk full")

	err := f.proc.HandleData(context.Background(), "S-1", []byte(`{"moisture":{"value":95}}`))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want disk full", err)
	}
	if len(f.events.Drain()) != 0 {
		t.Error("events published after a failed insert")
	}
	if len(f.alerter.got()) != 0 {
		t.Error("alert raised after a failed insert")
	}
	if len(f.dead.got()) != 0 {
		t.Error("store failure was dead-lettered")
	}
}

func TestHandle_AnomalyHistoryErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.RecentErr = errors.New("timeout")

	if err := f.proc.HandleData(context.Background(), "S-1", []byte(`{"moisture":{"value":20}}`)); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	rs := f.store.Readings("S-1")
	if len(rs) != 1 || rs[0].Quality.Anomaly {
		t.Errorf("readings = %+v, want one non-anomalous reading", rs)
	}
}

func TestHandle_Status(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.Handle(context.Background(), "sensors", "sensors.S-1.status",
		[]byte(`{"battery":{"level":18},"signal":{"strength":-95,"quality":"poor"},"health":"warning"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sn, _ := f.store.GetSensor(context.Background(), "S-1")
	if sn.Status.Health != storage.HealthWarning || sn.Status.Battery.Level != 18 {
		t.Errorf("status = %+v, want warning with battery 18", sn.Status)
	}
	if sn.Status.LastSeen == nil || !sn.Status.LastSeen.Equal(testNow) {
		t.Errorf("last seen = %v, want %v", sn.Status.LastSeen, testNow)
	}

	evts := f.events.Drain()
	if len(evts) != 1 || evts[0].Name != events.SensorStatus {
		t.Fatalf("events = %+v, want one sensor:status", evts)
	}
	p, ok := evts[0].Payload.(events.SensorStatusPayload)
	if !ok || p.SensorID != "S-1" || p.Status.Health != storage.HealthWarning {
		t.Errorf("payload = %+v", evts[0].Payload)
	}
	if len(f.store.Readings("S-1")) != 0 {
		t.Error("status message stored a reading")
	}
}

func TestHandle_AlerterErrorPropagates(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.alerter.err = errors.New("alerts table locked")

	err := f.proc.HandleData(context.Background(), "S-1", []byte(`{"moisture":{"value":85}}`))
	if err == nil || !strings.Contains(err.Error(), "alerts table locked") {
		t.Fatalf("err = %v, want alerter failure", err)
	}
	if len(f.store.Readings("S-1")) != 1 {
		t.Error("reading not stored before the alert attempt")
	}
}
