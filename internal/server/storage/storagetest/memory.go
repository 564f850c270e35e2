// Package storagetest provides an in-memory implementation of the store
// methods used by the pipeline, for tests in other packages.
package storagetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Memory mirrors the semantics of storage.Store without a database. The zero
// value is not usable; create one with NewMemory.
type Memory struct {
	mu         sync.Mutex
	sensors    map[string]storage.Sensor
	readings   map[string][]storage.Reading // per sensor, ascending by time
	alerts     []storage.Alert              // insertion order
	recipients map[string]storage.Recipient

	// Hooks for failure injection. A non-nil error is returned by the
	// corresponding method.
	InsertReadingErr error
	RecentErr        error
	InsertAlertErr   error

	// InsertAlertCalls counts InsertAlertUnlessActive calls.
	InsertAlertCalls int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sensors:    make(map[string]storage.Sensor),
		readings:   make(map[string][]storage.Reading),
		recipients: make(map[string]storage.Recipient),
	}
}

// UpsertSensor stores sn, keeping the liveness fields of an existing entry.
func (m *Memory) UpsertSensor(_ context.Context, sn storage.Sensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sensors[sn.SensorID]; ok {
		sn.Status = old.Status
	} else if sn.Status.Health == "" {
		sn.Status.Health = storage.HealthOffline
	}
	sn.Thresholds = sn.Thresholds.OrDefault()
	m.sensors[sn.SensorID] = sn
	return nil
}

// GetSensor returns a copy of the sensor.
func (m *Memory) GetSensor(_ context.Context, sensorID string) (*storage.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.sensors[sensorID]
	if !ok {
		return nil, fmt.Errorf("get sensor %s: %w", sensorID, storage.ErrNotFound)
	}
	return &sn, nil
}

// ListActiveSensors returns active sensors ordered by id.
func (m *Memory) ListActiveSensors(context.Context) ([]storage.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Sensor
	for _, sn := range m.sensors {
		if sn.IsActive {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

// UpdateSensorLiveness applies u the way the Postgres store does.
func (m *Memory) UpdateSensorLiveness(_ context.Context, sensorID string, u storage.LivenessUpdate) (*storage.SensorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.sensors[sensorID]
	if !ok {
		return nil, fmt.Errorf("update sensor liveness %s: %w", sensorID, storage.ErrNotFound)
	}
	seen := u.SeenAt
	sn.Status.IsOnline = true
	sn.Status.LastSeen = &seen
	if u.Battery != nil {
		sn.Status.Battery = *u.Battery
	}
	if u.Signal != nil {
		sn.Status.Signal = *u.Signal
	}
	switch {
	case u.Health != nil:
		sn.Status.Health = *u.Health
	case sn.Status.Health == storage.HealthOffline:
		sn.Status.Health = storage.HealthHealthy
	}
	m.sensors[sensorID] = sn
	st := sn.Status
	return &st, nil
}

// MarkSensorOffline marks an online sensor not seen since cutoff offline.
func (m *Memory) MarkSensorOffline(_ context.Context, sensorID string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.sensors[sensorID]
	if !ok || !sn.Status.IsOnline {
		return false, nil
	}
	if sn.Status.LastSeen != nil && !sn.Status.LastSeen.Before(cutoff) {
		return false, nil
	}
	sn.Status.IsOnline = false
	sn.Status.Health = storage.HealthOffline
	m.sensors[sensorID] = sn
	return true, nil
}

// InsertReading appends r.
func (m *Memory) InsertReading(_ context.Context, r storage.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertReadingErr != nil {
		return m.InsertReadingErr
	}
	rs := append(m.readings[r.SensorID], r)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Timestamp.Before(rs[j].Timestamp) })
	m.readings[r.SensorID] = rs
	return nil
}

// RecentReadings returns up to n readings, newest first.
func (m *Memory) RecentReadings(_ context.Context, sensorID string, n int) ([]storage.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	rs := m.readings[sensorID]
	out := make([]storage.Reading, 0, n)
	for i := len(rs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, rs[i])
	}
	return out, nil
}

// ReadingsSince returns readings at or after since, oldest first.
func (m *Memory) ReadingsSince(_ context.Context, sensorID string, since time.Time) ([]storage.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Reading
	for _, r := range m.readings[sensorID] {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// LatestReading returns the newest reading.
func (m *Memory) LatestReading(_ context.Context, sensorID string) (*storage.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.readings[sensorID]
	if len(rs) == 0 {
		return nil, fmt.Errorf("latest reading %s: %w", sensorID, storage.ErrNotFound)
	}
	r := rs[len(rs)-1]
	return &r, nil
}

// Readings returns every stored reading for sensorID, oldest first.
func (m *Memory) Readings(sensorID string) []storage.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.readings[sensorID])
}

// InsertAlertUnlessActive implements the dedup rule of the Postgres store.
func (m *Memory) InsertAlertUnlessActive(_ context.Context, a storage.Alert, since time.Time) (storage.Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertAlertCalls++
	if m.InsertAlertErr != nil {
		return storage.Alert{}, false, m.InsertAlertErr
	}
	for i := len(m.alerts) - 1; i >= 0; i-- {
		ex := m.alerts[i]
		if ex.SensorID == a.SensorID && ex.Type == a.Type &&
			ex.Status == storage.StatusActive && !ex.CreatedAt.Before(since) {
			return ex, false, nil
		}
	}
	m.alerts = append(m.alerts, a)
	return a, true, nil
}

// GetAlert returns a copy of the alert.
func (m *Memory) GetAlert(_ context.Context, alertID string) (*storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(alertID)
	if i < 0 {
		return nil, fmt.Errorf("get alert %s: %w", alertID, storage.ErrNotFound)
	}
	a := m.alerts[i]
	return &a, nil
}

// TransitionAlert is a compare-and-set on the alert status.
func (m *Memory) TransitionAlert(_ context.Context, alertID string, t storage.Transition) (*storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(alertID)
	if i < 0 {
		return nil, fmt.Errorf("transition alert %s: %w", alertID, storage.ErrNotFound)
	}
	a := &m.alerts[i]
	if !slices.Contains(t.From, a.Status) {
		return nil, fmt.Errorf("transition alert %s to %s: %w", alertID, t.To, storage.ErrConflict)
	}
	a.Status = t.To
	if t.Acknowledgment != nil {
		ack := *t.Acknowledgment
		a.Acknowledgment = &ack
	}
	if t.Resolution != nil {
		res := *t.Resolution
		a.Resolution = &res
	}
	a.UpdatedAt = t.At
	out := *a
	return &out, nil
}

// PatchAlert applies the non-nil fields of p.
func (m *Memory) PatchAlert(_ context.Context, alertID string, p storage.AlertPatch, at time.Time) (*storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(alertID)
	if i < 0 {
		return nil, fmt.Errorf("patch alert %s: %w", alertID, storage.ErrNotFound)
	}
	a := &m.alerts[i]
	if p.Severity != nil {
		a.Severity = *p.Severity
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Priority != nil {
		a.Priority = *p.Priority
	}
	if p.Title != nil {
		a.Message.Title = *p.Title
	}
	if p.Description != nil {
		a.Message.Description = *p.Description
	}
	if p.Actionable != nil {
		a.Message.Actionable = *p.Actionable
	}
	a.UpdatedAt = at
	out := *a
	return &out, nil
}

// AppendNotifications records a delivery outcome.
func (m *Memory) AppendNotifications(_ context.Context, alertID string, records []storage.NotificationRecord, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(alertID)
	if i < 0 {
		return fmt.Errorf("append notifications %s: %w", alertID, storage.ErrNotFound)
	}
	a := &m.alerts[i]
	a.Notifications.Sent = true
	a.Notifications.Channels = append(a.Notifications.Channels, records...)
	a.Notifications.FailedAttempts += failed
	return nil
}

// QueryAlerts filters alerts and returns them newest first.
func (m *Memory) QueryAlerts(_ context.Context, q storage.AlertQuery) ([]storage.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Limit <= 0 {
		q.Limit = 100
	}
	var matched []storage.Alert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if q.SensorID != "" && a.SensorID != q.SensorID {
			continue
		}
		if q.Status != nil && a.Status != *q.Status {
			continue
		}
		if q.Severity != nil && a.Severity != *q.Severity {
			continue
		}
		matched = append(matched, a)
	}
	if q.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

// AlertStats groups alerts created at or after since.
func (m *Memory) AlertStats(_ context.Context, since time.Time) (*storage.AlertStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		t  storage.AlertType
		sv storage.Severity
		st storage.AlertStatus
	}
	counts := map[key]int{}
	st := &storage.AlertStats{Since: since, Breakdown: []storage.StatsBucket{}}
	for _, a := range m.alerts {
		if a.Status == storage.StatusActive {
			st.Active++
		}
		if a.CreatedAt.Before(since) {
			continue
		}
		counts[key{a.Type, a.Severity, a.Status}]++
		st.Total++
		if a.Status == storage.StatusResolved {
			st.Resolved++
		}
	}
	for k, n := range counts {
		st.Breakdown = append(st.Breakdown, storage.StatsBucket{Type: k.t, Severity: k.sv, Status: k.st, Count: n})
	}
	sort.Slice(st.Breakdown, func(i, j int) bool {
		a, b := st.Breakdown[i], st.Breakdown[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		return a.Status < b.Status
	})
	return st, nil
}

// Alerts returns every stored alert in insertion order.
func (m *Memory) Alerts() []storage.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

// UpsertRecipient stores r.
func (m *Memory) UpsertRecipient(_ context.Context, r storage.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.ID] = r
	return nil
}

// Recipients returns active recipients at one of levels with a channel
// enabled, ordered by name.
func (m *Memory) Recipients(_ context.Context, levels []storage.Severity) ([]storage.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Recipient
	for _, r := range m.recipients {
		if r.Active && (r.EmailEnabled || r.SMSEnabled) && slices.Contains(levels, r.AlertLevel) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) find(alertID string) int {
	for i := range m.alerts {
		if m.alerts[i].AlertID == alertID {
			return i
		}
	}
	return -1
}
