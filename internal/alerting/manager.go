// Package alerting creates, deduplicates and transitions alerts.
//
// Creation is idempotent per (sensor, alert type) within a sliding window:
// while an active alert for the same key is younger than the window, new
// candidates are suppressed and the existing alert is returned. Suppressed
// candidates never reach the notifier.
//
// Lifecycle transitions are compare-and-set on the stored status:
//
//	active ──acknowledge──▶ acknowledged
//	active | acknowledged ──resolve──▶ resolved
//
// Any status may be set explicitly through Update.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/soilwatch/sentinel/internal/audit"
	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// DefaultDedupWindow is how long an active alert suppresses new ones for the
// same sensor and type.
const DefaultDedupWindow = 30 * time.Minute

// SystemActor is recorded for actions taken by the pipeline itself.
const SystemActor = "system"

var (
	// ErrNotFound is returned when the alert does not exist.
	ErrNotFound = errors.New("alerting: alert not found")
	// ErrInvalidTransition is returned when the alert's current status does
	// not allow the requested transition.
	ErrInvalidTransition = errors.New("alerting: invalid status transition")
	// ErrInvalidInput is returned for a malformed candidate or patch.
	ErrInvalidInput = errors.New("alerting: invalid input")
)

// Store is the subset of the storage layer used by Manager.
type Store interface {
	InsertAlertUnlessActive(ctx context.Context, a storage.Alert, since time.Time) (storage.Alert, bool, error)
	GetAlert(ctx context.Context, alertID string) (*storage.Alert, error)
	TransitionAlert(ctx context.Context, alertID string, t storage.Transition) (*storage.Alert, error)
	PatchAlert(ctx context.Context, alertID string, p storage.AlertPatch, at time.Time) (*storage.Alert, error)
	QueryAlerts(ctx context.Context, q storage.AlertQuery) ([]storage.Alert, error)
	AlertStats(ctx context.Context, since time.Time) (*storage.AlertStats, error)
}

// Notifier accepts alerts for asynchronous delivery. Enqueue may block while
// the delivery queue is full.
type Notifier interface {
	Enqueue(ctx context.Context, a storage.Alert) error
}

// Journal records lifecycle actions.
type Journal interface {
	Record(r audit.Record) (audit.Entry, error)
}

// Candidate is a request to raise an alert.
type Candidate struct {
	Type      storage.AlertType
	Severity  storage.Severity
	SensorID  string
	ReadingID string
	Trigger   *storage.Trigger
	Message   storage.Message
	// Priority 1-10; zero means storage.DefaultPriority.
	Priority int
}

// ResolveRequest carries the operator's resolution details.
type ResolveRequest struct {
	By         string
	Resolution string
	FalseAlarm bool
	Feedback   string
}

// Options tune a Manager. Zero values select the defaults.
type Options struct {
	DedupWindow time.Duration
	// NotifyTransitions re-enqueues acknowledged and resolved alerts to the
	// notifier.
	NotifyTransitions bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns alert creation and lifecycle. It is safe for concurrent use.
type Manager struct {
	store     Store
	notifier  Notifier
	publisher events.Publisher
	journal   Journal
	logger    *slog.Logger

	window            time.Duration
	notifyTransitions bool
	now               func() time.Time
	keys              *keyLock
}

// NewManager creates a Manager. notifier, publisher and journal may be nil.
func NewManager(store Store, notifier Notifier, publisher events.Publisher, journal Journal, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:             store,
		notifier:          notifier,
		publisher:         publisher,
		journal:           journal,
		logger:            logger,
		window:            opts.DedupWindow,
		notifyTransitions: opts.NotifyTransitions,
		now:               opts.Now,
		keys:              newKeyLock(),
	}
}

// CreateOrSuppress persists a new alert for c unless an active alert for the
// same sensor and type was created within the dedup window. It returns the
// stored alert and whether it was newly created.
func (m *Manager) CreateOrSuppress(ctx context.Context, c Candidate) (storage.Alert, bool, error) {
	if !c.Type.Valid() || !c.Severity.Valid() {
		return storage.Alert{}, false, fmt.Errorf("%w: type %q severity %q", ErrInvalidInput, c.Type, c.Severity)
	}
	if c.Priority == 0 {
		c.Priority = storage.DefaultPriority
	}
	if c.Priority < 1 || c.Priority > 10 {
		return storage.Alert{}, false, fmt.Errorf("%w: priority %d outside 1-10", ErrInvalidInput, c.Priority)
	}

	key := c.SensorID + ":" + string(c.Type)
	unlock := m.keys.Lock(key)
	now := m.now()
	a := storage.Alert{
		AlertID:   NewAlertID(now),
		Type:      c.Type,
		Severity:  c.Severity,
		Status:    storage.StatusActive,
		SensorID:  c.SensorID,
		ReadingID: c.ReadingID,
		Trigger:   c.Trigger,
		Message:   c.Message,
		Priority:  c.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	stored, created, err := m.store.InsertAlertUnlessActive(ctx, a, now.Add(-m.window))
	unlock()
	if err != nil {
		return storage.Alert{}, false, fmt.Errorf("create alert %s: %w", key, err)
	}

	if !created {
		metrics.AlertsSuppressed.WithLabelValues(string(c.Type)).Inc()
		m.logger.Debug("alert suppressed",
			slog.String("sensor_id", c.SensorID),
			slog.String("type", string(c.Type)),
			slog.String("existing_alert_id", stored.AlertID),
		)
		return stored, false, nil
	}

	metrics.AlertsCreated.WithLabelValues(string(stored.Type), string(stored.Severity)).Inc()
	m.logger.Info("alert created",
		slog.String("alert_id", stored.AlertID),
		slog.String("sensor_id", stored.SensorID),
		slog.String("type", string(stored.Type)),
		slog.String("severity", string(stored.Severity)),
	)
	m.record(audit.ActionCreated, SystemActor, stored, stored.Message.Title)
	m.publisher.Publish(events.NewAlert(events.AlertNew, stored))
	m.enqueue(ctx, stored)
	return stored, true, nil
}

// Acknowledge moves an active alert to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, alertID, actor, notes string) (*storage.Alert, error) {
	now := m.now()
	a, err := m.transition(ctx, alertID, storage.Transition{
		From:           []storage.AlertStatus{storage.StatusActive},
		To:             storage.StatusAcknowledged,
		Acknowledgment: &storage.Acknowledgment{By: actor, At: now, Notes: notes},
		At:             now,
	})
	if err != nil {
		return nil, err
	}
	m.record(audit.ActionAcknowledged, actor, *a, notes)
	m.publisher.Publish(events.NewAlert(events.AlertAcknowledged, *a))
	if m.notifyTransitions {
		m.enqueue(ctx, *a)
	}
	return a, nil
}

// Resolve moves an active or acknowledged alert to resolved. A false alarm
// is recorded in the resolution; the status is still resolved.
func (m *Manager) Resolve(ctx context.Context, alertID string, r ResolveRequest) (*storage.Alert, error) {
	now := m.now()
	a, err := m.transition(ctx, alertID, storage.Transition{
		From: []storage.AlertStatus{storage.StatusActive, storage.StatusAcknowledged},
		To:   storage.StatusResolved,
		Resolution: &storage.Resolution{
			By:         r.By,
			At:         now,
			Resolution: r.Resolution,
			FalseAlarm: r.FalseAlarm,
			Feedback:   r.Feedback,
		},
		At: now,
	})
	if err != nil {
		return nil, err
	}
	detail := r.Resolution
	if r.FalseAlarm {
		detail = "false alarm: " + detail
	}
	m.record(audit.ActionResolved, r.By, *a, detail)
	m.publisher.Publish(events.NewAlert(events.AlertResolved, *a))
	if m.notifyTransitions {
		m.enqueue(ctx, *a)
	}
	return a, nil
}

// Update applies an operator patch after validating enums and the priority
// range.
func (m *Manager) Update(ctx context.Context, alertID, actor string, p storage.AlertPatch) (*storage.Alert, error) {
	if err := validatePatch(p); err != nil {
		return nil, err
	}
	a, err := m.store.PatchAlert(ctx, alertID, p, m.now())
	if err != nil {
		return nil, m.mapErr(alertID, err)
	}
	m.record(audit.ActionUpdated, actor, *a, describePatch(p))
	m.publisher.Publish(events.NewAlert(events.AlertUpdated, *a))
	return a, nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, alertID string) (*storage.Alert, error) {
	a, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, m.mapErr(alertID, err)
	}
	return a, nil
}

// Query lists alerts matching q, newest first.
func (m *Manager) Query(ctx context.Context, q storage.AlertQuery) ([]storage.Alert, error) {
	if q.Status != nil && !q.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *q.Status)
	}
	if q.Severity != nil && !q.Severity.Valid() {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidInput, *q.Severity)
	}
	return m.store.QueryAlerts(ctx, q)
}

// Stats aggregates alerts created in the last days days.
func (m *Manager) Stats(ctx context.Context, days int) (*storage.AlertStats, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	return m.store.AlertStats(ctx, m.now().AddDate(0, 0, -days))
}

func (m *Manager) transition(ctx context.Context, alertID string, t storage.Transition) (*storage.Alert, error) {
	a, err := m.store.TransitionAlert(ctx, alertID, t)
	outcome := "ok"
	if err != nil {
		err = m.mapErr(alertID, err)
		switch {
		case errors.Is(err, ErrNotFound):
			outcome = "not_found"
		case errors.Is(err, ErrInvalidTransition):
			outcome = "conflict"
		default:
			outcome = "error"
		}
	}
	metrics.AlertTransitions.WithLabelValues(string(t.To), outcome).Inc()
	return a, err
}

func (m *Manager) mapErr(alertID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, alertID)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %s", ErrInvalidTransition, alertID)
	}
	return err
}

func (m *Manager) enqueue(ctx context.Context, a storage.Alert) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Enqueue(ctx, a); err != nil {
		m.logger.Error("enqueue alert for notification failed",
			slog.String("alert_id", a.AlertID),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) record(action, actor string, a storage.Alert, detail string) {
	if m.journal == nil {
		return
	}
	if _, err := m.journal.Record(audit.Record{
		Action:   action,
		Actor:    actor,
		AlertID:  a.AlertID,
		SensorID: a.SensorID,
		Status:   string(a.Status),
		Severity: string(a.Severity),
		Detail:   detail,
	}); err != nil {
		m.logger.Error("journal write failed",
			slog.String("alert_id", a.AlertID),
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}

func validatePatch(p storage.AlertPatch) error {
	if p.Empty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	if p.Severity != nil && !p.Severity.Valid() {
		return fmt.Errorf("%w: severity %q", ErrInvalidInput, *p.Severity)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, *p.Status)
	}
	if p.Priority != nil && (*p.Priority < 1 || *p.Priority > 10) {
		return fmt.Errorf("%w: priority %d outside 1-10", ErrInvalidInput, *p.Priority)
	}
	return nil
}

func describePatch(p storage.AlertPatch) string {
	var fields []string
	if p.Severity != nil {
		fields = append(fields, "severity="+string(*p.Severity))
	}
	if p.Status != nil {
		fields = append(fields, "status="+string(*p.Status))
	}
	if p.Priority != nil {
		fields = append(fields, "priority="+strconv.Itoa(*p.Priority))
	}
	if p.Title != nil || p.Description != nil || p.Actionable != nil {
		fields = append(fields, "message")
	}
	return strings.Join(fields, ",")
}

// NewAlertID returns ALT-<base36 unix millis>-<5 random base36 chars>,
// uppercased.
func NewAlertID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var suffix [5]byte
	for i := range suffix {
		suffix[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return strings.ToUpper("ALT-" + strconv.FormatInt(now.UnixMilli(), 36) + "-" + string(suffix[:]))
}
