// Package notify delivers alert notifications to subscribed recipients over
// email and SMS relays.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soilwatch/sentinel/internal/audit"
	"github.com/soilwatch/sentinel/internal/metrics"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("notify: dispatcher shut down")

// maxParallelDeliveries bounds the concurrent deliveries of one alert.
const maxParallelDeliveries = 16

// RecordStore persists the notification audit of an alert.
type RecordStore interface {
	AppendNotifications(ctx context.Context, alertID string, records []storage.NotificationRecord, failed int) error
}

// Journal records the delivery summary in the alert journal.
type Journal interface {
	Record(r audit.Record) (audit.Entry, error)
}

// Options sizes the dispatcher.
type Options struct {
	Workers   int // default 4
	QueueSize int // default 128
	Now       func() time.Time
}

// Result is the outcome of dispatching one alert.
type Result struct {
	Records []storage.NotificationRecord
	Failed  int
}

// Dispatcher fans alerts out to recipients from a bounded job queue.
type Dispatcher struct {
	dir     Directory
	email   Channel
	sms     Channel
	store   RecordStore
	journal Journal
	logger  *slog.Logger
	now     func() time.Time

	workers int
	jobs    chan storage.Alert
	wg      sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
}

// NewDispatcher creates a Dispatcher. email, sms and journal may be nil; a
// nil channel is never attempted. Call Start to launch the workers.
func NewDispatcher(dir Directory, email, sms Channel, store RecordStore, journal Journal, logger *slog.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		dir:     dir,
		email:   email,
		sms:     sms,
		store:   store,
		journal: journal,
		logger:  logger,
		now:     opts.Now,
		workers: opts.Workers,
		jobs:    make(chan storage.Alert, opts.QueueSize),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.work()
		}
	})
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for a := range d.jobs {
		metrics.NotificationQueueDepth.Set(float64(len(d.jobs)))
		if _, err := d.Dispatch(context.Background(), a); err != nil {
			d.logger.Error("notify: dispatch failed",
				slog.String("alert_id", a.AlertID),
				slog.Any("error", err),
			)
		}
	}
}

// Enqueue queues a for delivery. It blocks while the queue is full and
// returns ctx's error if ctx ends first, or ErrClosed after Shutdown.
func (d *Dispatcher) Enqueue(ctx context.Context, a storage.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.jobs <- a:
		metrics.NotificationQueueDepth.Set(float64(len(d.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops intake and waits until every queued alert has been
// dispatched or ctx ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: shutdown: %w", ctx.Err())
	}
}

type delivery struct {
	channel   string
	ch        Channel
	recipient storage.Recipient
}

// Dispatch delivers a to every admitted recipient and appends the outcome to
// the alert's notification audit. Individual delivery failures are logged
// and counted in the result; the returned error covers only the recipient
// lookup and the audit write.
func (d *Dispatcher) Dispatch(ctx context.Context, a storage.Alert) (Result, error) {
	recipients, err := d.dir.Recipients(ctx, AdmittingLevels(a.Severity))
	if err != nil {
		return Result{}, fmt.Errorf("notify %s: recipients: %w", a.AlertID, err)
	}

	var plan []delivery
	for _, r := range recipients {
		if d.email != nil && r.EmailEnabled && r.Email != "" {
			plan = append(plan, delivery{channel: ChannelEmail, ch: d.email, recipient: r})
		}
		if d.sms != nil && a.Severity == storage.SeverityCritical && r.SMSEnabled && r.Phone != "" {
			plan = append(plan, delivery{channel: ChannelSMS, ch: d.sms, recipient: r})
		}
	}

	errs := make([]error, len(plan))
	var g errgroup.Group
	g.SetLimit(maxParallelDeliveries)
	for i, p := range plan {
		g.Go(func() error {
			errs[i] = p.ch.Deliver(ctx, p.recipient, a)
			return nil
		})
	}
	_ = g.Wait()

	res := d.summarise(a, plan, errs)
	if err := d.store.AppendNotifications(ctx, a.AlertID, res.Records, res.Failed); err != nil {
		return res, fmt.Errorf("notify %s: record deliveries: %w", a.AlertID, err)
	}
	d.record(a, res)
	return res, nil
}

func (d *Dispatcher) summarise(a storage.Alert, plan []delivery, errs []error) Result {
	now := d.now()
	if len(plan) == 0 {
		metrics.NotificationsDelivered.WithLabelValues(ChannelEmail, storage.DeliverySkipped).Inc()
		return Result{Records: []storage.NotificationRecord{{
			Channel:    ChannelEmail,
			Status:     storage.DeliverySkipped,
			SentAt:     now,
			Recipients: []string{},
		}}}
	}

	var res Result
	for _, channel := range []string{ChannelEmail, ChannelSMS} {
		var attempted []string
		failed := 0
		for i, p := range plan {
			if p.channel != channel {
				continue
			}
			attempted = append(attempted, address(channel, p.recipient))
			outcome := "sent"
			if errs[i] != nil {
				failed++
				outcome = "failed"
				d.logger.Warn("notify: delivery failed",
					slog.String("alert_id", a.AlertID),
					slog.String("channel", channel),
					slog.String("recipient_id", p.recipient.ID),
					slog.Any("error", errs[i]),
				)
			}
			metrics.NotificationsDelivered.WithLabelValues(channel, outcome).Inc()
		}
		if len(attempted) == 0 {
			continue
		}
		status := storage.DeliverySent
		switch {
		case failed == len(attempted):
			status = storage.DeliveryFailed
		case failed > 0:
			status = storage.DeliveryPartial
		}
		res.Records = append(res.Records, storage.NotificationRecord{
			Channel:    channel,
			Status:     status,
			SentAt:     now,
			Recipients: attempted,
		})
		res.Failed += failed
	}
	return res
}

func (d *Dispatcher) record(a storage.Alert, res Result) {
	parts := make([]string, len(res.Records))
	for i, r := range res.Records {
		parts[i] = fmt.Sprintf("%s:%s(%d)", r.Channel, r.Status, len(r.Recipients))
	}
	d.logger.Info("notify: alert dispatched",
		slog.String("alert_id", a.AlertID),
		slog.String("deliveries", strings.Join(parts, " ")),
		slog.Int("failed", res.Failed),
	)
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Record(audit.Record{
		Action:   audit.ActionNotified,
		Actor:    "notifier",
		AlertID:  a.AlertID,
		SensorID: a.SensorID,
		Status:   string(a.Status),
		Severity: string(a.Severity),
		Detail:   strings.Join(parts, " "),
	}); err != nil {
		d.logger.Error("notify: journal write failed", slog.String("alert_id", a.AlertID), slog.Any("error", err))
	}
}
