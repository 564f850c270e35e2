package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/server/storage"
)

// Channel names.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ErrNoAddress is returned when a recipient has no address for the channel.
var ErrNoAddress = errors.New("notify: recipient has no address for channel")

// Channel delivers one alert to one recipient.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, r storage.Recipient, a storage.Alert) error
}

// address returns the recipient's address on the named channel.
func address(channel string, r storage.Recipient) string {
	if channel == ChannelSMS {
		return r.Phone
	}
	return r.Email
}

// webhookMessage is the JSON body posted to a relay gateway.
type webhookMessage struct {
	Channel  string `json:"channel"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body"`
	HTML     bool   `json:"html"`
	AlertID  string `json:"alert_id"`
	Severity string `json:"severity"`
}

// WebhookChannel hands messages to an HTTP relay (a mail or SMS provider
// gateway). Any 2xx response counts as delivered.
type WebhookChannel struct {
	name   string
	url    string
	from   string
	client *http.Client
}

// NewWebhookChannel returns a relay client for channel name (ChannelEmail or
// ChannelSMS) posting to url.
func NewWebhookChannel(name, url, from string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		name:   name,
		url:    url,
		from:   from,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Channel.
func (w *WebhookChannel) Name() string { return w.name }

// Deliver implements Channel.
func (w *WebhookChannel) Deliver(ctx context.Context, r storage.Recipient, a storage.Alert) error {
	to := address(w.name, r)
	if to == "" {
		return fmt.Errorf("%w: %s %s", ErrNoAddress, w.name, r.ID)
	}
	msg := webhookMessage{
		Channel:  w.name,
		From:     w.from,
		To:       to,
		AlertID:  a.AlertID,
		Severity: string(a.Severity),
	}
	if w.name == ChannelSMS {
		msg.Body = SMSText(a)
	} else {
		body, err := RenderEmail(a)
		if err != nil {
			return err
		}
		msg.Subject = Subject(a)
		msg.Body = body
		msg.HTML = true
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode %s message: %w", w.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build %s request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %s relay: %w", w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: %s relay returned %d: %s", w.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogChannel writes deliveries to the log instead of sending them. It stands
// in for a relay that is enabled but not configured.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

// NewLogChannel returns a LogChannel for channel name.
func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger}
}

// Name implements Channel.
func (l *LogChannel) Name() string { return l.name }

// Deliver implements Channel.
func (l *LogChannel) Deliver(_ context.Context, r storage.Recipient, a storage.Alert) error {
	to := address(l.name, r)
	if to == "" {
		return fmt.Errorf("%w: %s %s", ErrNoAddress, l.name, r.ID)
	}
	l.logger.Info("notify: delivery (log channel)",
		slog.String("channel", l.name),
		slog.String("to", to),
		slog.String("alert_id", a.AlertID),
		slog.String("subject", Subject(a)),
	)
	return nil
}
