package notify_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/notify"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert(sev storage.Severity) storage.Alert {
	return storage.Alert{
		AlertID:  "ALT-TEST-00001",
		Type:     storage.AlertTypeMoisture,
		Severity: sev,
		Status:   storage.StatusActive,
		SensorID: "S-1",
		Message: storage.Message{
			Title:       "Critical Moisture Level Detected",
			Description: "Sensor S-1 has detected critical moisture level of 91%.",
			Actionable:  "Evacuate area",
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// relay is an httptest relay gateway recording posted messages.
type relay struct {
	mu       sync.Mutex
	messages []map[string]any
	status   int
}

func (r *relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var m map[string]any
	_ = json.NewDecoder(req.Body).Decode(&m)
	r.mu.Lock()
	r.messages = append(r.messages, m)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusAccepted
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("relay says no"))
}

func (r *relay) got() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.messages...)
}

func TestWebhookChannel_Email(t *testing.T) {
	t.Parallel()
	rl := &relay{}
	srv := httptest.NewServer(rl)
	defer srv.Close()

	ch := notify.NewWebhookChannel(notify.ChannelEmail, srv.URL, "alerts@example.org", time.Second)
	rcpt := storage.Recipient{ID: "r1", Email: "ops@example.org", Phone: "+1555"}
	if err := ch.Deliver(context.Background(), rcpt, testAlert(storage.SeverityCritical)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := rl.got()
	if len(msgs) != 1 {
		t.Fatalf("relay got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m["to"] != "ops@example.org" || m["from"] != "alerts@example.org" || m["channel"] != "email" {
		t.Errorf("message = %v", m)
	}
	if m["subject"] != "[CRITICAL] Critical Moisture Level Detected" {
		t.Errorf("subject = %v", m["subject"])
	}
	if m["html"] != true || !strings.Contains(m["body"].(string), "ALT-TEST-00001") {
		t.Errorf("body is not the rendered email: %v", m["body"])
	}
}

func TestWebhookChannel_SMS(t *testing.T) {
	t.Parallel()
	rl := &relay{}
	srv := httptest.NewServer(rl)
	defer srv.Close()

	ch := notify.NewWebhookChannel(notify.ChannelSMS, srv.URL, "", time.Second)
	if err := ch.Deliver(context.Background(), storage.Recipient{Phone: "+15550100"}, testAlert(storage.SeverityCritical)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	m := rl.got()[0]
	if m["to"] != "+15550100" {
		t.Errorf("to = %v, want phone", m["to"])
	}
	if body := m["body"].(string); !strings.HasPrefix(body, "[CRITICAL] Critical Moisture Level Detected: ") {
		t.Errorf("sms body = %q", body)
	}
}

func TestWebhookChannel_Errors(t *testing.T) {
	t.Parallel()
	rl := &relay{status: http.StatusBadGateway}
	srv := httptest.NewServer(rl)
	defer srv.Close()

	ch := notify.NewWebhookChannel(notify.ChannelEmail, srv.URL, "", time.Second)
	err := ch.Deliver(context.Background(), storage.Recipient{Email: "a@example.org"}, testAlert(storage.SeverityHigh))
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v, want relay status 502", err)
	}

	err = ch.Deliver(context.Background(), storage.Recipient{Phone: "+1555"}, testAlert(storage.SeverityHigh))
	if !errors.Is(err, notify.ErrNoAddress) {
		t.Errorf("err = %v, want ErrNoAddress", err)
	}
}

func TestLogChannel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ch := notify.NewLogChannel(notify.ChannelSMS, slog.New(slog.NewTextHandler(&buf, nil)))
	if err := ch.Deliver(context.Background(), storage.Recipient{Phone: "+1555"}, testAlert(storage.SeverityCritical)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !strings.Contains(buf.String(), "to=+1555") {
		t.Errorf("log output = %q, want recipient phone", buf.String())
	}
	if err := ch.Deliver(context.Background(), storage.Recipient{Email: "x@example.org"}, testAlert(storage.SeverityCritical)); !errors.Is(err, notify.ErrNoAddress) {
		t.Errorf("err = %v, want ErrNoAddress", err)
	}
}

func TestRenderEmail_EscapesAlertText(t *testing.T) {
	t.Parallel()
	a := testAlert(storage.SeverityHigh)
	a.Message.Description = `<script>alert("x")</script>`
	a.Message.Actionable = ""
	body, err := notify.RenderEmail(a)
	if err != nil {
		t.Fatalf("RenderEmail: %v", err)
	}
	if strings.Contains(body, "<script>") {
		t.Error("description rendered unescaped")
	}
	if !strings.Contains(body, "&lt;script&gt;") {
		t.Error("escaped description missing")
	}
	if strings.Contains(body, "Recommended Actions") {
		t.Error("empty actionable section rendered")
	}
	if !strings.Contains(body, "#FF5722") {
		t.Error("high severity colour missing")
	}
}
