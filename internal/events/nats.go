package events

import (
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/metrics"
)

// Conn is the subset of *nats.Conn the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSRelay republishes events on the broker so that other services can
// consume them. ReadingNew is published on <prefix>.reading.new.
type NATSRelay struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewNATSRelay returns a relay publishing under prefix (default "events").
func NewNATSRelay(conn Conn, prefix string, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = "events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the broker subject for an event name.
func (r *NATSRelay) Subject(name string) string {
	return r.prefix + "." + strings.ReplaceAll(name, ":", ".")
}

// Publish implements Publisher. Encoding and publish failures are logged and
// counted; the event is dropped.
func (r *NATSRelay) Publish(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		r.logger.Warn("events: relay encode failed", slog.String("event", evt.Name), slog.Any("error", err))
		metrics.EventsDropped.WithLabelValues("relay").Inc()
		return
	}
	if err := r.conn.Publish(r.Subject(evt.Name), data); err != nil {
		r.logger.Warn("events: relay publish failed", slog.String("event", evt.Name), slog.Any("error", err))
		metrics.EventsDropped.WithLabelValues("relay").Inc()
	}
}
