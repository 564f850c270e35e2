// Package broker connects the server to the NATS message broker that field
// devices publish telemetry to, and can run that broker in-process.
//
// The embedded broker enables JetStream and, when an MQTT port is set, an
// MQTT listener. Devices speaking MQTT publish to sensors/<id>/data and the
// server sees the message on the NATS subject sensors.<id>.data.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/soilwatch/sentinel/internal/metrics"
)

// EmbeddedOptions configures the in-process broker.
type EmbeddedOptions struct {
	Host string
	Port int // -1 picks a random free port
	// MQTTPort enables the MQTT listener when non-zero (-1 picks a random
	// port). MQTT needs JetStream, so StoreDir is then required.
	MQTTPort int
	StoreDir string
}

// Embedded is a running in-process NATS server.
type Embedded struct {
	srv *server.Server
}

// StartEmbedded starts a NATS server and waits until it accepts connections.
func StartEmbedded(opts EmbeddedOptions, logger *slog.Logger) (*Embedded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	so := &server.Options{
		ServerName: "sentinel-broker",
		Host:       opts.Host,
		Port:       opts.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if opts.StoreDir != "" {
		so.JetStream = true
		so.StoreDir = opts.StoreDir
	}
	if opts.MQTTPort != 0 {
		if opts.StoreDir == "" {
			return nil, errors.New("broker: MQTT listener requires a JetStream store dir")
		}
		so.MQTT = server.MQTTOpts{Host: opts.Host, Port: opts.MQTTPort}
	}

	ns, err := server.NewServer(so)
	if err != nil {
		return nil, fmt.Errorf("broker: create server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("broker: embedded server not ready within 10s")
	}

	logger.Info("embedded broker started",
		slog.String("client_url", ns.ClientURL()),
		slog.Bool("jetstream", ns.JetStreamEnabled()),
		slog.Int("mqtt_port", opts.MQTTPort),
	)
	return &Embedded{srv: ns}, nil
}

// ClientURL returns the nats:// URL clients connect to.
func (e *Embedded) ClientURL() string { return e.srv.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *Embedded) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}

// Options configures a client connection.
type Options struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	// MaxReconnects bounds the client's own reconnect loop; after that the
	// connection closes and the caller decides whether to dial again.
	MaxReconnects int
}

// Connect dials the broker. Connection state changes are logged and exported
// as metrics. extra options are applied after the defaults, so callers can
// add their own handlers (for example a ClosedHandler).
func Connect(opts Options, logger *slog.Logger, extra ...nats.Option) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BrokerConnected.Set(0)
			logger.Warn("broker disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BrokerConnected.Set(1)
			metrics.BrokerReconnects.Inc()
			logger.Info("broker reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("broker async error", slog.String("subject", subject), slog.Any("error", err))
		}),
	}
	natsOpts = append(natsOpts, extra...)

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", opts.URL, err)
	}
	if !nc.IsConnected() {
		// RetryOnFailedConnect: the client keeps dialing in the background.
		logger.Warn("broker not reachable yet; retrying in background", slog.String("url", opts.URL))
		return nc, nil
	}
	metrics.BrokerConnected.Set(1)
	logger.Info("broker connected", slog.String("url", nc.ConnectedUrl()))
	return nc, nil
}
