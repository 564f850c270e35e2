// Package ingest consumes device telemetry from the message broker.
//
// The Gateway keeps a subscription to <prefix>.*.data and <prefix>.*.status
// alive across broker outages:
//
//   - The NATS client reconnects on its own up to MaxReconnects times. Once
//     it gives up and the connection closes, the gateway redials with an
//     exponentially increasing interval (±25 % jitter, capped at
//     MaxBackoff) and subscribes again on every new connection.
//   - Messages are sharded by an FNV hash of the sensor id onto a fixed set
//     of bounded worker queues, so one sensor's messages are processed in
//     arrival order while different sensors proceed in parallel. A full
//     queue blocks the subscription callback, which pushes back on the
//     broker instead of dropping data.
//   - On shutdown the subscriptions are drained and the workers finish
//     their queues before Serve returns.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/soilwatch/sentinel/internal/broker"
	"github.com/soilwatch/sentinel/internal/metrics"
)

const (
	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// defaultMaxBackoff is the ceiling for the redial back-off.
	defaultMaxBackoff = 60 * time.Second

	drainWait = 30 * time.Second
)

// ErrNotConnected is returned by PublishControl while no broker connection
// is established.
var ErrNotConnected = errors.New("ingest: broker not connected")

// MessageHandler processes one device message.
type MessageHandler interface {
	Handle(ctx context.Context, prefix, subject string, payload []byte) error
}

// Config sizes the gateway.
type Config struct {
	Prefix     string
	Workers    int
	QueueSize  int
	MaxBackoff time.Duration
}

type message struct {
	subject string
	data    []byte
}

// Gateway owns the broker subscription and the ingestion workers.
type Gateway struct {
	broker  broker.Options
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger

	conn atomic.Pointer[nats.Conn]
}

// NewGateway creates a Gateway. Zero Config fields take defaults: prefix
// "sensors", 8 workers, 256 queued messages per worker.
func NewGateway(opts broker.Options, cfg Config, handler MessageHandler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sensors"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Gateway{broker: opts, cfg: cfg, handler: handler, logger: logger}
}

// String names the service in supervisor logs.
func (g *Gateway) String() string { return "ingest-gateway" }

// Connected reports whether a broker connection is currently established.
func (g *Gateway) Connected() bool {
	nc := g.conn.Load()
	return nc != nil && nc.IsConnected()
}

// Serve runs until ctx is cancelled. It returns nil after a clean shutdown.
func (g *Gateway) Serve(ctx context.Context) error {
	// Workers outlive ctx so queued messages are still written after a
	// shutdown signal.
	workCtx := context.WithoutCancel(ctx)
	shards := make([]chan message, g.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan message, g.cfg.QueueSize)
		wg.Add(1)
		go func(ch <-chan message) {
			defer wg.Done()
			for m := range ch {
				if err := g.handler.Handle(workCtx, g.cfg.Prefix, m.subject, m.data); err != nil {
					g.logger.Warn("device message not processed",
						slog.String("subject", m.subject),
						slog.Any("error", err),
					)
				}
			}
		}(shards[i])
	}

	g.run(ctx, shards)

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	g.logger.Info("ingest gateway stopped")
	return nil
}

// run is the connection loop. It returns once ctx is cancelled and the last
// connection has been drained.
func (g *Gateway) run(ctx context.Context, shards []chan message) {
	backoff := initialBackoff
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		first = false

		connected, err := g.runOnce(ctx, shards)
		if err == nil {
			return
		}
		if connected {
			backoff = initialBackoff
		}

		metrics.BrokerReconnects.Inc()
		g.logger.Warn("ingest: broker connection lost, redialling",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)
		backoff = nextBackoff(backoff, g.cfg.MaxBackoff)
	}
}

// runOnce dials, subscribes and blocks until the connection closes or ctx is
// cancelled. It returns nil only for a clean shutdown.
func (g *Gateway) runOnce(ctx context.Context, shards []chan message) (connected bool, err error) {
	closed := make(chan struct{})
	nc, err := broker.Connect(g.broker, g.logger,
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
		nats.DrainTimeout(drainWait),
	)
	if err != nil {
		return false, err
	}
	cb := func(m *nats.Msg) { g.dispatch(shards, m) }
	for _, kind := range []string{KindData, KindStatus} {
		subject := g.cfg.Prefix + ".*." + kind
		if _, err := nc.Subscribe(subject, cb); err != nil {
			nc.Close()
			return true, fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return true, fmt.Errorf("flush subscriptions: %w", err)
	}
	g.conn.Store(nc)
	defer g.conn.CompareAndSwap(nc, nil)
	g.logger.Info("ingest gateway subscribed", slog.String("prefix", g.cfg.Prefix))

	select {
	case <-closed:
		if lastErr := nc.LastError(); lastErr != nil {
			return true, fmt.Errorf("broker connection closed: %w", lastErr)
		}
		return true, errors.New("broker connection closed")
	case <-ctx.Done():
	}

	// Drain delivers what is already buffered to the callbacks, then closes.
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	select {
	case <-closed:
	case <-time.After(drainWait + time.Second):
		nc.Close()
	}
	metrics.BrokerConnected.Set(0)
	return true, nil
}

func (g *Gateway) dispatch(shards []chan message, m *nats.Msg) {
	key := m.Subject
	if id, _, err := ParseSubject(g.cfg.Prefix, m.Subject); err == nil {
		key = id
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shards[h.Sum32()%uint32(len(shards))] <- message{subject: m.Subject, data: m.Data}
}

// PublishControl sends a JSON control command to a device on
// <prefix>.<sensorId>.control.
func (g *Gateway) PublishControl(_ context.Context, sensorID string, payload any) error {
	if sensorID == "" || strings.ContainsAny(sensorID, ".*>/ \t") {
		return fmt.Errorf("ingest: invalid sensor id %q", sensorID)
	}
	nc := g.conn.Load()
	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ingest: marshal control payload: %w", err)
	}
	subject := g.cfg.Prefix + "." + sensorID + ".control"
	if err := nc.Publish(subject, body); err != nil {
		return fmt.Errorf("ingest: publish %s: %w", subject, err)
	}
	return nil
}

// nextBackoff doubles current with ±25 % jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	next = time.Duration(float64(next) * (0.75 + rand.Float64()*0.5))
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
