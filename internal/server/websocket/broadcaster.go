// Package websocket streams pipeline events to dashboard browser clients.
// The Broadcaster fans events out to every connected client without blocking
// the ingestion or alerting goroutine that published them.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event frames. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the publisher.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - A client may restrict the event names it receives; an empty filter
//     receives everything.
package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/events"
	"github.com/soilwatch/sentinel/internal/metrics"
)

// Client represents a single connected WebSocket client.  It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	filter  map[string]struct{}
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames are
// delivered.  The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

func (c *Client) wants(name string) bool {
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[name]
	return ok
}

// Broadcaster fans events out to all currently-connected WebSocket clients.
// It implements events.Publisher and is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ events.Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client channel buffer depth.  Pass 0 to use the default
// of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id that receives the named
// events (all events when names is empty), and returns it.  The caller must
// call Unregister(id) to release resources when the client disconnects.
//
// If the broadcaster is already closed, Register returns a Client whose Send
// channel is already closed.
func (b *Broadcaster) Register(id string, names ...string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if len(names) > 0 {
		c.filter = make(map[string]struct{}, len(names))
		for _, n := range names {
			c.filter[n] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	metrics.WebSocketClients.Inc()
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel so the associated write goroutine exits cleanly.  Calling
// Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
		metrics.WebSocketClients.Dec()
	}
}

// ClientCount returns the number of currently registered WebSocket clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish marshals evt to JSON and delivers the frame to every registered
// client that wants it using a non-blocking send.  When a client's buffer is
// full the frame is dropped and the client's Dropped counter is incremented.
func (b *Broadcaster) Publish(evt events.Event) {
	if b.closed.Load() || b.clientCnt.Load() == 0 {
		return
	}

	raw, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed",
			slog.String("event", evt.Name), slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if !c.wants(evt.Name) {
			return true
		}
		select {
		case c.send <- raw:
			// delivered
		default:
			c.Dropped.Add(1)
			metrics.EventsDropped.WithLabelValues("websocket").Inc()
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("event", evt.Name),
			)
		}
		return true // continue ranging
	})
}

// Close unregisters every client and closes its channel.  After Close
// returns, Publish is a no-op and Register returns a closed client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, _ any) bool {
			v, loaded := b.clients.LoadAndDelete(key)
			if !loaded {
				return true
			}
			c := v.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			metrics.WebSocketClients.Dec()
			return true
		})
	})
}
