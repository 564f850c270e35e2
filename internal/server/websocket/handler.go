package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // clients only send control frames
)

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// drives the per-client read/write loops.
//
// Incoming connections are registered with the Broadcaster.  Clients do not
// send data; the read loop only services control frames and detects
// disconnects.  An optional ?events=a,b query parameter limits the event
// names the client receives.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout <= 0 defaults to 10 seconds.  allowedOrigins restricts the
// Origin header of upgrade requests; an empty list accepts any origin.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration, allowedOrigins []string) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("websocket handler: upgrade failed", slog.Any("error", err))
		return
	}

	clientID := uuid.New().String()
	client := h.bc.Register(clientID, parseFilter(r.URL.Query().Get("events"))...)
	h.logger.Info("websocket handler: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go h.readLoop(conn, clientID)
	h.writeLoop(conn, client)

	h.logger.Info("websocket handler: client disconnected", slog.String("client_id", clientID))
}

// writeLoop forwards frames from the client's send channel and pings the
// peer periodically.  It returns when the channel is closed or a write fails.
func (h *Handler) writeLoop(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.bc.Unregister(client.ID())
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames until the connection fails, then
// unregisters the client, which closes its send channel and ends writeLoop.
func (h *Handler) readLoop(conn *websocket.Conn, clientID string) {
	defer h.bc.Unregister(clientID)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket handler: read error",
					slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}

func parseFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
