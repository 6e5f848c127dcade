// Package notify pushes entitlement changes to a user's open WebSocket connections.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bezhas/vip/pkg/broadcast"
	"github.com/bezhas/vip/pkg/jwt"
	"github.com/bezhas/vip/pkg/logger"
	"github.com/bezhas/vip/svc/vip"
)

const (
	defaultPingInterval = 54 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultBufferSize   = 16
	maxInboundMessage   = 512
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans notifications out to WebSocket connections keyed by user id.
// It implements vip.Notifier and serves the upgrade endpoint.
type Hub struct {
	hub      *broadcast.Hub[string, Message]
	upgrader websocket.Upgrader
	log      *slog.Logger

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

var _ vip.Notifier = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAllowedOrigins restricts which browser origins may connect. With none
// every origin is accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
}

// WithKeepalive overrides the ping interval and read timeout. The read
// timeout must exceed the ping interval.
func WithKeepalive(ping, read time.Duration) Option {
	return func(h *Hub) {
		if ping > 0 && read > ping {
			h.pingInterval = ping
			h.readTimeout = read
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		hub: broadcast.NewHub[string, Message](defaultBufferSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:          logger.Discard(),
		pingInterval: defaultPingInterval,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("notify"))
	return h
}

// Notify publishes to the user's live connections without blocking. A user
// with no open connection is not an error.
func (h *Hub) Notify(ctx context.Context, userID string, kind vip.NotificationKind, payload any) error {
	n := h.hub.Publish(userID, Message{
		Type:      string(kind),
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	h.log.DebugContext(ctx, "notification published",
		logger.UserID(userID),
		slog.String("kind", string(kind)),
		slog.Int("receivers", n),
	)
	return nil
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	return h.hub.Subscribers(userID)
}

// ServeHTTP upgrades an authenticated request and streams the user's
// notifications until either side goes away. Mount it behind jwt.Require.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := jwt.UserID(r.Context())
	if userID == "" {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.log.WarnContext(r.Context(), "websocket upgrade failed", logger.UserID(userID), logger.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sub := h.hub.Subscribe(ctx, userID)
	defer sub.Close()

	log := h.log.With(logger.UserID(userID))
	log.DebugContext(ctx, "websocket connected")

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, sub, log)

	_ = conn.Close()
	log.DebugContext(ctx, "websocket disconnected")
}

// readLoop discards client frames and keeps the read deadline fresh on pong.
// It cancels the connection context when the client goes away.
func (h *Hub) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxInboundMessage)
	_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub broadcast.Subscriber[Message], log *slog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.writeClose(conn, websocket.CloseNormalClosure, "")
			return

		case msg, ok := <-sub.C():
			if !ok {
				// Dropped as a slow consumer or the hub shut down.
				h.writeClose(conn, websocket.CloseTryAgainLater, "reconnect")
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.ErrorContext(ctx, "failed to encode notification", logger.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(h.writeTimeout))
}

// Close disconnects every client.
func (h *Hub) Close() error {
	return h.hub.Close()
}
