package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

type client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
}

// Hub tracks websocket clients per chat session and delivers events to them.
// Used directly as a Notifier in single-instance mode, or fed from Redis by
// Run when several instances share a publisher.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*client]struct{}
}

// NewHub accepts upgrades from allowedOrigin, or from any origin when it is
// empty or "*".
func NewHub(allowedOrigin string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		sessions: make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades the request and streams sessionID's events until the peer
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	c := &client{sessionID: sessionID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)

	go h.writePump(c)
	h.readPump(c)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[c.sessionID]
	if !ok {
		set = make(map[*client]struct{})
		h.sessions[c.sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[c.sessionID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.sessions, c.sessionID)
	}
}

// readPump only services control frames; clients never send events.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Notify delivers an event to this instance's clients only.
func (h *Hub) Notify(sessionID, event string, payload any) {
	data, err := encodeEvent(sessionID, event, payload)
	if err != nil {
		log.WithError(err).WithField("event", event).Warn("encode notification")
		return
	}
	h.deliver(sessionID, data)
}

func (h *Hub) deliver(sessionID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.sessions[sessionID] {
		select {
		case c.send <- data:
			telemetry.Notifications.WithLabelValues("websocket", "ok").Inc()
		default:
			telemetry.Notifications.WithLabelValues("websocket", "dropped").Inc()
			log.WithField("session_id", sessionID).Warn("websocket client too slow, dropping event")
		}
	}
}

// Clients reports how many websocket clients are attached to sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Run subscribes to pattern on Redis and fans every received event out to
// local clients. It re-subscribes with exponential backoff until ctx ends.
func (h *Hub) Run(ctx context.Context, rdb *redis.Client, pattern string) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := h.consume(ctx, rdb, pattern)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			bo.Reset()
			return fmt.Errorf("subscription to %s closed", pattern)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("realtime subscription lost")
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Hub) consume(ctx context.Context, rdb *redis.Client, pattern string) error {
	sub := rdb.PSubscribe(ctx, pattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	log.WithField("pattern", pattern).Info("realtime subscription active")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil || evt.SessionID == "" {
				log.WithField("channel", msg.Channel).Warn("discarding malformed realtime event")
				continue
			}
			h.deliver(evt.SessionID, []byte(msg.Payload))
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, set := range h.sessions {
		for c := range set {
			close(c.send)
		}
		delete(h.sessions, sessionID)
	}
}
