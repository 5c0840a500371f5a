// Package realtime delivers board and suggestion events to chat sessions.
// Notifications are fire-and-forget: Notify never blocks on delivery and
// never reports failure to the caller.
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardpilot/api/internal/telemetry"
)

const (
	EventSuggestionAccepted = "suggestion:accepted"
	EventSuggestionRejected = "suggestion:rejected"
	EventSuggestionModified = "suggestion:modified"
	EventBoardCreated       = "board:created"
	EventBoardUpdated       = "board:updated"
	EventTaskCreated        = "task:created"
	EventTaskUpdated        = "task:updated"
)

// Event is the envelope published for every notification.
type Event struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
}

func encodeEvent(sessionID, event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Event{SessionID: sessionID, Event: event, Payload: raw, SentAt: time.Now().UTC()})
}

type Notifier interface {
	Notify(sessionID, event string, payload any)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(string, string, any) {}

// RedisPublisher publishes events to a per-session Redis channel so every API
// instance can fan them out to its own websocket clients.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRedisPublisher(client *redis.Client, prefix string, timeout time.Duration) *RedisPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisPublisher{client: client, prefix: prefix, timeout: timeout}
}

func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

// Pattern matches every channel this publisher writes to.
func (p *RedisPublisher) Pattern() string {
	return p.prefix + "*"
}

func (p *RedisPublisher) Notify(sessionID, event string, payload any) {
	if strings.TrimSpace(sessionID) == "" {
		return
	}
	data, err := encodeEvent(sessionID, event, payload)
	if err != nil {
		telemetry.Notifications.WithLabelValues("redis", "error").Inc()
		log.WithError(err).WithField("event", event).Warn("encode notification")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		err := p.client.Publish(ctx, p.Channel(sessionID), data).Err()
		telemetry.Notifications.WithLabelValues("redis", telemetry.Result(err)).Inc()
		if err != nil {
			log.WithFields(log.Fields{
				"session_id": sessionID,
				"event":      event,
			}).WithError(err).Warn("publish notification")
		}
	}()
}

// Wait blocks until in-flight publishes have finished.
func (p *RedisPublisher) Wait() {
	p.wg.Wait()
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(sessionID, event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{SessionID: sessionID, Event: event, Payload: raw, SentAt: time.Now().UTC()})
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	events := r.Events()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Event)
	}
	return names
}
