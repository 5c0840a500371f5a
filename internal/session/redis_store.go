// Package session stores chat transcripts for assistant sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var ErrEmptyMessage = errors.New("message session and content are required")

// Message is one transcript entry.
type Message struct {
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the chat-session collaborator used by the suggestion lifecycle.
type Store interface {
	AddMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, sessionID string) ([]Message, error)
}

func prepare(msg Message) (Message, error) {
	if strings.TrimSpace(msg.SessionID) == "" || strings.TrimSpace(msg.Content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg, nil
}

// RedisStore keeps each transcript in a Redis list with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed transcript store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "chat:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Client exposes the underlying connection so other components can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// AddMessage appends msg to its session and refreshes the transcript TTL.
func (s *RedisStore) AddMessage(ctx context.Context, msg Message) error {
	msg, err := prepare(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := s.key(msg.SessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// Messages returns the transcript oldest first. An unknown or expired session
// yields an empty slice.
func (s *RedisStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	items := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		items = append(items, msg)
	}
	return items, nil
}

// ClearSession deletes a transcript
func (s *RedisStore) ClearSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemoryStore keeps transcripts in process. Used when Redis is not configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

func (s *MemoryStore) AddMessage(_ context.Context, msg Message) error {
	msg, err := prepare(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], msg)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Message, len(s.sessions[sessionID]))
	copy(items, s.sessions[sessionID])
	return items, nil
}

func (s *MemoryStore) ClearSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
