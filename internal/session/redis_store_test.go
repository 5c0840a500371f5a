package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	require.NoError(t, err, "failed to create redis store")
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url", time.Hour)
	assert.Error(t, err)
}

func TestAddAndListMessages(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "chat-1", Role: RoleUser, Content: "looks good"}))
	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "chat-1", Role: RoleSystem, Content: "Board created"}))

	msgs, err := store.Messages(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Board created", msgs[1].Content)
	assert.False(t, msgs[0].CreatedAt.IsZero())

	assert.Equal(t, time.Hour, s.TTL("chat:chat-1"))
}

func TestMessagesExpire(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "chat-1", Content: "hi"}))
	s.FastForward(2 * time.Hour)

	msgs, err := store.Messages(ctx, "chat-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAddMessageRejectsEmpty(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.AddMessage(ctx, Message{SessionID: "chat-1"}), ErrEmptyMessage)
	assert.ErrorIs(t, store.AddMessage(ctx, Message{Content: "orphan"}), ErrEmptyMessage)
}

func TestSessionIsolation(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "a", Content: "one"}))
	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "b", Content: "two"}))
	require.NoError(t, store.ClearSession(ctx, "a"))

	msgs, err := store.Messages(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = store.Messages(ctx, "b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestMemoryStoreMatchesRedisBehaviour(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "a", Content: "one"}))
	require.NoError(t, store.AddMessage(ctx, Message{SessionID: "a", Role: RoleSystem, Content: "two"}))
	assert.ErrorIs(t, store.AddMessage(ctx, Message{SessionID: "a"}), ErrEmptyMessage)

	msgs, err := store.Messages(ctx, "a")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	msgs[0].Content = "mutated"

	again, _ := store.Messages(ctx, "a")
	assert.Equal(t, "one", again[0].Content)

	require.NoError(t, store.ClearSession(ctx, "a"))
	again, _ = store.Messages(ctx, "a")
	assert.Empty(t, again)
}
