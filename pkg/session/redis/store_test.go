package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/heartsync/callsig/pkg/session"
	"github.com/heartsync/callsig/pkg/session/redis"
	"github.com/heartsync/callsig/pkg/session/sessiontest"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return redis.NewStore(client, "test"), server
}

func TestRedisStore(t *testing.T) {
	sessiontest.RunStoreTests(t, func(t *testing.T) session.Store {
		store, _ := newStore(t)
		return store
	})
}

func TestKeyLayout(t *testing.T) {
	store, server := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, "chat", sessiontest.Ringing("a1", "alice", "bob")))
	require.NoError(t, store.AppendCandidate(ctx, "chat", sessiontest.Candidate("a1", "alice", "c1")))

	assert.True(t, server.Exists("test:call:chat"))
	attempt, err := server.Get("test:call:chat:attempt")
	require.NoError(t, err)
	assert.Equal(t, "a1", attempt)
	assert.True(t, server.Exists("test:call:chat:candidates"))

	// A new attempt drops the candidates of the previous one.
	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))
	require.NoError(t, store.CreateSession(ctx, "chat", sessiontest.Ringing("a2", "alice", "bob")))
	assert.False(t, server.Exists("test:call:chat:candidates"))
}

func TestCorruptDocument(t *testing.T) {
	store, server := newStore(t)
	require.NoError(t, server.Set("test:call:chat", "{not json"))

	_, err := store.GetSession(context.Background(), "chat")
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrNotFound)
}

func TestConnectFailure(t *testing.T) {
	_, err := redis.Connect(context.Background(), redis.Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestSubscribeCandidatesHonoursContext(t *testing.T) {
	store, server := newStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.SubscribeCandidates(ctx, "chat", func(session.IceCandidate) {})
	assert.ErrorIs(t, err, context.Canceled)

	server.Close()
	_, err = store.SubscribeCandidates(context.Background(), "chat", func(session.IceCandidate) {})
	assert.Error(t, err)
}
