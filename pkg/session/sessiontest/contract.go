// Package sessiontest holds the behavioral tests every session store implementation must pass.
package sessiontest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/heartsync/callsig/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// Creates a fresh, empty store for a single test.
type Factory func(t *testing.T) session.Store

func RunStoreTests(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("get missing session", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("single active session", func(t *testing.T) { testSingleActiveSession(t, newStore(t)) })
	t.Run("partial update", func(t *testing.T) { testPartialUpdate(t, newStore(t)) })
	t.Run("terminal session", func(t *testing.T) { testTerminalSession(t, newStore(t)) })
	t.Run("session subscription", func(t *testing.T) { testSessionSubscription(t, newStore(t)) })
	t.Run("candidate subscription", func(t *testing.T) { testCandidateSubscription(t, newStore(t)) })
	t.Run("candidates reset per attempt", func(t *testing.T) { testCandidatesReset(t, newStore(t)) })
}

func Ringing(attemptID, callerID, calleeID string) session.CallSession {
	return session.CallSession{
		AttemptID: attemptID,
		CallerID:  callerID,
		CalleeID:  calleeID,
		MediaKind: session.MediaKindVideo,
		Status:    session.StatusRinging,
		Offer:     &session.Description{Type: "offer", SDP: "offer-" + attemptID},
	}
}

func Candidate(attemptID, from, line string) session.IceCandidate {
	mid := "0"
	index := uint16(0)
	return session.IceCandidate{
		AttemptID:         attemptID,
		FromParticipantID: from,
		Candidate: session.Candidate{
			Candidate:     line,
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		},
	}
}

// Thread-safe recorder of values delivered to a subscription callback.
type Recorder[T any] struct {
	mutex  sync.Mutex
	values []T
}

func (r *Recorder[T]) Record(value T) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.values = append(r.values, value)
}

func (r *Recorder[T]) Values() []T {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]T(nil), r.values...)
}

func (r *Recorder[T]) WaitLen(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Values()) >= n }, waitFor, 10*time.Millisecond)
	return r.Values()
}

func testGetMissing(t *testing.T, store session.Store) {
	_, err := store.GetSession(context.Background(), "chat")
	assert.ErrorIs(t, err, session.ErrNotFound)

	err = store.UpdateSession(context.Background(), "chat", session.EndAttempt(""))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testSingleActiveSession(t *testing.T, store session.Store) {
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))
	assert.ErrorIs(t, store.CreateSession(ctx, "chat", Ringing("a2", "bob", "alice")), session.ErrSessionActive)

	// Other conversations are independent.
	require.NoError(t, store.CreateSession(ctx, "other", Ringing("a3", "alice", "carol")))

	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a2", "bob", "alice")))

	current, err := store.GetSession(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, "a2", current.AttemptID)
	assert.Equal(t, "chat", current.ConversationID)
	assert.Equal(t, session.StatusRinging, current.Status)
	assert.False(t, current.CreatedAt.IsZero())
}

func testPartialUpdate(t *testing.T, store session.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))

	connected := session.StatusConnected
	answer := session.Description{Type: "answer", SDP: "answer-a1"}
	require.NoError(t, store.UpdateSession(ctx, "chat", session.Update{Status: &connected, Answer: &answer, IfAttempt: "a1"}))

	current, err := store.GetSession(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, current.Status)
	require.NotNil(t, current.Answer)
	assert.Equal(t, answer, *current.Answer)
	require.NotNil(t, current.Offer)
	assert.Equal(t, "offer-a1", current.Offer.SDP)
	assert.Equal(t, "alice", current.CallerID)

	err = store.UpdateSession(ctx, "chat", session.EndAttempt("stale"))
	assert.ErrorIs(t, err, session.ErrAttemptMismatch)
}

func testTerminalSession(t *testing.T, store session.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))
	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))

	// Ending twice is fine, anything else is rejected.
	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))

	connected := session.StatusConnected
	err := store.UpdateSession(ctx, "chat", session.Update{Status: &connected})
	assert.ErrorIs(t, err, session.ErrSessionEnded)

	current, err := store.GetSession(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, current.Status)
}

func testSessionSubscription(t *testing.T, store session.Store) {
	ctx := context.Background()
	var recorder Recorder[*session.CallSession]

	sub, err := store.SubscribeSession(ctx, "chat", recorder.Record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// The initial snapshot of a missing document is nil.
	values := recorder.WaitLen(t, 1)
	assert.Nil(t, values[0])

	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))
	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))

	values = recorder.WaitLen(t, 3)
	require.NotNil(t, values[1])
	assert.Equal(t, session.StatusRinging, values[1].Status)
	require.NotNil(t, values[2])
	assert.Equal(t, session.StatusEnded, values[2].Status)
	assert.Greater(t, values[2].Revision, values[1].Revision)

	// A late subscriber gets the current document right away.
	var late Recorder[*session.CallSession]
	lateSub, err := store.SubscribeSession(ctx, "chat", late.Record)
	require.NoError(t, err)
	defer lateSub.Unsubscribe()

	lateValues := late.WaitLen(t, 1)
	require.NotNil(t, lateValues[0])
	assert.Equal(t, session.StatusEnded, lateValues[0].Status)

	// Nothing is delivered after unsubscribing.
	sub.Unsubscribe()
	sub.Unsubscribe()
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a2", "alice", "bob")))
	late.WaitLen(t, 2)
	assert.Len(t, recorder.Values(), 3)
}

func testCandidateSubscription(t *testing.T, store session.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))

	require.NoError(t, store.AppendCandidate(ctx, "chat", Candidate("a1", "alice", "c1")))
	require.NoError(t, store.AppendCandidate(ctx, "chat", Candidate("a1", "bob", "c2")))

	var recorder Recorder[session.IceCandidate]
	sub, err := store.SubscribeCandidates(ctx, "chat", recorder.Record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, store.AppendCandidate(ctx, "chat", Candidate("a1", "alice", "c3")))

	values := recorder.WaitLen(t, 3)
	require.Len(t, values, 3)
	for i, line := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, line, values[i].Candidate.Candidate)
		assert.Equal(t, "a1", values[i].AttemptID)
		assert.False(t, values[i].CreatedAt.IsZero())
		if i > 0 {
			assert.Greater(t, values[i].Sequence, values[i-1].Sequence)
		}
	}
	require.NotNil(t, values[1].Candidate.SDPMid)
	assert.Equal(t, "0", *values[1].Candidate.SDPMid)
	assert.Equal(t, "bob", values[1].FromParticipantID)

	err = store.AppendCandidate(ctx, "chat", Candidate("stale", "alice", "c4"))
	assert.ErrorIs(t, err, session.ErrAttemptMismatch)
}

func testCandidatesReset(t *testing.T, store session.Store) {
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a1", "alice", "bob")))
	require.NoError(t, store.AppendCandidate(ctx, "chat", Candidate("a1", "alice", "old")))
	require.NoError(t, store.UpdateSession(ctx, "chat", session.EndAttempt("a1")))

	require.NoError(t, store.CreateSession(ctx, "chat", Ringing("a2", "alice", "bob")))
	require.NoError(t, store.AppendCandidate(ctx, "chat", Candidate("a2", "alice", "new")))

	var recorder Recorder[session.IceCandidate]
	sub, err := store.SubscribeCandidates(ctx, "chat", recorder.Record)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	values := recorder.WaitLen(t, 1)
	// Give a stale replay the chance to show up.
	time.Sleep(50 * time.Millisecond)
	values = recorder.Values()
	require.Len(t, values, 1)
	assert.Equal(t, "new", values[0].Candidate.Candidate)
}
