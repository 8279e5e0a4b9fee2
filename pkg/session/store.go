package session

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("call session not found")
	ErrSessionActive   = errors.New("conversation already has an active call session")
	ErrSessionEnded    = errors.New("call session has ended")
	ErrAttemptMismatch = errors.New("call session belongs to another attempt")
	ErrStoreClosed     = errors.New("session store is closed")
)

// Handle of a real-time subscription.
type Subscription interface {
	// Stops the delivery. Safe to call multiple times.
	Unsubscribe()
}

// Document store used as the signaling relay between both participants of a call.
// The store is keyed by conversation id and holds one call session document with
// a subcollection of ICE candidates.
type Store interface {
	// Returns `ErrNotFound` if there is no session for the conversation.
	GetSession(ctx context.Context, conversationID string) (*CallSession, error)
	// Creates a fresh session in the slot of the conversation. Fails with `ErrSessionActive`
	// if a session that has not ended exists. Resets the candidate subcollection.
	CreateSession(ctx context.Context, conversationID string, session CallSession) error
	// Partially updates the session.
	UpdateSession(ctx context.Context, conversationID string, update Update) error
	// Delivers the current document (nil if absent) and then every change.
	SubscribeSession(ctx context.Context, conversationID string, onChange func(*CallSession)) (Subscription, error)
	// Appends a candidate to the subcollection of the current session.
	AppendCandidate(ctx context.Context, conversationID string, candidate IceCandidate) error
	// Delivers existing candidates in append order and then every new one.
	SubscribeCandidates(ctx context.Context, conversationID string, onAppend func(IceCandidate)) (Subscription, error)
}

// Adapts a function to the `Subscription` interface.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	f()
}
