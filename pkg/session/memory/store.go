package memory

import (
	"context"
	"sync"
	"time"

	"github.com/heartsync/callsig/pkg/session"
	"github.com/sirupsen/logrus"
)

// In-process implementation of the session store with real-time subscriptions.
type Store struct {
	mutex         sync.Mutex
	conversations map[string]*conversation
	nextSubID     uint64
	closed        bool
	logger        *logrus.Entry
}

var _ session.Store = (*Store)(nil)

type conversation struct {
	session       *session.CallSession
	revision      uint64
	candidates    []session.IceCandidate
	sequence      uint64
	sessionSubs   map[uint64]*delivery[*session.CallSession]
	candidateSubs map[uint64]*delivery[session.IceCandidate]
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*conversation),
		logger:        logrus.WithField("store", "memory"),
	}
}

// Stops all subscriptions. Any further call fails with `session.ErrStoreClosed`.
func (s *Store) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	for _, conv := range s.conversations {
		for id, sub := range conv.sessionSubs {
			sub.stop()
			delete(conv.sessionSubs, id)
		}
		for id, sub := range conv.candidateSubs {
			sub.stop()
			delete(conv.candidateSubs, id)
		}
	}
}

func (s *Store) GetSession(ctx context.Context, conversationID string) (*session.CallSession, error) {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer s.mutex.Unlock()

	if conv.session == nil {
		return nil, session.ErrNotFound
	}

	return conv.session.Clone(), nil
}

func (s *Store) CreateSession(ctx context.Context, conversationID string, callSession session.CallSession) error {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.mutex.Unlock()

	if conv.session.Active() {
		return session.ErrSessionActive
	}

	created := callSession.Clone()
	created.ConversationID = conversationID
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now()
	}
	conv.revision++
	created.Revision = conv.revision

	conv.session = created
	conv.candidates = nil
	s.publishSession(conv)

	return nil
}

func (s *Store) UpdateSession(ctx context.Context, conversationID string, update session.Update) error {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.mutex.Unlock()

	updated, err := update.ApplyTo(conv.session)
	if err != nil {
		return err
	}

	if updated.Revision == conv.session.Revision {
		// Idempotent write, nothing changed.
		return nil
	}

	conv.revision = updated.Revision
	conv.session = updated
	s.publishSession(conv)

	return nil
}

func (s *Store) SubscribeSession(
	ctx context.Context,
	conversationID string,
	onChange func(*session.CallSession),
) (session.Subscription, error) {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer s.mutex.Unlock()

	sub := startDelivery(onChange)
	sub.push(conv.session.Clone())

	id := s.nextSubID
	s.nextSubID++
	conv.sessionSubs[id] = sub

	return session.SubscriptionFunc(func() {
		s.mutex.Lock()
		delete(conv.sessionSubs, id)
		s.mutex.Unlock()
		sub.stop()
	}), nil
}

func (s *Store) AppendCandidate(ctx context.Context, conversationID string, candidate session.IceCandidate) error {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer s.mutex.Unlock()

	if conv.session == nil {
		return session.ErrNotFound
	}

	if candidate.AttemptID != "" && candidate.AttemptID != conv.session.AttemptID {
		return session.ErrAttemptMismatch
	}

	conv.sequence++
	candidate.Sequence = conv.sequence
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now()
	}

	conv.candidates = append(conv.candidates, candidate)
	for _, sub := range conv.candidateSubs {
		sub.push(candidate)
	}

	return nil
}

func (s *Store) SubscribeCandidates(
	ctx context.Context,
	conversationID string,
	onAppend func(session.IceCandidate),
) (session.Subscription, error) {
	conv, err := s.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer s.mutex.Unlock()

	sub := startDelivery(onAppend)
	for _, candidate := range conv.candidates {
		sub.push(candidate)
	}

	id := s.nextSubID
	s.nextSubID++
	conv.candidateSubs[id] = sub

	return session.SubscriptionFunc(func() {
		s.mutex.Lock()
		delete(conv.candidateSubs, id)
		s.mutex.Unlock()
		sub.stop()
	}), nil
}

// Locks the store and returns the conversation entry (created on demand).
// The caller must unlock the store unless an error is returned.
func (s *Store) lock(ctx context.Context, conversationID string) (*conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, session.ErrStoreClosed
	}

	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{
			sessionSubs:   make(map[uint64]*delivery[*session.CallSession]),
			candidateSubs: make(map[uint64]*delivery[session.IceCandidate]),
		}
		s.conversations[conversationID] = conv
	}

	return conv, nil
}

func (s *Store) publishSession(conv *conversation) {
	s.logger.WithFields(logrus.Fields{
		"conversation_id": conv.session.ConversationID,
		"attempt_id":      conv.session.AttemptID,
		"status":          conv.session.Status,
		"revision":        conv.session.Revision,
	}).Debug("session changed")

	for _, sub := range conv.sessionSubs {
		sub.push(conv.session.Clone())
	}
}
