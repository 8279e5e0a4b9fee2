package session

import (
	"time"
)

// Kind of media that a call carries.
type MediaKind string

const (
	MediaKindVoice MediaKind = "voice"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindVoice || k == MediaKindVideo
}

// Status of a call session document as seen by both participants.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Session description (offer or answer). The SDP is opaque to the store.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// The call session document. There is a single slot per conversation: a new call
// attempt reuses the slot once the previous session has ended.
type CallSession struct {
	ConversationID string       `json:"conversationId"`
	AttemptID      string       `json:"attemptId"`
	CallerID       string       `json:"callerId"`
	CalleeID       string       `json:"calleeId"`
	MediaKind      MediaKind    `json:"mediaKind"`
	Status         Status       `json:"status"`
	Offer          *Description `json:"offer,omitempty"`
	Answer         *Description `json:"answer,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	// Assigned by the store, grows with every write to the document.
	Revision uint64 `json:"revision"`
}

// Active tells whether the session still occupies the conversation slot.
func (s *CallSession) Active() bool {
	return s != nil && s.Status != StatusEnded
}

// Returns a deep copy so that subscribers can't alter the stored document.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}

	clone := *s
	if s.Offer != nil {
		offer := *s.Offer
		clone.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		clone.Answer = &answer
	}

	return &clone
}

// Connectivity descriptor as produced by the peer connection.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// An entry of the append-only candidate subcollection of a session.
type IceCandidate struct {
	AttemptID         string    `json:"attemptId"`
	FromParticipantID string    `json:"fromParticipantId"`
	Candidate         Candidate `json:"candidate"`
	CreatedAt         time.Time `json:"createdAt"`
	// Assigned by the store on append, strictly increasing within a conversation.
	Sequence uint64 `json:"sequence"`
}

// Partial update of a session document. Nil fields are left untouched.
type Update struct {
	Status *Status
	Answer *Description
	// When set, the update only applies to the document of the given attempt.
	IfAttempt string
}

// Shortcut for an update that ends the given attempt.
func EndAttempt(attemptID string) Update {
	ended := StatusEnded
	return Update{Status: &ended, IfAttempt: attemptID}
}

// Checks whether the update may be applied to the current document and returns
// the updated copy. Shared by the store implementations.
func (u Update) ApplyTo(current *CallSession) (*CallSession, error) {
	if current == nil {
		return nil, ErrNotFound
	}

	if u.IfAttempt != "" && current.AttemptID != u.IfAttempt {
		return nil, ErrAttemptMismatch
	}

	if current.Status == StatusEnded {
		// Ending an ended session is a no-op, anything else mutates a terminal document.
		if u.Answer == nil && u.Status != nil && *u.Status == StatusEnded {
			return current.Clone(), nil
		}
		return nil, ErrSessionEnded
	}

	updated := current.Clone()
	if u.Status != nil {
		updated.Status = *u.Status
	}
	if u.Answer != nil {
		answer := *u.Answer
		updated.Answer = &answer
	}
	updated.Revision++

	return updated, nil
}
