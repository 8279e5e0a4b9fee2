package call

import (
	"errors"
	"time"

	"github.com/heartsync/callsig/pkg/session"
)

const (
	DefaultRingTimeout        = 45 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultStoreTimeout       = 5 * time.Second
)

// Configuration of the call between the local and the remote participant of a conversation.
type Config struct {
	ConversationID string            `yaml:"conversationId"`
	LocalID        string            `yaml:"localId"`
	RemoteID       string            `yaml:"remoteId"`
	MediaKind      session.MediaKind `yaml:"mediaKind"`
	// How long a call may ring before the caller gives up or the callee stops showing it.
	RingTimeout time.Duration `yaml:"ringTimeout"`
	// Upper bound of starting or accepting a call.
	NegotiationTimeout time.Duration `yaml:"negotiationTimeout"`
	// Upper bound of the best-effort store writes done on hangup.
	StoreTimeout time.Duration `yaml:"storeTimeout"`
}

func (c Config) WithDefaults() Config {
	if c.MediaKind == "" {
		c.MediaKind = session.MediaKindVoice
	}
	if c.RingTimeout == 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.NegotiationTimeout == 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.ConversationID == "":
		return errors.New("conversation id is missing")
	case c.LocalID == "":
		return errors.New("local participant id is missing")
	case c.RemoteID == "":
		return errors.New("remote participant id is missing")
	case c.LocalID == c.RemoteID:
		return errors.New("local and remote participants must differ")
	case !c.MediaKind.Valid():
		return errors.New("media kind must be voice or video")
	case c.RingTimeout < 0 || c.NegotiationTimeout < 0 || c.StoreTimeout < 0:
		return errors.New("timeouts must not be negative")
	}
	return nil
}
